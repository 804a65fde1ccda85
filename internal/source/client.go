// Package source wraps the upstream game-data HTTP API: list_battles,
// battle_detail, battle_kills, search_guilds. It owns the rate-limit
// observer and retries idempotent GETs on network/5xx errors with
// exponential backoff bounded by an attempt count.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openmohaa/albion-mmr/internal/apierr"
)

// Config configures the HTTP Source Client.
type Config struct {
	BaseURL            string
	HTTPClient         *http.Client
	MaxAttempts        uint64
	RateLimitThreshold float64
	RateLimitWindow    int
	Logger             *zap.Logger
}

// Client is the typed handle through which all HTTP calls to the upstream
// game API flow. The RateLimitObserver it owns is borrowed, never global.
type Client struct {
	baseURL     string
	http        *http.Client
	observer    *RateLimitObserver
	limiter     *rate.Limiter
	maxAttempts uint64
	logger      *zap.SugaredLogger
}

// New constructs a Client. limiter starts effectively unlimited; Throttle
// tightens it for the duration of the crawler's cooperative pause.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		http:        httpClient,
		observer:    NewRateLimitObserverWindow(cfg.RateLimitThreshold, cfg.RateLimitWindow),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		maxAttempts: maxAttempts,
		logger:      logger.Sugar(),
	}
}

// Observer exposes the rate-limit observer handle so the crawler's
// slowdown state machine can read it.
func (c *Client) Observer() *RateLimitObserver { return c.observer }

// Throttle caps the client's token bucket at perSecond requests per second
// for cooperative self-throttling. Passing 0 (or less) removes the cap.
func (c *Client) Throttle(perSecond rate.Limit) {
	if perSecond <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(perSecond)
}

// ListBattles fetches one page of the paginated battle list.
func (c *Client) ListBattles(ctx context.Context, page, minPlayers int) ([]BattleSummary, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("minPlayers", strconv.Itoa(minPlayers))

	body, err := c.get(ctx, "list_battles", q)
	if err != nil {
		return nil, err
	}
	battles, skipped, err := parseBattleList(body)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		c.logger.Warnw("skipped malformed battle record", "error", s)
	}
	return battles, nil
}

// BattleDetail fetches the full detail (including guilds/alliances) for one
// battle.
func (c *Client) BattleDetail(ctx context.Context, albionID uint64) (BattleSummary, error) {
	body, err := c.get(ctx, "battle/"+strconv.FormatUint(albionID, 10), nil)
	if err != nil {
		return BattleSummary{}, err
	}
	return parseBattleDetail(body)
}

// BattleKills fetches the kill events for one battle.
func (c *Client) BattleKills(ctx context.Context, albionID uint64) ([]KillEvent, error) {
	q := url.Values{}
	q.Set("ids", strconv.FormatUint(albionID, 10))

	body, err := c.get(ctx, "battles/kills", q)
	if err != nil {
		return nil, err
	}
	events, skipped, err := parseKillEvents(body)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		c.logger.Warnw("skipped malformed kill event", "error", s)
	}
	return events, nil
}

// SearchGuilds looks up guilds by (partial) name.
func (c *Client) SearchGuilds(ctx context.Context, name string) ([]GuildSearchResult, error) {
	q := url.Values{}
	q.Set("name", name)

	body, err := c.get(ctx, "search/guilds", q)
	if err != nil {
		return nil, err
	}
	return parseGuildSearch(body)
}

// get performs a retried, rate-limit-observed GET against path?query.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apierr.New(apierr.Timeout, "get:"+path, err)
	}

	u := c.baseURL + "/" + path
	if query != nil {
		u += "?" + query.Encode()
	}

	var body []byte
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxAttempts-1)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(apierr.New(apierr.NetworkPermanent, "get:"+path, err))
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		upstreamRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			c.observer.Record(false)
			upstreamRequests.WithLabelValues("network_error").Inc()
			return apierr.New(apierr.NetworkTransient, "get:"+path, err)
		}
		defer resp.Body.Close()

		b, readErr := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.observer.Record(true)
			upstreamRequests.WithLabelValues("rate_limited").Inc()
			return apierr.New(apierr.RateLimited, "get:"+path, fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 500:
			c.observer.Record(false)
			upstreamRequests.WithLabelValues("upstream_5xx").Inc()
			return apierr.New(apierr.NetworkTransient, "get:"+path, fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			c.observer.Record(false)
			upstreamRequests.WithLabelValues("client_error").Inc()
			return backoff.Permanent(apierr.New(apierr.NetworkPermanent, "get:"+path, fmt.Errorf("status %d", resp.StatusCode)))
		}

		c.observer.Record(false)
		upstreamRequests.WithLabelValues("ok").Inc()
		if readErr != nil {
			return backoff.Permanent(apierr.New(apierr.DecodeError, "get:"+path, readErr))
		}
		body = b
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warnw("retrying upstream GET", "path", path, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}
