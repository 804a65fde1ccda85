// Package crawler implements the sliding-window crawler producer: it
// pages through list_battles, upserts each battle, decides
// kills-fetch/notification enqueue, advances the watermark, and wraps the
// whole loop in a rate-limit slowdown state machine.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/source"
)

// Source is the narrow source.Client surface the crawler needs.
type Source interface {
	ListBattles(ctx context.Context, page, minPlayers int) ([]source.BattleSummary, error)
	Observer() *source.RateLimitObserver
	Throttle(perSecond rate.Limit)
}

// Store is the narrow persistence surface the crawler needs.
type Store interface {
	UpsertBattle(ctx context.Context, b models.Battle) error
	GetBattle(ctx context.Context, albionID uint64) (*models.Battle, error)
	SetWatermark(ctx context.Context, t time.Time, softLookback time.Duration) error
}

// Enqueuer is the narrow queue.Queue surface the crawler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, opts queue.Options) (jobID string, alreadyQueued bool, err error)
}

// Config tunes one Crawler instance.
type Config struct {
	CrawlInterval      time.Duration
	MaxPagesPerCrawl   int
	SoftLookback       time.Duration
	MinPlayers         int
	RecheckDoneBattle  time.Duration
	DebounceKills      time.Duration
	SlowdownDuration   time.Duration
}

// Crawler runs the periodic battle-discovery loop.
type Crawler struct {
	source      Source
	store       Store
	killsQueue  Enqueuer
	notifyQueue Enqueuer
	cfg         Config
	logger      *zap.SugaredLogger

	slowUntil time.Time
	slowing   bool
}

// slowdownRequestRate caps the client at one request per two seconds while
// a slowdown period is active.
const slowdownRequestRate rate.Limit = 0.5

// New builds a Crawler. killsQueue and notifyQueue are expected to be the
// "kills-fetch" and "battle-notification" logical queues respectively.
func New(src Source, store Store, killsQueue, notifyQueue Enqueuer, cfg Config, logger *zap.SugaredLogger) *Crawler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Crawler{
		source:      src,
		store:       store,
		killsQueue:  killsQueue,
		notifyQueue: notifyQueue,
		cfg:         cfg,
		logger:      logger,
	}
}

// killsFetchPayload is the body of a kills-fetch job.
type killsFetchPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

// notifyPayload is the body of a battle-notification job.
type notifyPayload struct {
	AlbionID  uint64    `json:"albion_id"`
	StartedAt time.Time `json:"started_at"`
}

// Run ticks RunOnce every cfg.CrawlInterval until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) error {
	if err := c.RunOnce(ctx); err != nil {
		c.logger.Errorw("crawl iteration failed", "error", err)
	}

	ticker := time.NewTicker(c.cfg.CrawlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.logger.Errorw("crawl iteration failed", "error", err)
			}
		}
	}
}

// RunOnce performs one crawl invocation: the slowdown wait, the page
// loop, and the watermark advance.
func (c *Crawler) RunOnce(ctx context.Context) error {
	if err := c.maybeWaitSlowdown(ctx); err != nil {
		return err
	}
	crawlsRun.Inc()

	now := time.Now()
	softCutoff := now.Add(-c.cfg.SoftLookback)
	var maxStartedAtSeen time.Time

	for page := 0; page < c.cfg.MaxPagesPerCrawl; page++ {
		battles, err := c.source.ListBattles(ctx, page, c.cfg.MinPlayers)
		if err != nil {
			return fmt.Errorf("crawler: list_battles page %d: %w", page, err)
		}
		if len(battles) == 0 {
			break
		}

		pageHasRecent := false
		var mu sync.Mutex
		var g errgroup.Group
		for _, b := range battles {
			b := b
			g.Go(func() error {
				if err := c.ingestOne(ctx, b, now); err != nil {
					c.logger.Warnw("failed to ingest battle", "albion_id", b.AlbionID, "error", err)
					return nil
				}
				mu.Lock()
				if b.StartedAt.After(maxStartedAtSeen) {
					maxStartedAtSeen = b.StartedAt
				}
				if !b.StartedAt.Before(softCutoff) {
					pageHasRecent = true
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait() // ingestOne never returns a group-fatal error; failures are logged and skipped per battle
		if !pageHasRecent {
			break
		}
	}

	if maxStartedAtSeen.IsZero() {
		return nil
	}

	ceiling := now.Add(-c.cfg.SoftLookback)
	watermark := maxStartedAtSeen
	if watermark.After(ceiling) {
		watermark = ceiling
	}
	if err := c.store.SetWatermark(ctx, watermark, c.cfg.SoftLookback); err != nil {
		return fmt.Errorf("crawler: set watermark: %w", err)
	}
	watermarkLag.Set(time.Since(watermark).Seconds())
	return nil
}

// ingestOne upserts one battle and applies the kills-enqueue policy
// plus the always-enqueue battle-notification rule for newly seen battles.
func (c *Crawler) ingestOne(ctx context.Context, s source.BattleSummary, now time.Time) error {
	existing, err := c.store.GetBattle(ctx, s.AlbionID)
	isNew := false
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			isNew = true
			existing = nil
		} else {
			return fmt.Errorf("lookup battle %d: %w", s.AlbionID, err)
		}
	}

	b := models.Battle{
		AlbionID:      s.AlbionID,
		StartedAt:     s.StartedAt,
		TotalFame:     s.TotalFame,
		TotalKills:    s.TotalKills,
		TotalPlayers:  s.TotalPlayers,
		AlliancesJSON: s.AlliancesJSON,
		GuildsJSON:    s.GuildsJSON,
	}
	if err := c.store.UpsertBattle(ctx, b); err != nil {
		return fmt.Errorf("upsert battle %d: %w", s.AlbionID, err)
	}
	battlesIngested.Inc()

	decision := models.Battle{StartedAt: s.StartedAt}
	if existing != nil {
		decision.KillsFetchedAt = existing.KillsFetchedAt
	}
	if decision.ShouldEnqueueKills(now, c.cfg.RecheckDoneBattle, c.cfg.DebounceKills) {
		c.enqueueKillsFetch(ctx, s.AlbionID)
	}

	if isNew {
		c.enqueueNotification(ctx, s.AlbionID, s.StartedAt)
	}
	return nil
}

func (c *Crawler) enqueueKillsFetch(ctx context.Context, albionID uint64) {
	payload, err := json.Marshal(killsFetchPayload{AlbionID: albionID})
	if err != nil {
		c.logger.Errorw("failed to marshal kills-fetch payload", "albion_id", albionID, "error", err)
		return
	}
	_, _, err = c.killsQueue.Enqueue(ctx, payload, queue.Options{
		JobID:            fmt.Sprintf("battle-%d", albionID),
		Attempts:         5,
		Backoff:          queue.Backoff{BaseMs: 5000},
		RemoveOnComplete: queue.CleanupPolicy{Count: 50},
		RemoveOnFail:     queue.CleanupPolicy{Count: 25},
	})
	if err != nil {
		c.logger.Warnw("failed to enqueue kills-fetch", "albion_id", albionID, "error", err)
	}
}

func (c *Crawler) enqueueNotification(ctx context.Context, albionID uint64, startedAt time.Time) {
	payload, err := json.Marshal(notifyPayload{AlbionID: albionID, StartedAt: startedAt})
	if err != nil {
		c.logger.Errorw("failed to marshal notification payload", "albion_id", albionID, "error", err)
		return
	}
	_, _, err = c.notifyQueue.Enqueue(ctx, payload, queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{BaseMs: 2000},
	})
	if err != nil {
		c.logger.Warnw("failed to enqueue battle notification", "albion_id", albionID, "error", err)
	}
}

// maybeWaitSlowdown implements the rate-limit slowdown state
// machine: a cooperative pause of cfg.SlowdownDuration (120s by default)
// entered once the observer reports
// a rate-limit ratio over threshold, and not re-entered while still active.
// While a slowdown runs, the source client's token bucket is capped at
// slowdownRequestRate; the cap lifts once the timer expires.
func (c *Crawler) maybeWaitSlowdown(ctx context.Context) error {
	now := time.Now()
	if now.Before(c.slowUntil) {
		return c.sleep(ctx, c.slowUntil.Sub(now))
	}

	if c.slowing {
		c.source.Throttle(0)
		c.slowing = false
		c.logger.Infow("rate-limit slowdown expired")
	}

	if c.source.Observer().ShouldSlowDown() {
		c.slowUntil = time.Now().Add(c.cfg.SlowdownDuration)
		c.slowing = true
		c.source.Throttle(slowdownRequestRate)
		slowdownsEntered.Inc()
		c.logger.Warnw("entering rate-limit slowdown", "duration", c.cfg.SlowdownDuration)
		return c.sleep(ctx, c.cfg.SlowdownDuration)
	}
	return nil
}

func (c *Crawler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
