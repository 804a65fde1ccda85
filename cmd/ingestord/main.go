// Command ingestord runs the battle-ingestion and guild-MMR-rating
// pipeline: the Crawler Producer, the Gap-Recovery Sweeper, the Kills and
// MMR workers, the queue cleanup supervisor, and a minimal health surface,
// all against one shared Postgres pool and Redis client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmohaa/albion-mmr/internal/config"
	"github.com/openmohaa/albion-mmr/internal/crawler"
	"github.com/openmohaa/albion-mmr/internal/gaprecovery"
	"github.com/openmohaa/albion-mmr/internal/healthsrv"
	"github.com/openmohaa/albion-mmr/internal/kills"
	"github.com/openmohaa/albion-mmr/internal/mmrworker"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/season"
	"github.com/openmohaa/albion-mmr/internal/source"
	"github.com/openmohaa/albion-mmr/internal/store"
)

// Logical queue names, shared across every producer/consumer in the
// process.
const (
	queueBattleCrawl = "battle-crawl"
	queueKillsFetch  = "kills-fetch"
	queueMmrCalc     = "mmr-calc"
	queueNotify      = "battle-notification"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ingestord: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog, err := newLogger(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.PostgresURL, store.PoolConfig{
		MinConns:       int32(cfg.PoolMin),
		MaxConns:       int32(cfg.PoolMax),
		ConnectTimeout: cfg.ConnectionTimeout,
		IdleTimeout:    cfg.IdleTimeout,
	}, zlog)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	notifier, err := store.NewNotifier(cfg.PostgresURL, zlog)
	if err != nil {
		return fmt.Errorf("open notifier: %w", err)
	}
	defer notifier.Close()
	st.SetNotifier(notifier)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	battleCrawlQueue := queue.New(redisClient, queueBattleCrawl, logger)
	killsFetchQueue := queue.New(redisClient, queueKillsFetch, logger)
	mmrCalcQueue := queue.New(redisClient, queueMmrCalc, logger)
	notifyQueue := queue.New(redisClient, queueNotify, logger)

	srcClient := source.New(source.Config{
		BaseURL:            os.Getenv("UPSTREAM_BASE_URL"),
		RateLimitThreshold: cfg.RateLimitThreshold,
		RateLimitWindow:    cfg.RateLimitWindow,
		Logger:             zlog,
	})

	seasonSvc := season.New(st, logger)

	crawlerSvc := crawler.New(srcClient, st, killsFetchQueue, notifyQueue, crawler.Config{
		CrawlInterval:     time.Duration(cfg.CrawlIntervalSec) * time.Second,
		MaxPagesPerCrawl:  cfg.MaxPagesPerCrawl,
		SoftLookback:      time.Duration(cfg.SoftLookbackMin) * time.Minute,
		MinPlayers:        cfg.MinPlayers,
		RecheckDoneBattle: time.Duration(cfg.RecheckDoneBattleHours) * time.Hour,
		DebounceKills:     time.Duration(cfg.DebounceKillsMin) * time.Minute,
		SlowdownDuration:  cfg.SlowdownDuration,
	}, logger)

	sweeper := gaprecovery.New(srcClient, st, killsFetchQueue, notifyQueue, gaprecovery.Config{
		RollingPages:      cfg.GapRecoveryPages,
		RollingInterval:   time.Duration(cfg.CrawlIntervalSec) * time.Second,
		MinAge:            time.Duration(cfg.GapMinAgeMinutes) * time.Minute,
		MinPlayers:        cfg.MinPlayers,
		DeepPages:         cfg.NightlySweepPages,
		MaxAge:            time.Duration(cfg.NightlySweepLookbackH) * time.Hour,
		SleepBetweenPages: time.Duration(cfg.NightlySweepSleepMs) * time.Millisecond,
	}, logger)

	killsWorker := kills.New(srcClient, st, mmrCalcQueue, logger)
	mmrWorker := mmrworker.New(st, seasonSvc, srcClient, logger)

	cleanupSupervisor := queue.NewCleanupSupervisor(
		redisClient,
		[]*queue.Queue{battleCrawlQueue, killsFetchQueue, mmrCalcQueue, notifyQueue},
		time.Duration(cfg.RedisCleanupIntervalMin)*time.Minute,
		time.Duration(cfg.RedisHighFreqCleanupInterval)*time.Minute,
		time.Duration(cfg.RedisWorkerCleanupIntervalMin)*time.Minute,
		logger,
	)

	healthServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: healthsrv.NewRouter(healthsrv.Config{
			DB: st,
			Queues: map[string]healthsrv.QueueCounts{
				queueBattleCrawl: battleCrawlQueue,
				queueKillsFetch:  killsFetchQueue,
				queueMmrCalc:     mmrCalcQueue,
				queueNotify:      notifyQueue,
			},
			Logger: logger,
		}),
	}

	sweepCron := cron.New()
	if _, err := sweepCron.AddFunc(fmt.Sprintf("0 %d * * *", cfg.NightlySweepHourUTC), func() {
		if err := sweeper.RunDeep(ctx); err != nil {
			logger.Errorw("nightly deep gap recovery sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule nightly sweep: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return crawlerSvc.Run(gctx) })
	g.Go(func() error { return sweeper.RunRollingTicker(gctx) })

	g.Go(func() error {
		queue.Consume(gctx, killsFetchQueue, cfg.KillsWorkerConcurrency, time.Second, killsWorker.Handle, nil, logger)
		return nil
	})
	g.Go(func() error {
		queue.Consume(gctx, mmrCalcQueue, cfg.MmrWorkerConcurrency, time.Second, mmrWorker.Handle, nil, logger)
		return nil
	})

	g.Go(func() error {
		cleanupSupervisor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sweepCron.Start()
		<-gctx.Done()
		sweepCron.Stop()
		return nil
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- healthServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return healthServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	logger.Infow("ingestord started", "port", cfg.Port, "env", cfg.Env)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service exited: %w", err)
	}
	logger.Info("ingestord stopped")
	return nil
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
