package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"rss_relay/internal/bot"
	"rss_relay/internal/config"
	"rss_relay/internal/delivery"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/gardener"
	"rss_relay/internal/registry"
	"rss_relay/internal/scheduler"
	"rss_relay/internal/storage"
)

const shutdownFlushTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("bot", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to YAML config file (default $CONFIG_FILE)")
	dbPath := flags.String("db", "", "database: SQLite path, .json file or postgres:// URL (overrides config)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	log := newLogger(cfg.LogLevel)

	if storage.IsFile(cfg.DatabasePath) {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				log.Error("create data directory", "path", dir, "error", err)
				return 1
			}
		}
	}

	store, err := storage.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := registry.Load(ctx, store, log, registry.Options{
		MinInterval: cfg.Scheduler.MinInterval,
		MaxInterval: cfg.Scheduler.MaxInterval,
		SeenCap:     cfg.Scheduler.SeenCap,
	})
	if err != nil {
		log.Error("load registry", "error", err)
		return 1
	}

	policy := fetcher.ProxyEnvironment
	if cfg.Fetcher.DontProxyFeeds {
		policy = fetcher.ProxyDirect
	}
	feeds := fetcher.New(fetcher.NewHTTPClient(policy), fetcher.Options{
		Timeout: cfg.Fetcher.Timeout,
		MaxSize: cfg.Fetcher.MaxSize,
	})

	b, err := bot.New(cfg.TelegramBotToken, bot.NewHTTPClient(cfg.Delivery.AttemptTimeout), reg, feeds, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		return 1
	}

	pipe := delivery.New(b, reg, log.With("component", "delivery"), delivery.Options{
		GlobalRate:      cfg.Delivery.GlobalRate,
		PerChatInterval: cfg.Delivery.PerChatInterval,
		MaxAttempts:     cfg.Delivery.MaxAttempts,
		AttemptTimeout:  cfg.Delivery.AttemptTimeout,
		Workers:         cfg.Delivery.Workers,
	})

	sched := scheduler.New(reg, feeds, pipe, log.With("component", "scheduler"), scheduler.Options{
		Tick:                      cfg.Scheduler.Tick,
		MinInterval:               cfg.Scheduler.MinInterval,
		MaxInterval:               cfg.Scheduler.MaxInterval,
		MaxConcurrentFetches:      cfg.Scheduler.MaxConcurrentFetches,
		FailureThreshold:          cfg.Scheduler.FailureThreshold,
		PermanentFailureThreshold: cfg.Scheduler.PermanentFailureThreshold,
		DeadFeedPolicy:            cfg.Scheduler.DeadFeedPolicy,
		SeenCap:                   cfg.Scheduler.SeenCap,
		DeliveryBudget:            cfg.Scheduler.DeliveryBudget,
	})
	b.SetScheduler(sched)

	garden := gardener.New(reg, b, log.With("component", "gardener"), cfg.Gardener.Interval)

	log.Info("starting bot", "feeds", reg.Len(), "database", cfg.DatabasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-reg.Fatal():
			return fmt.Errorf("persist registry: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		garden.Run(gctx)
		return nil
	})
	g.Go(func() error {
		b.Run(gctx)
		return nil
	})

	code := 0
	if err := g.Wait(); err != nil {
		log.Error("bot failed", "error", err)
		code = 1
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer flushCancel()
	if err := reg.Flush(flushCtx); err != nil {
		log.Error("final flush", "error", err)
		code = 1
	}

	log.Info("bot stopped")
	return code
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
