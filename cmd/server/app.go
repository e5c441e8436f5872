package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/p-n-ai/pai-arena/internal/analytics"
	"github.com/p-n-ai/pai-arena/internal/catalog"
	"github.com/p-n-ai/pai-arena/internal/events"
	"github.com/p-n-ai/pai-arena/internal/handler"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/ledger"
	"github.com/p-n-ai/pai-arena/internal/platform/cache"
	"github.com/p-n-ai/pai-arena/internal/platform/config"
	"github.com/p-n-ai/pai-arena/internal/platform/database"
	"github.com/p-n-ai/pai-arena/internal/platform/messaging"
	"github.com/p-n-ai/pai-arena/internal/progress"
	"github.com/p-n-ai/pai-arena/internal/realtime"
)

// app holds the wired dependencies of one process.
type app struct {
	cfg     *config.Config
	store   ledger.Store
	service *progress.Service
	hub     *realtime.Hub
	checks  map[string]handler.HealthCheck
	closers []func()
}

// buildApp connects every configured backend. Optional backends (cache,
// AMQP) that fail to connect are logged and skipped.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, hub: realtime.NewHub(0), checks: make(map[string]handler.HealthCheck)}

	cat, err := catalog.LoadDir(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	sinks := events.Fanout{a.hub}
	if err := a.openStore(ctx, &sinks); err != nil {
		a.close()
		return nil, err
	}

	var board progress.Leaderboard
	if cfg.Cache.URL != "" {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			slog.Warn("leaderboard cache unavailable, using ledger", "error", err)
		} else {
			board = c
			a.checks["cache"] = c.HealthCheck
			a.closers = append(a.closers, func() { c.Close() })
		}
	}

	if cfg.AMQP.URL != "" {
		mq, err := messaging.NewRabbitMQClient(cfg.AMQP.URL)
		if err != nil {
			slog.Warn("event broker unavailable, not publishing", "error", err)
		} else if _, err := mq.DeclareQueue(cfg.AMQP.Queue); err != nil {
			slog.Warn("failed to declare event queue", "queue", cfg.AMQP.Queue, "error", err)
			mq.Close()
		} else {
			sinks = append(sinks, messaging.NewEventPublisher(mq, cfg.AMQP.Queue))
			a.checks["amqp"] = mq.HealthCheck
			a.closers = append(a.closers, func() { mq.Close() })
		}
	}

	svc, err := progress.NewService(progress.ServiceConfig{
		Catalog:          cat,
		Store:            a.store,
		Events:           sinks,
		Leaderboard:      board,
		PassThreshold:    cfg.Progress.PassThreshold,
		PointsPerCorrect: cfg.Progress.PointsPerCorrect,
		ArenaPoints:      cfg.Progress.ArenaPoints,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.service = svc

	if err := svc.WarmLeaderboard(ctx); err != nil {
		slog.Warn("failed to warm leaderboard", "error", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, sinks *events.Fanout) error {
	cfg := a.cfg.Database
	switch cfg.Driver {
	case config.DriverMemory:
		a.store = ledger.NewMemoryStore()

	case config.DriverSQLite:
		s, err := ledger.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, func() { s.Close() })

	case config.DriverPostgres:
		db, err := database.New(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := database.Migrate(ctx, db.Pool); err != nil {
			return err
		}
		s, err := ledger.NewPostgresStore(db.Pool, cfg.MaxAttempts)
		if err != nil {
			return err
		}
		a.store = s
		if cfg.LogEvents {
			*sinks = append(*sinks, events.NewPostgresEventLogger(db.Pool))
		}

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	a.checks["ledger"] = a.store.Ping
	slog.Info("ledger store ready", "driver", cfg.Driver)
	return nil
}

func (a *app) handler() (*handler.Handler, error) {
	return handler.New(handler.Config{
		Service:   a.service,
		Identity:  identity.HeaderProvider{DefaultRole: identity.Role(a.cfg.Identity.DefaultRole)},
		Hub:       a.hub,
		Analytics: a.analyticsOptions(),
		Checks:    a.checks,
	})
}

func (a *app) analyticsOptions() analytics.Options {
	return analytics.Options{
		DifficultyTopN:   a.cfg.Analytics.DifficultyTopN,
		RankingSize:      a.cfg.Analytics.RankingSize,
		ActiveWindowDays: a.cfg.Analytics.ActiveWindowDays,
	}
}

// close releases backends in reverse order of opening.
func (a *app) close() {
	for _, c := range slices.Backward(a.closers) {
		c()
	}
	a.closers = nil
}

// summarizeCatalog writes a short human-readable description of cat.
func summarizeCatalog(w io.Writer, cat *catalog.Catalog) {
	lessons := cat.OrderedLessons()
	fmt.Fprintf(w, "topics: %d\nlessons: %d\nquizzes: %d\nbadges: %d\narena modules: %d\n",
		len(cat.Topics()), len(lessons), len(cat.Quizzes()), len(cat.Badges()), len(cat.ArenaModules()))

	ids := make([]string, 0, len(lessons))
	for _, l := range lessons {
		ids = append(ids, l.ID)
	}
	fmt.Fprintf(w, "order: %s\n", strings.Join(ids, " -> "))

	for _, q := range cat.Quizzes() {
		skipped := 0
		for _, question := range q.Questions {
			if _, ok := question.CorrectOption(); !ok {
				skipped++
			}
		}
		if skipped > 0 {
			fmt.Fprintf(w, "warning: quiz %s has %d question(s) without exactly one correct option\n", q.ID, skipped)
		}
	}
}
