package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avdcosta/stopguard/internal/breaker"
	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/feed"
	"github.com/avdcosta/stopguard/internal/outbox"
	"github.com/avdcosta/stopguard/internal/platform/binance"
	"github.com/avdcosta/stopguard/internal/server"
	"github.com/avdcosta/stopguard/internal/server/handler"
	"github.com/avdcosta/stopguard/internal/service"
	"github.com/avdcosta/stopguard/internal/stop"
)

// MonitorMode runs the evaluation engine: both price trigger sources, the
// retry sweeper, and the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps)
	return g.Wait()
}

// PublishMode runs only the outbox publisher loop.
func (a *App) PublishMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting publish mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPublisher(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode runs a one-shot cold-storage export of closed positions and
// delivered outbox rows older than the retention window, then exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	return a.runArchive(ctx, deps)
}

// FullMode runs the engine, the publisher, and the periodic archiver in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps)
	a.startPublisher(ctx, g, deps)

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// startEngine wires the evaluation service and adds the stream feed, poll
// fallback, retry sweeper, and HTTP server goroutines to the group.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	rest := binance.NewClient(a.cfg.Exchange.RestURL, a.cfg.Exchange.ApiKey, a.cfg.Exchange.ApiSecret)
	market := binance.NewMarketData(a.cfg.Exchange.WsURL, rest)

	breakerSvc := breaker.New(deps.BreakerStore, deps.TenantStore, a.logger)
	calc := stop.NewCalculator(stop.DefaultFeeConfig())

	evalSvc := service.NewEvaluationService(service.EvaluationConfig{
		Positions: deps.PositionStore,
		Events:    deps.EventStore,
		Execs:     deps.ExecStore,
		Tenants:   deps.TenantStore,
		Breaker:   breakerSvc,
		Adapter:   rest,
		Limiter:   deps.RateLimiter,
		Notifier:  deps.Notifier,
		Calc:      calc,
		Logger:    a.logger,
		Backoff: service.BackoffConfig{
			Base:        a.cfg.Engine.RetryBackoffBase.Duration,
			Factor:      a.cfg.Engine.RetryBackoffFactor,
			MaxAttempts: a.cfg.Engine.RetryMaxAttempts,
		},
		ExecTimeout: a.cfg.Engine.ExecTimeout.Duration,
	})

	onTick := func(ctx context.Context, tick domain.Tick) {
		if err := evalSvc.HandleTick(ctx, tick); err != nil {
			a.logger.ErrorContext(ctx, "tick evaluation failed",
				slog.String("symbol", tick.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	// Stream trigger source.
	stream := feed.NewStreamFeed(
		market,
		deps.PositionStore,
		onTick,
		deps.PriceCache,
		deps.SignalBus,
		a.logger,
	)
	g.Go(func() error {
		return stream.Run(ctx)
	})

	// Poll fallback trigger source.
	poller := feed.NewPoller(
		market,
		deps.PositionStore,
		onTick,
		a.cfg.Engine.PollInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return poller.Run(ctx)
	})

	// Retry sweeper for executions whose backoff has elapsed.
	g.Go(func() error {
		return evalSvc.RunRetrySweep(ctx, a.cfg.Engine.RetrySweepInterval.Duration)
	})

	// Startup consistency check: replay the event log, finish projections
	// a crash left behind, and flag whatever cannot be reconciled.
	g.Go(func() error {
		replay := service.NewReplayService(deps.EventStore, deps.ExecStore, a.logger)
		unrepaired, err := replay.Repair(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "replay repair failed",
				slog.String("error", err.Error()),
			)
			return nil
		}
		if len(unrepaired) > 0 {
			a.logger.WarnContext(ctx, "projection divergence detected",
				slog.Int("count", len(unrepaired)),
				slog.Any("tokens", unrepaired),
			)
		}
		return nil
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, breakerSvc)
	}
}

// startPublisher adds the outbox drain loop to the group.
func (a *App) startPublisher(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	pub := outbox.NewPublisher(outbox.Config{
		Store:          deps.OutboxStore,
		Sink:           deps.Sink,
		Notifier:       deps.Notifier,
		Logger:         a.logger,
		Interval:       a.cfg.Outbox.Interval.Duration,
		BatchSize:      a.cfg.Outbox.BatchSize,
		StuckThreshold: a.cfg.Outbox.StuckThreshold.Duration,
	})
	g.Go(func() error {
		return pub.Run(ctx)
	})
}

// startHTTPServer adds the HTTP API goroutine plus a shutdown watcher to the
// group.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, breakerSvc *breaker.Service) {
	positionSvc := service.NewPositionService(
		deps.PositionStore, deps.EventStore, deps.ExecStore, deps.TenantStore, a.logger,
	)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(a.logger),
		Positions:  handler.NewPositionHandler(positionSvc, a.logger),
		Executions: handler.NewExecutionHandler(deps.ExecStore, deps.EventStore, a.logger),
		Breakers:   handler.NewBreakerHandler(breakerSvc, a.logger),
		Outbox:     handler.NewOutboxHandler(deps.OutboxStore, a.logger),
	}, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// runArchive performs one export of rows older than the retention window.
func (a *App) runArchive(ctx context.Context, deps *Dependencies) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	positions, err := deps.Archiver.ArchiveClosedPositions(ctx, cutoff)
	if err != nil {
		return err
	}
	outboxRows, err := deps.Archiver.ArchivePublishedOutbox(ctx, cutoff)
	if err != nil {
		return err
	}

	// Read back the archive prefix so a silently empty bucket shows up in
	// the logs rather than on the next restore attempt.
	objects, err := deps.BlobReader.List(ctx, "archive/")
	if err != nil {
		return err
	}
	var archivedBytes int64
	for _, obj := range objects {
		archivedBytes += obj.Size
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("positions", positions),
		slog.Int64("outbox_rows", outboxRows),
		slog.Int("objects", len(objects)),
		slog.Int64("archived_bytes", archivedBytes),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// runArchiveLoop reruns the export once a day until the context ends.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.runArchive(ctx, deps); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
