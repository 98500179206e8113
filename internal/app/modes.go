package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dydxrelay/internal/server"
	"github.com/alanyoungcy/dydxrelay/internal/server/handler"
	"github.com/alanyoungcy/dydxrelay/internal/server/ws"
	"github.com/alanyoungcy/dydxrelay/internal/service"
)

const shutdownTimeout = 5 * time.Second

// services holds the domain services shared by every mode.
type services struct {
	trades    *service.TradeOrchestrator
	positions *service.PositionService
	monitor   *service.PositionMonitor
	accounts  *service.UserService
	sessions  *service.Sessions
}

// ServerMode serves the webhook receiver and the account API without
// running the position monitor. A separate monitor process owns the
// brackets.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering server mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc, nil)
	a.startPriceStream(ctx, g, deps)
	return g.Wait()
}

// MonitorMode runs only the position monitor. It needs shared storage and
// cache so that a server process can feed it positions.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering monitor mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runMonitor(ctx, g, svc.monitor)
	a.startArchiveJob(ctx, g, deps)
	a.startPriceStream(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the HTTP server and the position monitor in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runMonitor(ctx, g, svc.monitor)
	a.startHTTPServer(ctx, g, deps, svc, svc.monitor)
	a.startArchiveJob(ctx, g, deps)
	a.startPriceStream(ctx, g, deps)
	return g.Wait()
}

func (a *App) buildServices(deps *Dependencies) (*services, error) {
	cfg := a.cfg
	retry := func(attempts int) service.Backoff {
		return service.Backoff{
			Attempts: attempts,
			Base:     cfg.Exchange.RetryBase.Duration,
			Max:      cfg.Exchange.RetryMax.Duration,
		}
	}
	exec := service.ExecutionConfig{
		CallTimeout:        cfg.Monitor.CallTimeout.Duration,
		GoodTilBlockOffset: cfg.Exchange.GoodTilBlockOffset,
		BracketTTL:         cfg.Exchange.BracketTTL.Duration,
		ConfirmTimeout:     cfg.Exchange.ConfirmTimeout.Duration,
		ConfirmInterval:    cfg.Exchange.ConfirmInterval.Duration,
		Submit:             retry(cfg.Exchange.SubmitAttempts),
		Persist:            retry(cfg.Exchange.PersistAttempts),
		TradeLockTTL:       cfg.Exchange.TradeLockTTL.Duration,
		TradeLockWait:      cfg.Exchange.TradeLockWait.Duration,
	}

	auth := service.NewWebhookAuthenticator(
		deps.Users, deps.Vault, deps.RateLimiter, deps.Replay,
		service.WebhookConfig{
			RateLimit:    cfg.Webhook.RateLimit,
			RateWindow:   cfg.Webhook.RateWindow.Duration,
			ReplayWindow: cfg.Webhook.ReplayWindow.Duration,
		},
		a.logger,
	)
	risk := service.NewRiskService(deps.Gateway, deps.Positions, service.RiskConfig{
		RiskPercentage:     cfg.Risk.RiskPercentage,
		StopLossPercentage: cfg.Risk.StopLossPercentage,
		RiskRewardRatio:    cfg.Risk.RiskRewardRatio,
		MaxPositions:       cfg.Risk.MaxPositions,
		MaxNotional:        cfg.Risk.MaxNotional,
		SizeStep:           cfg.Risk.SizeStep,
	}, a.logger)

	svc := &services{}
	svc.trades = service.NewTradeOrchestrator(service.TradeDeps{
		Auth:      auth,
		Vault:     deps.Vault,
		Risk:      risk,
		Gateway:   deps.Gateway,
		Positions: deps.Positions,
		Locks:     deps.LockManager,
		Bus:       deps.SignalBus,
		Audit:     deps.Audit,
		Notifier:  deps.UserNotifier,
		Ops:       deps.Ops,
	}, exec, a.logger)
	svc.positions = service.NewPositionService(service.PositionDeps{
		Gateway:   deps.Gateway,
		Positions: deps.Positions,
		Users:     deps.Users,
		Vault:     deps.Vault,
		Bus:       deps.SignalBus,
		Audit:     deps.Audit,
		Notifier:  deps.UserNotifier,
		Ops:       deps.Ops,
	}, exec, a.logger)
	svc.monitor = service.NewPositionMonitor(service.MonitorDeps{
		Positions: deps.Positions,
		Users:     deps.Users,
		Vault:     deps.Vault,
		Gateway:   deps.Gateway,
		Closer:    svc.positions,
		Locks:     deps.LockManager,
		Bus:       deps.SignalBus,
		Audit:     deps.Audit,
		Ops:       deps.Ops,
	}, service.MonitorConfig{
		Interval:          cfg.Monitor.Interval.Duration,
		Concurrency:       cfg.Monitor.Concurrency,
		RequestsPerSecond: cfg.Monitor.RequestsPerSecond,
		CallTimeout:       cfg.Monitor.CallTimeout.Duration,
		LockTTL:           cfg.Monitor.LockTTL.Duration,
		OrphanTimeout:     cfg.Monitor.OrphanTimeout.Duration,
		PendingBatch:      cfg.Monitor.PendingBatch,
	}, a.logger)

	if cfg.RunsServer() {
		sessions, err := service.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL.Duration, cfg.Auth.Issuer)
		if err != nil {
			return nil, fmt.Errorf("app: sessions: %w", err)
		}
		svc.sessions = sessions
		svc.accounts = service.NewUserService(service.UserDeps{
			Users:      deps.Users,
			Sealer:     deps.Vault,
			Challenges: deps.Challenges,
			Sessions:   sessions,
			Gateway:    deps.Gateway,
			Audit:      deps.Audit,
			Notifier:   deps.UserNotifier,
		}, service.UserConfig{
			AppName:      cfg.Auth.AppName,
			ChallengeTTL: cfg.Auth.ChallengeTTL.Duration,
		}, a.logger)
	}
	return svc, nil
}

// runMonitor starts the monitor and stops it once ctx is cancelled.
func (a *App) runMonitor(ctx context.Context, g *errgroup.Group, monitor *service.PositionMonitor) {
	g.Go(func() error {
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("app: start monitor: %w", err)
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return monitor.Stop(stopCtx)
	})
}

func (a *App) startPriceStream(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.PriceStream == nil {
		return
	}
	g.Go(func() error {
		return deps.PriceStream.Run(ctx)
	})
}

// startArchiveJob runs alongside the monitor; server-only processes leave
// archiving to the monitor process.
func (a *App) startArchiveJob(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	job := service.NewArchiveJob(deps.Archiver, deps.Ops, service.ArchiveConfig{
		Interval:  a.cfg.Archive.Interval.Duration,
		Retention: time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour,
	}, a.logger)
	g.Go(func() error {
		return job.Run(ctx)
	})
}

// startHTTPServer registers the HTTP server, its shutdown watcher and the
// WebSocket hub on g. monitor is nil when this process does not run the
// position monitor; the status and trigger endpoints then degrade.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svc *services,
	monitor *service.PositionMonitor,
) {
	startedAt := time.Now().UTC()
	exchange := deps.Gateway.Name()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		Exchange:       exchange,
		StartedAt:      startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger, deps.Checks...),
		Webhook:   handler.NewWebhookHandler(svc.trades, a.logger),
		Auth:      handler.NewAuthHandler(svc.accounts, a.logger),
		Account:   handler.NewAccountHandler(svc.accounts, a.logger),
		Positions: handler.NewPositionHandler(svc.positions, a.logger),
	}
	if monitor != nil {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, exchange, startedAt, monitor)
		handlers.Monitor = handler.NewMonitorHandler(monitor, a.logger)
	} else {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, exchange, startedAt, nil)
	}

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		AuthRateLimit:  a.cfg.Server.AuthRateLimit,
		AuthRateWindow: a.cfg.Server.AuthRateWindow.Duration,
		ReadTimeout:    a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout:   a.cfg.Server.WriteTimeout.Duration,
	}, handlers, server.Deps{
		Sessions: svc.sessions,
		Limiter:  deps.RateLimiter,
	}, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
