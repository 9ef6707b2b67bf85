// Command ibsupervisor runs the Client Portal gateway supervisor: it keeps
// one gateway process per broker session alive and logged in, and serves
// orchestrator commands over Redis and gRPC.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"ibsupervisor/internal/config"
	"ibsupervisor/internal/cpapi"
	"ibsupervisor/internal/dedupe"
	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/gateway"
	"ibsupervisor/internal/httpapi"
	"ibsupervisor/internal/login"
	"ibsupervisor/internal/registry"
	"ibsupervisor/internal/router"
	"ibsupervisor/internal/session"
	"ibsupervisor/internal/store"
	"ibsupervisor/internal/transport"
	"ibsupervisor/internal/util"
)

func main() {
	cfgPath := "config/ibsupervisor.yaml"
	if p := os.Getenv("IBSUPERVISOR_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening session ledger: %w", err)
	}
	defer db.Close()

	var (
		sessionArchive session.Archive
		statusArchive  store.SnapshotArchive
	)
	if cfg.Storage.ArchiveDir != "" {
		pq := store.NewParquetArchive(cfg.Storage.ArchiveDir)
		sessionArchive, statusArchive = pq, pq
	}

	// -- Outbound path --
	var (
		redisBus *transport.Redis
		sink     router.Sink
	)
	if cfg.Transport.Kind == "redis" {
		redisBus = transport.NewRedis(transport.RedisConfig{
			Addr:          cfg.Transport.RedisAddr,
			CommandsKey:   cfg.Transport.CommandsKey,
			RepliesStream: cfg.Transport.RepliesStream,
			Logger:        logger.With("component", "redis"),
		})
		defer redisBus.Close()
		if err := redisBus.Ping(ctx); err != nil {
			logger.Warn("redis not reachable yet", "addr", cfg.Transport.RedisAddr, "error", err)
		}
		sink = redisBus
	}
	outbox := router.NewOutbox(cfg.Transport.OutboxSize, sink, logger.With("component", "outbox"))

	// -- Sessions --
	launcher := &gateway.ExecLauncher{
		RunScript:    cfg.Gateway.RunScript,
		ConfigPath:   cfg.Gateway.ConfigPath,
		StartupCheck: cfg.Gateway.StartupCheck,
		Logger:       logger.With("component", "gateway"),
	}
	timing := session.TimingFromConfig(cfg.Supervisor, cfg.Gateway)

	factory := func(ctx context.Context, p registry.Params) (*session.Session, error) {
		slogger := logger.With("broker_id", p.Identity.BrokerID)
		client, err := cpapi.New(cpapi.Options{
			Host:              cfg.Gateway.Host,
			Port:              p.Port,
			Timeout:           cfg.Supervisor.RequestTimeout,
			ValidateTimeout:   cfg.Supervisor.ValidateTimeout,
			RequestsPerMinute: cfg.Supervisor.RequestsPerMinute,
			Logger:            slogger,
		})
		if err != nil {
			return nil, err
		}
		creds := p.Credentials
		if creds.Empty() {
			creds = cfg.Credentials[p.Identity.BrokerID]
		}
		return session.New(ctx, session.Params{
			Identity:    p.Identity,
			Port:        p.Port,
			Parent:      p.Parent,
			Credentials: creds,
		}, session.Deps{
			Launcher: launcher,
			Client:   client,
			Login:    login.New(cfg.Login, creds, slogger),
			Logger:   slogger,
			Notifier: outbox,
			Recorder: db,
			Archive:  sessionArchive,
			Timing:   timing,
		})
	}

	reg := registry.New[*session.Session](factory, registry.Options{
		BasePort: cfg.Gateway.BasePort,
		Ledger:   db,
		Logger:   logger.With("component", "registry"),
	})

	seen := dedupe.New(cfg.Transport.DedupeTTL, cfg.Transport.DedupeMaxSize, util.SystemClock{})
	rt := router.New(reg, router.Options{
		Broker: cfg.Transport.Broker,
		Dedupe: seen,
		Logger: logger.With("component", "router"),
	})

	if cfg.Registry.RestoreOnStart {
		recorded, err := db.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("reading session ledger: %w", err)
		}
		reg.Restore(ctx, recorded, func(brokerID string) domain.Credentials {
			return cfg.Credentials[brokerID]
		})
	}

	// -- Servers --
	gs := grpc.NewServer()
	transport.NewGRPCServer(rt, outbox, logger.With("component", "grpc")).Register(gs)
	status := httpapi.NewStatusServer(reg, db, statusArchive, outbox, logger.With("component", "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return outbox.Run(gctx) })
	g.Go(func() error {
		seen.Run(gctx, time.Minute)
		return nil
	})
	if redisBus != nil {
		g.Go(func() error { return rt.Pump(gctx, redisBus, outbox, cfg.Transport.Workers) })
	}
	g.Go(func() error { return transport.ServeGRPC(gctx, cfg.Server.GRPCAddr, gs, logger) })
	g.Go(func() error { return status.Serve(gctx, cfg.Server.HTTPAddr) })

	logger.Info("supervisor started",
		"base_port", cfg.Gateway.BasePort,
		"transport", cfg.Transport.Kind,
		"login", cfg.Login.Mode,
		"sessions", reg.Len(),
	)

	runErr := g.Wait()

	logger.Info("stopping sessions", "count", reg.Len())
	stopCtx, stop := context.WithTimeout(context.Background(), cfg.Gateway.StopTimeout+5*time.Second)
	defer stop()
	if err := reg.Close(stopCtx); err != nil {
		logger.Warn("stopping sessions", "error", err)
	}
	return runErr
}
