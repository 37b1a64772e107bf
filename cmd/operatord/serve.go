package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/backend"
	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/gate"
	"github.com/fyrsmithlabs/operatord/internal/governor"
	"github.com/fyrsmithlabs/operatord/internal/httpapi"
	"github.com/fyrsmithlabs/operatord/internal/logging"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/planner"
	"github.com/fyrsmithlabs/operatord/internal/scheduler"
	"github.com/fyrsmithlabs/operatord/internal/telemetry"
	"github.com/fyrsmithlabs/operatord/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runServe(ctx)
	},
}

// runServe wires configuration, logging, telemetry, the message broker,
// memory, the governor, the security gate, tools, the scheduler, and the
// HTTP API, then blocks until shutdown.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "starting operatord",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry_degraded", tel.Degraded()),
	)

	// Message broker. The embedded server keeps single-machine installs
	// free of external infrastructure.
	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, err := startEmbeddedNATS()
		if err != nil {
			return fmt.Errorf("starting embedded nats: %w", err)
		}
		defer srv.Shutdown()
		natsURL = srv.ClientURL()
		logger.Info(ctx, "embedded nats started", zap.String("url", natsURL))
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("operatord"),
		nats.Timeout(cfg.NATS.RequestTimeout.Duration()),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Close()

	// Security gate worker on its own connection: the orchestrator and
	// the evaluator share nothing but the message channel. Deployments
	// wanting OS-process isolation run "operatord gate" instead and
	// leave this one idle by pointing both at the same broker.
	gateConn, err := nats.Connect(natsURL,
		nats.Name("operatord-gate"),
		nats.Timeout(cfg.NATS.RequestTimeout.Duration()),
	)
	if err != nil {
		return fmt.Errorf("connecting gate to nats: %w", err)
	}
	defer gateConn.Close()

	worker, err := gate.NewWorker(cfg.Gate, gateConn, logger)
	if err != nil {
		return fmt.Errorf("initializing security gate: %w", err)
	}
	go func() {
		if err := worker.Run(ctx); err != nil {
			logger.Error(ctx, "security gate worker failed", zap.Error(err))
		}
	}()

	if cfg.Gate.RulesPath != "" {
		watcher, err := gate.NewRulesWatcher(cfg.Gate.RulesPath, nc, logger)
		if err != nil {
			return fmt.Errorf("watching rules file: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error(ctx, "rules watcher failed", zap.Error(err))
			}
		}()
	}

	// Memory gateway.
	mem, err := memory.NewGateway(cfg.Memory, logger)
	if err != nil {
		return fmt.Errorf("initializing memory gateway: %w", err)
	}

	// Reasoning backends, one planner and one rate window each.
	backends, err := backend.NewRegistry(cfg.Backends)
	if err != nil {
		return fmt.Errorf("initializing backends: %w", err)
	}
	limits := make(map[string]int, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		limits[name] = bc.RateLimit
	}
	gov := governor.New(limits)

	planners := make(map[string]*planner.Planner, len(backends))
	for name, b := range backends {
		planners[name] = planner.New(b, logger)
	}

	// Tool registry with manifest discovery.
	registry := tools.NewRegistry(logger)
	if cfg.Tools.ManifestDir != "" {
		if err := registry.DiscoverDir(ctx, cfg.Tools.ManifestDir); err != nil {
			return fmt.Errorf("discovering tool manifests: %w", err)
		}
	}

	sched, err := scheduler.New(scheduler.Options{
		Config:     cfg.Scheduler,
		Planners:   planners,
		Invoker:    registry,
		Approver:   gate.NewClient(cfg.Gate, nc, logger),
		Governor:   gov,
		Memory:     mem,
		Events:     scheduler.NewEventPublisher(nc),
		Classifier: planner.KeywordClassifier{},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			logger.Error(ctx, "scheduler failed", zap.Error(err))
		}
	}()

	srv := httpapi.NewServer(cfg.Server, sched)
	logger.Info(ctx, "serving",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics", "/metrics"),
	)

	err = srv.Start(ctx)
	<-schedDone
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info(ctx, "shutdown complete")
		return nil
	}
	return err
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		OTEL:   cfg.Logging.OTEL,
		Fields: map[string]string{"service": "operatord"},
	}, nil)
}

func startEmbeddedNATS() (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, errors.New("embedded nats not ready")
	}
	return srv, nil
}
