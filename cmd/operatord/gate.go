package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/gate"
)

// gateCmd runs the security gate as its own OS process, connected to the
// orchestrator only through the broker.
var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Run the security gate worker as a standalone process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runGate(ctx)
	},
}

func runGate(ctx context.Context) error {
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

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("operatord-gate"),
		nats.Timeout(cfg.NATS.RequestTimeout.Duration()),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Close()

	worker, err := gate.NewWorker(cfg.Gate, nc, logger)
	if err != nil {
		return fmt.Errorf("initializing security gate: %w", err)
	}

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

	return worker.Run(ctx)
}
