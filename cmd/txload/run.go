package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/txload/internal/config"
	"github.com/gateway-fm/txload/internal/loadgen"
	"github.com/gateway-fm/txload/internal/storage"
	"github.com/gateway-fm/txload/internal/transport"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single load generator process",
		Long: `Run workers against the configured endpoints for DURATION_SEC seconds.

Every flag can also be set through its historical environment variable,
e.g. TARGET_TPS, WORKERS, RPC_URLS, DIRECT_TRANSFER.

Example:
  TARGET_TPS=200 WORKERS=8 DIRECT_TRANSFER=1 txload run --rpc-urls http://127.0.0.1:8545`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runLoad(cmd))
		},
	}
	config.BindRunFlags(cmd.Flags())
	return cmd
}

// runLoad returns the process exit code: 1 for configuration and setup
// failures, 0 otherwise.
func runLoad(cmd *cobra.Command) int {
	logger := slog.Default()

	v, err := config.NewRunViper(cmd.Flags())
	if err != nil {
		logger.Error("failed to bind configuration", "error", err)
		return 1
	}
	if err := config.ReadFile(v, configPath); err != nil {
		logger.Error("failed to read config file", "error", err)
		return 1
	}
	cfg, err := config.Load(v)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	var store storage.Storage
	if cfg.DBPath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DBPath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.DBPath)
			return 1
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "path", cfg.DBPath)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runner, err := loadgen.New(loadgen.Options{
		Config:     cfg,
		Registerer: reg,
		Store:      store,
		Out:        os.Stdout,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create load generator", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" {
		srv := transport.NewServer(transport.ServerConfig{
			Status:  runner,
			Store:   store,
			Health:  runner,
			Metrics: reg,
			Logger:  logger,
		})
		defer srv.Close()

		serveCtx, cancelServe := context.WithCancel(ctx)
		defer cancelServe()
		go func() {
			logger.Info("starting status server", "addr", cfg.StatusAddr)
			if err := srv.ListenAndServe(serveCtx, cfg.StatusAddr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if _, err := runner.Run(ctx); err != nil {
		var setupErr *loadgen.SetupError
		if errors.As(err, &setupErr) {
			logger.Error("setup failed", "error", err)
			return 1
		}
		logger.Warn("run ended with error", "error", err)
	}
	return 0
}
