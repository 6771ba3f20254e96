package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/txload/internal/config"
	"github.com/gateway-fm/txload/internal/parallel"
)

func parallelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Run one load process per endpoint and sum their results",
		Long: `Launch one "txload run" child per primary endpoint. Children share the
full endpoint list for failover, use disjoint worker keys, and only the
first child funds accounts. Every child line is echoed with a [node i]
prefix, and the per-node and total summaries are printed at the end.

Example:
  txload parallel --nodes http://n1:8545,http://n2:8545 --total-tps 300 --duration 60`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runParallel(cmd))
		},
	}
	config.BindParallelFlags(cmd.Flags())
	return cmd
}

func runParallel(cmd *cobra.Command) int {
	logger := slog.Default()

	v, err := config.NewParallelViper(cmd.Flags())
	if err != nil {
		logger.Error("failed to bind configuration", "error", err)
		return 1
	}
	if err := config.ReadFile(v, configPath); err != nil {
		logger.Error("failed to read config file", "error", err)
		return 1
	}
	cfg, err := config.LoadParallel(v)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	launcher := &parallel.ExecLauncher{}
	if configPath != "" {
		launcher.Args = []string{"run", "--config", configPath}
	}

	runner, err := parallel.New(parallel.Options{
		Config:   cfg,
		Launcher: launcher,
		Out:      os.Stdout,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create parallel runner", "error", err)
		return 1
	}

	// Children receive the same signals from the terminal and stop on their own.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx)
	if err != nil {
		logger.Error("some children failed to start", "error", err)
		if res == nil || res.Total.Sent == 0 {
			return 1
		}
	}
	return 0
}
