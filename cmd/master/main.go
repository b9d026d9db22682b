package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/logging"
	"github.com/Mit-Vin/gfs-coordinator/internal/master"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gfs-master",
		Short: "GFS master",
		Long:  `Runs the master that tracks chunk servers, elects the primary and answers primary lookups.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "configs/master-config.yml", "path to master configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := master.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coordinator, err := master.NewCoordinator(config, reg, logger)
	if err != nil {
		logger.Error("Failed to create master", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting master", zap.String("address", config.Address()))
	if err := coordinator.Run(ctx); err != nil {
		logger.Error("Master stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Master stopped")
	return nil
}
