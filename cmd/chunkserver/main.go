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

	"github.com/Mit-Vin/gfs-coordinator/internal/chunkserver"
	"github.com/Mit-Vin/gfs-coordinator/internal/logging"
)

type options struct {
	configPath string
	id         int
	port       int
	master     string
	dataDir    string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "gfs-chunkserver",
		Short: "GFS chunk server",
		Long:  `Runs a chunk server that stores whole files, registers with the master and sends heartbeats.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVar(&opts.configPath, "config", "configs/chunkserver-config.yml", "path to chunk server configuration file")
	rootCmd.Flags().IntVar(&opts.id, "id", 0, "chunk server id (overrides config)")
	rootCmd.Flags().IntVar(&opts.port, "port", 0, "port to listen on (overrides config)")
	rootCmd.Flags().StringVar(&opts.master, "master", "", "master address host:port (overrides config)")
	rootCmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts options) error {
	config, err := chunkserver.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("id") {
		config.Server.ID = opts.id
	}
	if flags.Changed("port") {
		config.Server.Port = opts.port
	}
	if flags.Changed("master") {
		config.Server.MasterAddress = opts.master
	}
	if flags.Changed("data-dir") {
		config.Server.DataDir = opts.dataDir
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cs, err := chunkserver.NewChunkServer(config, reg, logger)
	if err != nil {
		logger.Error("Failed to create chunk server", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting chunk server",
		zap.Int("server_id", config.Server.ID),
		zap.Int("port", config.Server.Port),
		zap.String("master", config.Server.MasterAddress))
	if err := cs.Run(ctx); err != nil {
		logger.Error("Chunk server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Chunk server stopped")
	return nil
}
