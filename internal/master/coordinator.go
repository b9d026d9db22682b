package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
)

// Coordinator wires the registry, heartbeat monitor, TCP server, health
// publisher and metrics endpoint of one master process.
type Coordinator struct {
	Config   *Config
	Registry *Registry
	Monitor  *Monitor
	Server   *MasterServer
	Health   *HealthPublisher

	oplog    MetadataLog
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewCoordinator builds a coordinator and restores the registry from the
// metadata log when one is configured.
func NewCoordinator(cfg *Config, reg *prometheus.Registry, logger *zap.Logger) (*Coordinator, error) {
	m := metrics.NewMaster(reg)
	health := NewHealthPublisher()

	var oplog MetadataLog = memoryLog{}
	if cfg.Metadata.LogPath != "" {
		l, err := OpenOperationLog(cfg.Metadata.LogPath)
		if err != nil {
			return nil, err
		}
		oplog = l
	}

	opts := []RegistryOption{
		WithMetadataLog(oplog),
		WithPrimaryObserver(health),
		WithRegistryMetrics(m),
	}
	if cfg.Election.ReelectOnRegister {
		opts = append(opts, WithReelectOnRegister(NewInitialElection(cfg.Election.Seed)))
	}
	registry := NewRegistry(logger, opts...)
	if err := registry.Restore(); err != nil {
		oplog.Close()
		return nil, err
	}
	if _, ok := registry.Primary(); ok {
		health.PrimaryChanged(0, true)
	}

	monitor := NewMonitor(registry, cfg.CheckInterval(), cfg.HeartbeatTimeout(), logger,
		WithLivenessObserver(health),
		WithMonitorMetrics(m))
	for _, rec := range registry.Snapshot() {
		monitor.Track(rec.ID)
	}

	return &Coordinator{
		Config:   cfg,
		Registry: registry,
		Monitor:  monitor,
		Server:   NewMasterServer(registry, monitor, cfg.IdleTimeout(), m, logger),
		Health:   health,
		oplog:    oplog,
		gatherer: reg,
		logger:   logger,
	}, nil
}

// Run listens on the configured address and serves until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", c.Config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return c.Serve(ctx, lis)
}

// Serve runs every component on lis until ctx is done or one of them fails.
func (c *Coordinator) Serve(ctx context.Context, lis net.Listener) error {
	var adminLis net.Listener
	if c.Config.Admin.GRPCPort > 0 {
		addr := net.JoinHostPort(c.Config.Server.Host, strconv.Itoa(c.Config.Admin.GRPCPort))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on admin address: %w", err)
		}
		adminLis = l
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.Server.Serve(lis); !errors.Is(err, ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return c.Monitor.Run(ctx) })

	if adminLis != nil {
		admin := c.Health.NewAdminServer()
		g.Go(func() error {
			c.logger.Info("Admin gRPC server listening", zap.String("address", adminLis.Addr().String()))
			if err := admin.Serve(adminLis); !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			c.Health.Shutdown()
			admin.GracefulStop()
			return nil
		})
	}

	if c.Config.Metrics.Address != "" {
		ms := metrics.NewServer(c.Config.Metrics.Address, c.gatherer, c.logger)
		ms.HandleJSON("/registry", func() any { return c.Registry.Snapshot() })
		ms.HandleJSON("/liveness", func() any { return c.Monitor.Records() })
		g.Go(ms.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			return ms.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		c.Server.Stop()
		return nil
	})

	err := g.Wait()
	if cerr := c.oplog.Close(); cerr != nil {
		c.logger.Warn("Failed to close metadata log", zap.Error(cerr))
	}
	return err
}
