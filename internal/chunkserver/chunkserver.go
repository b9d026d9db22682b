package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

// ChunkServer assembles the store, the request server, the master client and
// the heartbeat emitter of one node.
type ChunkServer struct {
	Config *Config
	Store  *Store
	Master *MasterClient
	Server *Server

	metrics  *metrics.ChunkServer
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewChunkServer(cfg *Config, reg *prometheus.Registry, logger *zap.Logger) (*ChunkServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunk server config: %w", err)
	}

	logger = logger.With(zap.Int("server_id", cfg.Server.ID))
	store, err := NewStore(cfg.ServerDir(), cfg.BackupDir(), cfg.Storage.Placeholder)
	if err != nil {
		return nil, err
	}

	m := metrics.NewChunkServer(reg, cfg.Server.ID)
	master := NewMasterClient(cfg.Server.MasterAddress, cfg.Server.ID, cfg.MasterTimeout(), logger)

	return &ChunkServer{
		Config:   cfg,
		Store:    store,
		Master:   master,
		Server:   NewServer(store, master, cfg.RequestTimeout(), m, logger),
		metrics:  m,
		gatherer: reg,
		logger:   logger,
	}, nil
}

// Run listens on the configured port and serves until ctx is done.
func (cs *ChunkServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", protocol.JoinHostPort(cs.Config.Server.Host, cs.Config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return cs.Serve(ctx, lis)
}

// Serve registers with the master, reports the files already on disk and then
// serves requests on lis while sending heartbeats. Registration failure is
// fatal.
func (cs *ChunkServer) Serve(ctx context.Context, lis net.Listener) error {
	host := cs.Config.Server.Host
	port := lis.Addr().(*net.TCPAddr).Port

	role, err := cs.Master.Register(ctx, host, port)
	if err != nil {
		lis.Close()
		return err
	}
	cs.reportExisting(ctx)

	emitter := NewEmitter(cs.Master, host, port, cs.Config.HeartbeatInterval(), cs.metrics, cs.logger)
	emitter.SetRole(role)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := cs.Server.Serve(lis); !errors.Is(err, ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error { return emitter.Run(ctx) })

	if cs.Config.Metrics.Address != "" {
		ms := metrics.NewServer(cs.Config.Metrics.Address, cs.gatherer, cs.logger)
		ms.HandleJSON("/files", func() any {
			names, err := cs.Store.Names()
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return names
		})
		g.Go(ms.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			return ms.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		cs.Server.Stop()
		return nil
	})

	return g.Wait()
}

func (cs *ChunkServer) reportExisting(ctx context.Context) {
	names, err := cs.Store.Names()
	if err != nil {
		cs.logger.Warn("Failed to scan server directory", zap.Error(err))
		return
	}

	for _, name := range names {
		if err := cs.Master.ReportFile(ctx, name); err != nil {
			cs.metrics.ReportFailed()
			cs.logger.Warn("Failed to report file", zap.String("filename", name), zap.Error(err))
		}
	}
	cs.logger.Info("Reported existing files", zap.Int("count", len(names)))
}
