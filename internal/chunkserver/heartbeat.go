package chunkserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

// Emitter sends periodic heartbeats to the master. Before each heartbeat it
// asks the master for the primary and announces itself as primary only when
// the returned address is its own.
type Emitter struct {
	master   *MasterClient
	self     string
	interval time.Duration
	metrics  *metrics.ChunkServer
	logger   *zap.Logger

	mu   sync.Mutex
	role protocol.Role
}

func NewEmitter(master *MasterClient, host string, port int, interval time.Duration, m *metrics.ChunkServer, logger *zap.Logger) *Emitter {
	return &Emitter{
		master:   master,
		self:     protocol.JoinHostPort(host, port),
		interval: interval,
		metrics:  m,
		logger:   logger.Named("heartbeat"),
		role:     protocol.RoleSecondary,
	}
}

// SetRole seeds the role, typically with the one returned at registration.
func (e *Emitter) SetRole(role protocol.Role) {
	e.mu.Lock()
	e.role = role
	e.mu.Unlock()
}

func (e *Emitter) Role() protocol.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Beat refreshes the role and sends one heartbeat.
func (e *Emitter) Beat(ctx context.Context) error {
	e.refreshRole(ctx)

	if err := e.master.Heartbeat(ctx, e.Role()); err != nil {
		e.metrics.HeartbeatFailed()
		return err
	}
	return nil
}

func (e *Emitter) refreshRole(ctx context.Context) {
	host, port, ok, err := e.master.FindPrimary(ctx)
	if err != nil {
		e.logger.Debug("Could not refresh role, keeping previous", zap.Error(err))
		return
	}

	role := protocol.RoleSecondary
	if ok && protocol.JoinHostPort(host, port) == e.self {
		role = protocol.RolePrimary
	}

	e.mu.Lock()
	previous := e.role
	e.role = role
	e.mu.Unlock()

	if previous != role {
		e.logger.Info("Role changed", zap.String("from", string(previous)), zap.String("to", string(role)))
	}
}

// Run sends a heartbeat immediately and then on every interval until ctx is
// done. Failed heartbeats are logged and retried on the next tick.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.Beat(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Failed to send heartbeat", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
