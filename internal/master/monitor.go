package master

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

const (
	DefaultCheckInterval    = 5 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
)

// LivenessObserver is notified of node state transitions.
type LivenessObserver interface {
	NodeAlive(id NodeID)
	NodeFailed(id NodeID)
}

// Monitor tracks heartbeat timestamps and drives failover. It reads the
// primary from the registry and never keeps its own copy.
type Monitor struct {
	mu    sync.Mutex
	nodes map[NodeID]*LivenessRecord

	registry *Registry
	failover ElectionPolicy
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	observer LivenessObserver
	metrics  *metrics.Master
	logger   *zap.Logger
}

type MonitorOption func(*Monitor)

// WithClock replaces time.Now, for deterministic sweeps.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func WithLivenessObserver(o LivenessObserver) MonitorOption {
	return func(m *Monitor) { m.observer = o }
}

func WithMonitorMetrics(mm *metrics.Master) MonitorOption {
	return func(m *Monitor) { m.metrics = mm }
}

// NewMonitor creates a monitor sweeping every interval and failing nodes whose
// last heartbeat is older than timeout. Zero values select the defaults.
func NewMonitor(registry *Registry, interval, timeout time.Duration, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	m := &Monitor{
		nodes:    make(map[NodeID]*LivenessRecord),
		registry: registry,
		failover: FailoverElection{},
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.Named("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnHeartbeat refreshes the liveness record of id. A node previously marked
// failed starts over with a fresh ALIVE record. A node announcing the primary
// role only becomes primary if the registry has none.
func (m *Monitor) OnHeartbeat(id NodeID, role protocol.Role) {
	m.mu.Lock()
	rec, ok := m.nodes[id]
	fresh := !ok || rec.State == StateFailed
	if fresh {
		rec = &LivenessRecord{ID: id}
		m.nodes[id] = rec
	}
	rec.LastHeartbeat = m.now()
	rec.Role = role
	rec.State = StateAlive
	m.mu.Unlock()

	m.metrics.Heartbeat()
	if fresh {
		m.logger.Info("Chunk server alive", zap.Stringer("server_id", id), zap.Bool("rejoined", ok))
		if m.observer != nil {
			m.observer.NodeAlive(id)
		}
	}

	if role != protocol.RolePrimary {
		return
	}
	primary, hasPrimary := m.registry.Primary()
	switch {
	case !hasPrimary:
		if !m.registry.ClaimPrimary(id) {
			m.logger.Warn("Primary claim from unregistered chunk server ignored", zap.Stringer("server_id", id))
		}
	case primary != id:
		m.logger.Warn("Chunk server claims primary role held by another node",
			zap.Stringer("server_id", id),
			zap.Stringer("primary", primary))
	}
}

// Track starts the heartbeat clock for id without a heartbeat, so a node
// restored from the metadata log is failed if it never reports again.
func (m *Monitor) Track(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		m.nodes[id] = &LivenessRecord{ID: id, LastHeartbeat: m.now(), State: StateAlive}
	}
}

// Sweep fails every alive node whose heartbeat is older than the timeout and
// runs a failover election when the primary is failed or missing. It returns
// the nodes failed by this sweep.
func (m *Monitor) Sweep() []NodeID {
	now := m.now()

	m.mu.Lock()
	var failed []NodeID
	live := make(map[NodeID]bool)
	states := make(map[NodeID]NodeState, len(m.nodes))
	for id, rec := range m.nodes {
		if rec.State == StateAlive && now.Sub(rec.LastHeartbeat) > m.timeout {
			rec.State = StateFailed
			failed = append(failed, id)
		}
		if rec.State == StateAlive {
			live[id] = true
		}
		states[id] = rec.State
	}
	m.mu.Unlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	for _, id := range failed {
		m.metrics.NodeFailed()
		m.logger.Warn("Chunk server failed", zap.Stringer("server_id", id), zap.Duration("timeout", m.timeout))
		if m.observer != nil {
			m.observer.NodeFailed(id)
		}
	}

	primary, hasPrimary := m.registry.Primary()
	switch {
	case hasPrimary && states[primary] == StateFailed:
		m.logger.Warn("Primary failed, initiating election", zap.Stringer("server_id", primary))
		m.registry.ElectPrimary(m.failover, live)
	case !hasPrimary && m.hasRegisteredLive(live):
		m.logger.Info("No primary selected, initiating election")
		m.registry.ElectPrimary(m.failover, live)
	}

	return failed
}

// Run sweeps on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Monitor) State(id NodeID) NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.nodes[id]; ok {
		return rec.State
	}
	return StateUnknown
}

// Records returns copies of all liveness records ordered by id.
func (m *Monitor) Records() []LivenessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LivenessRecord, 0, len(m.nodes))
	for _, rec := range m.nodes {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Monitor) hasRegisteredLive(live map[NodeID]bool) bool {
	for id := range live {
		if m.registry.Registered(id) {
			return true
		}
	}
	return false
}
