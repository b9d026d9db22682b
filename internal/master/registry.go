package master

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
)

var (
	ErrUnknownServer       = errors.New("unknown chunk server")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrInvalidFileName     = errors.New("invalid filename")
)

// PrimaryObserver is notified after the primary pointer changes.
type PrimaryObserver interface {
	PrimaryChanged(id NodeID, ok bool)
}

// Registry is the authoritative table of chunk servers and the single owner of
// the primary pointer. Every operation runs under one mutex.
type Registry struct {
	mu         sync.Mutex
	servers    map[NodeID]*ChunkServerRecord
	primary    NodeID
	hasPrimary bool

	// Non-nil when every registration re-runs the initial election.
	reelect ElectionPolicy

	oplog    MetadataLog
	observer PrimaryObserver
	metrics  *metrics.Master
	logger   *zap.Logger
}

type RegistryOption func(*Registry)

func WithMetadataLog(l MetadataLog) RegistryOption {
	return func(r *Registry) { r.oplog = l }
}

func WithPrimaryObserver(o PrimaryObserver) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

func WithRegistryMetrics(m *metrics.Master) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithReelectOnRegister makes every registration choose a new primary with
// policy, instead of keeping the current one.
func WithReelectOnRegister(policy ElectionPolicy) RegistryOption {
	return func(r *Registry) { r.reelect = policy }
}

func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		servers: make(map[NodeID]*ChunkServerRecord),
		oplog:   memoryLog{},
		logger:  logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics.SetPrimary(0, false)
	return r
}

// Register inserts or replaces the record for id. The first node registered
// while no primary exists becomes primary; otherwise the primary is kept unless
// re-election on registration is enabled. It reports whether id is primary
// afterwards.
func (r *Registry) Register(id NodeID, addr Address) (bool, error) {
	if id < 0 {
		return false, fmt.Errorf("%w: negative id %d", ErrInvalidRegistration, id)
	}
	if addr.Host == "" || addr.Port <= 0 || addr.Port > 65535 {
		return false, fmt.Errorf("%w: bad address %q", ErrInvalidRegistration, addr.String())
	}

	r.mu.Lock()
	_, replaced := r.servers[id]
	r.servers[id] = &ChunkServerRecord{
		ID:      id,
		Address: addr,
		Files:   make(map[string]bool),
	}
	r.appendLocked(LogEntry{Operation: OpRegister, ServerID: id, Host: addr.Host, Port: addr.Port})

	changed := false
	switch {
	case !r.hasPrimary:
		changed = r.setPrimaryLocked(id, true)
	case r.reelect != nil:
		changed = r.electLocked(r.reelect, nil)
	}
	isPrimary := r.hasPrimary && r.primary == id
	primary, hasPrimary := r.primary, r.hasPrimary
	count := len(r.servers)
	r.mu.Unlock()

	r.metrics.SetRegistered(count)
	r.logger.Info("Chunk server registered",
		zap.Stringer("server_id", id),
		zap.Stringer("address", addr),
		zap.Bool("replaced", replaced),
		zap.Bool("primary", isPrimary))
	if changed {
		r.primaryChanged(primary, hasPrimary)
	}
	if ce := r.logger.Check(zap.DebugLevel, "Registry metadata"); ce != nil {
		ce.Write(zap.Any("servers", r.Snapshot()))
	}

	return isPrimary, nil
}

// ReportFile records name in the file set of node id.
func (r *Registry) ReportFile(id NodeID, name string) error {
	if name == "" {
		return ErrInvalidFileName
	}

	r.mu.Lock()
	rec, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownServer, id)
	}
	rec.Files[name] = true
	r.appendLocked(LogEntry{Operation: OpReportFile, ServerID: id, Filename: name})
	r.mu.Unlock()

	r.metrics.FileReported()
	r.logger.Debug("File reported", zap.Stringer("server_id", id), zap.String("filename", name))
	return nil
}

// FindPrimary returns the address of the current primary.
func (r *Registry) FindPrimary() (Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasPrimary {
		return Address{}, false
	}
	rec, ok := r.servers[r.primary]
	if !ok {
		return Address{}, false
	}
	return rec.Address, true
}

func (r *Registry) Primary() (NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primary, r.hasPrimary
}

// ClaimPrimary makes id primary when it is registered and no node currently
// holds the role. It reports whether the claim was accepted.
func (r *Registry) ClaimPrimary(id NodeID) bool {
	r.mu.Lock()
	if r.hasPrimary {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.servers[id]; !ok {
		r.mu.Unlock()
		return false
	}
	r.setPrimaryLocked(id, true)
	r.mu.Unlock()

	r.logger.Info("Primary claimed by heartbeat", zap.Stringer("server_id", id))
	r.primaryChanged(id, true)
	return true
}

// ElectPrimary clears the current primary and lets policy choose among the
// registered nodes present in eligible (all registered nodes when eligible is
// nil). With no candidates the registry is left without a primary.
func (r *Registry) ElectPrimary(policy ElectionPolicy, eligible map[NodeID]bool) (NodeID, bool) {
	r.mu.Lock()
	changed := r.electLocked(policy, eligible)
	primary, ok := r.primary, r.hasPrimary
	r.mu.Unlock()

	r.metrics.Election(policy.Name())
	if ok {
		r.logger.Info("Primary elected", zap.String("policy", policy.Name()), zap.Stringer("server_id", primary))
	} else {
		r.logger.Warn("No candidate for primary", zap.String("policy", policy.Name()))
	}
	if changed {
		r.primaryChanged(primary, ok)
	}
	return primary, ok
}

// Snapshot returns copies of all records ordered by id.
func (r *Registry) Snapshot() []ChunkServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChunkServerRecord, 0, len(r.servers))
	for _, rec := range r.servers {
		files := make(map[string]bool, len(rec.Files))
		for name := range rec.Files {
			files[name] = true
		}
		out = append(out, ChunkServerRecord{
			ID:        rec.ID,
			Address:   rec.Address,
			IsPrimary: r.hasPrimary && r.primary == rec.ID,
			Files:     files,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Registered(id NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.servers[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Restore rebuilds the registry from its metadata log. It must run before the
// registry serves requests.
func (r *Registry) Restore() error {
	r.mu.Lock()
	err := r.oplog.Replay(r.applyLocked)
	count := len(r.servers)
	primary, ok := r.primary, r.hasPrimary
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to replay metadata log: %w", err)
	}
	r.metrics.SetRegistered(count)
	r.metrics.SetPrimary(int(primary), ok)
	r.logger.Info("Registry restored", zap.Int("servers", count), zap.Bool("has_primary", ok))
	return nil
}

func (r *Registry) applyLocked(e LogEntry) error {
	switch e.Operation {
	case OpRegister:
		r.servers[e.ServerID] = &ChunkServerRecord{
			ID:      e.ServerID,
			Address: Address{Host: e.Host, Port: e.Port},
			Files:   make(map[string]bool),
		}
	case OpReportFile:
		if rec, ok := r.servers[e.ServerID]; ok {
			rec.Files[e.Filename] = true
		}
	case OpPrimary:
		r.primary, r.hasPrimary = e.ServerID, e.HasPrimary
		if !e.HasPrimary {
			r.primary = 0
		}
	default:
		return fmt.Errorf("unknown log operation %q", e.Operation)
	}
	return nil
}

func (r *Registry) electLocked(policy ElectionPolicy, eligible map[NodeID]bool) bool {
	candidates := make([]NodeID, 0, len(r.servers))
	for id := range r.servers {
		if eligible == nil || eligible[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return r.setPrimaryLocked(0, false)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return r.setPrimaryLocked(policy.Choose(candidates), true)
}

func (r *Registry) setPrimaryLocked(id NodeID, ok bool) bool {
	if !ok {
		id = 0
	}
	if r.primary == id && r.hasPrimary == ok {
		return false
	}
	r.primary, r.hasPrimary = id, ok
	r.appendLocked(LogEntry{Operation: OpPrimary, ServerID: id, HasPrimary: ok})
	return true
}

func (r *Registry) appendLocked(e LogEntry) {
	if err := r.oplog.Append(e); err != nil {
		r.logger.Error("Failed to append metadata log entry", zap.String("operation", e.Operation), zap.Error(err))
	}
}

func (r *Registry) primaryChanged(id NodeID, ok bool) {
	r.metrics.SetPrimary(int(id), ok)
	if r.observer != nil {
		r.observer.PrimaryChanged(id, ok)
	}
}
