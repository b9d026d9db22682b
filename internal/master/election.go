package master

import (
	"math/rand"
	"sync"
	"time"
)

// ElectionPolicy picks the next primary. Candidates are passed sorted
// ascending and are never empty.
type ElectionPolicy interface {
	Name() string
	Choose(candidates []NodeID) NodeID
}

// InitialElection picks uniformly at random among all registered nodes. It is
// used on the registration path.
type InitialElection struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewInitialElection seeds the policy; a zero seed uses the current time.
func NewInitialElection(seed int64) *InitialElection {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &InitialElection{rng: rand.New(rand.NewSource(seed))}
}

func (p *InitialElection) Name() string { return "initial" }

func (p *InitialElection) Choose(candidates []NodeID) NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return candidates[p.rng.Intn(len(candidates))]
}

// FailoverElection picks the smallest id among the remaining live nodes. It is
// used when the heartbeat monitor detects a failed primary.
type FailoverElection struct{}

func (FailoverElection) Name() string { return "failover" }

func (FailoverElection) Choose(candidates []NodeID) NodeID {
	return candidates[0]
}
