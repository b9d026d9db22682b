package master

import (
	"strconv"
	"time"

	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

// NodeID identifies a chunk server. Ids are assigned by operators and are
// compared numerically by the failover policy.
type NodeID int

func (id NodeID) String() string {
	return strconv.Itoa(int(id))
}

type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return protocol.JoinHostPort(a.Host, a.Port)
}

// ChunkServerRecord is the registry's view of one chunk server.
type ChunkServerRecord struct {
	ID        NodeID          `json:"id"`
	Address   Address         `json:"address"`
	IsPrimary bool            `json:"is_primary"`
	Files     map[string]bool `json:"files"`
}

type NodeState int

const (
	StateUnknown NodeState = iota
	StateAlive
	StateFailed
)

func (s NodeState) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// LivenessRecord is the heartbeat monitor's view of one chunk server.
type LivenessRecord struct {
	ID            NodeID
	LastHeartbeat time.Time
	Role          protocol.Role
	State         NodeState
}
