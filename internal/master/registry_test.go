package master

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type primaryRecorder struct {
	changes []NodeID
	cleared int
}

func (p *primaryRecorder) PrimaryChanged(id NodeID, ok bool) {
	if !ok {
		p.cleared++
		return
	}
	p.changes = append(p.changes, id)
}

func addr(port int) Address {
	return Address{Host: "127.0.0.1", Port: port}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("First registrant becomes primary", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())

		isPrimary, err := r.Register(1, addr(6001))
		require.NoError(t, err)
		assert.True(t, isPrimary)

		isPrimary, err = r.Register(2, addr(6002))
		require.NoError(t, err)
		assert.False(t, isPrimary)

		got, ok := r.FindPrimary()
		require.True(t, ok)
		assert.Equal(t, addr(6001), got)
	})

	t.Run("Re-registration replaces the record", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		_, err := r.Register(1, addr(6001))
		require.NoError(t, err)
		require.NoError(t, r.ReportFile(1, "a.txt"))

		isPrimary, err := r.Register(1, addr(7001))
		require.NoError(t, err)
		assert.True(t, isPrimary)

		snap := r.Snapshot()
		require.Len(t, snap, 1)
		assert.Equal(t, addr(7001), snap[0].Address)
		assert.Empty(t, snap[0].Files)
	})

	t.Run("Invalid registrations are rejected", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())

		_, err := r.Register(-1, addr(6001))
		assert.ErrorIs(t, err, ErrInvalidRegistration)

		_, err = r.Register(1, Address{Host: "", Port: 6001})
		assert.ErrorIs(t, err, ErrInvalidRegistration)

		_, err = r.Register(1, Address{Host: "127.0.0.1", Port: 70000})
		assert.ErrorIs(t, err, ErrInvalidRegistration)

		assert.Equal(t, 0, r.Len())
		_, ok := r.Primary()
		assert.False(t, ok)
	})

	t.Run("At most one primary under any registration order", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		r := NewRegistry(zap.NewNop())
		for i := 0; i < 200; i++ {
			id := NodeID(rng.Intn(20))
			_, err := r.Register(id, addr(6000+int(id)))
			require.NoError(t, err)

			primaries := 0
			for _, rec := range r.Snapshot() {
				if rec.IsPrimary {
					primaries++
				}
			}
			assert.Equal(t, 1, primaries)
		}
	})

	t.Run("Re-election on registration", func(t *testing.T) {
		rec := &primaryRecorder{}
		r := NewRegistry(zap.NewNop(),
			WithReelectOnRegister(NewInitialElection(7)),
			WithPrimaryObserver(rec))

		for id := NodeID(1); id <= 5; id++ {
			_, err := r.Register(id, addr(6000+int(id)))
			require.NoError(t, err)
		}

		primary, ok := r.Primary()
		require.True(t, ok)
		assert.True(t, r.Registered(primary))
		assert.NotEmpty(t, rec.changes)
		assert.Equal(t, primary, rec.changes[len(rec.changes)-1])
	})
}

func TestRegistry_FindPrimary(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	_, ok := r.FindPrimary()
	assert.False(t, ok)

	_, err := r.Register(3, addr(6003))
	require.NoError(t, err)
	got, ok := r.FindPrimary()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:6003", got.String())
}

func TestRegistry_ReportFile(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Register(1, addr(6001))
	require.NoError(t, err)

	t.Run("Known server", func(t *testing.T) {
		require.NoError(t, r.ReportFile(1, "a.txt"))
		require.NoError(t, r.ReportFile(1, "a.txt"))
		require.NoError(t, r.ReportFile(1, "b.txt"))

		snap := r.Snapshot()
		assert.Equal(t, map[string]bool{"a.txt": true, "b.txt": true}, snap[0].Files)
	})

	t.Run("Unknown server", func(t *testing.T) {
		err := r.ReportFile(9, "a.txt")
		assert.ErrorIs(t, err, ErrUnknownServer)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Empty name", func(t *testing.T) {
		assert.ErrorIs(t, r.ReportFile(1, ""), ErrInvalidFileName)
	})
}

func TestRegistry_ClaimPrimary(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Register(1, addr(6001))
	require.NoError(t, err)
	_, err = r.Register(2, addr(6002))
	require.NoError(t, err)

	assert.False(t, r.ClaimPrimary(2), "claim must not override an existing primary")

	_, ok := r.ElectPrimary(FailoverElection{}, map[NodeID]bool{})
	require.False(t, ok)

	assert.False(t, r.ClaimPrimary(9), "unregistered node cannot claim")
	assert.True(t, r.ClaimPrimary(2))

	primary, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, NodeID(2), primary)
}

func TestRegistry_ElectPrimary(t *testing.T) {
	rec := &primaryRecorder{}
	r := NewRegistry(zap.NewNop(), WithPrimaryObserver(rec))
	for _, id := range []NodeID{4, 2, 7} {
		_, err := r.Register(id, addr(6000+int(id)))
		require.NoError(t, err)
	}

	id, ok := r.ElectPrimary(FailoverElection{}, map[NodeID]bool{7: true, 2: true})
	require.True(t, ok)
	assert.Equal(t, NodeID(2), id)

	id, ok = r.ElectPrimary(FailoverElection{}, nil)
	require.True(t, ok)
	assert.Equal(t, NodeID(2), id)

	_, ok = r.ElectPrimary(FailoverElection{}, map[NodeID]bool{})
	assert.False(t, ok)
	_, ok = r.FindPrimary()
	assert.False(t, ok)

	assert.Equal(t, []NodeID{4, 2}, rec.changes)
	assert.Equal(t, 1, rec.cleared)
}

func TestRegistry_Restore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.log")

	oplog, err := OpenOperationLog(path)
	require.NoError(t, err)
	r := NewRegistry(zap.NewNop(), WithMetadataLog(oplog))
	_, err = r.Register(1, addr(6001))
	require.NoError(t, err)
	_, err = r.Register(2, addr(6002))
	require.NoError(t, err)
	require.NoError(t, r.ReportFile(2, "notes.txt"))
	_, ok := r.ElectPrimary(FailoverElection{}, map[NodeID]bool{2: true})
	require.True(t, ok)
	want := r.Snapshot()
	require.NoError(t, oplog.Close())

	oplog, err = OpenOperationLog(path)
	require.NoError(t, err)
	defer oplog.Close()
	restored := NewRegistry(zap.NewNop(), WithMetadataLog(oplog))
	require.NoError(t, restored.Restore())

	assert.Equal(t, want, restored.Snapshot())
	primary, ok := restored.Primary()
	require.True(t, ok)
	assert.Equal(t, NodeID(2), primary)
}
