package master

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

const replyTimeout = 2 * time.Second

func TestLoadConfig(t *testing.T) {
	t.Run("Repository config", func(t *testing.T) {
		config, err := LoadConfig("../../configs/master-config.yml")
		require.NoError(t, err)

		assert.NotEmpty(t, config.Server.Host)
		assert.NotZero(t, config.Server.Port)
		assert.NotZero(t, config.Health.CheckInterval)
		assert.NotZero(t, config.Health.Timeout)
	})

	t.Run("Defaults fill missing fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.yml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7011\n"), 0644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", config.Server.Host)
		assert.Equal(t, 7011, config.Server.Port)
		assert.Equal(t, DefaultCheckInterval, config.CheckInterval())
		assert.Equal(t, DefaultHeartbeatTimeout, config.HeartbeatTimeout())
		assert.Equal(t, 300*time.Second, config.IdleTimeout())
		assert.Equal(t, "127.0.0.1:7011", config.Address())
	})

	t.Run("Invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.yml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\nhealth:\n  timeout: -1\n"), 0644))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "health.timeout")
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadConfig("/this/path/does/not/exist/config.yaml")
		assert.Error(t, err)
	})

	t.Run("Empty path", func(t *testing.T) {
		_, err := LoadConfig("")
		assert.Error(t, err)
	})
}

func TestOperationLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog")

	t.Run("Replay of a missing file is empty", func(t *testing.T) {
		ol := &OperationLog{logPath: path}
		count := 0
		require.NoError(t, ol.Replay(func(LogEntry) error { count++; return nil }))
		assert.Zero(t, count)
	})

	t.Run("Entries replay in write order", func(t *testing.T) {
		ol, err := OpenOperationLog(path)
		require.NoError(t, err)
		require.NoError(t, ol.Append(LogEntry{Operation: OpRegister, ServerID: 1, Host: "127.0.0.1", Port: 6001}))
		require.NoError(t, ol.Append(LogEntry{Operation: OpReportFile, ServerID: 1, Filename: "a:b.txt"}))
		require.NoError(t, ol.Append(LogEntry{Operation: OpPrimary, ServerID: 1, HasPrimary: true}))

		var ops []string
		require.NoError(t, ol.Replay(func(e LogEntry) error {
			ops = append(ops, e.Operation)
			assert.False(t, e.Timestamp.IsZero())
			return nil
		}))
		assert.Equal(t, []string{OpRegister, OpReportFile, OpPrimary}, ops)
		require.NoError(t, ol.Close())
	})

	t.Run("Corrupt line is reported", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad")
		require.NoError(t, os.WriteFile(bad, []byte("{not json}\n"), 0644))
		ol, err := OpenOperationLog(bad)
		require.NoError(t, err)
		defer ol.Close()

		err = ol.Replay(func(LogEntry) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 1")
	})
}

type testMaster struct {
	server   *MasterServer
	registry *Registry
	monitor  *Monitor
	metrics  *metrics.Master
	addr     string
}

func setupMasterServer(t *testing.T) *testMaster {
	t.Helper()
	m := metrics.NewMaster(prometheus.NewRegistry())
	registry := NewRegistry(zap.NewNop(), WithRegistryMetrics(m))
	monitor := NewMonitor(registry, time.Second, 10*time.Second, zap.NewNop(), WithMonitorMetrics(m))
	server := NewMasterServer(registry, monitor, 5*time.Second, m, zap.NewNop())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	return &testMaster{
		server:   server,
		registry: registry,
		monitor:  monitor,
		metrics:  m,
		addr:     lis.Addr().String(),
	}
}

func dialMaster(t *testing.T, addr string) *protocol.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	conn, err := protocol.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMasterServer_Register(t *testing.T) {
	tm := setupMasterServer(t)
	conn := dialMaster(t, tm.addr)

	reply, err := conn.RoundTrip(protocol.Register(1, "127.0.0.1", 6001), replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, "CHUNK_SERVER_REGISTERED:1:primary", reply.String())

	reply, err = conn.RoundTrip(protocol.Register(2, "127.0.0.1", 6002), replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, "CHUNK_SERVER_REGISTERED:2:secondary", reply.String())

	assert.Equal(t, 2, tm.registry.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(tm.metrics.RegisteredServers))
	assert.Equal(t, float64(1), testutil.ToFloat64(tm.metrics.Primary))
}

func TestMasterServer_FindPrimary(t *testing.T) {
	tm := setupMasterServer(t)
	conn := dialMaster(t, tm.addr)

	t.Run("No primary selected", func(t *testing.T) {
		reply, err := conn.RoundTrip(protocol.FindPrimary(), replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, "PRIMARY_SERVER_INFO:No primary server selected yet.", reply.String())
	})

	t.Run("Primary address", func(t *testing.T) {
		_, err := tm.registry.Register(4, addr(6004))
		require.NoError(t, err)

		reply, err := conn.RoundTrip(protocol.FindPrimary(), replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, "PRIMARY_SERVER_INFO:127.0.0.1,6004", reply.String())

		host, port, ok, err := protocol.ParsePrimaryInfo(reply)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "127.0.0.1", host)
		assert.Equal(t, 6004, port)
	})
}

func TestMasterServer_FireAndForget(t *testing.T) {
	tm := setupMasterServer(t)
	conn := dialMaster(t, tm.addr)

	_, err := conn.RoundTrip(protocol.Register(1, "127.0.0.1", 6001), replyTimeout)
	require.NoError(t, err)

	require.NoError(t, conn.Send(protocol.ServerInfo(1, "report.txt")))
	// One message per read; keep the two writes in separate segments.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Send(protocol.Heartbeat(1, protocol.RolePrimary)))

	assert.Eventually(t, func() bool {
		snap := tm.registry.Snapshot()
		return len(snap) == 1 && snap[0].Files["report.txt"] && tm.monitor.State(1) == StateAlive
	}, replyTimeout, 10*time.Millisecond)
}

func TestMasterServer_InvalidMessages(t *testing.T) {
	tm := setupMasterServer(t)
	conn := dialMaster(t, tm.addr)

	for _, raw := range []string{
		"BOGUS",
		"REGISTER_CHUNK_SERVER:x:127.0.0.1:6001",
		"REGISTER_CHUNK_SERVER:1:127.0.0.1:port",
		"CHUNK_SERVER_INFO:9:unknown-server.txt",
		"READ_FILE:a.txt",
	} {
		require.NoError(t, conn.SendRaw(raw))
		time.Sleep(20 * time.Millisecond)
	}

	// The connection survives every dropped message.
	reply, err := conn.RoundTrip(protocol.FindPrimary(), replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyPrimaryInfo, reply.Kind)
	assert.Equal(t, 0, tm.registry.Len())
	assert.Equal(t, float64(5), testutil.ToFloat64(tm.metrics.ProtocolErrors))
}

func TestMasterServer_Stop(t *testing.T) {
	tm := setupMasterServer(t)
	conn := dialMaster(t, tm.addr)

	tm.server.Stop()

	_, err := conn.ReceiveRaw(replyTimeout)
	assert.Error(t, err)
	assert.ErrorIs(t, tm.server.Serve(newListener(t)), ErrServerStopped)
}

func newListener(t *testing.T) net.Listener {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestCoordinator_Restart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metadata.LogPath = filepath.Join(t.TempDir(), "master.log")

	first, err := NewCoordinator(cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	_, err = first.Registry.Register(5, addr(6005))
	require.NoError(t, err)
	require.NoError(t, first.Registry.ReportFile(5, "kept.txt"))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Serve(ctx, lis) }()
	cancel()
	require.NoError(t, <-done)

	second, err := NewCoordinator(cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	snap := second.Registry.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].IsPrimary)
	assert.True(t, snap[0].Files["kept.txt"])
	assert.Equal(t, StateAlive, second.Monitor.State(5))
}
