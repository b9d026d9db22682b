package chunkserver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

// MasterClient talks to the master on behalf of one chunk server. Every call
// opens its own connection, so a lost master never poisons later calls.
type MasterClient struct {
	addr    string
	id      int
	timeout time.Duration
	logger  *zap.Logger
}

func NewMasterClient(addr string, id int, timeout time.Duration, logger *zap.Logger) *MasterClient {
	return &MasterClient{
		addr:    addr,
		id:      id,
		timeout: timeout,
		logger:  logger.Named("master_client"),
	}
}

// Register announces this server at host:port and returns the role the master
// assigned.
func (c *MasterClient) Register(ctx context.Context, host string, port int) (protocol.Role, error) {
	reply, err := c.roundTrip(ctx, protocol.Register(c.id, host, port))
	if err != nil {
		return "", fmt.Errorf("failed to register with master: %w", err)
	}
	if reply.Kind != protocol.ReplyRegistered {
		return "", fmt.Errorf("unexpected registration reply %q", reply.Kind)
	}

	role := protocol.Role(reply.Arg(1))
	if role == "" {
		role = protocol.RoleSecondary
	}
	c.logger.Info("Registered with master",
		zap.String("master", c.addr),
		zap.Int("server_id", c.id),
		zap.String("role", string(role)))
	return role, nil
}

// ReportFile tells the master that this server stores name.
func (c *MasterClient) ReportFile(ctx context.Context, name string) error {
	return c.send(ctx, protocol.ServerInfo(c.id, name))
}

func (c *MasterClient) Heartbeat(ctx context.Context, role protocol.Role) error {
	return c.send(ctx, protocol.Heartbeat(c.id, role))
}

// FindPrimary returns the primary address; ok is false when none is selected.
func (c *MasterClient) FindPrimary(ctx context.Context) (string, int, bool, error) {
	reply, err := c.roundTrip(ctx, protocol.FindPrimary())
	if err != nil {
		return "", 0, false, err
	}
	return protocol.ParsePrimaryInfo(reply)
}

func (c *MasterClient) send(ctx context.Context, m protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := protocol.Dial(ctx, c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	return conn.Send(m)
}

func (c *MasterClient) roundTrip(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := protocol.Dial(ctx, c.addr)
	if err != nil {
		return protocol.Message{}, err
	}
	defer conn.Close()

	return conn.RoundTrip(m, protocol.Timeout(ctx, c.timeout))
}
