package master

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

var ErrServerStopped = errors.New("master server stopped")

// MasterServer accepts connections from chunk servers and clients and answers
// registry and heartbeat messages. Each connection is served by its own
// goroutine and may carry any number of messages.
type MasterServer struct {
	Registry *Registry
	Monitor  *Monitor

	idleTimeout time.Duration
	metrics     *metrics.Master
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewMasterServer(registry *Registry, monitor *Monitor, idleTimeout time.Duration, m *metrics.Master, logger *zap.Logger) *MasterServer {
	return &MasterServer{
		Registry:    registry,
		Monitor:     monitor,
		idleTimeout: idleTimeout,
		metrics:     m,
		logger:      logger.Named("server"),
		conns:       make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *MasterServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return ErrServerStopped
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("Master server listening", zap.String("address", lis.Addr().String()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *MasterServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *MasterServer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *MasterServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *MasterServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *MasterServer) handleConn(c net.Conn) {
	logger := s.logger.With(zap.String("conn_id", uuid.NewString()), zap.String("remote", c.RemoteAddr().String()))
	logger.Debug("Accepted connection")

	conn := protocol.NewConn(c)
	for {
		msg, err := conn.Receive(s.idleTimeout)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownMessage):
				s.metrics.ProtocolError()
				logger.Warn("Dropping invalid message", zap.Error(err))
				continue
			case errors.Is(err, io.EOF):
				logger.Debug("Connection closed by peer")
			case protocol.IsTimeout(err):
				logger.Debug("Closing idle connection", zap.Duration("idle_timeout", s.idleTimeout))
			default:
				logger.Debug("Connection read failed", zap.Error(err))
			}
			return
		}

		s.metrics.Request(msg.Kind)
		reply, ok := s.dispatch(msg, logger)
		if !ok {
			continue
		}
		if err := conn.Send(reply); err != nil {
			logger.Warn("Failed to send reply", zap.String("kind", reply.Kind), zap.Error(err))
			return
		}
	}
}

// dispatch applies one message. ok is false when no reply is due, either
// because the message is fire-and-forget or because it was dropped.
func (s *MasterServer) dispatch(msg protocol.Message, logger *zap.Logger) (protocol.Message, bool) {
	switch msg.Kind {
	case protocol.MsgRegister:
		id, err := parseNodeID(msg.Arg(0))
		if err != nil {
			s.drop(logger, msg, err)
			return protocol.Message{}, false
		}
		port, err := strconv.Atoi(msg.Arg(2))
		if err != nil {
			s.drop(logger, msg, fmt.Errorf("invalid port %q", msg.Arg(2)))
			return protocol.Message{}, false
		}
		isPrimary, err := s.Registry.Register(id, Address{Host: msg.Arg(1), Port: port})
		if err != nil {
			s.drop(logger, msg, err)
			return protocol.Message{}, false
		}
		role := protocol.RoleSecondary
		if isPrimary {
			role = protocol.RolePrimary
		}
		return protocol.New(protocol.ReplyRegistered, id.String(), string(role)), true

	case protocol.MsgServerInfo:
		id, err := parseNodeID(msg.Arg(0))
		if err != nil {
			s.drop(logger, msg, err)
			return protocol.Message{}, false
		}
		if err := s.Registry.ReportFile(id, msg.Arg(1)); err != nil {
			s.drop(logger, msg, err)
		}
		return protocol.Message{}, false

	case protocol.MsgFindPrimary:
		addr, ok := s.Registry.FindPrimary()
		if !ok {
			return protocol.NoPrimaryInfo(), true
		}
		return protocol.PrimaryInfo(addr.Host, addr.Port), true

	case protocol.MsgHeartbeat:
		id, err := parseNodeID(msg.Arg(0))
		if err != nil {
			s.drop(logger, msg, err)
			return protocol.Message{}, false
		}
		role := protocol.Role(msg.Arg(1))
		if role == "" {
			role = protocol.RoleSecondary
		}
		s.Monitor.OnHeartbeat(id, role)
		return protocol.Message{}, false

	default:
		s.drop(logger, msg, errors.New("message not handled by master"))
		return protocol.Message{}, false
	}
}

func (s *MasterServer) drop(logger *zap.Logger, msg protocol.Message, err error) {
	s.metrics.ProtocolError()
	logger.Warn("Dropping request", zap.String("kind", msg.Kind), zap.Error(err))
}

func parseNodeID(text string) (NodeID, error) {
	id, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid server id %q", text)
	}
	return NodeID(id), nil
}
