package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

var (
	ErrNoPrimary       = errors.New("no primary server selected")
	ErrNotConnected    = errors.New("session not connected")
	ErrInvalidName     = errors.New("invalid file name")
	ErrLocked          = errors.New("file is locked by another operation")
	ErrNotFound        = errors.New("file not found")
	ErrCopyFailed      = errors.New("server failed to back up file")
	ErrTimeout         = errors.New("request timed out")
	ErrServer          = errors.New("server error")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

type State int

const (
	Disconnected State = iota
	ConnectedToMaster
	HasPrimary
	ConnectedToPrimary
)

func (s State) String() string {
	switch s {
	case ConnectedToMaster:
		return "CONNECTED_TO_MASTER"
	case HasPrimary:
		return "HAS_PRIMARY"
	case ConnectedToPrimary:
		return "CONNECTED_TO_PRIMARY"
	default:
		return "DISCONNECTED"
	}
}

// Session discovers the primary through the master and then sends file
// operations straight to it. A network failure or a local timeout drops the
// session back to Disconnected; the caller decides whether to discover again.
type Session struct {
	id             string
	masterAddr     string
	masterTimeout  time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	state   State
	master  *protocol.Conn
	primary string
	conn    *protocol.Conn
}

func NewSession(masterAddr string, masterTimeout, requestTimeout time.Duration, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:             id,
		masterAddr:     masterAddr,
		masterTimeout:  masterTimeout,
		requestTimeout: requestTimeout,
		logger:         logger.Named("session").With(zap.String("session_id", id)),
	}
}

func NewSessionFromConfig(cfg *Config, logger *zap.Logger) *Session {
	return NewSession(cfg.MasterAddress(), cfg.MasterTimeout(), cfg.RequestTimeout(), logger)
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Primary returns the address of the discovered primary, if any.
func (s *Session) Primary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

func (s *Session) ConnectMaster(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	ctx, cancel := context.WithTimeout(ctx, s.masterTimeout)
	defer cancel()

	conn, err := protocol.Dial(ctx, s.masterAddr)
	if err != nil {
		return err
	}
	s.master = conn
	s.state = ConnectedToMaster
	s.logger.Debug("Connected to master", zap.String("master", s.masterAddr))
	return nil
}

// FindPrimary asks the master for the primary. When none is selected it
// returns ErrNoPrimary and the session stays connected to the master.
func (s *Session) FindPrimary(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		return "", ErrNotConnected
	}

	reply, err := s.master.RoundTrip(protocol.FindPrimary(), protocol.Timeout(ctx, s.masterTimeout))
	if err != nil {
		s.resetLocked()
		if protocol.IsTimeout(err) {
			return "", fmt.Errorf("%w: waiting for master", ErrTimeout)
		}
		return "", fmt.Errorf("failed to query master: %w", err)
	}

	host, port, ok, err := protocol.ParsePrimaryInfo(reply)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if !ok {
		s.primary = ""
		s.state = ConnectedToMaster
		return "", ErrNoPrimary
	}

	s.primary = protocol.JoinHostPort(host, port)
	s.state = HasPrimary
	s.logger.Debug("Primary discovered", zap.String("primary", s.primary))
	return s.primary, nil
}

// ConnectPrimary opens the connection to the discovered primary and releases
// the master connection.
func (s *Session) ConnectPrimary(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != HasPrimary {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.masterTimeout)
	defer cancel()
	conn, err := protocol.Dial(ctx, s.primary)
	if err != nil {
		s.resetLocked()
		return err
	}

	s.master.Close()
	s.master = nil
	s.conn = conn
	s.state = ConnectedToPrimary
	s.logger.Info("Connected to primary", zap.String("primary", s.primary))
	return nil
}

// Discover runs the whole discovery sequence. Any failure leaves the session
// disconnected.
func (s *Session) Discover(ctx context.Context) (string, error) {
	if err := s.ConnectMaster(ctx); err != nil {
		return "", err
	}
	primary, err := s.FindPrimary(ctx)
	if err != nil {
		s.Close()
		return "", err
	}
	if err := s.ConnectPrimary(ctx); err != nil {
		return "", err
	}
	return primary, nil
}

func (s *Session) Create(ctx context.Context, name string) error {
	_, err := s.do(ctx, name, protocol.New(protocol.MsgCreateFile, name), protocol.ReplyCreated)
	return err
}

func (s *Session) Write(ctx context.Context, name, content string) error {
	_, err := s.do(ctx, name, protocol.New(protocol.MsgWriteFile, name, content), protocol.ReplyWritten)
	return err
}

func (s *Session) Read(ctx context.Context, name string) (string, error) {
	reply, err := s.do(ctx, name, protocol.New(protocol.MsgReadFile, name), protocol.ReplyContent)
	if err != nil {
		return "", err
	}
	return reply.Arg(0), nil
}

func (s *Session) Delete(ctx context.Context, name string) error {
	_, err := s.do(ctx, name, protocol.New(protocol.MsgDeleteFile, name), protocol.ReplyDeleted)
	return err
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

func (s *Session) do(ctx context.Context, name string, req protocol.Message, want string) (protocol.Message, error) {
	if !protocol.ValidFileName(name) {
		return protocol.Message{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ConnectedToPrimary {
		return protocol.Message{}, ErrNotConnected
	}
	if err := s.discardUnsolicitedLocked(); err != nil {
		s.resetLocked()
		return protocol.Message{}, fmt.Errorf("connection to primary lost: %w", err)
	}

	reply, err := s.conn.RoundTrip(req, protocol.Timeout(ctx, s.requestTimeout))
	if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownMessage) {
		return protocol.Message{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if err != nil {
		s.resetLocked()
		if protocol.IsTimeout(err) {
			return protocol.Message{}, fmt.Errorf("%w: %s", ErrTimeout, req.Kind)
		}
		return protocol.Message{}, fmt.Errorf("connection to primary lost: %w", err)
	}

	switch reply.Kind {
	case want:
		return reply, nil
	case protocol.ReplyLocked:
		return reply, fmt.Errorf("%w: %s", ErrLocked, name)
	case protocol.ReplyNotFound:
		return reply, fmt.Errorf("%w: %s", ErrNotFound, name)
	case protocol.ReplyCopyError:
		return reply, fmt.Errorf("%w: %s", ErrCopyFailed, name)
	case protocol.ReplyTimeout:
		return reply, fmt.Errorf("%w: %s on server", ErrTimeout, req.Kind)
	case protocol.ReplyServerError:
		return reply, fmt.Errorf("%w: %s", ErrServer, reply.Arg(0))
	default:
		return reply, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Kind)
	}
}

// discardUnsolicitedLocked drops replies the server sent while the session
// was idle, such as a TIMEOUT_ERROR for a request that was never made.
func (s *Session) discardUnsolicitedLocked() error {
	for {
		raw, err := s.conn.ReceiveRaw(time.Millisecond)
		if err != nil {
			if protocol.IsTimeout(err) {
				return nil
			}
			return err
		}
		s.logger.Debug("Discarding unsolicited message", zap.String("message", raw))
	}
}

func (s *Session) resetLocked() {
	if s.master != nil {
		s.master.Close()
		s.master = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.primary = ""
	s.state = Disconnected
}
