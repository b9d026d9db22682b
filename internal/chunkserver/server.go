package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/metrics"
	"github.com/Mit-Vin/gfs-coordinator/internal/protocol"
)

var ErrServerStopped = errors.New("chunk server stopped")

// FileReporter receives the names of files created or written on this node.
type FileReporter interface {
	ReportFile(ctx context.Context, name string) error
}

// Server answers client file operations over the colon-delimited protocol.
// Each connection is served by its own goroutine and each operation runs under
// the request timeout; an expired wait or operation is answered with
// TIMEOUT_ERROR and the connection stays open.
type Server struct {
	store          *Store
	reporter       FileReporter
	requestTimeout time.Duration
	metrics        *metrics.ChunkServer
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(store *Store, reporter FileReporter, requestTimeout time.Duration, m *metrics.ChunkServer, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:          store,
		reporter:       reporter,
		requestTimeout: requestTimeout,
		metrics:        m,
		logger:         logger.Named("server"),
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[net.Conn]struct{}),
	}
}

func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return ErrServerStopped
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("Chunk server listening", zap.String("address", lis.Addr().String()))

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

// Stop closes the listener and all connections and cancels running operations.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) handleConn(c net.Conn) {
	logger := s.logger.With(zap.String("conn_id", uuid.NewString()), zap.String("remote", c.RemoteAddr().String()))
	logger.Debug("Accepted connection")

	conn := protocol.NewConn(c)
	for {
		msg, err := conn.Receive(s.requestTimeout)
		if err != nil {
			switch {
			case protocol.IsTimeout(err):
				s.metrics.Timeout()
				logger.Debug("No request within timeout", zap.Duration("timeout", s.requestTimeout))
				if err := conn.Send(protocol.New(protocol.ReplyTimeout)); err != nil {
					return
				}
				continue
			case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrUnknownMessage):
				logger.Warn("Dropping invalid message", zap.Error(err))
				continue
			case errors.Is(err, io.EOF):
				logger.Debug("Connection closed by peer")
			default:
				logger.Debug("Connection read failed", zap.Error(err))
			}
			return
		}

		reply, ok := s.execute(msg, logger)
		if !ok {
			continue
		}
		if err := conn.Send(reply); err != nil {
			logger.Warn("Failed to send reply", zap.String("kind", reply.Kind), zap.Error(err))
			return
		}
	}
}

// execute runs one operation under the request timeout.
func (s *Server) execute(msg protocol.Message, logger *zap.Logger) (protocol.Message, bool) {
	name := msg.Arg(0)
	switch msg.Kind {
	case protocol.MsgCreateFile, protocol.MsgWriteFile, protocol.MsgReadFile, protocol.MsgDeleteFile:
	default:
		logger.Warn("Dropping request not handled by chunk server", zap.String("kind", msg.Kind))
		return protocol.Message{}, false
	}
	if !protocol.ValidFileName(name) {
		logger.Warn("Dropping request with invalid file name", zap.String("kind", msg.Kind), zap.String("filename", name))
		return protocol.Message{}, false
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()

	type result struct {
		reply protocol.Message
		label string
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		reply, label := s.apply(ctx, msg, logger)
		done <- result{reply, label}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		s.metrics.Timeout()
		res = result{protocol.New(protocol.ReplyTimeout), "timeout"}
	}

	elapsed := time.Since(start)
	s.metrics.Operation(operationName(msg.Kind), res.label, elapsed)
	logger.Debug("Request served",
		zap.String("kind", msg.Kind),
		zap.String("filename", name),
		zap.String("result", res.label),
		zap.Duration("elapsed", elapsed))
	return res.reply, true
}

func (s *Server) apply(ctx context.Context, msg protocol.Message, logger *zap.Logger) (protocol.Message, string) {
	name := msg.Arg(0)

	switch msg.Kind {
	case protocol.MsgCreateFile:
		if err := s.store.Create(ctx, name); err != nil {
			if ctx.Err() != nil {
				return protocol.New(protocol.ReplyTimeout), "timeout"
			}
			return s.failure(logger, name, err)
		}
		s.report(ctx, name, logger)
		return protocol.New(protocol.ReplyCreated), "ok"

	case protocol.MsgWriteFile:
		if err := s.store.Write(name, msg.Arg(1)); err != nil {
			return s.failure(logger, name, err)
		}
		s.report(ctx, name, logger)
		return protocol.New(protocol.ReplyWritten), "ok"

	case protocol.MsgReadFile:
		content, err := s.store.Read(name)
		if err != nil {
			return s.failure(logger, name, err)
		}
		return protocol.New(protocol.ReplyContent, content), "ok"

	default:
		if err := s.store.Delete(name); err != nil {
			return s.failure(logger, name, err)
		}
		return protocol.New(protocol.ReplyDeleted), "ok"
	}
}

// failure maps a store error to its reply and metric label.
func (s *Server) failure(logger *zap.Logger, name string, err error) (protocol.Message, string) {
	switch {
	case errors.Is(err, ErrLocked):
		return protocol.New(protocol.ReplyLocked), "locked"
	case errors.Is(err, ErrNotFound):
		return protocol.New(protocol.ReplyNotFound), "not_found"
	case errors.Is(err, ErrCopyFailed):
		logger.Warn("Backup copy failed", zap.String("filename", name), zap.Error(err))
		return protocol.New(protocol.ReplyCopyError), "copy_error"
	default:
		logger.Error("File operation failed", zap.String("filename", name), zap.Error(err))
		return protocol.New(protocol.ReplyServerError), "error"
	}
}

func (s *Server) report(ctx context.Context, name string, logger *zap.Logger) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.ReportFile(ctx, name); err != nil {
		s.metrics.ReportFailed()
		logger.Warn("Failed to report file to master", zap.String("filename", name), zap.Error(err))
	}
}

func operationName(kind string) string {
	switch kind {
	case protocol.MsgCreateFile:
		return "create"
	case protocol.MsgWriteFile:
		return "write"
	case protocol.MsgReadFile:
		return "read"
	default:
		return "delete"
	}
}
