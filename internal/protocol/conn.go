package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// MaxMessageSize bounds a single message. Each Read is assumed to deliver
// exactly one whole message, so anything larger is truncated by the peer's
// framing and rejected here as malformed.
const MaxMessageSize = 64 * 1024

// Conn exchanges one message per read/write round trip over a stream connection.
type Conn struct {
	net.Conn
	buf []byte
}

func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, buf: make([]byte, MaxMessageSize)}
}

// Dial opens a connection to addr, honouring the context deadline.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewConn(c), nil
}

func (c *Conn) Send(m Message) error {
	return c.SendRaw(m.String())
}

func (c *Conn) SendRaw(raw string) error {
	if len(raw) > MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes exceeds limit", ErrMalformed, len(raw))
	}
	if _, err := c.Write([]byte(raw)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReceiveRaw waits up to timeout (zero means no deadline) for the next message.
func (c *Conn) ReceiveRaw(timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	n, err := c.Read(c.buf)
	if n > 0 {
		return string(c.buf[:n]), nil
	}
	return "", err
}

// Receive reads and parses the next message. A message that fails to parse is
// reported with an error wrapping ErrMalformed or ErrUnknownMessage; the
// connection stays usable.
func (c *Conn) Receive(timeout time.Duration) (Message, error) {
	raw, err := c.ReceiveRaw(timeout)
	if err != nil {
		return Message{}, err
	}
	return Parse(raw)
}

// RoundTrip sends m and waits up to timeout for the reply.
func (c *Conn) RoundTrip(m Message, timeout time.Duration) (Message, error) {
	if err := c.Send(m); err != nil {
		return Message{}, err
	}
	return c.Receive(timeout)
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Timeout derives a read timeout from ctx, capped at limit.
func Timeout(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return time.Millisecond
	}
	if limit > 0 && limit < remaining {
		return limit
	}
	return remaining
}
