// Package tcp is the stream-socket byte transport for the camera link.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"camlink/protocol"
)

// Config holds the TCP endpoint of the camera.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns the settings used by the camera's TCP server.
func DefaultConfig(host string) Config {
	return Config{
		Host:           host,
		Port:           8888,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// flushQuiet is how long Flush waits for more input before deciding the
// socket is drained.
const flushQuiet = 50 * time.Millisecond

// Conn is a TCP connection whose reads are bounded by a deadline.
type Conn struct {
	conn net.Conn
	cfg  Config
	peer string
	log  *slog.Logger
}

// Dial connects to the camera.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Address(), err)
	}
	return New(conn, cfg), nil
}

// New wraps an established connection.
func New(conn net.Conn, cfg Config) *Conn {
	c := &Conn{
		conn: conn,
		cfg:  cfg,
		peer: conn.RemoteAddr().String(),
	}
	c.log = slog.Default().With("component", "tcp", "peer", c.peer)
	c.log.Info("connected", "address", cfg.Address())
	return c
}

// Read reads with the configured deadline. An expired deadline is reported
// as protocol.ErrTimeout and a closed peer as protocol.ErrConnectionClosed.
func (c *Conn) Read(b []byte) (int, error) {
	return c.read(b, c.cfg.ReadTimeout)
}

func (c *Conn) read(b []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.conn.Read(b)
	if err == nil {
		return n, nil
	}
	if n > 0 {
		// Hand over what arrived; the error resurfaces on the next call.
		return n, nil
	}
	return 0, classify(err)
}

// Write writes with the configured deadline.
func (c *Conn) Write(b []byte) (int, error) {
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.conn.Write(b)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Flush discards whatever arrives until the socket stays quiet.
func (c *Conn) Flush() error {
	buf := make([]byte, 4096)
	discarded := 0
	for {
		n, err := c.read(buf, flushQuiet)
		discarded += n
		if err != nil {
			if protocol.IsTimeout(err) {
				break
			}
			return fmt.Errorf("flush: %w", err)
		}
	}
	if discarded > 0 {
		c.log.Debug("flushed receive buffer", "bytes", discarded)
	}
	return nil
}

// Describe returns the configured endpoint and the resolved peer.
func (c *Conn) Describe() string {
	return fmt.Sprintf("tcp %s (%s)", c.cfg.Address(), c.peer)
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	c.log.Info("connection closed")
	return c.conn.Close()
}

func classify(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return protocol.ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return protocol.ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return err
}
