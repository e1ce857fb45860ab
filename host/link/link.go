// Package link is the camera connection: a byte transport with a reliable
// packet reader on top.
package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"camlink/config"
	"camlink/host/serial"
	"camlink/host/tcp"
	"camlink/protocol"
)

// Link reads validated packets from one camera.
type Link interface {
	ReadPacket() (protocol.Packet, error)
	Flush() error
	Describe() string
	Close() error
	Stats() protocol.ReaderStats
}

// transport is what both byte transports provide.
type transport interface {
	io.ReadCloser
	Flush() error
	Describe() string
}

// conn is the shared implementation; the variants differ only in how the
// reader searches for markers.
type conn struct {
	t      transport
	in     *bufio.Reader
	reader *protocol.Reader
	log    *slog.Logger
}

// readBufferSize holds a few packets so marker searches do not cost a
// system call per byte.
const readBufferSize = 64 * 1024

func newConn(t transport, alwaysSync bool, o options, kind string) *conn {
	in := bufio.NewReaderSize(t, readBufferSize)
	return &conn{
		t:  t,
		in: in,
		reader: protocol.NewReader(in, protocol.ReaderConfig{
			AlwaysSync:      alwaysSync,
			MaxAttempts:     o.maxAttempts,
			SyncSearchLimit: o.syncSearchLimit,
			Logger:          o.logger,
		}),
		log: o.logger.With("component", "link", "transport", kind),
	}
}

// NewSerial builds a link on a serial port. Packets are assumed to arrive
// back to back, so the reader only searches for markers after a failure.
func NewSerial(port serial.Port, opts ...Option) Link {
	return newConn(port, false, buildOptions(opts), "serial")
}

// NewTCP builds a link on a stream socket. Segment boundaries carry no
// meaning, so every read starts with a marker search.
func NewTCP(c *tcp.Conn, opts ...Option) Link {
	return newConn(c, true, buildOptions(opts), "tcp")
}

func (c *conn) ReadPacket() (protocol.Packet, error) {
	return c.reader.ReadPacket()
}

// Flush drops buffered input and then whatever the transport still holds.
func (c *conn) Flush() error {
	if n := c.in.Buffered(); n > 0 {
		c.in.Discard(n)
	}
	if err := c.t.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", c.t.Describe(), err)
	}
	return nil
}

func (c *conn) Describe() string {
	return c.t.Describe()
}

func (c *conn) Close() error {
	c.log.Debug("closing", "link", c.t.Describe())
	return c.t.Close()
}

func (c *conn) Stats() protocol.ReaderStats {
	return c.reader.Stats()
}

// Option tunes the packet reader.
type Option func(*options)

type options struct {
	maxAttempts     int
	syncSearchLimit int
	logger          *slog.Logger
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxAttempts caps the parse attempts per packet.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithSyncSearchLimit caps the bytes scanned per marker search.
func WithSyncSearchLimit(n int) Option {
	return func(o *options) { o.syncSearchLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Open connects the transport named by cfg.Kind.
func Open(ctx context.Context, cfg config.Link, logger *slog.Logger) (Link, error) {
	opts := []Option{
		WithMaxAttempts(cfg.MaxAttempts),
		WithSyncSearchLimit(cfg.SyncSearchLimit),
		WithLogger(logger),
	}

	switch cfg.Kind {
	case config.LinkSerial:
		port, err := serial.Open(&serial.Config{
			Device:      cfg.Serial.Device,
			Baud:        cfg.Serial.Baud,
			ReadTimeout: cfg.Serial.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		return NewSerial(port, opts...), nil

	case config.LinkTCP:
		c, err := tcp.Dial(ctx, tcp.Config{
			Host:           cfg.TCP.Host,
			Port:           cfg.TCP.Port,
			ConnectTimeout: cfg.TCP.ConnectTimeout,
			ReadTimeout:    cfg.TCP.ReadTimeout,
			WriteTimeout:   cfg.TCP.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		return NewTCP(c, opts...), nil

	default:
		return nil, fmt.Errorf("unknown link kind %q", cfg.Kind)
	}
}
