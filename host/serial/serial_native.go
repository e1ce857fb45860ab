//go:build !wasm

package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tarm/serial"

	"camlink/protocol"
)

// maxFlushReads bounds Flush on a device that never goes quiet.
const maxFlushReads = 1024

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port io.ReadWriteCloser
	cfg  *Config
	log  *slog.Logger
}

// Open opens a native serial port
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	serialConfig := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return newNativePort(port, cfg), nil
}

func newNativePort(port io.ReadWriteCloser, cfg *Config) *NativePort {
	p := &NativePort{
		port: port,
		cfg:  cfg,
		log:  slog.Default().With("component", "serial", "device", cfg.Device),
	}
	p.log.Info("serial port opened", "baud", cfg.Baud, "read_timeout", cfg.ReadTimeout)
	return p
}

// Read reads data from the serial port. tarm/serial reports an expired read
// timeout as a zero-byte read (with io.EOF on posix), which is translated to
// protocol.ErrTimeout: a serial line has no end of stream.
func (p *NativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n > 0 {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return 0, protocol.ErrTimeout
	}
	return 0, err
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		p.log.Info("serial port closed")
		return p.port.Close()
	}
	return nil
}

// Flush reads and discards input until a read times out
func (p *NativePort) Flush() error {
	buf := make([]byte, 1024)
	discarded := 0
	for i := 0; i < maxFlushReads; i++ {
		n, err := p.Read(buf)
		discarded += n
		if err != nil {
			if protocol.IsTimeout(err) {
				break
			}
			return fmt.Errorf("flush %s: %w", p.cfg.Device, err)
		}
	}
	if discarded > 0 {
		p.log.Debug("flushed receive buffer", "bytes", discarded)
	}
	return nil
}

// Describe returns the device and baud rate
func (p *NativePort) Describe() string {
	return p.cfg.String()
}
