package serial

import (
	"fmt"
	"io"
	"time"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (using github.com/tarm/serial)
// - Fake ports in tests
type Port interface {
	io.ReadWriteCloser

	// Flush discards any input still pending on the port
	Flush() error

	// Describe returns a short human-readable name for logs
	Describe() string
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate (USB CDC devices ignore it)
	Baud int

	// ReadTimeout bounds every Read; a read that sees no byte within it
	// returns protocol.ErrTimeout. Zero means block forever.
	ReadTimeout time.Duration
}

// DefaultConfig returns the configuration used for the camera board
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: time.Second,
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("serial %s @ %d", c.Device, c.Baud)
}
