// Package config loads the host settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"camlink/motion"
	"camlink/recording"
)

// Link kinds.
const (
	LinkSerial = "serial"
	LinkTCP    = "tcp"
)

// Config describes every setting of the host.
type Config struct {
	Link      Link          `yaml:"link"`
	Capture   Capture       `yaml:"capture"`
	Recording Recording     `yaml:"recording"`
	Motion    motion.Config `yaml:"motion"`
	Log       Log           `yaml:"log"`
}

// Link selects and configures the camera connection.
type Link struct {
	Kind string `yaml:"kind"`

	Serial struct {
		Device      string        `yaml:"device"`
		Baud        int           `yaml:"baud"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
	} `yaml:"serial"`

	TCP struct {
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"tcp"`

	MaxAttempts     int `yaml:"max_attempts"`
	SyncSearchLimit int `yaml:"sync_search_limit"`
}

// Capture configures the background reader and reconnection.
type Capture struct {
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	FlushOnConnect       bool          `yaml:"flush_on_connect"`

	Reconnect struct {
		Enabled    bool          `yaml:"enabled"`
		MaxRetries int           `yaml:"max_retries"`
		RetryDelay time.Duration `yaml:"retry_delay"`
		MaxDelay   time.Duration `yaml:"max_delay"`
	} `yaml:"reconnect"`
}

// Recording configures where and how sessions are written.
type Recording struct {
	Dir         string  `yaml:"dir"`
	Encoding    string  `yaml:"encoding"`
	Encoder     string  `yaml:"encoder"`
	EncoderArgs string  `yaml:"encoder_args"`
	MaxBytes    int64   `yaml:"max_bytes"`
	AssumedFPS  float64 `yaml:"assumed_fps"`
}

// Log configures the log handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	cfg := &Config{}

	cfg.Link.Kind = LinkSerial
	cfg.Link.Serial.Device = "/dev/ttyACM0"
	cfg.Link.Serial.Baud = 115200
	cfg.Link.Serial.ReadTimeout = time.Second
	cfg.Link.TCP.Host = "192.168.1.100"
	cfg.Link.TCP.Port = 8888
	cfg.Link.TCP.ConnectTimeout = 10 * time.Second
	cfg.Link.TCP.ReadTimeout = 5 * time.Second
	cfg.Link.TCP.WriteTimeout = 5 * time.Second
	cfg.Link.MaxAttempts = 3
	cfg.Link.SyncSearchLimit = 100_000

	cfg.Capture.MaxConsecutiveErrors = 10
	cfg.Capture.TickInterval = 33 * time.Millisecond
	cfg.Capture.FlushOnConnect = true
	cfg.Capture.Reconnect.Enabled = true
	cfg.Capture.Reconnect.MaxRetries = 5
	cfg.Capture.Reconnect.RetryDelay = time.Second
	cfg.Capture.Reconnect.MaxDelay = 30 * time.Second

	cfg.Recording.Dir = "recordings"
	cfg.Recording.Encoding = string(recording.EncodingRaw)
	cfg.Recording.Encoder = "ffmpeg"
	cfg.Recording.EncoderArgs = recording.DefaultEncoderArgs
	cfg.Recording.MaxBytes = recording.DefaultMaxBytes
	cfg.Recording.AssumedFPS = recording.AssumedFPS

	cfg.Motion = motion.DefaultConfig()

	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings for values the host cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Link.Kind {
	case LinkSerial:
		if c.Link.Serial.Device == "" {
			errs = append(errs, errors.New("link.serial.device is empty"))
		}
	case LinkTCP:
		if c.Link.TCP.Host == "" {
			errs = append(errs, errors.New("link.tcp.host is empty"))
		}
		if c.Link.TCP.Port <= 0 || c.Link.TCP.Port > 65535 {
			errs = append(errs, fmt.Errorf("link.tcp.port %d out of range", c.Link.TCP.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("link.kind %q is neither %q nor %q", c.Link.Kind, LinkSerial, LinkTCP))
	}

	if c.Capture.MaxConsecutiveErrors <= 0 {
		errs = append(errs, errors.New("capture.max_consecutive_errors must be positive"))
	}
	if c.Capture.TickInterval <= 0 {
		errs = append(errs, errors.New("capture.tick_interval must be positive"))
	}

	if _, err := recording.ParseEncoding(c.Recording.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("recording.encoding: %w", err))
	}
	if c.Recording.MaxBytes <= 0 {
		errs = append(errs, errors.New("recording.max_bytes must be positive"))
	}
	if c.Recording.AssumedFPS <= 0 {
		errs = append(errs, errors.New("recording.assumed_fps must be positive"))
	}

	if err := c.Motion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("motion: %w", err))
	}

	switch c.Log.Format {
	case "console", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not console, json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}
