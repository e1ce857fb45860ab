package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls exponential backoff between connections.
type ReconnectConfig struct {
	MaxRetries    int           // failed attempts in a row before giving up (default 5)
	RetryDelay    time.Duration // first delay (default 1s)
	MaxRetryDelay time.Duration // delay cap (default 30s)
}

// DefaultReconnectConfig returns the stock backoff.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState tracks attempts across connections.
type ReconnectState struct {
	retries    atomic.Int32
	Reconnects atomic.Uint32
}

// Connected resets the retry count. A ConnectFunc calls it once its link is
// up, so a session that ran for a while starts over with a short delay.
func (s *ReconnectState) Connected() {
	s.retries.Store(0)
}

// Retries returns the failed attempts since the last connection.
func (s *ReconnectState) Retries() int {
	return int(s.retries.Load())
}

// ConnectFunc opens a link and runs a session on it until it ends. It
// returns nil only when it was stopped on purpose.
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect runs connect until it returns nil, ctx ends, or
// MaxRetries attempts in a row fail. Between attempts it waits
// RetryDelay * 2^(n-1), capped at MaxRetryDelay.
func RunWithReconnect(ctx context.Context, connect ConnectFunc, cfg ReconnectConfig, state *ReconnectState) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if state == nil {
		state = &ReconnectState{}
	}
	log := slog.Default().With("component", "reconnect")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		retries := int(state.retries.Add(1))
		state.Reconnects.Add(1)
		log.Error("connection lost", "error", err, "attempt", retries)

		if retries > cfg.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxRetries, err)
		}

		delay := backoff(retries, cfg)
		log.Warn("retrying connection", "attempt", retries, "max_retries", cfg.MaxRetries, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backoff(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	return delay
}
