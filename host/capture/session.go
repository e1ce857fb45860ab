// Package capture runs the background packet reader and the consumer that
// feeds rate estimation and recording.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"camlink/host/link"
	"camlink/protocol"
)

// ErrTooManyErrors ends a session whose reads failed too often in a row.
var ErrTooManyErrors = errors.New("consecutive read error limit reached")

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("session already started")

// SessionConfig tunes the background reader.
type SessionConfig struct {
	// MaxConsecutiveErrors tears the session down once this many reads
	// in a row fail with something other than a timeout (default 10).
	MaxConsecutiveErrors int

	// ErrorPause is slept after a failed read (default 10ms).
	ErrorPause time.Duration

	// FlushOnStart discards stale input before the first read.
	FlushOnStart bool

	Logger *slog.Logger
}

// Session owns one link and the goroutine that reads it. Nothing else
// touches the link while the session runs.
type Session struct {
	id    uuid.UUID
	link  link.Link
	queue *Queue
	cfg   SessionConfig
	log   *slog.Logger

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
	err     error
}

// NewSession prepares a session; Start launches it.
func NewSession(l link.Link, q *Queue, cfg SessionConfig) *Session {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.New()
	return &Session{
		id:    id,
		link:  l,
		queue: q,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "capture", "session", id.String()[:8]),
		done:  make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Start launches the reader goroutine.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.running.Store(true)
	go s.readLoop()
	return nil
}

// Stop asks the reader to exit. It is noticed at the next loop iteration,
// so it takes up to one read timeout. Wait on Done to know when it is over.
func (s *Session) Stop() {
	s.running.Store(false)
}

// Running reports whether the reader has not been asked to stop.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Done is closed once the reader has exited and the link is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the reader exited, nil after Stop. Only valid after Done.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Run starts the session and stops it when ctx ends. It returns once the
// reader has exited.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-s.done
		return s.err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Stop()
		case <-s.done:
		}
		return nil
	})
	return g.Wait()
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer func() {
		if err := s.link.Close(); err != nil {
			s.log.Warn("close link", "error", err)
		}
		s.queue.Push(StatusMessage{Connected: false, Link: s.link.Describe()})
	}()

	s.log.Info("capture started", "link", s.link.Describe())
	s.queue.Push(StatusMessage{Connected: true, Link: s.link.Describe()})

	if s.cfg.FlushOnStart {
		if err := s.link.Flush(); err != nil {
			s.log.Warn("flush before capture", "error", err)
		}
	}

	consecutive := 0
	for s.running.Load() {
		pkt, err := s.link.ReadPacket()
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}

			consecutive++
			fatal := protocol.IsFatal(err) || consecutive >= s.cfg.MaxConsecutiveErrors
			s.queue.Push(ErrorMessage{Err: err, Consecutive: consecutive, Fatal: fatal})
			s.log.Warn("read failed", "consecutive", consecutive, "max", s.cfg.MaxConsecutiveErrors, "error", err)

			if fatal {
				if protocol.IsFatal(err) {
					s.err = err
				} else {
					s.err = fmt.Errorf("%w (%d): %w", ErrTooManyErrors, consecutive, err)
				}
				s.log.Error("capture stopped", "error", s.err)
				s.running.Store(false)
				return
			}
			time.Sleep(s.cfg.ErrorPause)
			continue
		}

		consecutive = 0
		now := time.Now()
		switch p := pkt.(type) {
		case *protocol.ImageFrame:
			s.queue.Push(FrameMessage{Seq: p.Seq, Payload: p.Payload, ReceivedAt: now})
		case *protocol.TelemetryFrame:
			s.queue.Push(TelemetryMessage{Frame: *p, ReceivedAt: now})
		}
	}

	s.log.Info("capture stopped", "stats", fmt.Sprintf("%+v", s.link.Stats()))
}
