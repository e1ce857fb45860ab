package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"camlink/protocol"
	"camlink/rate"
	"camlink/recording"
)

// ErrConsumerStopped is returned by Do once Run has exited.
var ErrConsumerStopped = errors.New("consumer stopped")

// Snapshot is the read-only view of the capture pipeline for presentation.
type Snapshot struct {
	Connected bool
	Link      string

	Frames       uint64
	Telemetry    uint64
	Errors       uint64
	LastSeq      uint32
	SequenceGaps uint64
	LastError    string

	// SendFPS is derived from packet sequence numbers, CameraFPS from the
	// device counters and LocalFPS from arrivals on this side.
	SendFPS   float64
	CameraFPS float64
	LocalFPS  float64

	AvgPayloadBytes float64
	LastTelemetry   protocol.TelemetryFrame
	Backlog         int

	Recording recording.Status
}

// Consumer drains the queue once per tick and drives the rate estimators and
// the recording controller. The controller is only touched from the
// goroutine calling Tick or Run.
type Consumer struct {
	queue *Queue
	ctrl  *recording.Controller
	log   *slog.Logger

	seqRate *rate.SequenceWindow
	camRate rate.CounterPair
	meter   *rate.Meter

	payloadBytes uint64
	haveSeq      bool
	commands     chan func(*recording.Controller)
	done         chan struct{}
	stopOnce     sync.Once

	mu   sync.RWMutex
	snap Snapshot
}

// NewConsumer creates a consumer for q feeding ctrl.
func NewConsumer(q *Queue, ctrl *recording.Controller, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:    q,
		ctrl:     ctrl,
		log:      logger.With("component", "consumer"),
		seqRate:  rate.NewSequenceWindow(rate.DefaultWindow),
		meter:    rate.NewMeter(),
		commands: make(chan func(*recording.Controller), 16),
		done:     make(chan struct{}),
	}
}

// Do schedules fn to run against the controller on the consumer goroutine.
// It fails with ErrConsumerStopped once Run has returned; commands still
// queued at that point are dropped.
func (c *Consumer) Do(fn func(*recording.Controller)) error {
	select {
	case <-c.done:
		return ErrConsumerStopped
	default:
	}
	select {
	case c.commands <- fn:
		return nil
	case <-c.done:
		return ErrConsumerStopped
	}
}

// Run ticks every interval until ctx ends, running scheduled commands in
// between. An open recording is closed on the way out.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.stopOnce.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			c.Tick()
			if c.ctrl.IsRecording() {
				if _, err := c.ctrl.StopFor(recording.ReasonTransportStopped); err != nil {
					c.log.Error("stop recording", "error", err)
				}
			}
			return ctx.Err()
		case fn := <-c.commands:
			fn(c.ctrl)
			c.publish()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick drains every queued message without waiting and returns how many
// were handled.
func (c *Consumer) Tick() int {
	msgs := c.queue.Drain()
	for _, m := range msgs {
		c.handle(m)
	}
	c.publish()
	return len(msgs)
}

func (c *Consumer) handle(m Message) {
	switch msg := m.(type) {
	case FrameMessage:
		c.onFrame(msg)

	case TelemetryMessage:
		fps := c.camRate.Update(msg.Frame.TimestampMS, msg.Frame.DeviceFrameCount)
		c.mu.Lock()
		c.snap.Telemetry++
		c.snap.LastTelemetry = msg.Frame
		if fps > 0 {
			c.snap.CameraFPS = fps
		}
		c.mu.Unlock()

	case StatusMessage:
		c.mu.Lock()
		c.snap.Connected = msg.Connected
		c.snap.Link = msg.Link
		c.mu.Unlock()
		if msg.Connected {
			c.log.Info("link up", "link", msg.Link)
			return
		}
		c.log.Info("link down", "link", msg.Link)
		c.haveSeq = false
		c.seqRate.Reset()
		if c.ctrl.IsRecording() {
			if _, err := c.ctrl.StopFor(recording.ReasonTransportStopped); err != nil {
				c.log.Error("stop recording", "error", err)
			}
		}

	case ErrorMessage:
		c.mu.Lock()
		c.snap.Errors++
		c.snap.LastError = msg.Err.Error()
		c.mu.Unlock()
	}
}

func (c *Consumer) onFrame(msg FrameMessage) {
	c.seqRate.UpdateAt(msg.Seq, msg.ReceivedAt)
	c.meter.MarkAt(1, msg.ReceivedAt)
	c.payloadBytes += uint64(len(msg.Payload))

	c.mu.Lock()
	if c.haveSeq {
		if gap := msg.Seq - c.snap.LastSeq - 1; gap != 0 && gap < 1<<31 {
			c.snap.SequenceGaps += uint64(gap)
		}
	}
	c.haveSeq = true
	c.snap.LastSeq = msg.Seq
	c.snap.Frames++
	c.mu.Unlock()

	if err := c.ctrl.SubmitFrame(msg.Payload); err != nil {
		c.log.Error("recording", "seq", msg.Seq, "error", err)
	}
}

func (c *Consumer) publish() {
	st := c.ctrl.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.SendFPS = c.seqRate.Rate()
	c.snap.LocalFPS = c.meter.Rate()
	if c.snap.Frames > 0 {
		c.snap.AvgPayloadBytes = float64(c.payloadBytes) / float64(c.snap.Frames)
	}
	c.snap.Backlog = c.queue.Len()
	c.snap.Recording = st
}

// Snapshot may be called from any goroutine.
func (c *Consumer) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}
