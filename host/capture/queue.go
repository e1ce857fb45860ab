package capture

import (
	"sync"
	"time"

	"camlink/protocol"
)

// Message is what the background reader hands to the consumer: one of
// FrameMessage, TelemetryMessage, StatusMessage or ErrorMessage.
type Message interface {
	message()
}

// FrameMessage carries one validated JPEG payload. The payload is owned by
// the receiver.
type FrameMessage struct {
	Seq        uint32
	Payload    []byte
	ReceivedAt time.Time
}

// TelemetryMessage carries device counters.
type TelemetryMessage struct {
	Frame      protocol.TelemetryFrame
	ReceivedAt time.Time
}

// StatusMessage reports connection changes.
type StatusMessage struct {
	Connected bool
	Link      string
}

// ErrorMessage reports a non-timeout read failure.
type ErrorMessage struct {
	Err         error
	Consecutive int
	Fatal       bool
}

func (FrameMessage) message()     {}
func (TelemetryMessage) message() {}
func (StatusMessage) message()    {}
func (ErrorMessage) message()     {}

// Queue is an unbounded FIFO with any number of producers and one consumer.
// Push never blocks, so a consumer that falls behind makes the queue grow
// without limit; Len exposes the backlog for monitoring.
type Queue struct {
	mu    sync.Mutex
	items []Message
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends m.
func (q *Queue) Push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

// Drain removes and returns everything queued, in push order. It returns nil
// when the queue is empty and never waits.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len returns the backlog.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
