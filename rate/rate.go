// Package rate estimates frame rates from packet sequence numbers, device
// telemetry counters and local arrivals.
//
// All counters are 32-bit and may wrap; deltas are taken modulo 2^32.
package rate

import (
	"sync"
	"time"
)

// DefaultWindow is the number of samples a SequenceWindow keeps.
const DefaultWindow = 30

type sample struct {
	seq uint32
	at  time.Time
}

// SequenceWindow estimates the device send rate from the sequence numbers of
// the last W packets and their arrival times.
type SequenceWindow struct {
	mu      sync.Mutex
	samples []sample
	head    int // index of the oldest sample once full
	count   int
}

// NewSequenceWindow creates an estimator over the last window samples.
func NewSequenceWindow(window int) *SequenceWindow {
	if window < 2 {
		window = DefaultWindow
	}
	return &SequenceWindow{samples: make([]sample, window)}
}

// Update records seq as arriving now and returns the current estimate.
func (w *SequenceWindow) Update(seq uint32) float64 {
	return w.UpdateAt(seq, time.Now())
}

// UpdateAt records seq as arriving at t and returns the current estimate.
func (w *SequenceWindow) UpdateAt(seq uint32, t time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := len(w.samples)
	if w.count < size {
		w.samples[(w.head+w.count)%size] = sample{seq, t}
		w.count++
	} else {
		w.samples[w.head] = sample{seq, t}
		w.head = (w.head + 1) % size
	}
	return w.rate()
}

// Rate returns the estimate in packets per second, 0 until two samples with
// distinct arrival times exist.
func (w *SequenceWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rate()
}

// Len returns the number of samples held.
func (w *SequenceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Reset forgets every sample.
func (w *SequenceWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.head, w.count = 0, 0
}

func (w *SequenceWindow) rate() float64 {
	if w.count < 2 {
		return 0
	}
	first := w.samples[w.head]
	last := w.samples[(w.head+w.count-1)%len(w.samples)]

	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.seq-first.seq) / dt
}

// CounterPair estimates the device camera rate from successive telemetry
// samples of (timestamp_ms, frame counter).
type CounterPair struct {
	mu         sync.Mutex
	primed     bool
	lastTS     uint32
	lastFrames uint32
	last       float64
}

// Update records a telemetry sample and returns frames per second since the
// previous one. The first sample, and a sample with the same timestamp as the
// previous, return 0.
func (c *CounterPair) Update(timestampMS, frames uint32) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed {
		c.primed = true
		c.lastTS, c.lastFrames = timestampMS, frames
		return 0
	}

	dFrames := frames - c.lastFrames
	dMS := timestampMS - c.lastTS
	c.lastTS, c.lastFrames = timestampMS, frames

	if dMS == 0 {
		return 0
	}
	c.last = float64(dFrames) / (float64(dMS) / 1000)
	return c.last
}

// Rate returns the most recent non-zero estimate.
func (c *CounterPair) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Meter measures the local arrival rate over one-second windows.
type Meter struct {
	mu          sync.Mutex
	window      time.Duration
	windowStart time.Time
	count       int
	rate        float64
}

// NewMeter creates a meter reporting once per second.
func NewMeter() *Meter {
	return &Meter{window: time.Second}
}

// MarkAt records n arrivals at t. When the current window has elapsed, the
// rate is recomputed and a new window starts.
func (m *Meter) MarkAt(n int, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowStart.IsZero() {
		m.windowStart = t
	}
	m.count += n

	if elapsed := t.Sub(m.windowStart); elapsed >= m.window {
		m.rate = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.windowStart = t
	}
}

// Rate returns the rate of the last completed window.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}
