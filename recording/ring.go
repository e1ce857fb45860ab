package recording

import (
	"io"
	"math"
	"sync"
	"time"
)

// Entry is one buffered frame.
type Entry struct {
	Data       []byte
	CapturedAt time.Time
}

// Ring is a fixed-capacity circular buffer of the most recent frames, used as
// pre-event footage for motion recordings. Pushing into a full ring evicts
// the oldest entry.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	read    int
	count   int
	bytes   int
	now     func() time.Time
}

// NewRing creates a ring holding at most capacity frames. A ring with zero
// capacity drops every push.
func NewRing(capacity int) *Ring {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring{entries: make([]Entry, capacity), now: time.Now}
}

// NewRingForDuration sizes a ring for seconds of footage at fps.
func NewRingForDuration(seconds int, fps float64) *Ring {
	return NewRing(CapacityFor(seconds, fps))
}

// CapacityFor returns the frame count covering seconds at fps.
func CapacityFor(seconds int, fps float64) int {
	if seconds <= 0 || fps <= 0 {
		return 0
	}
	return int(math.Ceil(float64(seconds) * fps))
}

// Push appends a frame, evicting the oldest one when full. The ring keeps
// data as given; callers must not modify it afterwards.
func (r *Ring) Push(data []byte) {
	r.PushEntry(Entry{Data: data, CapturedAt: r.now()})
}

// PushEntry appends e, evicting the oldest entry when full.
func (r *Ring) PushEntry(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.entries)
	if size == 0 {
		return
	}
	if r.count == size {
		r.bytes -= len(r.entries[r.read].Data)
		r.entries[r.read] = Entry{}
		r.read = (r.read + 1) % size
		r.count--
	}
	r.entries[(r.read+r.count)%size] = e
	r.count++
	r.bytes += len(e.Data)
}

// DrainTo writes every buffered frame to w, oldest first, and reports how
// many frames and bytes were written. The ring is not modified.
func (r *Ring) DrainTo(w io.Writer) (int, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var written int64
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.read+i)%len(r.entries)]
		n, err := w.Write(e.Data)
		written += int64(n)
		if err != nil {
			return i, written, err
		}
	}
	return r.count, written, nil
}

// Entries returns the buffered entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, r.count)
	for i := range out {
		out[i] = r.entries[(r.read+i)%len(r.entries)]
	}
	return out
}

// Resize changes the capacity. Every buffered entry is discarded.
func (r *Ring) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make([]Entry, capacity)
	r.read, r.count, r.bytes = 0, 0, 0
}

// Clear discards every buffered entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.read, r.count, r.bytes = 0, 0, 0
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity in frames.
func (r *Ring) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// TotalBytes returns the summed size of the buffered frames.
func (r *Ring) TotalBytes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bytes
}

// UsageRatio returns Len/Cap in [0,1].
func (r *Ring) UsageRatio() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return 0
	}
	return float64(r.count) / float64(len(r.entries))
}

// OldestAge returns how long ago the oldest frame was captured.
func (r *Ring) OldestAge() (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return 0, false
	}
	return r.now().Sub(r.entries[r.read].CapturedAt), true
}

// NewestAge returns how long ago the newest frame was captured.
func (r *Ring) NewestAge() (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return 0, false
	}
	last := (r.read + r.count - 1) % len(r.entries)
	return r.now().Sub(r.entries[last].CapturedAt), true
}
