package recording

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestRingKeepsMostRecent(t *testing.T) {
	const capacity, extra = 5, 3
	r := NewRing(capacity)

	for i := 0; i < capacity+extra; i++ {
		r.Push(frameOf(10+i, byte(i)))
	}

	require.Equal(t, capacity, r.Len())
	entries := r.Entries()
	wantBytes := 0
	for i, e := range entries {
		assert.Equal(t, byte(extra+i), e.Data[0], "entry %d", i)
		wantBytes += len(e.Data)
	}
	assert.Equal(t, wantBytes, r.TotalBytes())
	assert.Equal(t, 1.0, r.UsageRatio())
}

func TestRingDrainTo(t *testing.T) {
	r := NewRing(3)
	r.Push([]byte("aa"))
	r.Push([]byte("bbb"))
	r.Push([]byte("c"))
	r.Push([]byte("dddd"))

	var out bytes.Buffer
	count, n, err := r.DrainTo(&out)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "bbbcdddd", out.String())

	// Draining does not consume.
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 8, r.TotalBytes())
}

type failWriter struct{ after int }

func (w *failWriter) Write(p []byte) (int, error) {
	if w.after == 0 {
		return 0, errors.New("disk full")
	}
	w.after--
	return len(p), nil
}

func TestRingDrainToError(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		r.Push(frameOf(5, byte(i)))
	}

	count, n, err := r.DrainTo(&failWriter{after: 2})
	assert.Error(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(10), n)
}

func TestRingResizeDropsEverything(t *testing.T) {
	r := NewRing(4)
	r.Push(frameOf(10, 1))
	r.Push(frameOf(10, 2))

	r.Resize(8)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.TotalBytes())
	assert.Equal(t, 8, r.Cap())

	r.Push(frameOf(3, 3))
	assert.Equal(t, 1, r.Len())
}

func TestRingClear(t *testing.T) {
	r := NewRing(2)
	r.Push(frameOf(10, 1))
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 2, r.Cap())
	_, ok := r.OldestAge()
	assert.False(t, ok)
}

func TestRingZeroCapacity(t *testing.T) {
	r := NewRing(0)
	r.Push(frameOf(10, 1))

	assert.Equal(t, 0, r.Len())
	assert.Zero(t, r.UsageRatio())

	var out bytes.Buffer
	count, n, err := r.DrainTo(&out)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, n)
}

func TestRingAges(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(3)
	r.now = func() time.Time { return now }

	r.PushEntry(Entry{Data: []byte("a"), CapturedAt: now.Add(-5 * time.Second)})
	r.PushEntry(Entry{Data: []byte("b"), CapturedAt: now.Add(-time.Second)})

	oldest, ok := r.OldestAge()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, oldest)

	newest, ok := r.NewestAge()
	require.True(t, ok)
	assert.Equal(t, time.Second, newest)
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 110, CapacityFor(10, 11))
	assert.Equal(t, 16, CapacityFor(3, 5.1))
	assert.Zero(t, CapacityFor(0, 11))
	assert.Zero(t, CapacityFor(10, 0))
	assert.Equal(t, 330, NewRingForDuration(30, 11).Cap())
}
