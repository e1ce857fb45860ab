package protocol

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepReader serves one chunk per Read call. A nil chunk yields ErrTimeout.
type stepReader struct {
	chunks [][]byte
}

func (s *stepReader) Read(p []byte) (int, error) {
	for len(s.chunks) > 0 {
		c := s.chunks[0]
		if c == nil {
			s.chunks = s.chunks[1:]
			return 0, ErrTimeout
		}
		n := copy(p, c)
		if n == len(c) {
			s.chunks = s.chunks[1:]
		} else {
			s.chunks[0] = c[n:]
		}
		return n, nil
	}
	return 0, io.EOF
}

func TestReaderCleanStream(t *testing.T) {
	var stream bytes.Buffer
	for seq := uint32(0); seq < 5; seq++ {
		stream.Write(mustEncodeImage(t, seq, testJPEG(100+int(seq), byte(seq))))
	}
	stream.Write(EncodeTelemetry(&TelemetryFrame{Seq: 1, TimestampMS: 1000, DeviceFrameCount: 11}))

	r := NewReader(&stream, ReaderConfig{Logger: quietLogger()})
	for seq := uint32(0); seq < 5; seq++ {
		pkt, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket %d failed: %v", seq, err)
		}
		if pkt.Sequence() != seq {
			t.Errorf("Expected sequence %d, got %d", seq, pkt.Sequence())
		}
	}

	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("Telemetry read failed: %v", err)
	}
	if _, ok := pkt.(*TelemetryFrame); !ok {
		t.Errorf("Expected telemetry, got %T", pkt)
	}

	if _, err := r.ReadPacket(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed at end of stream, got %v", err)
	}

	stats := r.Stats()
	if stats.Images != 5 || stats.Telemetry != 1 || stats.Resyncs != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestReaderRecoversFromCorruptedFrame(t *testing.T) {
	bad := mustEncodeImage(t, 1, testJPEG(200, 0x44))
	bad[ImageHeaderSize+50] ^= 0xFF
	good := mustEncodeImage(t, 2, testJPEG(150, 0x55))

	stream := append(append([]byte{}, bad...), good...)
	r := NewReader(bytes.NewReader(stream), ReaderConfig{Logger: quietLogger()})

	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Sequence() != 2 {
		t.Errorf("Expected the valid frame (seq 2), got seq %d", pkt.Sequence())
	}

	stats := r.Stats()
	if stats.Resyncs != 1 {
		t.Errorf("Expected exactly one resync, got %d", stats.Resyncs)
	}
	if stats.FormatErrors > DefaultMaxAttempts {
		t.Errorf("Retry count %d exceeds the cap %d", stats.FormatErrors, DefaultMaxAttempts)
	}
	if stats.Recovered != 1 {
		t.Errorf("Expected one recovered read, got %d", stats.Recovered)
	}
}

func TestReaderRecoversFromGarbage(t *testing.T) {
	garbage := []byte{0x00, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0}
	good := mustEncodeImage(t, 8, testJPEG(40, 0x01))

	r := NewReader(bytes.NewReader(append(garbage, good...)), ReaderConfig{Logger: quietLogger()})
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Sequence() != 8 {
		t.Errorf("Expected seq 8, got %d", pkt.Sequence())
	}
	if r.Stats().SkippedBytes == 0 {
		t.Error("Expected skipped bytes to be counted")
	}
}

func TestReaderRejectsNonImagePayload(t *testing.T) {
	notJPEG := mustEncodeImage(t, 1, bytes.Repeat([]byte{0x42}, 64))
	good := mustEncodeImage(t, 2, testJPEG(64, 0x42))

	r := NewReader(bytes.NewReader(append(notJPEG, good...)), ReaderConfig{Logger: quietLogger()})
	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Sequence() != 2 {
		t.Errorf("Expected seq 2 after skipping the non-JPEG payload, got %d", pkt.Sequence())
	}
}

func TestReaderRecoveryExhausted(t *testing.T) {
	var stream bytes.Buffer
	for seq := uint32(0); seq < 4; seq++ {
		buf := mustEncodeImage(t, seq, testJPEG(80, 0x10))
		buf[len(buf)-1] ^= 0x01
		stream.Write(buf)
	}

	r := NewReader(&stream, ReaderConfig{Logger: quietLogger()})
	_, err := r.ReadPacket()
	if !errors.Is(err, ErrRecoveryExhausted) {
		t.Fatalf("Expected ErrRecoveryExhausted, got %v", err)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected the last cause to be kept, got %v", err)
	}
	if got := r.Stats().FormatErrors; got != DefaultMaxAttempts {
		t.Errorf("Expected %d attempts, got %d", DefaultMaxAttempts, got)
	}
}

func TestReaderSyncNotFoundIsFatal(t *testing.T) {
	bad := mustEncodeImage(t, 1, testJPEG(32, 0x00))
	bad[ImageHeaderSize+3] ^= 0x01
	stream := append(bad, bytes.Repeat([]byte{0x77}, 500)...)
	stream = append(stream, mustEncodeImage(t, 2, testJPEG(32, 0x00))...)

	r := NewReader(bytes.NewReader(stream), ReaderConfig{SyncSearchLimit: 100, Logger: quietLogger()})
	_, err := r.ReadPacket()
	if !errors.Is(err, ErrSyncNotFound) || !errors.Is(err, ErrRecoveryExhausted) {
		t.Errorf("Expected sync failure to exhaust recovery, got %v", err)
	}
}

func TestReaderTimeoutNotCounted(t *testing.T) {
	good := mustEncodeImage(t, 5, testJPEG(32, 0x21))
	src := &stepReader{chunks: [][]byte{nil, good}}

	r := NewReader(src, ReaderConfig{Logger: quietLogger()})
	if _, err := r.ReadPacket(); !IsTimeout(err) {
		t.Fatalf("Expected timeout, got %v", err)
	}

	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket after timeout failed: %v", err)
	}
	if pkt.Sequence() != 5 {
		t.Errorf("Expected seq 5, got %d", pkt.Sequence())
	}
	if r.Stats().FormatErrors != 0 {
		t.Error("Timeout must not count as a failed attempt")
	}
}

func TestReaderAlwaysSyncSkipsStrayBytes(t *testing.T) {
	first := mustEncodeImage(t, 1, testJPEG(32, 0x01))
	second := mustEncodeImage(t, 2, testJPEG(32, 0x02))
	// Stray bytes between packets, delivered in awkward segments.
	src := &stepReader{chunks: [][]byte{
		{0x00, 0x01},
		first[:5],
		first[5:],
		{0xFF, 0xFF, 0xFF},
		second[:20],
		second[20:],
	}}

	r := NewReader(src, ReaderConfig{AlwaysSync: true, Logger: quietLogger()})
	for want := uint32(1); want <= 2; want++ {
		pkt, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket failed: %v", err)
		}
		if pkt.Sequence() != want {
			t.Errorf("Expected seq %d, got %d", want, pkt.Sequence())
		}
	}

	stats := r.Stats()
	if stats.Resyncs != 0 {
		t.Errorf("Routine marker searches must not count as resyncs, got %d", stats.Resyncs)
	}
	if stats.SkippedBytes != 5 {
		t.Errorf("Expected 5 skipped bytes, got %d", stats.SkippedBytes)
	}
}

func TestReaderTruncatedFrameIsFatal(t *testing.T) {
	buf := mustEncodeImage(t, 1, testJPEG(64, 0x01))

	r := NewReader(bytes.NewReader(buf[:40]), ReaderConfig{Logger: quietLogger()})
	_, err := r.ReadPacket()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed on mid-frame end of stream, got %v", err)
	}
}
