package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// ReaderConfig controls how a Reader recovers from corrupted input.
type ReaderConfig struct {
	// AlwaysSync starts every read with a marker search instead of assuming
	// the stream is aligned. Stream sockets need this: segment boundaries
	// and partial packets can leave stray bytes between reads.
	AlwaysSync bool

	// MaxAttempts caps the number of parse attempts per packet (default 3).
	MaxAttempts int

	// SyncSearchLimit caps the bytes scanned per marker search (default 100000).
	SyncSearchLimit int

	Logger *slog.Logger
}

// ReaderStats are cumulative counters for one Reader.
type ReaderStats struct {
	Images       uint64
	Telemetry    uint64
	FormatErrors uint64
	Resyncs      uint64
	Recovered    uint64
	SkippedBytes uint64
}

// Reader turns a byte stream into validated packets, resynchronizing on the
// packet markers after corruption.
//
// A Reader is not safe for concurrent reads; Stats may be called from any
// goroutine.
type Reader struct {
	src io.Reader
	cfg ReaderConfig
	log *slog.Logger

	images       atomic.Uint64
	telemetry    atomic.Uint64
	formatErrors atomic.Uint64
	resyncs      atomic.Uint64
	recovered    atomic.Uint64
	skipped      atomic.Uint64
}

// NewReader creates a Reader on top of src.
func NewReader(src io.Reader, cfg ReaderConfig) *Reader {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SyncSearchLimit <= 0 {
		cfg.SyncSearchLimit = DefaultSyncSearchLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		src: src,
		cfg: cfg,
		log: cfg.Logger.With("component", "protocol.reader"),
	}
}

// ReadPacket reads the next valid packet.
//
// Format errors (bad marker, oversize, checksum mismatch, payload that is not
// a JPEG) trigger a marker search and another attempt on the packet that
// follows; after MaxAttempts failures the read fails with
// ErrRecoveryExhausted. ErrTimeout is returned as soon as it happens and
// does not count as an attempt. End of stream is ErrConnectionClosed.
func (r *Reader) ReadPacket() (Packet, error) {
	attempts := 0
	needSync := r.cfg.AlwaysSync

	for {
		var (
			marker uint32
			err    error
		)
		if needSync {
			marker, err = r.sync(attempts > 0)
		} else {
			marker, err = r.readMarker()
		}
		if err != nil {
			return nil, err
		}

		pkt, err := r.readBody(marker)
		if err == nil {
			if img, ok := pkt.(*ImageFrame); ok && !LooksLikeImage(img.Payload) {
				err = formatErr(ErrNotImage, "seq=%d size=%d head=% X", img.Seq, len(img.Payload), head(img.Payload, 4))
			}
		}
		if err == nil {
			if attempts > 0 {
				r.recovered.Add(1)
				r.log.Info("recovered after resync", "attempts", attempts, "seq", pkt.Sequence())
			}
			r.count(pkt)
			return pkt, nil
		}

		if !IsFormatError(err) {
			return nil, err
		}

		attempts++
		r.formatErrors.Add(1)
		r.log.Warn("packet rejected", "attempt", attempts, "max_attempts", r.cfg.MaxAttempts, "error", err)
		if attempts >= r.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRecoveryExhausted, attempts, err)
		}
		needSync = true
	}
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Images:       r.images.Load(),
		Telemetry:    r.telemetry.Load(),
		FormatErrors: r.formatErrors.Load(),
		Resyncs:      r.resyncs.Load(),
		Recovered:    r.recovered.Load(),
		SkippedBytes: r.skipped.Load(),
	}
}

func (r *Reader) count(pkt Packet) {
	switch pkt.(type) {
	case *ImageFrame:
		r.images.Add(1)
	case *TelemetryFrame:
		r.telemetry.Add(1)
	}
}

// sync searches for the next marker. recovering distinguishes a resync after
// a failure from the routine search done with AlwaysSync.
func (r *Reader) sync(recovering bool) (uint32, error) {
	marker, skipped, err := FindMarker(r.src, r.cfg.SyncSearchLimit)
	r.skipped.Add(uint64(skipped))
	if recovering {
		r.resyncs.Add(1)
	}
	if err != nil {
		if errors.Is(err, ErrSyncNotFound) {
			r.log.Error("resync failed", "limit", r.cfg.SyncSearchLimit, "error", err)
			return 0, fmt.Errorf("%w: %w", ErrRecoveryExhausted, err)
		}
		return 0, err
	}
	if recovering || skipped > 0 {
		r.log.Debug("marker found", "marker", fmt.Sprintf("0x%08X", marker), "skipped", skipped)
	}
	return marker, nil
}

func (r *Reader) readMarker() (uint32, error) {
	var buf [MarkerSize]byte
	if err := ReadExact(r.src, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// readBody reads the rest of a packet whose marker has been consumed.
func (r *Reader) readBody(marker uint32) (Packet, error) {
	switch marker {
	case ImageMarker:
		var hdr [ImageHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[:], marker)
		if err := ReadExact(r.src, hdr[MarkerSize:]); err != nil {
			return nil, err
		}
		h, err := ParseHeader(hdr[:])
		if err != nil {
			return nil, err
		}

		buf := make([]byte, h.PacketSize())
		copy(buf, hdr[:])
		if err := ReadExact(r.src, buf[ImageHeaderSize:]); err != nil {
			return nil, err
		}
		return ParseImage(buf)

	case TelemetryMarker:
		var buf [TelemetryPacketSize]byte
		binary.LittleEndian.PutUint32(buf[:], marker)
		if err := ReadExact(r.src, buf[MarkerSize:]); err != nil {
			return nil, err
		}
		pkt, err := ParseTelemetry(buf[:])
		if err != nil {
			return nil, err
		}
		r.log.Debug("telemetry",
			"seq", pkt.Seq,
			"device_frames", pkt.DeviceFrameCount,
			"usb_packets", pkt.USBPacketCount,
			"queue_depth", pkt.QueueDepth,
			"errors", pkt.ErrorCount,
		)
		return pkt, nil

	default:
		return nil, formatErr(ErrBadMarker, "unknown marker 0x%08X", marker)
	}
}

func head(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
