package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FindMarker scans r one byte at a time with a sliding 4-byte window until
// the window holds a recognized marker, and returns that marker. The marker
// bytes are consumed. Reading more than limit bytes fails with
// ErrSyncNotFound; transport errors are returned unchanged.
//
// The scan looks for the marker bit pattern instead of trusting any length
// field, since garbage can contain plausible lengths.
func FindMarker(r io.Reader, limit int) (uint32, int, error) {
	if limit <= 0 {
		limit = DefaultSyncSearchLimit
	}

	var window [MarkerSize]byte
	if err := ReadExact(r, window[:]); err != nil {
		return 0, 0, err
	}
	scanned := MarkerSize

	var one [1]byte
	for {
		if v := binary.LittleEndian.Uint32(window[:]); IsMarker(v) {
			return v, scanned - MarkerSize, nil
		}
		if scanned >= limit {
			return 0, scanned, fmt.Errorf("%w after %d bytes", ErrSyncNotFound, scanned)
		}

		if err := ReadExact(r, one[:]); err != nil {
			return 0, scanned, err
		}
		copy(window[:], window[1:])
		window[MarkerSize-1] = one[0]
		scanned++
	}
}

// ReadExact fills buf from r. End of stream, including a short read that ends
// in EOF, is reported as ErrConnectionClosed; other errors pass through.
func ReadExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	switch err {
	case nil:
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	default:
		return err
	}
}
