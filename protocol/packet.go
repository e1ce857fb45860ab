package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet is either an *ImageFrame or a *TelemetryFrame.
type Packet interface {
	Sequence() uint32
	packet()
}

// Header is the fixed 12-byte prefix of an image packet.
type Header struct {
	Marker      uint32
	Sequence    uint32
	PayloadSize uint32
}

// PacketSize returns header + payload + checksum.
func (h Header) PacketSize() int {
	return ImageHeaderSize + int(h.PayloadSize) + ChecksumSize
}

// ImageFrame is a validated image packet.
type ImageFrame struct {
	Seq      uint32
	Payload  []byte
	Checksum uint16
}

func (f *ImageFrame) Sequence() uint32 { return f.Seq }
func (*ImageFrame) packet()            {}

// TelemetryFrame carries device-side counters. It is only used for rate
// estimation and logging.
type TelemetryFrame struct {
	Seq              uint32
	TimestampMS      uint32
	DeviceFrameCount uint32
	USBPacketCount   uint32
	QueueDepth       uint32
	AvgPacketSize    uint32
	ErrorCount       uint32
	Checksum         uint16
}

func (f *TelemetryFrame) Sequence() uint32 { return f.Seq }
func (*TelemetryFrame) packet()            {}

// ParseHeader decodes and validates an image packet header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < ImageHeaderSize {
		return Header{}, formatErr(ErrShortBuffer, "header needs %d bytes, have %d", ImageHeaderSize, len(buf))
	}

	h := Header{
		Marker:      binary.LittleEndian.Uint32(buf[0:4]),
		Sequence:    binary.LittleEndian.Uint32(buf[ImagePositionSequence:]),
		PayloadSize: binary.LittleEndian.Uint32(buf[ImagePositionSize:]),
	}

	if h.Marker != ImageMarker {
		return Header{}, formatErr(ErrBadMarker, "0x%08X, expected 0x%08X", h.Marker, ImageMarker)
	}
	if h.PayloadSize > MaxImagePayloadSize {
		return Header{}, formatErr(ErrSizeOutOfRange, "%d bytes (max %d)", h.PayloadSize, MaxImagePayloadSize)
	}
	return h, nil
}

// ParsePacket decodes a complete packet of either kind. The buffer must hold
// the whole packet including its checksum; trailing bytes are ignored.
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < MarkerSize {
		return nil, formatErr(ErrShortBuffer, "need at least %d bytes for a marker", MarkerSize)
	}

	switch marker := binary.LittleEndian.Uint32(buf); marker {
	case ImageMarker:
		return ParseImage(buf)
	case TelemetryMarker:
		return ParseTelemetry(buf)
	default:
		return nil, formatErr(ErrBadMarker, "unknown marker 0x%08X", marker)
	}
}

// ParseImage decodes an image packet and verifies its checksum.
func ParseImage(buf []byte) (*ImageFrame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	total := h.PacketSize()
	if len(buf) < total {
		return nil, formatErr(ErrShortBuffer, "packet needs %d bytes, have %d", total, len(buf))
	}

	end := ImageHeaderSize + int(h.PayloadSize)
	got := binary.LittleEndian.Uint16(buf[end:])
	if want := CRC16CCITT(buf[:end]); got != want {
		return nil, formatErr(ErrChecksumMismatch, "seq=%d received 0x%04X, calculated 0x%04X", h.Sequence, got, want)
	}

	payload := make([]byte, h.PayloadSize)
	copy(payload, buf[ImageHeaderSize:end])

	return &ImageFrame{
		Seq:      h.Sequence,
		Payload:  payload,
		Checksum: got,
	}, nil
}

// ParseTelemetry decodes a telemetry packet and verifies its checksum.
func ParseTelemetry(buf []byte) (*TelemetryFrame, error) {
	if len(buf) < TelemetryPacketSize {
		return nil, formatErr(ErrShortBuffer, "telemetry needs %d bytes, have %d", TelemetryPacketSize, len(buf))
	}

	var fields [TelemetryFieldCount]uint32
	for i := range fields {
		fields[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	if fields[0] != TelemetryMarker {
		return nil, formatErr(ErrBadMarker, "0x%08X, expected 0x%08X", fields[0], TelemetryMarker)
	}

	end := TelemetryPacketSize - ChecksumSize
	got := binary.LittleEndian.Uint16(buf[end:])
	if want := CRC16CCITT(buf[:end]); got != want {
		return nil, formatErr(ErrChecksumMismatch, "telemetry seq=%d received 0x%04X, calculated 0x%04X", fields[1], got, want)
	}

	return &TelemetryFrame{
		Seq:              fields[1],
		TimestampMS:      fields[2],
		DeviceFrameCount: fields[3],
		USBPacketCount:   fields[4],
		QueueDepth:       fields[5],
		AvgPacketSize:    fields[6],
		ErrorCount:       fields[7],
		Checksum:         got,
	}, nil
}

// EncodeImage builds a complete image packet.
func EncodeImage(seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxImagePayloadSize {
		return nil, fmt.Errorf("encode image: %w", formatErr(ErrSizeOutOfRange, "%d bytes", len(payload)))
	}

	end := ImageHeaderSize + len(payload)
	buf := make([]byte, end+ChecksumSize)
	binary.LittleEndian.PutUint32(buf[0:], ImageMarker)
	binary.LittleEndian.PutUint32(buf[ImagePositionSequence:], seq)
	binary.LittleEndian.PutUint32(buf[ImagePositionSize:], uint32(len(payload)))
	copy(buf[ImageHeaderSize:], payload)
	binary.LittleEndian.PutUint16(buf[end:], CRC16CCITT(buf[:end]))
	return buf, nil
}

// EncodeTelemetry builds a complete telemetry packet. The Checksum field of
// f is ignored.
func EncodeTelemetry(f *TelemetryFrame) []byte {
	buf := make([]byte, TelemetryPacketSize)
	fields := [TelemetryFieldCount]uint32{
		TelemetryMarker,
		f.Seq,
		f.TimestampMS,
		f.DeviceFrameCount,
		f.USBPacketCount,
		f.QueueDepth,
		f.AvgPacketSize,
		f.ErrorCount,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	end := TelemetryPacketSize - ChecksumSize
	binary.LittleEndian.PutUint16(buf[end:], CRC16CCITT(buf[:end]))
	return buf
}

// LooksLikeImage checks for the JPEG start and end of image markers. Both the
// JFIF (FF D8 FF E0) and bare (FF D8 FF DB) layouts pass. This corroborates
// the CRC; it does not replace it.
func LooksLikeImage(payload []byte) bool {
	n := len(payload)
	if n < 4 {
		return false
	}
	return payload[0] == imageSOI[0] && payload[1] == imageSOI[1] &&
		payload[n-2] == imageEOI[0] && payload[n-1] == imageEOI[1]
}
