// Package protocol implements the camera link packet protocol: image and
// telemetry packets framed by a 32-bit marker and closed by a CRC-16/CCITT.
package protocol

// Version is the protocol revision understood by this host.
const Version = "1.1"

// Markers identify the packet kind and are searched for when the stream has
// to be realigned after corruption.
const (
	ImageMarker     uint32 = 0xCAFEBABE
	TelemetryMarker uint32 = 0xCAFEBEEF
)

// Wire layout constants (all fields little-endian)
const (
	MarkerSize          = 4
	ImageHeaderSize     = 12 // marker(4) + sequence(4) + payload_size(4)
	ChecksumSize        = 2
	MaxImagePayloadSize = 512 * 1024

	TelemetryFieldCount = 8 // including the marker
	TelemetryPacketSize = TelemetryFieldCount*4 + ChecksumSize

	ImagePositionSequence = 4
	ImagePositionSize     = 8
)

// Recovery limits
const (
	DefaultSyncSearchLimit = 100_000
	DefaultMaxAttempts     = 3
)

// JPEG start/end of image markers
var (
	imageSOI = [2]byte{0xFF, 0xD8}
	imageEOI = [2]byte{0xFF, 0xD9}
)

// IsMarker reports whether v is one of the recognized packet markers.
func IsMarker(v uint32) bool {
	return v == ImageMarker || v == TelemetryMarker
}
