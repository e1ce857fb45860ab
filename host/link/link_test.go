package link

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camlink/config"
	"camlink/host/tcp"
	"camlink/protocol"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jpegPayload(n int, fill byte) []byte {
	p := bytes.Repeat([]byte{fill}, n)
	p[0], p[1] = 0xFF, 0xD8
	p[n-2], p[n-1] = 0xFF, 0xD9
	return p
}

func encode(t *testing.T, seq uint32, payload []byte) []byte {
	t.Helper()
	b, err := protocol.EncodeImage(seq, payload)
	require.NoError(t, err)
	return b
}

// memPort is an in-memory serial.Port. Reads past the data time out.
type memPort struct {
	r       *bytes.Reader
	flushed bool
	closed  bool
}

func (p *memPort) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err == io.EOF {
		return 0, protocol.ErrTimeout
	}
	return n, err
}

func (p *memPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *memPort) Close() error                { p.closed = true; return nil }
func (p *memPort) Describe() string            { return "serial mem @ 0" }
func (p *memPort) Flush() error {
	p.flushed = true
	p.r.Seek(0, io.SeekEnd)
	return nil
}

func TestSerialLink(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encode(t, 1, jpegPayload(64, 0x11)))
	stream.Write(protocol.EncodeTelemetry(&protocol.TelemetryFrame{Seq: 1, TimestampMS: 500, DeviceFrameCount: 6}))
	stream.Write(encode(t, 2, jpegPayload(64, 0x22)))

	port := &memPort{r: bytes.NewReader(stream.Bytes())}
	l := NewSerial(port, WithLogger(quiet()))
	assert.Equal(t, "serial mem @ 0", l.Describe())

	pkt, err := l.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, &protocol.ImageFrame{}, pkt)

	pkt, err = l.ReadPacket()
	require.NoError(t, err)
	tel, ok := pkt.(*protocol.TelemetryFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(6), tel.DeviceFrameCount)

	pkt, err = l.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), pkt.Sequence())

	_, err = l.ReadPacket()
	assert.True(t, protocol.IsTimeout(err))

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Images)
	assert.Equal(t, uint64(1), stats.Telemetry)

	require.NoError(t, l.Close())
	assert.True(t, port.closed)
}

func TestSerialLinkFlush(t *testing.T) {
	port := &memPort{r: bytes.NewReader(encode(t, 1, jpegPayload(32, 0)))}
	l := NewSerial(port, WithLogger(quiet()))

	require.NoError(t, l.Flush())
	assert.True(t, port.flushed)
	_, err := l.ReadPacket()
	assert.True(t, protocol.IsTimeout(err))
}

func serve(t *testing.T, data []byte) config.Link {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Deliver in small segments to exercise realignment.
		for len(data) > 0 {
			n := min(7, len(data))
			conn.Write(data[:n])
			data = data[n:]
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	cfg := config.Default().Link
	cfg.Kind = config.LinkTCP
	cfg.TCP.Host = host
	cfg.TCP.Port, _ = strconv.Atoi(port)
	cfg.TCP.ReadTimeout = time.Second
	return cfg
}

func TestOpenTCP(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x01, 0x02, 0x03})
	stream.Write(encode(t, 10, jpegPayload(100, 0x33)))
	stream.Write([]byte{0xEE})
	stream.Write(encode(t, 11, jpegPayload(80, 0x44)))

	l, err := Open(context.Background(), serve(t, stream.Bytes()), quiet())
	require.NoError(t, err)
	defer l.Close()
	assert.Contains(t, l.Describe(), "tcp ")

	for _, want := range []uint32{10, 11} {
		pkt, err := l.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, want, pkt.Sequence())
	}

	_, err = l.ReadPacket()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.Equal(t, uint64(4), l.Stats().SkippedBytes)
	assert.Zero(t, l.Stats().Resyncs)
}

func TestNewTCPWrapsConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := tcp.New(client, tcp.DefaultConfig("pipe"))
	l := NewTCP(c, WithLogger(quiet()))

	go server.Write(encode(t, 3, jpegPayload(16, 0x55)))

	pkt, err := l.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), pkt.Sequence())
	require.NoError(t, l.Close())
}

func TestOpenUnknownKind(t *testing.T) {
	cfg := config.Default().Link
	cfg.Kind = "usb"
	_, err := Open(context.Background(), cfg, quiet())
	assert.Error(t, err)
}

func TestOpenSerialMissingDevice(t *testing.T) {
	cfg := config.Default().Link
	cfg.Serial.Device = "/dev/does-not-exist-camlink"
	_, err := Open(context.Background(), cfg, quiet())
	assert.Error(t, err)
}
