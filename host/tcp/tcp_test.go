package tcp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camlink/protocol"
)

// listen starts a one-shot server that hands its accepted conn to serve.
func listen(t *testing.T, serve func(net.Conn)) Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serve(conn)
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	cfg := DefaultConfig(host)
	cfg.Port, _ = strconv.Atoi(port)
	cfg.ReadTimeout = 100 * time.Millisecond
	return cfg
}

func TestDialAndRead(t *testing.T) {
	cfg := listen(t, func(conn net.Conn) {
		defer conn.Close()
		conn.Write([]byte("hello"))
	})

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 5)
	require.NoError(t, protocol.ReadExact(c, buf))
	assert.Equal(t, "hello", string(buf))
	assert.Contains(t, c.Describe(), cfg.Address())

	_, err = c.Read(buf)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestReadTimeout(t *testing.T) {
	done := make(chan struct{})
	cfg := listen(t, func(conn net.Conn) {
		<-done
		conn.Close()
	})
	defer close(done)

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	_, err = c.Read(make([]byte, 4))
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFlush(t *testing.T) {
	release := make(chan struct{})
	cfg := listen(t, func(conn net.Conn) {
		defer conn.Close()
		conn.Write(make([]byte, 10000))
		<-release
		conn.Write([]byte{0xAB})
	})

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	// Give the stale bytes time to arrive.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Flush())
	close(release)

	buf := make([]byte, 1)
	require.NoError(t, protocol.ReadExact(c, buf))
	assert.Equal(t, byte(0xAB), buf[0])
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cfg := DefaultConfig("127.0.0.1")
	cfg.Port = addr.Port
	cfg.ConnectTimeout = time.Second

	_, err = Dial(context.Background(), cfg)
	assert.Error(t, err)
}
