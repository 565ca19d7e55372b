package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amcgf/udpft/pkg/config"
	"github.com/amcgf/udpft/pkg/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		RTO:          50 * time.Millisecond,
		RetryMax:     4,
		TimeoutMax:   500 * time.Millisecond,
		Window:       4,
		MaxFileSize:  1 << 20,
		QuietTime:    30 * time.Millisecond,
		LingerFactor: 1,
		QueueDepth:   128,
	}
}

// fakeServer answers the nth request with the scripted reply.
func fakeServer(t *testing.T, replyAfter int, reply *wire.Datagram) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, wire.MTU)
		seen := 0
		for {
			_, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			seen++
			if seen < replyAfter {
				continue
			}
			encoded, err := reply.Encode()
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(encoded, raddr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestHandshakeSurfacesServerError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	port := fakeServer(t, 1, wire.NewErr("El archivo 'x.bin' no existe en el servidor", wire.VersionSW))

	c := New(cfg, "127.0.0.1", port, wire.VersionSW)
	sess, err := c.open(ctx, wire.NewRequestDownload("x.bin", wire.VersionSW))
	require.Nil(t, sess)

	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "no existe")
}

func TestHandshakeRetriesUntilReply(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	// The first two requests go unanswered.
	port := fakeServer(t, 3, wire.NewOK(wire.VersionSW))

	c := New(cfg, "127.0.0.1", port, wire.VersionSW)
	sess, err := c.open(ctx, wire.NewRequestDownload("y.bin", wire.VersionSW))
	require.NoError(t, err)
	defer sess.conn.Close()
	assert.Equal(t, port, sess.peer.Port, "session peer learned from the reply's source")
}

func TestHandshakeTimesOut(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryMax = 2
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	defer conn.Close()
	// The socket is open but nothing ever answers.

	c := New(cfg, "127.0.0.1", port, wire.VersionSW)
	_, err = c.open(ctx, wire.NewRequestDownload("z.bin", wire.VersionSW))
	require.ErrorIs(t, err, ErrHandshakeTimeout)
}
