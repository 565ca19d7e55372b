package arq

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/amcgf/udpft/pkg/config"
	"github.com/amcgf/udpft/pkg/wire"
)

// The harness wires two engines together through in-memory queues so loss
// and corruption can be injected deterministically.

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

func testConfig() *config.Config {
	return &config.Config{
		RTO:          50 * time.Millisecond,
		RetryMax:     20,
		TimeoutMax:   2 * time.Second,
		Window:       4,
		MaxFileSize:  1 << 20,
		QuietTime:    30 * time.Millisecond,
		LingerFactor: 1,
		QueueDepth:   128,
	}
}

// fakeConn records every transmission and optionally delivers it onward.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	deliver func([]byte)
}

func (c *fakeConn) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	c.mu.Lock()
	c.sent = append(c.sent, cp)
	deliver := c.deliver
	c.mu.Unlock()
	if deliver != nil {
		deliver(cp)
	}
	return len(b), nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// sentOfType decodes the transmission record and returns the frames of
// the given type.
func (c *fakeConn) sentOfType(t wire.MsgType) []*wire.Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Datagram
	for _, raw := range c.sent {
		if dg, err := wire.Decode(raw); err == nil && dg.Type == t {
			out = append(out, dg)
		}
	}
	return out
}

func chanRecv(q chan []byte) RecvFunc {
	return func(ctx context.Context, timeout time.Duration) ([]byte, error) {
		if timeout <= 0 {
			select {
			case data, ok := <-q:
				if !ok {
					return nil, ErrClosed
				}
				return data, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				return nil, nil
			}
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case data, ok := <-q:
			if !ok {
				return nil, ErrClosed
			}
			return data, nil
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// endpoint is one side of an in-memory duplex link.
type endpoint struct {
	conn  *fakeConn
	queue chan []byte
}

// newPair cross-wires two endpoints. The filters decide per frame whether
// it reaches the other side; nil means lossless.
func newPair(aToB, bToA func([]byte) bool) (a, b *endpoint) {
	a = &endpoint{conn: &fakeConn{}, queue: make(chan []byte, 256)}
	b = &endpoint{conn: &fakeConn{}, queue: make(chan []byte, 256)}
	a.conn.deliver = func(frame []byte) {
		if aToB == nil || aToB(frame) {
			b.queue <- frame
		}
	}
	b.conn.deliver = func(frame []byte) {
		if bToA == nil || bToA(frame) {
			a.queue <- frame
		}
	}
	return a, b
}

func (e *endpoint) engine(ver wire.Version, cfg *config.Config) Engine {
	eng, err := New(ver, e.conn, testPeer, chanRecv(e.queue), cfg, nil)
	if err != nil {
		panic(err)
	}
	return eng
}

// dropOnce returns a filter dropping the first frame the pick function
// matches.
func dropOnce(pick func(*wire.Datagram) bool) func([]byte) bool {
	dropped := false
	var mu sync.Mutex
	return func(raw []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if dropped {
			return true
		}
		dg, err := wire.Decode(raw)
		if err != nil || !pick(dg) {
			return true
		}
		dropped = true
		return false
	}
}
