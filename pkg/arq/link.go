package arq

import (
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dtime"

	"github.com/amcgf/udpft/pkg/metrics"
	"github.com/amcgf/udpft/pkg/wire"
)

// link holds the state and helpers shared by both engine variants: the
// transmit half, the receive seam, the receiver-side cursor and the
// silence accounting that bounds a session after the peer goes away.
type link struct {
	conn     PacketConn
	peer     *net.UDPAddr
	ver      wire.Version
	rto      time.Duration
	retryMax int
	recv     RecvFunc
	obs      metrics.Observer

	// expectedSeq is the next in-order DATA sequence on the receive side.
	expectedSeq uint32

	// lastAck is the last cumulative ACK sent; re-sent when duplicates or
	// out-of-order DATA arrive.
	lastAck uint32

	// silent counts consecutive quiet RTO windows.
	silent int
}

func (l *link) Version() wire.Version {
	return l.ver
}

func (l *link) transmit(d *wire.Datagram) error {
	encoded, err := d.Encode()
	if err != nil {
		return err
	}
	return l.transmitRaw(encoded)
}

func (l *link) transmitRaw(encoded []byte) error {
	_, err := l.conn.WriteToUDP(encoded, l.peer)
	return err
}

func (l *link) SendAck(acknum uint32) error {
	l.lastAck = acknum
	return l.transmit(wire.NewAck(acknum, l.ver))
}

func (l *link) SendOK() error {
	return l.transmit(wire.NewOK(l.ver))
}

func (l *link) SendBye() error {
	return l.transmit(wire.NewBye(l.ver))
}

// receiveFrame reads and decodes one datagram. Corrupt frames and quiet
// timeouts both return nil, nil; the retransmission machinery covers the
// gap either way. A valid frame resets the silence count.
func (l *link) receiveFrame(ctx context.Context, timeout time.Duration) (*wire.Datagram, error) {
	data, err := l.recv(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	dg, err := wire.Decode(data)
	if err != nil {
		return nil, nil
	}
	l.silent = 0
	return dg, nil
}

// noteQuiet records one fully quiet RTO window and fails the session when
// the retry budget is spent.
func (l *link) noteQuiet() error {
	l.silent++
	if l.silent >= l.retryMax {
		return ErrPeerSilent
	}
	return nil
}

// ReceiveData waits up to one RTO for the next in-order DATA frame.
// Control frames surface to the caller; duplicate or out-of-order DATA is
// answered with the last cumulative ACK and discarded.
func (l *link) ReceiveData(ctx context.Context) (*wire.Datagram, error) {
	deadline := dtime.Now().Add(l.rto)
	for {
		remaining := deadline.Sub(dtime.Now())
		if remaining <= 0 {
			return nil, l.noteQuiet()
		}
		dg, err := l.receiveFrame(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if dg == nil {
			continue
		}
		if dg.Type != wire.Data {
			return dg, nil
		}
		if dg.Seq == l.expectedSeq {
			l.expectedSeq++
			return dg, nil
		}
		// Duplicate or out-of-order fragment; the ACK may have been lost.
		if err := l.transmit(wire.NewAck(l.lastAck, l.ver)); err != nil {
			return nil, err
		}
	}
}

// ReceiveAck waits up to one RTO for an ACK frame.
func (l *link) ReceiveAck(ctx context.Context) (*wire.Datagram, error) {
	deadline := dtime.Now().Add(l.rto)
	for {
		remaining := deadline.Sub(dtime.Now())
		if remaining <= 0 {
			return nil, l.noteQuiet()
		}
		dg, err := l.receiveFrame(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if dg != nil && dg.Type == wire.Ack {
			return dg, nil
		}
	}
}

// sendByeWithRetry is the closer half of the teardown: send BYE, wait one
// RTO for the peer's OK, then stay quiet for quietTime absorbing whatever
// still arrives. The peer knows we saw its OK when no further BYEs show up.
func (l *link) sendByeWithRetry(ctx context.Context, retries int, quietTime time.Duration) error {
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			l.obs.Retransmit()
		}
		if err := l.SendBye(); err != nil {
			return err
		}
		dg, err := l.receiveFrame(ctx, l.rto)
		if err != nil {
			return err
		}
		if dg == nil || dg.Type != wire.OK {
			continue
		}
		return l.absorb(ctx, quietTime)
	}
	return ErrTeardownFailed
}

// absorb discards everything received during the quiet window.
func (l *link) absorb(ctx context.Context, quietTime time.Duration) error {
	deadline := dtime.Now().Add(quietTime)
	for {
		remaining := deadline.Sub(dtime.Now())
		if remaining <= 0 {
			return nil
		}
		if _, err := l.receiveFrame(ctx, remaining); err != nil {
			return err
		}
	}
}

// AwaitByeAndLinger is the passive half of the teardown, mirroring
// TIME-WAIT: reply OK to the peer's BYE, then hold the session for
// lingerFactor RTOs, answering any retransmitted BYE and extending the
// linger each time.
func (l *link) AwaitByeAndLinger(ctx context.Context, lingerFactor int, quietTime time.Duration) error {
	linger := time.Duration(lingerFactor) * l.rto
	for {
		dg, err := l.receiveFrame(ctx, l.rto)
		if err != nil {
			return err
		}
		if dg == nil {
			if err := l.noteQuiet(); err != nil {
				return err
			}
			continue
		}
		switch dg.Type {
		case wire.Bye:
		case wire.Data:
			// The peer never saw our final ACK; repeat it.
			if err := l.transmit(wire.NewAck(l.lastAck, l.ver)); err != nil {
				return err
			}
			continue
		default:
			continue
		}
		if err := l.SendOK(); err != nil {
			return err
		}
		deadline := dtime.Now().Add(linger)
		for {
			remaining := deadline.Sub(dtime.Now())
			if remaining <= 0 {
				return nil
			}
			wait := quietTime
			if wait > remaining {
				wait = remaining
			}
			dg, err := l.receiveFrame(ctx, wait)
			if err != nil {
				return err
			}
			if dg == nil {
				continue
			}
			switch dg.Type {
			case wire.Bye:
				if err := l.SendOK(); err != nil {
					return err
				}
				deadline = dtime.Now().Add(linger)
			case wire.Data:
				if err := l.transmit(wire.NewAck(l.lastAck, l.ver)); err != nil {
					return err
				}
			}
		}
	}
}

// ensure both engines satisfy the contract
var (
	_ Engine = &stopAndWait{}
	_ Engine = &goBackN{}
)
