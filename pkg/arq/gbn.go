package arq

import (
	"context"
	"time"

	"github.com/datawire/dlib/dtime"

	"github.com/amcgf/udpft/pkg/wire"
)

// goBackN keeps up to W unacknowledged frames in flight. One timer guards
// the whole window; when it fires every in-flight frame is retransmitted
// in order. ACKs are cumulative.
type goBackN struct {
	link
	win *window

	timerOn    bool
	timerStart time.Time
}

func (g *goBackN) startTimer() {
	g.timerStart = dtime.Now()
	g.timerOn = true
}

// SendData admits a DATA frame into the window, blocking while the window
// is full.
func (g *goBackN) SendData(ctx context.Context, d *wire.Datagram) error {
	encoded, err := d.Encode()
	if err != nil {
		return err
	}
	for {
		if err := g.tick(ctx); err != nil {
			return err
		}
		if g.win.canSend() {
			if err := g.transmitRaw(encoded); err != nil {
				return err
			}
			if g.win.empty() {
				g.startTimer()
			}
			g.win.markSent(encoded)
			return nil
		}
		if err := g.awaitAck(ctx); err != nil {
			return err
		}
	}
}

// tick runs one scheduler round: retransmit the window if the timer
// expired, then drain pending ACKs without blocking.
func (g *goBackN) tick(ctx context.Context) error {
	if g.timerOn && dtime.Now().Sub(g.timerStart) > g.rto {
		for seq := g.win.base; seq != g.win.nextSeq; seq++ {
			if frame := g.win.get(seq); frame != nil {
				if err := g.transmitRaw(frame); err != nil {
					return err
				}
				g.obs.Retransmit()
			}
		}
		g.startTimer()
		if err := g.noteQuiet(); err != nil {
			return err
		}
	}
	for {
		dg, err := g.receiveFrame(ctx, 0)
		if err != nil {
			return err
		}
		if dg == nil {
			return nil
		}
		g.applyAck(dg)
	}
}

// applyAck advances the window on a cumulative ACK and manages the timer:
// stopped when the window empties, restarted when older frames remain.
func (g *goBackN) applyAck(dg *wire.Datagram) {
	if dg.Type != wire.Ack || dg.Ack <= g.win.base {
		return
	}
	if g.timerOn {
		g.obs.RTT(dtime.Now().Sub(g.timerStart))
	}
	g.win.markReceived(dg.Ack)
	if g.win.empty() {
		g.timerOn = false
	} else {
		g.startTimer()
	}
}

// awaitAck blocks until an ACK arrives or the window timer is due.
func (g *goBackN) awaitAck(ctx context.Context) error {
	wait := g.rto
	if g.timerOn {
		if remaining := g.rto - dtime.Now().Sub(g.timerStart); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return nil
	}
	dg, err := g.receiveFrame(ctx, wait)
	if err != nil {
		return err
	}
	if dg != nil {
		g.applyAck(dg)
	}
	return nil
}

// drain blocks until every in-flight frame has been acknowledged,
// retransmitting on the usual cadence.
func (g *goBackN) drain(ctx context.Context) error {
	for !g.win.empty() {
		if err := g.tick(ctx); err != nil {
			return err
		}
		if g.win.empty() {
			break
		}
		if err := g.awaitAck(ctx); err != nil {
			return err
		}
	}
	g.timerOn = false
	return nil
}

func (g *goBackN) SendByeWithRetry(ctx context.Context, retries int, quietTime time.Duration) error {
	if err := g.drain(ctx); err != nil {
		return err
	}
	return g.sendByeWithRetry(ctx, retries, quietTime)
}
