package arq

import (
	"context"
	"time"

	"github.com/datawire/dlib/dtime"

	"github.com/amcgf/udpft/pkg/wire"
)

// stopAndWait is the window-1 variant: every DATA frame is retransmitted
// on an RTO cadence until its ACK arrives.
type stopAndWait struct {
	link
}

func (s *stopAndWait) SendData(ctx context.Context, d *wire.Datagram) error {
	encoded, err := d.Encode()
	if err != nil {
		return err
	}
	want := d.Seq + 1

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.obs.Retransmit()
		}
		if err := s.transmitRaw(encoded); err != nil {
			return err
		}
		t0 := dtime.Now()
		deadline := t0.Add(s.rto)
		for {
			remaining := deadline.Sub(dtime.Now())
			if remaining <= 0 {
				break
			}
			dg, err := s.receiveFrame(ctx, remaining)
			if err != nil {
				return err
			}
			if dg == nil || dg.Type != wire.Ack {
				// Corrupt frames and foreign types burn budget, not the
				// attempt.
				continue
			}
			if dg.Ack == want {
				s.obs.RTT(dtime.Now().Sub(t0))
				return nil
			}
			// An older ACK is a duplicate from the previous frame; keep
			// waiting for ours.
		}
		if err := s.noteQuiet(); err != nil {
			return err
		}
	}
}

func (s *stopAndWait) SendByeWithRetry(ctx context.Context, retries int, quietTime time.Duration) error {
	return s.sendByeWithRetry(ctx, retries, quietTime)
}
