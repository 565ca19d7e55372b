// Package metrics is the write-only observer that transfers report into:
// byte counts, RTT samples, retransmissions, and start/stop events.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
)

// Observer receives transfer events. Implementations must tolerate calls
// from the single goroutine driving one transfer; a fresh Observer is used
// per session.
type Observer interface {
	Start(ctx context.Context, direction, name string, totalBytes int64)
	AddBytes(n int)
	Retransmit()
	RTT(sample time.Duration)
	Done(ctx context.Context)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Start(context.Context, string, string, int64) {}
func (NopObserver) AddBytes(int)                                 {}
func (NopObserver) Retransmit()                                  {}
func (NopObserver) RTT(time.Duration)                            {}
func (NopObserver) Done(context.Context)                         {}

// Recorder accumulates counters and logs a final summary.
type Recorder struct {
	mu sync.Mutex

	direction string
	name      string
	total     int64
	started   time.Time

	bytes       int64
	retransmits int
	rttSum      time.Duration
	rttCount    int
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Start(ctx context.Context, direction, name string, totalBytes int64) {
	r.mu.Lock()
	r.direction = direction
	r.name = name
	r.total = totalBytes
	r.started = dtime.Now()
	r.mu.Unlock()
	if totalBytes >= 0 {
		dlog.Infof(ctx, "%s of %q started (%d bytes)", direction, name, totalBytes)
	} else {
		dlog.Infof(ctx, "%s of %q started", direction, name)
	}
}

func (r *Recorder) AddBytes(n int) {
	r.mu.Lock()
	r.bytes += int64(n)
	r.mu.Unlock()
}

func (r *Recorder) Retransmit() {
	r.mu.Lock()
	r.retransmits++
	r.mu.Unlock()
}

func (r *Recorder) RTT(sample time.Duration) {
	r.mu.Lock()
	r.rttSum += sample
	r.rttCount++
	r.mu.Unlock()
}

func (r *Recorder) Done(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := dtime.Now().Sub(r.started)
	var throughput float64
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(r.bytes) / 1024 / secs
	}
	var rttAvg time.Duration
	if r.rttCount > 0 {
		rttAvg = r.rttSum / time.Duration(r.rttCount)
	}
	dlog.Infof(ctx, "%s of %q done: %d bytes in %s, %.2f KB/s, mean RTT %s, %d retransmissions",
		r.direction, r.name, r.bytes, elapsed.Round(time.Millisecond), throughput, rttAvg.Round(time.Microsecond), r.retransmits)
}

// Bytes returns the byte count accumulated so far.
func (r *Recorder) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Retransmits returns the retransmission count accumulated so far.
func (r *Recorder) Retransmits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retransmits
}
