// Package arq implements the two retransmission strategies that make the
// datagram transport reliable: Stop-and-Wait and Go-Back-N. Both variants
// consume raw datagrams through a pluggable RecvFunc so that the server can
// feed them from its per-peer queue while the client reads its socket
// directly.
package arq

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/amcgf/udpft/pkg/config"
	"github.com/amcgf/udpft/pkg/metrics"
	"github.com/amcgf/udpft/pkg/wire"
)

var (
	// ErrClosed is returned by a RecvFunc whose underlying source is gone.
	ErrClosed = errors.New("datagram source closed")

	// ErrPeerSilent means the peer produced nothing valid for RetryMax
	// consecutive RTO-sized windows. The session is abandoned.
	ErrPeerSilent = errors.New("peer silent beyond retry budget")

	// ErrTeardownFailed means SendByeWithRetry exhausted its budget.
	ErrTeardownFailed = errors.New("teardown retry budget exhausted")
)

// RecvFunc returns the next raw datagram from the peer. A nil, nil return
// means the timeout expired quietly. A non-positive timeout polls without
// blocking. ErrClosed reports that no further datagrams will arrive.
type RecvFunc func(ctx context.Context, timeout time.Duration) ([]byte, error)

// PacketConn is the transmit half of the transport. *net.UDPConn
// implements it.
type PacketConn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Engine is the contract shared by both ARQ variants. An engine owns one
// peer address and one retransmission timer. It is driven by a single
// goroutine.
type Engine interface {
	Version() wire.Version

	// SendData transmits a DATA frame reliably. Stop-and-Wait blocks until
	// the frame is acknowledged; Go-Back-N returns once the frame is
	// admitted into the window.
	SendData(ctx context.Context, d *wire.Datagram) error

	// ReceiveData returns the next in-order DATA frame, or any control
	// frame, or nil on a quiet timeout. Duplicate and out-of-order DATA is
	// absorbed internally by re-sending the last cumulative ACK.
	ReceiveData(ctx context.Context) (*wire.Datagram, error)

	SendAck(acknum uint32) error
	ReceiveAck(ctx context.Context) (*wire.Datagram, error)
	SendOK() error
	SendBye() error

	// SendByeWithRetry drives the closer side of the teardown. Go-Back-N
	// drains its window first so BYE follows the last acknowledged DATA.
	SendByeWithRetry(ctx context.Context, retries int, quietTime time.Duration) error

	// AwaitByeAndLinger drives the passive side: reply OK to BYE, then
	// absorb duplicate BYEs for lingerFactor RTOs.
	AwaitByeAndLinger(ctx context.Context, lingerFactor int, quietTime time.Duration) error
}

// New returns the engine for the peer's advertised protocol version.
func New(ver wire.Version, conn PacketConn, peer *net.UDPAddr, recv RecvFunc, cfg *config.Config, obs metrics.Observer) (Engine, error) {
	if obs == nil {
		obs = metrics.NopObserver{}
	}
	ln := link{
		conn:     conn,
		peer:     peer,
		ver:      ver,
		rto:      cfg.RTO,
		retryMax: cfg.RetryMax,
		recv:     recv,
		obs:      obs,
	}
	switch ver {
	case wire.VersionSW:
		return &stopAndWait{link: ln}, nil
	case wire.VersionGBN:
		return &goBackN{link: ln, win: newWindow(uint32(cfg.Window))}, nil
	default:
		return nil, errors.Errorf("unknown protocol version %d", ver)
	}
}
