// Package client implements the transfer driver behind the upload and
// download commands: one ephemeral UDP socket per transfer, the
// request/OK handshake, and an ARQ engine streaming the file content.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/amcgf/udpft/pkg/arq"
	"github.com/amcgf/udpft/pkg/config"
	"github.com/amcgf/udpft/pkg/metrics"
	"github.com/amcgf/udpft/pkg/storage"
	"github.com/amcgf/udpft/pkg/wire"
)

// ErrHandshakeTimeout means every request attempt went unanswered.
var ErrHandshakeTimeout = errors.New("no reply from server")

// ServerError carries the server's ERR message, shown verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %s", e.Message)
}

// Client drives transfers against one server endpoint.
type Client struct {
	cfg     *config.Config
	host    string
	port    int
	version wire.Version
}

func New(cfg *config.Config, host string, port int, version wire.Version) *Client {
	return &Client{cfg: cfg, host: host, port: port, version: version}
}

// session is the per-transfer state: the socket, the worker's address
// learned from the OK reply, and the engine bound to both. The single
// socket keeps the source port stable for the session's whole lifetime,
// which is what lets the server key the session on (ip, port).
type session struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	engine arq.Engine
	rec    *metrics.Recorder
}

func (c *Client) dial() (*net.UDPConn, *net.UDPAddr, error) {
	server := &net.UDPAddr{IP: net.ParseIP(c.host), Port: c.port}
	if server.IP == nil {
		ips, err := net.LookupIP(c.host)
		if err != nil || len(ips) == 0 {
			return nil, nil, errors.Errorf("cannot resolve host %q", c.host)
		}
		server.IP = ips[0]
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "open socket")
	}
	return conn, server, nil
}

// handshake sends the request with RTO spacing, doubling the wait each
// attempt, until OK or ERR arrives or the retry budget runs out. The OK's
// source address becomes the session peer.
func (c *Client) handshake(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, req *wire.Datagram) (*net.UDPAddr, error) {
	encoded, err := req.Encode()
	if err != nil {
		return nil, err
	}
	timeout := c.cfg.RTO
	buf := make([]byte, wire.MTU)
	for attempt := 0; attempt < c.cfg.RetryMax; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := conn.WriteToUDP(encoded, server); err != nil {
			return nil, errors.Wrap(err, "send request")
		}
		dlog.Debugf(ctx, "request attempt %d, waiting %s", attempt+1, timeout)
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				timeout *= 2
				if timeout > c.cfg.TimeoutMax {
					timeout = c.cfg.TimeoutMax
				}
				continue
			}
			return nil, errors.Wrap(err, "await reply")
		}
		reply, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		switch reply.Type {
		case wire.OK:
			return raddr, nil
		case wire.Err:
			return nil, &ServerError{Message: wire.ParseFields(reply.Payload).Message()}
		case wire.Data:
			// The OK was lost and the worker already entered the data
			// phase. The frame consumed here will be retransmitted.
			return raddr, nil
		}
	}
	return nil, ErrHandshakeTimeout
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// open performs the handshake and binds an engine to the session socket.
func (c *Client) open(ctx context.Context, req *wire.Datagram) (*session, error) {
	conn, server, err := c.dial()
	if err != nil {
		return nil, err
	}
	peer, err := c.handshake(ctx, conn, server, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	rec := metrics.NewRecorder()
	engine, err := arq.New(c.version, conn, peer, socketRecv(conn), c.cfg, rec)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &session{conn: conn, peer: peer, engine: engine, rec: rec}, nil
}

// Upload streams the file at src to the server under the given name.
func (c *Client) Upload(ctx context.Context, src, name string) error {
	reader, err := storage.OpenPath(src)
	if err != nil {
		return err
	}
	defer reader.Close()

	sess, err := c.open(ctx, wire.NewRequestUpload(name, reader.Size(), c.version))
	if err != nil {
		return err
	}
	defer sess.conn.Close()

	sess.rec.Start(ctx, "upload", name, reader.Size())
	defer sess.rec.Done(ctx)

	var seq uint32
	for {
		chunk, more, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if err := sess.engine.SendData(ctx, wire.NewData(seq, chunk, c.version, more)); err != nil {
			return err
		}
		sess.rec.AddBytes(len(chunk))
		seq++
		if !more {
			break
		}
	}
	if err := sess.engine.SendByeWithRetry(ctx, c.cfg.RetryMax, c.cfg.QuietTime); err != nil {
		// Teardown errors are logged, not returned. With Stop-and-Wait every
		// DATA frame was acknowledged by now; with Go-Back-N the error can
		// also come from draining the window, so some DATA may be unacked.
		dlog.Warnf(ctx, "teardown incomplete: %v", err)
	}
	return nil
}

// Download fetches the named file from the server into dst.
func (c *Client) Download(ctx context.Context, dst, name string) error {
	sess, err := c.open(ctx, wire.NewRequestDownload(name, c.version))
	if err != nil {
		return err
	}
	defer sess.conn.Close()

	writer, err := storage.CreateFile(dst)
	if err != nil {
		return err
	}

	sess.rec.Start(ctx, "download", name, -1)
	defer sess.rec.Done(ctx)

	var result error
	for {
		dg, err := sess.engine.ReceiveData(ctx)
		if err != nil {
			result = err
			break
		}
		if dg == nil || dg.Type != wire.Data {
			continue
		}
		if err := writer.Append(dg.Payload); err != nil {
			result = err
			break
		}
		sess.rec.AddBytes(len(dg.Payload))
		if err := sess.engine.SendAck(dg.Seq + 1); err != nil {
			result = err
			break
		}
		if !dg.More() {
			if err := sess.engine.AwaitByeAndLinger(ctx, c.cfg.LingerFactor, c.cfg.QuietTime); err != nil {
				dlog.Warnf(ctx, "linger incomplete: %v", err)
			}
			break
		}
	}
	if err := writer.Close(); err != nil {
		result = multierror.Append(result, err).ErrorOrNil()
	}
	return result
}

// socketRecv adapts the session socket to the engine's receive seam via
// read deadlines.
func socketRecv(conn *net.UDPConn) arq.RecvFunc {
	return func(ctx context.Context, timeout time.Duration) ([]byte, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timeout <= 0 {
			// Poll: a deadline in the past makes the read return
			// immediately unless a datagram is already buffered.
			timeout = time.Nanosecond
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, arq.ErrClosed
		}
		buf := make([]byte, wire.MTU)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				return nil, nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, arq.ErrClosed
			}
			return nil, err
		}
		return buf[:n], nil
	}
}
