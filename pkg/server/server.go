// Package server implements the transfer service: one UDP socket, a
// dispatcher that routes datagrams to per-peer bounded queues, and one
// session worker per active peer driving an ARQ engine to completion.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/amcgf/udpft/pkg/arq"
	"github.com/amcgf/udpft/pkg/config"
	"github.com/amcgf/udpft/pkg/metrics"
	"github.com/amcgf/udpft/pkg/storage"
	"github.com/amcgf/udpft/pkg/wire"
)

// Operator-facing rejection messages, shown verbatim by the client.
const msgDecodeFailed = "No se pudo decodificar la solicitud"

func msgOversize(max int64) string {
	return fmt.Sprintf("Tamaño máximo de archivo excedido (%d bytes)", max)
}

func msgNotFound(name string) string {
	return fmt.Sprintf("El archivo '%s' no existe en el servidor", name)
}

// Server owns the listening socket and the peer table. The table is
// touched by the dispatcher (insertion) and by workers at exit (removal);
// each queue has the dispatcher as sole producer and its worker as sole
// consumer.
type Server struct {
	cfg   *config.Config
	store *storage.Store
	host  string
	port  int

	conn *net.UDPConn

	mu    sync.Mutex
	peers map[string]chan []byte

	wg sync.WaitGroup
}

func New(cfg *config.Config, store *storage.Store, host string, port int) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		host:  host,
		port:  port,
		peers: make(map[string]chan []byte),
	}
}

// Listen binds the well-known endpoint. Separate from Run so callers can
// learn the bound address before serving.
func (s *Server) Listen(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.host), Port: s.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s:%d", s.host, s.port)
	}
	s.conn = conn
	dlog.Infof(ctx, "listening on %s, storage in %q", conn.LocalAddr(), s.store.Dir())
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run serves until the context is cancelled, then waits for in-flight
// workers to finish.
func (s *Server) Run(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-closed:
		}
	}()
	defer func() {
		close(closed)
		_ = s.conn.Close()
		s.mu.Lock()
		for _, q := range s.peers {
			close(q)
		}
		s.peers = make(map[string]chan []byte)
		s.mu.Unlock()
		s.wg.Wait()
	}()

	buf := make([]byte, wire.MTU)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				dlog.Info(ctx, "dispatcher stopping")
				return nil
			}
			return errors.Wrap(err, "read datagram")
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.dispatch(ctx, raddr, data)
	}
}

// dispatch routes one datagram. A known peer's datagram lands in its
// queue; a new peer's first datagram is validated as a REQUEST before a
// worker is spawned, so bad requests never cost a worker.
func (s *Server) dispatch(ctx context.Context, raddr *net.UDPAddr, data []byte) {
	key := raddr.String()
	s.mu.Lock()
	q, known := s.peers[key]
	s.mu.Unlock()
	if known {
		select {
		case q <- data:
		default:
			dlog.Debugf(ctx, "queue for %s full, dropping datagram", key)
		}
		return
	}

	req, err := wire.Decode(data)
	if err != nil {
		dlog.Debugf(ctx, "undecodable datagram from %s: %v", key, err)
		s.sendErr(ctx, raddr, msgDecodeFailed, wire.VersionSW)
		return
	}
	fields := wire.ParseFields(req.Payload)
	switch req.Type {
	case wire.RequestUpload:
		size, err := fields.FileSize()
		if err != nil {
			s.sendErr(ctx, raddr, msgDecodeFailed, req.Version)
			return
		}
		if size > s.cfg.MaxFileSize {
			dlog.Infof(ctx, "rejecting oversize upload %q (%d bytes) from %s", fields.Filename(), size, key)
			s.sendErr(ctx, raddr, msgOversize(s.cfg.MaxFileSize), req.Version)
			return
		}
	case wire.RequestDownload:
		if !s.store.Exists(fields.Filename()) {
			dlog.Infof(ctx, "rejecting download of missing %q from %s", fields.Filename(), key)
			s.sendErr(ctx, raddr, msgNotFound(fields.Filename()), req.Version)
			return
		}
	default:
		// Stray traffic from a peer whose worker already exited.
		dlog.Debugf(ctx, "ignoring %s from unknown peer %s", req.Type, key)
		return
	}
	if req.Version != wire.VersionSW && req.Version != wire.VersionGBN {
		s.sendErr(ctx, raddr, msgDecodeFailed, wire.VersionSW)
		return
	}

	q = make(chan []byte, s.cfg.QueueDepth)
	s.mu.Lock()
	s.peers[key] = q
	s.mu.Unlock()
	s.wg.Add(1)
	go s.worker(ctx, raddr, req, fields, q)
}

func (s *Server) sendErr(ctx context.Context, raddr *net.UDPAddr, msg string, ver wire.Version) {
	encoded, err := wire.NewErr(msg, ver).Encode()
	if err == nil {
		_, err = s.conn.WriteToUDP(encoded, raddr)
	}
	if err != nil {
		dlog.Errorf(ctx, "sending ERR to %s: %v", raddr, err)
	}
}

func (s *Server) deregister(key string) {
	s.mu.Lock()
	delete(s.peers, key)
	s.mu.Unlock()
}

// worker drives one session to completion, consuming datagrams from its
// queue only, so a slow session never stalls the dispatcher.
func (s *Server) worker(ctx context.Context, peer *net.UDPAddr, req *wire.Datagram, fields wire.Fields, q chan []byte) {
	defer s.wg.Done()
	defer s.deregister(peer.String())

	sid := uuid.NewString()[:8]
	ctx = dlog.WithField(ctx, "session", sid)
	ctx = dlog.WithField(ctx, "peer", peer.String())
	defer func() {
		if r := derror.PanicToError(recover()); r != nil {
			dlog.Errorf(ctx, "%+v", r)
		}
	}()

	rec := metrics.NewRecorder()
	engine, err := arq.New(req.Version, s.conn, peer, queueRecv(q), s.cfg, rec)
	if err != nil {
		dlog.Errorf(ctx, "session setup: %v", err)
		return
	}
	dlog.Debugf(ctx, "session start: %s %s %q", req.Type, req.Version, fields.Filename())

	switch req.Type {
	case wire.RequestUpload:
		size, _ := fields.FileSize()
		err = s.handleUpload(ctx, engine, rec, fields.Filename(), size)
	case wire.RequestDownload:
		err = s.handleDownload(ctx, engine, rec, peer, fields.Filename())
	}
	if err != nil {
		dlog.Errorf(ctx, "session ended: %v", err)
		return
	}
	dlog.Debugf(ctx, "session complete")
}

// handleUpload receives the peer's file: OK, then in-order DATA until the
// last fragment, then the passive side of the teardown.
func (s *Server) handleUpload(ctx context.Context, engine arq.Engine, rec *metrics.Recorder, name string, size int64) error {
	rec.Start(ctx, "upload", name, size)
	defer rec.Done(ctx)

	if err := engine.SendOK(); err != nil {
		return err
	}
	gotData := false
	for {
		dg, err := engine.ReceiveData(ctx)
		if err != nil {
			s.store.Discard(name)
			return err
		}
		if dg == nil {
			continue
		}
		switch dg.Type {
		case wire.Data:
			gotData = true
			last := !dg.More()
			if err := s.store.SaveChunk(ctx, name, dg.Payload, last); err != nil {
				return err
			}
			if err := engine.SendAck(dg.Seq + 1); err != nil {
				return err
			}
			rec.AddBytes(len(dg.Payload))
			if last {
				return engine.AwaitByeAndLinger(ctx, s.cfg.LingerFactor, s.cfg.QuietTime)
			}
		case wire.RequestUpload, wire.RequestDownload:
			if !gotData {
				// Retransmitted request: our OK was lost.
				if err := engine.SendOK(); err != nil {
					return err
				}
				continue
			}
			// A fresh request while this session is live lands in the old
			// queue; drop it and let the silence bound clear the slot.
			dlog.Warnf(ctx, "%s received mid-session, dropping", dg.Type)
		case wire.Bye:
			s.store.Discard(name)
			_ = engine.SendOK()
			return errors.New("peer closed before last fragment")
		}
	}
}

// handleDownload streams the stored file to the peer and closes the
// session as the active side of the teardown.
func (s *Server) handleDownload(ctx context.Context, engine arq.Engine, rec *metrics.Recorder, peer *net.UDPAddr, name string) error {
	reader, err := s.store.Open(name)
	if err != nil {
		// The file vanished between dispatch validation and now.
		s.sendErr(ctx, peer, msgNotFound(name), engine.Version())
		return err
	}
	defer reader.Close()

	rec.Start(ctx, "download", name, reader.Size())
	defer rec.Done(ctx)

	if err := engine.SendOK(); err != nil {
		return err
	}
	var seq uint32
	for {
		chunk, more, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if err := engine.SendData(ctx, wire.NewData(seq, chunk, engine.Version(), more)); err != nil {
			return err
		}
		rec.AddBytes(len(chunk))
		seq++
		if !more {
			break
		}
	}
	return engine.SendByeWithRetry(ctx, s.cfg.RetryMax, s.cfg.QuietTime)
}

// queueRecv adapts a per-peer queue to the engine's receive seam.
func queueRecv(q chan []byte) arq.RecvFunc {
	return func(ctx context.Context, timeout time.Duration) ([]byte, error) {
		if timeout <= 0 {
			select {
			case data, ok := <-q:
				if !ok {
					return nil, arq.ErrClosed
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
				return nil, arq.ErrClosed
			}
			return data, nil
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
