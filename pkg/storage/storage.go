// Package storage maps filenames in the configured storage directory to
// lazily-opened append streams on the receive side and chunked readers on
// the send side. The ARQ layer delivers strictly in order, so writes are
// append-only.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/amcgf/udpft/pkg/wire"
)

// ErrNotFound reports a filename with no stored content behind it.
var ErrNotFound = errors.New("file not found")

// Store owns one storage directory. Files are keyed by bare filename; no
// metadata sidecar is kept.
type Store struct {
	dir string

	mu   sync.Mutex
	open map[string]*os.File
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "storage directory %q", dir)
	}
	return &Store{dir: dir, open: make(map[string]*os.File)}, nil
}

// Dir returns the storage directory path.
func (s *Store) Dir() string {
	return s.dir
}

// path keys strictly on the base name so a request cannot escape the
// storage directory.
func (s *Store) path(name string) (string, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", errors.Errorf("invalid filename %q", name)
	}
	return filepath.Join(s.dir, base), nil
}

// Exists reports whether the filename holds stored content.
func (s *Store) Exists(name string) bool {
	p, err := s.path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// SaveChunk appends one in-order DATA payload to the file. The first chunk
// truncates any prior content; the chunk without MORE-FRAGMENTS closes the
// stream.
func (s *Store) SaveChunk(ctx context.Context, name string, payload []byte, last bool) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.open[name]
	if !ok {
		if f, err = os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644); err != nil {
			return errors.Wrapf(err, "open %q for write", name)
		}
		s.open[name] = f
	}
	if _, err := f.Write(payload); err != nil {
		return errors.Wrapf(err, "append to %q", name)
	}
	if last {
		delete(s.open, name)
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, "close %q", name)
		}
		dlog.Debugf(ctx, "stored %q complete", name)
	}
	return nil
}

// Discard closes a dangling receive stream after a failed transfer. The
// partial file stays; a later upload of the same name truncates it.
func (s *Store) Discard(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.open[name]; ok {
		delete(s.open, name)
		_ = f.Close()
	}
}

// Open returns a chunked reader over a stored file.
func (s *Store) Open(name string) (*ChunkReader, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	if !s.Exists(name) {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return OpenPath(p)
}

// ChunkReader yields a file's content in payloads of at most MSS bytes,
// flagging whether further bytes remain after each one.
type ChunkReader struct {
	f         *os.File
	size      int64
	remaining int64
	started   bool
}

// OpenPath opens a chunked reader over an arbitrary file path.
func OpenPath(path string) (*ChunkReader, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%q", path)
		}
		return nil, errors.Wrapf(err, "stat %q", path)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Errorf("%q is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	return &ChunkReader{f: f, size: info.Size(), remaining: info.Size()}, nil
}

// Size returns the total number of bytes the reader will yield.
func (r *ChunkReader) Size() int64 {
	return r.size
}

// Next returns the next payload and whether more follow. An empty file
// yields exactly one empty payload so the receiver still observes a last
// fragment. After the last payload Next returns io.EOF.
func (r *ChunkReader) Next() ([]byte, bool, error) {
	if r.started && r.remaining == 0 {
		return nil, false, io.EOF
	}
	r.started = true
	if r.remaining == 0 {
		return nil, false, nil
	}
	n := int64(wire.MSS)
	if r.remaining < n {
		n = r.remaining
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.f, buf); err != nil {
		return nil, false, errors.Wrap(err, "read chunk")
	}
	r.remaining -= n
	return buf, r.remaining > 0, nil
}

func (r *ChunkReader) Close() error {
	return r.f.Close()
}

// FileWriter is the receive-side stream for a client download destination.
type FileWriter struct {
	f *os.File
}

func CreateFile(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %q", path)
	}
	return &FileWriter{f: f}, nil
}

func (w *FileWriter) Append(payload []byte) error {
	_, err := w.f.Write(payload)
	return errors.Wrap(err, "append")
}

func (w *FileWriter) Close() error {
	return w.f.Close()
}
