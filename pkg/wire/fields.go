package wire

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Control frames carry a small set of named fields as newline-delimited
// key=value pairs. DATA frames carry raw bytes and bypass this codec.
const (
	FieldFilename = "filename"
	FieldFileSize = "file_size"
	FieldMessage  = "message"
)

// Fields is the decoded form of a control payload.
type Fields map[string]string

// Encode renders the fields in key order so encoding is deterministic.
func (f Fields) Encode() []byte {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(f[k])
	}
	return []byte(sb.String())
}

// ParseFields decodes a control payload. Lines without a '=' are skipped.
func ParseFields(b []byte) Fields {
	f := Fields{}
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		f[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return f
}

func (f Fields) Filename() string {
	return f[FieldFilename]
}

func (f Fields) Message() string {
	return f[FieldMessage]
}

func (f Fields) FileSize() (int64, error) {
	v, ok := f[FieldFileSize]
	if !ok {
		return 0, errors.Errorf("control payload has no %s", FieldFileSize)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad %s", FieldFileSize)
	}
	return n, nil
}

// NewRequestUpload builds the upload request carrying filename and size.
func NewRequestUpload(name string, size int64, ver Version) *Datagram {
	return &Datagram{
		Type:    RequestUpload,
		Version: ver,
		Payload: Fields{FieldFilename: name, FieldFileSize: strconv.FormatInt(size, 10)}.Encode(),
	}
}

// NewRequestDownload builds the download request carrying the filename.
func NewRequestDownload(name string, ver Version) *Datagram {
	return &Datagram{
		Type:    RequestDownload,
		Version: ver,
		Payload: Fields{FieldFilename: name}.Encode(),
	}
}

func NewOK(ver Version) *Datagram {
	return &Datagram{Type: OK, Version: ver}
}

// NewErr builds an ERR frame whose message the client shows verbatim.
func NewErr(msg string, ver Version) *Datagram {
	return &Datagram{
		Type:    Err,
		Version: ver,
		Payload: Fields{FieldMessage: msg}.Encode(),
	}
}

// NewData builds a DATA frame. mf marks that further fragments follow.
func NewData(seq uint32, chunk []byte, ver Version, mf bool) *Datagram {
	d := &Datagram{Type: Data, Version: ver, Seq: seq, Payload: chunk}
	if mf {
		d.Flags = FlagMore
	}
	return d
}

func NewAck(acknum uint32, ver Version) *Datagram {
	return &Datagram{Type: Ack, Version: ver, Ack: acknum}
}

func NewBye(ver Version) *Datagram {
	return &Datagram{Type: Bye, Version: ver}
}
