// Package wire implements the on-the-wire frame format shared by both ARQ
// variants: a 16 byte big-endian header carrying an Internet-style checksum,
// followed by the payload.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// HeaderLen is the fixed size of the frame header.
	HeaderLen = 16

	// MSS is the maximum payload carried by a single frame.
	MSS = 1200

	// MTU is the maximum on-the-wire frame length.
	MTU = HeaderLen + MSS
)

// MsgType is the tag of the frame sum type.
type MsgType uint8

const (
	RequestUpload MsgType = iota
	RequestDownload
	OK
	Err
	Data
	Ack
	Bye
)

func (t MsgType) String() string {
	switch t {
	case RequestUpload:
		return "REQUEST_UPLOAD"
	case RequestDownload:
		return "REQUEST_DOWNLOAD"
	case OK:
		return "OK"
	case Err:
		return "ERR"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case Bye:
		return "BYE"
	default:
		return "UNKNOWN"
	}
}

func (t MsgType) valid() bool {
	return t <= Bye
}

// Version selects the ARQ variant a session runs.
type Version uint8

const (
	VersionSW  Version = 1
	VersionGBN Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionSW:
		return "SW"
	case VersionGBN:
		return "GBN"
	default:
		return "UNKNOWN"
	}
}

// Flag bits. Bits not listed here are reserved: zero on send, ignored on
// receive.
const (
	// FlagAck marks the acknum field as valid. Set automatically at encode
	// time for ACK frames and for any frame with a non-zero acknum.
	FlagAck uint16 = 1 << 15

	// FlagMore marks a DATA frame as not being the last fragment of the
	// transfer.
	FlagMore uint16 = 1 << 14
)

const knownFlags = FlagAck | FlagMore

var (
	ErrFrameTooBig = errors.New("frame payload exceeds MSS")
	ErrTruncated   = errors.New("truncated frame")
	ErrBadChecksum = errors.New("frame checksum mismatch")
	ErrUnknownType = errors.New("unknown message type")
)

// Datagram is the single frame type on the wire.
type Datagram struct {
	Type    MsgType
	Version Version
	Flags   uint16
	Ack     uint32
	Seq     uint32
	Payload []byte
}

// More reports whether the MORE-FRAGMENTS bit is set.
func (d *Datagram) More() bool {
	return d.Flags&FlagMore != 0
}

// Encode serializes the datagram, computing the checksum over the header
// (checksum field zeroed) concatenated with the payload.
func (d *Datagram) Encode() ([]byte, error) {
	if len(d.Payload) > MSS {
		return nil, errors.Wrapf(ErrFrameTooBig, "payload %d > MSS %d", len(d.Payload), MSS)
	}

	flags := uint16(0)
	if d.Type == Data {
		flags = d.Flags & FlagMore
	}
	if d.Type == Ack || d.Ack != 0 {
		flags |= FlagAck
	}

	buf := make([]byte, HeaderLen+len(d.Payload))
	buf[0] = byte(d.Type)
	buf[1] = byte(d.Version)
	binary.BigEndian.PutUint16(buf[2:], flags)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(d.Payload)))
	// checksum at buf[6:8] stays zero while summing
	binary.BigEndian.PutUint32(buf[8:], d.Ack)
	binary.BigEndian.PutUint32(buf[12:], d.Seq)
	copy(buf[HeaderLen:], d.Payload)

	binary.BigEndian.PutUint16(buf[6:], checksum(buf))
	return buf, nil
}

// Decode parses a received frame. Unknown flag bits are dropped; an unknown
// message type is rejected. The returned datagram owns its payload.
func Decode(buf []byte) (*Datagram, error) {
	if len(buf) < HeaderLen {
		return nil, errors.Wrapf(ErrTruncated, "%d < header %d", len(buf), HeaderLen)
	}
	length := int(binary.BigEndian.Uint16(buf[4:]))
	if length > len(buf)-HeaderLen {
		return nil, errors.Wrapf(ErrTruncated, "announced payload %d, have %d", length, len(buf)-HeaderLen)
	}

	ck := binary.BigEndian.Uint16(buf[6:])
	sum := make([]byte, HeaderLen+length)
	copy(sum, buf[:HeaderLen+length])
	sum[6] = 0
	sum[7] = 0
	if checksum(sum) != ck {
		return nil, ErrBadChecksum
	}

	typ := MsgType(buf[0])
	if !typ.valid() {
		return nil, errors.Wrapf(ErrUnknownType, "type %d", buf[0])
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderLen:HeaderLen+length])
	return &Datagram{
		Type:    typ,
		Version: Version(buf[1]),
		Flags:   binary.BigEndian.Uint16(buf[2:]) & knownFlags,
		Ack:     binary.BigEndian.Uint32(buf[8:]),
		Seq:     binary.BigEndian.Uint32(buf[12:]),
		Payload: payload,
	}, nil
}

// checksum is the 16-bit one's-complement sum of data, odd lengths padded
// with one zero byte.
func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if len(data)&1 != 0 {
		sum += uint32(data[len(data)-1]) << 8
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
