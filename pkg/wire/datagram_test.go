package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, 300)
	testCases := []struct {
		name string
		d    *Datagram
	}{
		{"request upload", NewRequestUpload("informe.pdf", 123456, VersionSW)},
		{"request download", NewRequestDownload("informe.pdf", VersionGBN)},
		{"ok", NewOK(VersionSW)},
		{"err", NewErr("El archivo 'x' no existe en el servidor", VersionSW)},
		{"data mid", NewData(7, payload, VersionGBN, true)},
		{"data last", NewData(8, payload, VersionGBN, false)},
		{"data empty", NewData(0, nil, VersionSW, false)},
		{"ack", NewAck(9, VersionSW)},
		{"bye", NewBye(VersionGBN)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.d.Encode()
			require.NoError(t, err)
			got, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.d.Type, got.Type)
			assert.Equal(t, tc.d.Version, got.Version)
			assert.Equal(t, tc.d.Ack, got.Ack)
			assert.Equal(t, tc.d.Seq, got.Seq)
			assert.Equal(t, tc.d.More(), got.More())
			if len(tc.d.Payload) == 0 {
				assert.Empty(t, got.Payload)
			} else {
				assert.Equal(t, tc.d.Payload, got.Payload)
			}
		})
	}
}

func TestEncodeLengthBound(t *testing.T) {
	ok := NewData(0, bytes.Repeat([]byte{1}, MSS), VersionSW, false)
	_, err := ok.Encode()
	require.NoError(t, err)

	big := NewData(0, bytes.Repeat([]byte{1}, MSS+1), VersionSW, false)
	_, err = big.Encode()
	require.ErrorIs(t, err, ErrFrameTooBig)
}

func TestAckFlagSetAutomatically(t *testing.T) {
	buf, err := NewAck(0, VersionSW).Encode()
	require.NoError(t, err)
	d, err := Decode(buf)
	require.NoError(t, err)
	assert.NotZero(t, d.Flags&FlagAck, "ACK frame must carry ACK-valid")

	// Any frame with acknum != 0 gets the flag too.
	buf, err = (&Datagram{Type: OK, Version: VersionSW, Ack: 3}).Encode()
	require.NoError(t, err)
	d, err = Decode(buf)
	require.NoError(t, err)
	assert.NotZero(t, d.Flags&FlagAck)

	// And a plain OK does not.
	buf, err = NewOK(VersionSW).Encode()
	require.NoError(t, err)
	d, err = Decode(buf)
	require.NoError(t, err)
	assert.Zero(t, d.Flags&FlagAck)
}

func TestMoreFragmentsMatchesCaller(t *testing.T) {
	for _, mf := range []bool{true, false} {
		buf, err := NewData(1, []byte("abc"), VersionGBN, mf).Encode()
		require.NoError(t, err)
		d, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, mf, d.More())
	}
}

func TestMoreFragmentsClearedOnControlFrames(t *testing.T) {
	d := NewBye(VersionSW)
	d.Flags = FlagMore
	buf, err := d.Encode()
	require.NoError(t, err)
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.False(t, got.More())
}

// Every single-byte mutation of a valid frame must yield BadChecksum or
// Truncated, never a different valid datagram.
func TestChecksumCompleteness(t *testing.T) {
	buf, err := NewData(3, []byte("payload bytes"), VersionSW, true).Encode()
	require.NoError(t, err)
	for i := range buf {
		for _, bit := range []byte{0x01, 0x80} {
			mut := make([]byte, len(buf))
			copy(mut, buf)
			mut[i] ^= bit
			_, err := Decode(mut)
			require.Error(t, err, "mutation at byte %d bit %#x decoded cleanly", i, bit)
			assert.True(t, isDecodeReject(err), "mutation at byte %d: %v", i, err)
		}
	}
}

func isDecodeReject(err error) bool {
	return errors.Is(err, ErrBadChecksum) || errors.Is(err, ErrTruncated) || errors.Is(err, ErrUnknownType)
}

func TestDecodeTruncated(t *testing.T) {
	buf, err := NewData(0, []byte("0123456789"), VersionSW, false).Encode()
	require.NoError(t, err)

	_, err = Decode(buf[:HeaderLen-1])
	require.ErrorIs(t, err, ErrTruncated)

	// Header announces more payload than is present.
	_, err = Decode(buf[:HeaderLen+4])
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownType(t *testing.T) {
	d := &Datagram{Type: MsgType(250), Version: VersionSW}
	buf, err := d.Encode()
	require.NoError(t, err)
	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeIgnoresReservedFlags(t *testing.T) {
	buf, err := NewData(1, []byte("x"), VersionSW, true).Encode()
	require.NoError(t, err)

	// Flip a reserved flag bit and patch the checksum so only the reserved
	// bit differs from a valid frame.
	buf[3] |= 0x01
	buf[6] = 0
	buf[7] = 0
	ck := checksum(buf)
	buf[6] = byte(ck >> 8)
	buf[7] = byte(ck)

	d, err := Decode(buf)
	require.NoError(t, err)
	assert.Zero(t, d.Flags&^knownFlags)
	assert.True(t, d.More())
}

func TestChecksumKnownValue(t *testing.T) {
	// 0x4142 + 0x4344 = 0x8486; one's complement 0x7B79.
	assert.Equal(t, uint16(0x7B79), checksum([]byte("ABCD")))
	// Odd length pads with a zero byte.
	assert.Equal(t, ^uint16(0x4100), checksum([]byte("A")))
}
