package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsRoundTrip(t *testing.T) {
	f := Fields{
		FieldFilename: "fotos.tar",
		FieldFileSize: "4096",
	}
	got := ParseFields(f.Encode())
	assert.Equal(t, f, got)
}

func TestParseFieldsSkipsGarbage(t *testing.T) {
	f := ParseFields([]byte("filename=a.txt\n\nno-separator\n=orphan\nmessage=hola"))
	assert.Equal(t, "a.txt", f.Filename())
	assert.Equal(t, "hola", f.Message())
	assert.Len(t, f, 2)
}

func TestParseFieldsEmpty(t *testing.T) {
	assert.Empty(t, ParseFields(nil))
}

func TestFileSize(t *testing.T) {
	req := NewRequestUpload("a.bin", 1001, VersionGBN)
	f := ParseFields(req.Payload)
	n, err := f.FileSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1001), n)

	_, err = ParseFields([]byte("file_size=much")).FileSize()
	assert.Error(t, err)

	_, err = Fields{}.FileSize()
	assert.Error(t, err)
}

func TestValueMayContainSeparator(t *testing.T) {
	f := ParseFields(Fields{FieldMessage: "a=b=c"}.Encode())
	assert.Equal(t, "a=b=c", f.Message())
}
