package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.PushU64(42)
	w.PushU32(7)
	_, err := w.PushBytes([]byte("session-ident"))
	require.NoError(t, err)

	r := NewReader(w.Bytes())
	v1, err := r.PopU64()
	require.NoError(t, err)
	assert.EqualValues(t, 42, v1)

	v2, err := r.PopU32()
	require.NoError(t, err)
	assert.EqualValues(t, 7, v2)

	b, err := r.PopBytes()
	require.NoError(t, err)
	assert.Equal(t, "session-ident", string(b))
}

func TestPushBytesRejectsOversizeArgs(t *testing.T) {
	w := NewWriter()
	_, err := w.PushBytes(make([]byte, MaxArgsLen+1))
	assert.Error(t, err)
}

func TestReaderSkip(t *testing.T) {
	w := NewWriter()
	w.PushU64(1).PushU64(2).PushU64(3)
	r := NewReader(w.Bytes())
	r.Skip(1)
	v, err := r.PopU64()
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
	assert.Equal(t, 1, r.Remaining())
}

func TestReaderPopPastEnd(t *testing.T) {
	r := NewReader(nil)
	_, err := r.PopU64()
	assert.Error(t, err)
}
