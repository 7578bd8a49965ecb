package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{Success, "Success"},
		{NoSpace, "NoSpace"},
		{RecvGone, "RecvGone"},
		{Kind(999), "Kind(999)"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.String())
	}
}

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, Wrap(nil, NoSpace, "quota exhausted"))
}

func TestWrapPreservesKind(t *testing.T) {
	base := errors.New("out of kmem")
	err := Wrap(base, NoSpace, "deriving kmem")
	require.NotNil(t, err)
	assert.Equal(t, NoSpace, err.Kind())
	assert.Contains(t, err.Error(), "deriving kmem")
	assert.Contains(t, err.Error(), "out of kmem")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Success, KindOf(nil))
	assert.Equal(t, Unspecified, KindOf(errors.New("plain")))
	assert.Equal(t, InvArgs, KindOf(New(InvArgs)))
	wrapped := Wrap(errors.New("x"), RecvGone, "ctx")
	assert.Equal(t, RecvGone, KindOf(wrapped))
}

func TestIs(t *testing.T) {
	err := Wrap(errors.New("x"), Timeout, "wait")
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, NoSpace))
}
