package cas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	hash, err := c.Put([]byte("screenshot-bytes"))
	require.NoError(t, err)
	require.Len(t, hash, 64)

	got, err := c.Get(hash)
	require.NoError(t, err)
	require.Equal(t, "screenshot-bytes", string(got))
}

func TestPutIsIdempotent(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	h1, err := c.Put([]byte("same-bytes"))
	require.NoError(t, err)
	h2, err := c.Put([]byte("same-bytes"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = c.Get("deadbeef")
	require.Error(t, err)
	require.False(t, c.Has("deadbeef"))
}
