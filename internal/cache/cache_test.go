package cache

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsStableAndLengthPrefixed(t *testing.T) {
	a := Key([]byte("ab"), []byte("c"))
	b := Key([]byte("ab"), []byte("c"))
	c := Key([]byte("a"), []byte("bc"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestStoreLookupClear(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	key := Key([]byte("int main(){}"), []byte("cc"))
	assert.False(t, c.IsCached(key))

	path, err := c.Store(key, strings.NewReader("artifact"))
	require.NoError(t, err)

	got, ok := c.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "cached artifact should be executable")

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(len("artifact")), st.Bytes)

	require.NoError(t, c.Clear())
	assert.False(t, c.IsCached(key))

	st, err = c.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
