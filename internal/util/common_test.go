package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("peers", "a", "data"), ResolvePath(filepath.Join("peers", "a"), "data"))
	abs := filepath.Join(t.TempDir(), "x.db")
	assert.Equal(t, abs, ResolvePath("peers", abs))
}

func TestValidatePeerName(t *testing.T) {
	name, err := ValidatePeerName("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	for _, bad := range []string{"", "a b", "a/b", `a\b`, "..x"} {
		_, err := ValidatePeerName(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "f.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))
}

func TestAnonymousID(t *testing.T) {
	a := AnonymousID("12D3KooWA")
	assert.True(t, strings.HasPrefix(a, "anon-"))
	assert.Len(t, a, len("anon-")+16)
	assert.Equal(t, a, AnonymousID("12D3KooWA"))
	assert.NotEqual(t, a, AnonymousID("12D3KooWB"))
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}
