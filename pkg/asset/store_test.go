package asset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIsContentAddressedAndIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	ref1, err := s.Put([]byte("hello"), "text/plain", "")
	require.NoError(t, err)
	ref2, err := s.Put([]byte("hello"), "text/plain", "")
	require.NoError(t, err)

	assert.Equal(t, ref1.Path, ref2.Path)
	assert.True(t, filepath.IsAbs(ref1.Path) || filepath.Dir(ref1.Path) == s.Root())
}

func TestTextAssetsGetTextPrefix(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	ref, err := s.Put([]byte("some long output"), "text/plain", "")
	require.NoError(t, err)
	name := filepath.Base(ref.Path)
	assert.True(t, len(name) > 5 && name[:5] == "text_")
	assert.Equal(t, ".txt", filepath.Ext(name))
}

func TestNewStoreAppendsGitignoreEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n"), 0o644))

	_, err := NewStore(dir, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "assets/")

	// reopening must not append a duplicate entry.
	_, err = NewStore(dir, 0)
	require.NoError(t, err)
	again, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestStoresReusePerDirectory(t *testing.T) {
	r := NewStores(0)
	dir := t.TempDir()

	s1, err := r.For(dir)
	require.NoError(t, err)
	s2, err := r.For(dir)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	other, err := r.For(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, s1.Root(), other.Root())
}

func TestPutPrunesOldestWhenOverCap(t *testing.T) {
	s, err := NewStore(t.TempDir(), 30)
	require.NoError(t, err)

	_, err = s.Put([]byte("aaaaaaaaaa"), "text/plain", "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.Put([]byte("bbbbbbbbbb"), "text/plain", "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.Put([]byte("cccccccccc"), "text/plain", "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	// pushes total past the 30-byte cap; the oldest file ("aaa...") should
	// be pruned to bring usage back to <= 80% of cap.
	_, err = s.Put([]byte("dddddddddd"), "text/plain", "")
	require.NoError(t, err)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 3)
}
