package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
}

func TestIsMedia(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"clip.mp4", true},
		{"CLIP.MKV", true},
		{"slate.png", true},
		{"notes.txt", false},
		{"noext", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMedia(tt.path))
		})
	}
}

func TestScanAndLookup(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	writeFile(t, filepath.Join(media, "b-intro.mp4"))
	writeFile(t, filepath.Join(media, "sub", "A-outro.mov"))
	writeFile(t, filepath.Join(media, "readme.txt"))
	writeFile(t, filepath.Join(media, ".hidden", "secret.mp4"))

	c, err := New(media, filepath.Join(dir, "index"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Scan(context.Background()))

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A-outro", list[0].DisplayName)
	assert.Equal(t, "b-intro", list[1].DisplayName)

	e, err := c.Lookup(list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root(), "sub", "A-outro.mov"), e.Path)
	assert.EqualValues(t, 4, e.Size)

	path, err := c.Resolve(context.Background(), list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root(), "b-intro.mp4"), path)

	_, err = c.Lookup("missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestIDsStableAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	index := filepath.Join(dir, "index")
	writeFile(t, filepath.Join(media, "keep.mp4"))
	writeFile(t, filepath.Join(media, "gone.mp4"))

	c, err := New(media, index, nil)
	require.NoError(t, err)
	require.NoError(t, c.Scan(context.Background()))
	ids := map[string]string{}
	for _, e := range c.List() {
		ids[e.DisplayName] = e.ID
	}

	require.NoError(t, os.Remove(filepath.Join(media, "gone.mp4")))
	writeFile(t, filepath.Join(media, "new.mp4"))

	c2, err := New(media, index, nil)
	require.NoError(t, err)
	require.NoError(t, c2.Scan(context.Background()))

	list := c2.List()
	require.Len(t, list, 2)
	for _, e := range list {
		switch e.DisplayName {
		case "keep":
			assert.Equal(t, ids["keep"], e.ID)
		case "new":
			assert.NotEqual(t, ids["gone"], e.ID)
		default:
			t.Fatalf("unexpected entry %q", e.DisplayName)
		}
	}
	_, err = c2.Lookup(ids["gone"])
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "media")

	c, err := New(media, filepath.Join(dir, "index"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Scan(context.Background()))
	require.Empty(t, c.List())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, 20*time.Millisecond) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the tree.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(media, "late.mp4"))

	assert.Eventually(t, func() bool {
		return len(c.List()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
