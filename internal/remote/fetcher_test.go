package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/rtmpush/internal/httpclient"
)

func newFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	client := httpclient.New(httpclient.Config{RetryAttempts: 1, RetryDelay: time.Millisecond})
	f, err := NewFetcher(baseURL, filepath.Join(t.TempDir(), "remote"), client, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestFetch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/clip-1.mp4", r.URL.Path)
		<-release
		_, _ = w.Write([]byte("video bytes"))
	}))
	defer server.Close()

	f := newFetcher(t, server.URL+"/")

	var wg sync.WaitGroup
	paths := make([]string, 4)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.Fetch(context.Background(), "clip-1.mp4")
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load(), "concurrent fetches share one download")
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(data))

	st, ok := f.Status("clip-1.mp4")
	require.True(t, ok)
	assert.Equal(t, StateReady, st.State)
	assert.EqualValues(t, len("video bytes"), st.BytesDone)
}

func TestResolve_NotReadyThenReady(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)

	_, err := f.Resolve(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.Resolve(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotReady)

	st, ok := f.Status("abc")
	require.True(t, ok)
	assert.Contains(t, []State{StatePending, StateDownloading}, st.State)

	close(release)
	require.Eventually(t, func() bool {
		st, _ := f.Status("abc")
		return st.State == StateReady
	}, 5*time.Second, 10*time.Millisecond)

	path, err := f.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestFetch_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := newFetcher(t, server.URL)
	_, err := f.Fetch(context.Background(), "missing")
	require.Error(t, err)

	st, ok := f.Status("missing")
	require.True(t, ok)
	assert.Equal(t, StateFailed, st.State)
	assert.NotEmpty(t, st.Error)
	assert.NoFileExists(t, filepath.Join(f.Dir(), "remote-missing"))
}

func TestResolve_Rejects(t *testing.T) {
	f := newFetcher(t, "")
	_, err := f.Resolve(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotConfigured)

	f = newFetcher(t, "http://share.invalid")
	for _, id := range []string{"../etc/passwd", "a/b", "", ".hidden", "a..b"} {
		_, err := f.Resolve(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}
