package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient() *Client {
	return New(Config{RetryAttempts: 3, RetryDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
}

func TestClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	resp, err := fastClient().Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestClient_Retries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		wantErr   bool
		wantCalls int32
	}{
		{"recovers after 503s", 2, http.StatusServiceUnavailable, false, 3},
		{"gives up after retries", 10, http.StatusBadGateway, true, 4},
		{"404 is not retried", 10, http.StatusNotFound, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write([]byte("ok"))
			}))
			defer server.Close()

			resp, err := fastClient().Get(context.Background(), server.URL)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				resp.Body.Close()
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := fastClient().Get(context.Background(), server.URL+"/file?token=secret")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.NotContains(t, se.Error(), "secret")
}

func TestClient_Decompression(t *testing.T) {
	compress := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
	}
	for enc, fn := range compress {
		t.Run(enc, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", enc)
				_, _ = w.Write(fn([]byte("hello media")))
			}))
			defer server.Close()

			resp, err := fastClient().Get(context.Background(), server.URL)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello media", string(body))
			assert.EqualValues(t, -1, resp.ContentLength)
		})
	}
}

func TestClient_ContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(Config{RetryAttempts: 5, RetryDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, server.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow(), "probe after cooldown")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe")

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, "closed", b.State().String())
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://share.example.com/f/1", "https://share.example.com/f/1"},
		{"https://share.example.com/f/1?token=abc", "https://share.example.com/f/1?token=%2A%2A%2A"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, redactURL(tt.in))
		})
	}

	got := redactURL("https://user:pw@share.example.com/f")
	assert.NotContains(t, got, "user")
	assert.NotContains(t, got, "pw")
}
