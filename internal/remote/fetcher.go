// Package remote downloads media from a remote file share on demand and
// tracks per-file download status.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/rtmpush/internal/httpclient"
	"github.com/jmylchreest/rtmpush/internal/observability"
	"github.com/jmylchreest/rtmpush/internal/storage"
)

var (
	// ErrNotReady is returned while a file is still being downloaded.
	ErrNotReady = errors.New("remote file not downloaded yet")
	// ErrNotConfigured is returned when no share URL is configured.
	ErrNotConfigured = errors.New("remote file share is not configured")
	// ErrInvalidID is returned for ids that cannot name a file.
	ErrInvalidID = errors.New("invalid remote file id")
)

// State is the download state of one remote file.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateReady       State = "ready"
	StateFailed      State = "failed"
)

// Status describes one remote file.
type Status struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"` // -1 when unknown
	Path       string    `json:"path,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,199}$`)

// Fetcher downloads "<baseURL>/<id>" into a local directory.
type Fetcher struct {
	baseURL string
	client  *httpclient.Client
	sb      *storage.Sandbox
	logger  *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	statuses map[string]*Status
	bg       context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewFetcher stores downloads in dir. An empty baseURL leaves the fetcher
// usable but every lookup fails with ErrNotConfigured.
func NewFetcher(baseURL, dir string, client *httpclient.Client, log *slog.Logger) (*Fetcher, error) {
	if log == nil {
		log = slog.Default()
	}
	sb, err := storage.NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating remote directory: %w", err)
	}
	if client == nil {
		client = httpclient.New(httpclient.Config{Logger: log})
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		sb:       sb,
		logger:   observability.WithComponent(log, "remote"),
		statuses: make(map[string]*Status),
		bg:       bg,
		cancel:   cancel,
	}, nil
}

// Dir returns the download directory.
func (f *Fetcher) Dir() string {
	return f.sb.BaseDir()
}

func (f *Fetcher) fileName(id string) string {
	return "remote-" + id
}

func (f *Fetcher) check(id string) error {
	if f.baseURL == "" {
		return ErrNotConfigured
	}
	if !validID.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Resolve returns the local path of a downloaded file. If the file is not
// present yet a background download is started and ErrNotReady returned;
// a previous failure is retried.
func (f *Fetcher) Resolve(_ context.Context, id string) (string, error) {
	if err := f.check(id); err != nil {
		return "", err
	}
	if f.sb.Exists(f.fileName(id)) {
		return filepath.Join(f.sb.BaseDir(), f.fileName(id)), nil
	}

	f.mu.Lock()
	st, ok := f.statuses[id]
	if ok && (st.State == StatePending || st.State == StateDownloading) {
		f.mu.Unlock()
		return "", ErrNotReady
	}
	f.setLocked(id, func(s *Status) {
		s.State = StatePending
		s.Error = ""
		s.BytesDone = 0
		s.BytesTotal = -1
	})
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		if _, err := f.Fetch(f.bg, id); err != nil && f.bg.Err() == nil {
			f.logger.Warn("remote download failed", slog.String("file_id", id), slog.Any("error", err))
		}
	}()
	return "", ErrNotReady
}

// Fetch downloads id and blocks until it is available locally.
// Concurrent calls for the same id share one download.
func (f *Fetcher) Fetch(ctx context.Context, id string) (string, error) {
	if err := f.check(id); err != nil {
		return "", err
	}
	name := f.fileName(id)
	if f.sb.Exists(name) {
		return filepath.Join(f.sb.BaseDir(), name), nil
	}

	v, err, _ := f.group.Do(id, func() (any, error) {
		return f.download(ctx, id, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) download(ctx context.Context, id, name string) (string, error) {
	src := f.baseURL + "/" + url.PathEscape(id)
	f.set(id, func(s *Status) {
		s.State = StateDownloading
		s.BytesDone = 0
		s.BytesTotal = -1
		s.Error = ""
	})

	resp, err := f.client.Get(ctx, src)
	if err != nil {
		f.fail(id, err)
		return "", fmt.Errorf("downloading %s: %w", id, err)
	}
	defer resp.Body.Close()

	f.set(id, func(s *Status) { s.BytesTotal = resp.ContentLength })
	cr := &countingReader{r: resp.Body, onRead: func(n int64) {
		f.set(id, func(s *Status) { s.BytesDone = n })
	}}

	n, err := f.sb.AtomicWriteCount(name, cr)
	if err != nil {
		f.fail(id, err)
		return "", fmt.Errorf("saving %s: %w", id, err)
	}

	path := filepath.Join(f.sb.BaseDir(), name)
	f.set(id, func(s *Status) {
		s.State = StateReady
		s.BytesDone = n
		if s.BytesTotal < 0 {
			s.BytesTotal = n
		}
		s.Path = path
	})
	f.logger.Info("remote file downloaded", slog.String("file_id", id), slog.Int64("bytes", n))
	return path, nil
}

// Status returns the download status of id. A file already on disk is
// reported ready even if this process never downloaded it.
func (f *Fetcher) Status(id string) (Status, bool) {
	f.mu.Lock()
	st, ok := f.statuses[id]
	if ok {
		out := *st
		f.mu.Unlock()
		return out, true
	}
	f.mu.Unlock()

	if f.check(id) == nil && f.sb.Exists(f.fileName(id)) {
		return Status{ID: id, State: StateReady, Path: filepath.Join(f.sb.BaseDir(), f.fileName(id))}, true
	}
	return Status{}, false
}

// Close cancels background downloads and waits for them to finish.
func (f *Fetcher) Close() {
	f.cancel()
	f.wg.Wait()
}

func (f *Fetcher) fail(id string, err error) {
	f.set(id, func(s *Status) {
		s.State = StateFailed
		s.Error = err.Error()
	})
}

func (f *Fetcher) set(id string, fn func(*Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(id, fn)
}

func (f *Fetcher) setLocked(id string, fn func(*Status)) {
	st, ok := f.statuses[id]
	if !ok {
		st = &Status{ID: id, BytesTotal: -1}
		f.statuses[id] = st
	}
	fn(st)
	st.UpdatedAt = time.Now().UTC()
}

type countingReader struct {
	r      io.Reader
	n      atomic.Int64
	onRead func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.onRead(c.n.Add(int64(n)))
	}
	return n, err
}
