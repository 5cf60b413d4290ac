package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/rtmpush/internal/catalog"
	"github.com/jmylchreest/rtmpush/internal/config"
	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/observability"
	"github.com/jmylchreest/rtmpush/internal/playlist"
	"github.com/jmylchreest/rtmpush/internal/standby"
	"github.com/jmylchreest/rtmpush/internal/storage"
	"github.com/jmylchreest/rtmpush/internal/store"
)

type fakeProc struct {
	pid     int
	started time.Time
	events  chan ffmpeg.Event

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, started: time.Now(), events: make(chan ffmpeg.Event, 1024)}
}

func (p *fakeProc) Events() <-chan ffmpeg.Event { return p.events }
func (p *fakeProc) Pid() int                    { return p.pid }
func (p *fakeProc) StartedAt() time.Time        { return p.started }
func (p *fakeProc) StderrLines() []string       { return []string{"frame=1 time=00:00:01.00"} }

func (p *fakeProc) Stats(context.Context) (*ffmpeg.ProcessStats, error) {
	return &ffmpeg.ProcessStats{PID: p.pid}, nil
}

func (p *fakeProc) Stop(time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.finish(ffmpeg.Event{Kind: ffmpeg.EventExited, Stopped: true})
	return nil
}

func (p *fakeProc) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *fakeProc) finish(ev ffmpeg.Event) {
	p.once.Do(func() {
		p.events <- ev
		close(p.events)
	})
}

func (p *fakeProc) crash(err error) {
	p.finish(ffmpeg.Event{Kind: ffmpeg.EventExited, Err: err})
}

// endOfInput exits with status 0, as ffmpeg does when the concat list runs out.
func (p *fakeProc) endOfInput() {
	p.finish(ffmpeg.Event{Kind: ffmpeg.EventExited})
}

func (p *fakeProc) progress(clock time.Duration) {
	p.events <- ffmpeg.Event{Kind: ffmpeg.EventProgress, Progress: ffmpeg.Progress{Time: clock}}
}

func (p *fakeProc) inputError(line string) {
	p.events <- ffmpeg.Event{Kind: ffmpeg.EventInputError, Line: line}
}

type fakeLauncher struct {
	mu        sync.Mutex
	calls     int
	procs     []*fakeProc
	playlists [][]string
	silent    bool
	fail      func(call int) error
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	var entries []string
	if f, err := os.Open(spec.PlaylistPath); err == nil {
		entries, _ = playlist.Parse(f)
		f.Close()
	}
	l.playlists = append(l.playlists, entries)

	if l.fail != nil {
		if err := l.fail(l.calls); err != nil {
			return nil, err
		}
	}
	p := newFakeProc(1000 + l.calls)
	if !l.silent {
		p.events <- ffmpeg.Event{Kind: ffmpeg.EventStarted}
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) playlistAt(i int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playlists[i]
}

func (l *fakeLauncher) setFail(fn func(int) error) {
	l.mu.Lock()
	l.fail = fn
	l.mu.Unlock()
}

type fakeClipMaker struct{}

func (fakeClipMaker) StillClip(_ context.Context, _, outPath string, _ time.Duration) error {
	return os.WriteFile(outPath, []byte("clip"), 0o600)
}

type fakeCatalog struct {
	mu    sync.Mutex
	files map[string]string
}

func (c *fakeCatalog) add(id, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.files == nil {
		c.files = make(map[string]string)
	}
	c.files[id] = path
}

func (c *fakeCatalog) Lookup(id string) (catalog.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.files[id]
	if !ok {
		return catalog.Entry{}, fmt.Errorf("%w: %s", catalog.ErrFileNotFound, id)
	}
	return catalog.Entry{ID: id, Path: p, DisplayName: filepath.Base(p)}, nil
}

type fakeDurations struct {
	mu sync.Mutex
	d  map[string]time.Duration
}

func (f *fakeDurations) set(path string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.d == nil {
		f.d = make(map[string]time.Duration)
	}
	f.d[path] = d
}

func (f *fakeDurations) Duration(_ context.Context, path string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.d[path]; ok {
		return d, nil
	}
	return 0, errors.New("unknown duration")
}

type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func (r *transitionLog) record(_ string, from, to models.SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, string(from)+">"+string(to))
}

func (r *transitionLog) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type harness struct {
	m           *Manager
	store       *store.FileStore
	launcher    *fakeLauncher
	local       *fakeCatalog
	durations   *fakeDurations
	transitions *transitionLog
	playlists   *storage.Sandbox
	standby     *standby.Library
	media       string
}

func newHarness(t *testing.T, tune func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	log := observability.NewLoggerWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)

	sb := func(name string) *storage.Sandbox {
		s, err := storage.NewSandbox(filepath.Join(root, name))
		require.NoError(t, err)
		return s
	}
	st, err := store.NewFileStore(filepath.Join(root, "sessions"), log)
	require.NoError(t, err)
	lib, err := standby.NewLibrary(filepath.Join(root, "standby"), 0)
	require.NoError(t, err)
	media := filepath.Join(root, "media")
	require.NoError(t, os.MkdirAll(media, 0o750))

	h := &harness{
		store:       st,
		launcher:    &fakeLauncher{},
		local:       &fakeCatalog{},
		durations:   &fakeDurations{},
		transitions: &transitionLog{},
		playlists:   sb("playlists"),
		standby:     lib,
		media:       media,
	}

	cfg := DefaultConfig()
	cfg.StartTimeout = 2 * time.Second
	cfg.StopTimeout = 100 * time.Millisecond
	cfg.ReconnectDelay = 5 * time.Millisecond

	opts := Options{
		Config:       cfg,
		Store:        st,
		Launcher:     h.launcher,
		Playlists:    h.playlists,
		Logs:         sb("logs"),
		Loops:        playlist.NewLoopCache(sb("loops"), fakeClipMaker{}, 5*time.Second),
		Standby:      lib,
		Local:        h.local,
		Durations:    h.durations,
		Logger:       log,
		OnTransition: h.transitions.record,
	}
	if tune != nil {
		tune(&opts)
	}
	h.m, err = NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) touch(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(h.media, name)
	require.NoError(t, os.WriteFile(p, []byte("media"), 0o600))
	return p
}

func (h *harness) record(t *testing.T, id string) *models.Session {
	t.Helper()
	uid, err := models.ParseULID(id)
	require.NoError(t, err)
	rec, err := h.store.Get(context.Background(), uid)
	require.NoError(t, err)
	return rec
}

func (h *harness) status(id string) models.SessionStatus {
	uid, err := models.ParseULID(id)
	if err != nil {
		return ""
	}
	rec, err := h.store.Get(context.Background(), uid)
	if err != nil {
		return ""
	}
	return rec.Status
}

func (h *harness) playlistEntries(t *testing.T, id string) []string {
	t.Helper()
	f, err := os.Open(filepath.Join(h.playlists.BaseDir(), id+".txt"))
	require.NoError(t, err)
	defer f.Close()
	entries, err := playlist.Parse(f)
	require.NoError(t, err)
	return entries
}

func oneDestination() CreateSessionRequest {
	return CreateSessionRequest{
		Name:         "test",
		Destinations: []models.Destination{{URL: "rtmp://live.example.com/app", StreamKey: "key"}},
	}
}
