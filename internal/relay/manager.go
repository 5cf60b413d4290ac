// Package relay implements the session manager: it owns the lifetime of
// every live push, switches content without restarting the encoder, and
// recovers from encoder failures.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

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

// ReconcileMessage is the error message left on records that were live
// when the relay last stopped.
const ReconcileMessage = "relay restarted"

// FileLookup resolves local media ids.
type FileLookup interface {
	Lookup(id string) (catalog.Entry, error)
}

// RemoteLookup resolves remote media ids to downloaded files.
type RemoteLookup interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// DurationProber reports the playback length of a media file.
type DurationProber interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Options wires a Manager.
type Options struct {
	Config    config.RelayConfig
	Store     store.Store
	Launcher  Launcher
	Playlists *storage.Sandbox
	Logs      *storage.Sandbox
	Loops     *playlist.LoopCache
	Standby   *standby.Library
	Local     FileLookup
	Remote    RemoteLookup
	Durations DurationProber
	Logger    *slog.Logger

	// OnTransition is called with the session lock held on every state change.
	OnTransition func(sessionID string, from, to models.SessionStatus)
}

// DefaultConfig returns the stock supervision settings.
func DefaultConfig() config.RelayConfig {
	return config.RelayConfig{
		StartTimeout:         3 * time.Second,
		StopTimeout:          5 * time.Second,
		ReconnectDelay:       10 * time.Second,
		MaxReconnectAttempts: 10,
		LoopClipDuration:     5 * time.Second,
		TopUpThreshold:       5,
		TopUpCount:           10,
	}
}

// Manager is the public control surface for relay sessions.
type Manager struct {
	cfg          config.RelayConfig
	store        store.Store
	launcher     Launcher
	playlists    *storage.Sandbox
	logs         *storage.Sandbox
	loops        *playlist.LoopCache
	standby      *standby.Library
	local        FileLookup
	remote       RemoteLookup
	durations    DurationProber
	logger       *slog.Logger
	onTransition func(string, models.SessionStatus, models.SessionStatus)

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("relay: store is required")
	case opts.Launcher == nil:
		return nil, errors.New("relay: launcher is required")
	case opts.Playlists == nil || opts.Logs == nil:
		return nil, errors.New("relay: playlist and log directories are required")
	case opts.Loops == nil || opts.Standby == nil:
		return nil, errors.New("relay: loop cache and standby library are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.TopUpThreshold <= 0 {
		cfg.TopUpThreshold = def.TopUpThreshold
	}
	if cfg.TopUpCount <= 0 {
		cfg.TopUpCount = def.TopUpCount
	}

	return &Manager{
		cfg:          cfg,
		store:        opts.Store,
		launcher:     opts.Launcher,
		playlists:    opts.Playlists,
		logs:         opts.Logs,
		loops:        opts.Loops,
		standby:      opts.Standby,
		local:        opts.Local,
		remote:       opts.Remote,
		durations:    opts.Durations,
		logger:       observability.WithComponent(opts.Logger, "relay"),
		onTransition: opts.OnTransition,
		sessions:     make(map[string]*session),
	}, nil
}

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	Name          string
	Destinations  []models.Destination
	StandbyInput  string
	VideoSettings models.VideoSettings
	AudioSettings models.AudioSettings
}

// SwitchResult is returned by content switches.
type SwitchResult struct {
	Success   bool                 `json:"success"`
	SessionID string               `json:"session_id"`
	NewInput  string               `json:"new_input"`
	Status    models.SessionStatus `json:"status"`
}

// UploadResult is returned by UploadStandbyImage.
type UploadResult struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// ActiveSession is the liveness view of one running encoder.
type ActiveSession struct {
	ID           string               `json:"id"`
	StartTime    time.Time            `json:"start_time"`
	CurrentInput string               `json:"current_input"`
	Destinations []models.Destination `json:"destinations"`
}

// SessionStatus merges a durable record with its live state.
type SessionStatus struct {
	models.Session
	IsActive          bool                 `json:"is_active"`
	ReconnectAttempts int                  `json:"reconnect_attempts"`
	UptimeSeconds     float64              `json:"uptime_seconds"`
	CurrentInputType  models.InputType     `json:"current_input_type"`
	PlaylistEntries   int                  `json:"playlist_entries"`
	EncoderClock      float64              `json:"encoder_clock_seconds"`
	Process           *ffmpeg.ProcessStats `json:"process,omitempty"`
	RecentLogs        []string             `json:"recent_logs,omitempty"`
}

const recentLogLines = 20

func (m *Manager) newSession(id models.ULID) *session {
	ctx, cancel := context.WithCancel(context.Background())
	key := id.String()
	return &session{
		id:       id,
		key:      key,
		log:      observability.WithSession(m.logger, key),
		ctx:      ctx,
		cancel:   cancel,
		playlist: playlist.New(m.playlists, key),
	}
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// forget drops the in-memory session and cancels its background work.
func (m *Manager) forget(s *session) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()
	s.cancel()
}

// CreateSession validates req, persists a CONNECTING record and starts the
// encoder on standby. It returns once the encoder has confirmed its start;
// on failure the record is left in ERROR and no process remains.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	rec := &models.Session{
		ID:            models.NewULID(),
		Name:          req.Name,
		Destinations:  req.Destinations,
		StandbyInput:  req.StandbyInput,
		VideoSettings: req.VideoSettings,
		AudioSettings: req.AudioSettings,
		Status:        models.SessionStatusConnecting,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	standbyPath := req.StandbyInput
	if standbyPath == "" {
		p, err := m.standby.EnsureDefault()
		if err != nil {
			return nil, fmt.Errorf("preparing default standby: %w", err)
		}
		standbyPath = p
	} else if info, err := os.Stat(standbyPath); err != nil || info.IsDir() {
		return nil, &playlist.NotFoundError{Path: standbyPath}
	}

	s := m.newSession(rec.ID)
	s.state = models.SessionStatusConnecting
	s.input, s.onStandby = standbyPath, true

	s.mu.Lock()
	defer s.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.cancel()
		return nil, ErrManagerClosed
	}
	m.sessions[s.key] = s
	m.mu.Unlock()

	if err := m.store.Put(ctx, rec); err != nil {
		m.forget(s)
		return nil, fmt.Errorf("saving session: %w", err)
	}
	s.log.Info("session created", slog.String("name", rec.Name), slog.Int("destinations", len(rec.EnabledDestinations())))

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := m.startLocked(startCtx, s); err != nil {
		m.commit(s, models.SessionStatusError, err.Error(), nil)
		s.stopped = true
		_ = s.playlist.Cleanup()
		m.forget(s)
		s.log.Warn("session failed to start", slog.Any("error", err))
		return nil, fmt.Errorf("starting session: %w", err)
	}

	out, err := m.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading session: %w", err)
	}
	return out, nil
}

// StopSession stops the encoder, removes the durable record and the
// playlist, and abandons any pending reconnect. It is idempotent and
// reports true once cleanup has been attempted.
func (m *Manager) StopSession(ctx context.Context, id string) bool {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	log := observability.WithSession(m.logger, id)
	uid, parseErr := models.ParseULID(id)

	if s != nil {
		s.cancel()
		s.mu.Lock()
		s.stopped = true
		s.reconnecting = false
		s.attempts = 0
		if h := s.h; h != nil {
			s.h = nil
			if err := h.proc.Stop(m.cfg.StopTimeout); err != nil {
				log.Warn("failed to stop encoder", slog.Any("error", err))
			}
		}
		if err := s.playlist.Cleanup(); err != nil {
			log.Warn("failed to remove playlist", slog.Any("error", err))
		}
		from := s.state
		s.state = models.SessionStatusDisconnected
		if m.onTransition != nil && from != s.state {
			m.onTransition(id, from, s.state)
		}
		s.mu.Unlock()
	}

	if parseErr != nil {
		return true
	}
	if s == nil {
		if err := playlist.New(m.playlists, id).Cleanup(); err != nil {
			log.Warn("failed to remove playlist", slog.Any("error", err))
		}
	}
	if err := m.store.Delete(ctx, uid); err != nil {
		log.Warn("failed to delete session record", slog.Any("error", err))
	}
	log.Info("session stopped")
	return true
}

// GetSessionStatus returns the durable record merged with live state.
func (m *Manager) GetSessionStatus(ctx context.Context, id string) (*SessionStatus, error) {
	uid, err := models.ParseULID(id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	rec, err := m.store.Get(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	st := &SessionStatus{
		Session:          *rec,
		CurrentInputType: models.InputTypeOf(rec.CurrentInput),
	}

	var proc Proc
	if s := m.lookup(id); s != nil {
		s.mu.Lock()
		st.ReconnectAttempts = s.attempts
		if h := s.h; h != nil {
			proc = h.proc
			st.IsActive = true
			st.UptimeSeconds = time.Since(h.startTime).Seconds()
			st.PlaylistEntries = s.playlist.Len()
			st.EncoderClock = h.clock.Seconds()
		}
		s.mu.Unlock()
	}

	if proc != nil {
		if stats, err := proc.Stats(ctx); err == nil {
			st.Process = stats
		}
		lines := proc.StderrLines()
		if len(lines) > recentLogLines {
			lines = lines[len(lines)-recentLogLines:]
		}
		st.RecentLogs = lines
	}
	return st, nil
}

// GetActiveSessions lists sessions with a running encoder.
func (m *Manager) GetActiveSessions() []ActiveSession {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]ActiveSession, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		if h := s.h; h != nil {
			out = append(out, ActiveSession{
				ID:           s.key,
				StartTime:    h.startTime,
				CurrentInput: s.input,
				Destinations: slices.Clone(h.destinations),
			})
		}
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b ActiveSession) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}

// ActiveCount returns how many sessions have a running encoder.
func (m *Manager) ActiveCount() int {
	return len(m.GetActiveSessions())
}

// liveSession returns the in-memory session for id, distinguishing an
// unknown id from a known session without a running encoder.
func (m *Manager) liveSession(ctx context.Context, id string) (*session, error) {
	if s := m.lookup(id); s != nil {
		return s, nil
	}
	uid, err := models.ParseULID(id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	ok, err := m.store.Exists(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return nil, ErrSessionNotLive
}

// SwitchToFile resolves fileRef through the local catalog, or the remote
// share when isRemote is set, and plays it on the running encoder.
func (m *Manager) SwitchToFile(ctx context.Context, id, fileRef string, isRemote bool) (*SwitchResult, error) {
	s, err := m.liveSession(ctx, id)
	if err != nil {
		return nil, err
	}

	var path string
	if isRemote {
		if m.remote == nil {
			return nil, errors.New("remote files are not available")
		}
		path, err = m.remote.Resolve(ctx, fileRef)
	} else {
		if m.local == nil {
			return nil, errors.New("local files are not available")
		}
		var entry catalog.Entry
		entry, err = m.local.Lookup(fileRef)
		path = entry.Path
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if errors.Is(err, catalog.ErrFileNotFound) && !s.stopped && s.h != nil {
			m.commit(s, models.SessionStatusError, "switch to file failed: "+err.Error(), nil)
		}
		return nil, err
	}
	res, err := m.switchLocked(ctx, s, path, false)
	if err != nil {
		return nil, err
	}
	s.log.Info("switched to file", slog.String("file_id", fileRef), slog.String("path", path))
	return res, nil
}

// SwitchToStandby plays the session's standby input on the running encoder.
func (m *Manager) SwitchToStandby(ctx context.Context, id string) (*SwitchResult, error) {
	s, err := m.liveSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := m.standbyPath(ctx, s)
	if err != nil {
		return nil, err
	}
	res, err := m.switchLocked(ctx, s, path, true)
	if err != nil {
		return nil, err
	}
	s.log.Info("switched to standby", slog.String("path", path))
	return res, nil
}

// UploadStandbyImage stores an image as the session's standby input. It
// does not switch to it.
func (m *Manager) UploadStandbyImage(ctx context.Context, id string, data []byte, filename string) (*UploadResult, error) {
	uid, err := models.ParseULID(id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if s := m.lookup(id); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	ok, err := m.store.Exists(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	path, name, err := m.standby.Save(id, filename, data)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Update(ctx, uid, func(r *models.Session) error {
		r.StandbyInput = path
		return nil
	}); err != nil {
		_ = m.standby.Remove(name)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	m.logger.Info("standby image uploaded", slog.String("session_id", id), slog.String("file", name))
	return &UploadResult{Success: true, Path: path, Filename: name}, nil
}

// Reconcile marks records left live by a previous run as DISCONNECTED and
// removes their playlists. Nothing is restarted. It returns how many
// records were changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	n := 0
	now := time.Now().UTC()
	for _, r := range recs {
		if r.Status == models.SessionStatusDisconnected || m.lookup(r.ID.String()) != nil {
			continue
		}
		_, err := m.store.Update(ctx, r.ID, func(x *models.Session) error {
			x.Status = models.SessionStatusDisconnected
			x.ErrorMessage = ReconcileMessage
			x.EndedAt = &now
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("reconciling session %s: %w", r.ID, err)
		}
		if err := playlist.New(m.playlists, r.ID.String()).Cleanup(); err != nil {
			m.logger.Warn("failed to remove stale playlist", slog.String("session_id", r.ID.String()), slog.Any("error", err))
		}
		n++
	}
	if n > 0 {
		m.logger.Info("reconciled sessions from previous run", slog.Int("count", n))
	}
	return n, nil
}

// Close stops every encoder, marks live records DISCONNECTED and waits for
// supervision goroutines to finish. Records are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range list {
		s.cancel()
		s.mu.Lock()
		s.stopped = true
		if h := s.h; h != nil {
			s.h = nil
			if err := h.proc.Stop(m.cfg.StopTimeout); err != nil {
				s.log.Warn("failed to stop encoder", slog.Any("error", err))
			}
		}
		now := time.Now().UTC()
		m.commit(s, models.SessionStatusDisconnected, "relay shut down", func(r *models.Session) {
			r.EndedAt = &now
		})
		_ = s.playlist.Cleanup()
		s.mu.Unlock()
	}
	m.wg.Wait()
}
