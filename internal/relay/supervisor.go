package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/rtmpush/internal/ffmpeg"
	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/playlist"
	"github.com/jmylchreest/rtmpush/internal/store"
)

// startLocked builds the playlist for s.input, launches the encoder and
// waits for it to confirm its start. On success the session is CONNECTED
// or STREAMING; on failure no process is left running. Caller holds s.mu.
func (m *Manager) startLocked(ctx context.Context, s *session) error {
	rec, err := m.store.Get(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("loading session: %w", err)
	}

	var entry string
	var entryDur time.Duration
	if s.onStandby {
		entry, entryDur, err = m.standbyEntry(ctx, s.input)
		if err == nil {
			err = s.playlist.CreateLoop(entry)
		}
	} else {
		err = s.playlist.ReplaceWithSingle(s.input)
	}
	if err != nil {
		return fmt.Errorf("preparing playlist: %w", err)
	}

	proc, err := m.launcher.Launch(ctx, LaunchSpec{
		SessionID:    s.key,
		PlaylistPath: s.playlist.Path(),
		LogPath:      filepath.Join(m.logs.BaseDir(), s.key+".log"),
		Destinations: rec.EnabledDestinations(),
		Global:       rec.GlobalSettings(),
	})
	if err != nil {
		return err
	}

	s.gen++
	h := &handle{
		proc:         proc,
		gen:          s.gen,
		startTime:    proc.StartedAt(),
		destinations: rec.EnabledDestinations(),
		loopEntry:    entry,
		entryDur:     entryDur,
		entries:      s.playlist.Len(),
		failedAt:     -1,
	}
	if !s.onStandby {
		if d := m.fileDuration(ctx, s.input); d > 0 {
			h.fileEnd = d
		}
	}
	s.h = h
	if entry != "" {
		m.topUp(s)
	}

	started := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.supervise(s, h.gen, proc, started)
	}()

	timer := time.NewTimer(m.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			s.h = nil
			return err
		}
	case <-timer.C:
		s.h = nil
		_ = proc.Stop(m.cfg.StopTimeout)
		return fmt.Errorf("%w after %s", ErrStartTimeout, m.cfg.StartTimeout)
	case <-ctx.Done():
		s.h = nil
		_ = proc.Stop(m.cfg.StopTimeout)
		return ctx.Err()
	}

	s.attempts = 0
	to := models.SessionStatusStreaming
	if s.onStandby {
		to = models.SessionStatusConnected
	}
	now := time.Now().UTC()
	input := s.input
	m.commit(s, to, "", func(r *models.Session) {
		r.CurrentInput = input
		r.StartedAt = &now
		r.EndedAt = nil
	})
	s.log.Info("encoder started",
		slog.Int("pid", proc.Pid()),
		slog.Int("destinations", len(h.destinations)),
		slog.String("input", input),
	)
	return nil
}

// supervise pumps process events into a queue without ever blocking on
// the session lock, reports the start outcome on started, and dispatches
// queued events in order.
func (m *Manager) supervise(s *session, gen uint64, proc Proc, started chan<- error) {
	q := newEventQueue()
	go func() {
		pending := true
		for ev := range proc.Events() {
			if pending {
				switch ev.Kind {
				case ffmpeg.EventStarted, ffmpeg.EventProgress:
					pending = false
					started <- nil
				case ffmpeg.EventExited:
					pending = false
					started <- startFailure(ev, proc)
				}
			}
			q.push(ev)
		}
		q.close()
	}()

	for {
		ev, ok := q.pop()
		if !ok {
			return
		}
		m.dispatch(s, gen, ev)
	}
}

func startFailure(ev ffmpeg.Event, proc Proc) error {
	reason := "exited before confirming start"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	if lines := proc.StderrLines(); len(lines) > 0 {
		reason += ": " + lines[len(lines)-1]
	}
	return errors.New("encoder failed to start: " + reason)
}

// dispatch translates one process event into state machine events. Events
// from a previous process generation are dropped.
func (m *Manager) dispatch(s *session, gen uint64, ev ffmpeg.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.h == nil || s.h.gen != gen {
		return
	}

	switch ev.Kind {
	case ffmpeg.EventStarted:
		m.transition(s, Event{Type: StartConfirmed})
	case ffmpeg.EventProgress:
		m.transition(s, Event{Type: ProgressTick, Clock: ev.Progress.Time})
		if h := s.h; h != nil && !s.onStandby && h.fileEnd > 0 && h.clock >= h.fileEnd {
			m.transition(s, Event{Type: EndOfStream, Clock: h.clock})
		}
	case ffmpeg.EventInputError:
		m.transition(s, Event{Type: ProcessError, Line: ev.Line})
	case ffmpeg.EventExited:
		if ev.Stopped {
			s.h = nil
			return
		}
		m.transition(s, Event{Type: ProcessExited, Err: ev.Err})
	}
}

// topUp appends loop entries when the standby runway is short. Caller holds s.mu.
func (m *Manager) topUp(s *session) {
	h := s.h
	rw := playlist.Runway{
		EntryDuration: h.entryDur,
		Threshold:     m.cfg.TopUpThreshold,
		Count:         m.cfg.TopUpCount,
	}
	n := rw.TopUp(h.entries, h.clock-h.listBase)
	if n == 0 {
		return
	}
	if err := s.playlist.AppendN(h.loopEntry, n); err != nil {
		s.log.Warn("failed to extend standby playlist", slog.Any("error", err))
		return
	}
	h.entries += n
	s.log.Debug("standby playlist extended", slog.Int("added", n), slog.Int("entries", h.entries))
}

// standbyEntry returns the loopable playlist entry for a standby input and
// the playback length of one entry.
func (m *Manager) standbyEntry(ctx context.Context, path string) (string, time.Duration, error) {
	entry, err := m.loops.Resolve(ctx, path)
	if err != nil {
		return "", 0, err
	}
	if models.IsImagePath(path) {
		return entry, m.loops.ClipDuration(), nil
	}
	// A shorter estimate than the real length only tops up earlier.
	if d := m.fileDuration(ctx, entry); d > 0 {
		return entry, d, nil
	}
	return entry, m.loops.ClipDuration(), nil
}

// standbyPath returns the session's standby input, or the generated default.
func (m *Manager) standbyPath(ctx context.Context, s *session) (string, error) {
	rec, err := m.store.Get(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	if strings.TrimSpace(rec.StandbyInput) != "" {
		return rec.StandbyInput, nil
	}
	return m.standby.EnsureDefault()
}

func (m *Manager) fileDuration(ctx context.Context, path string) time.Duration {
	if m.durations == nil {
		return 0
	}
	d, err := m.durations.Duration(ctx, path)
	if err != nil {
		m.logger.Debug("could not probe duration", slog.String("path", path), slog.Any("error", err))
		return 0
	}
	return d
}

// switchLocked rewrites the playlist of a running encoder. The encoder is
// never restarted; a failed rewrite leaves the previous input playing.
// Caller holds s.mu.
func (m *Manager) switchLocked(ctx context.Context, s *session, path string, standby bool) (*SwitchResult, error) {
	if s.stopped {
		return nil, ErrSessionNotFound
	}
	h := s.h
	if h == nil {
		return nil, ErrSessionNotLive
	}

	if standby {
		entry, dur, err := m.standbyEntry(ctx, path)
		if err == nil {
			err = s.playlist.CreateLoop(entry)
		}
		if err != nil {
			m.commit(s, models.SessionStatusError, "switch to standby failed: "+err.Error(), nil)
			return nil, err
		}
		h.loopEntry, h.entryDur, h.entries = entry, dur, 1
		h.listBase, h.fileEnd, h.failedAt = h.clock, 0, -1
		m.topUp(s)
	} else {
		if err := s.playlist.ReplaceWithSingle(path); err != nil {
			m.commit(s, models.SessionStatusError, "switch to file failed: "+err.Error(), nil)
			return nil, err
		}
		h.loopEntry, h.entryDur, h.entries = "", 0, 1
		h.listBase, h.fileEnd, h.failedAt = h.clock, 0, -1
		if d := m.fileDuration(ctx, path); d > 0 {
			h.fileEnd = h.clock + d
		}
	}

	s.input, s.onStandby = path, standby
	to := models.SessionStatusStreaming
	if standby {
		to = models.SessionStatusConnected
	}
	now := time.Now().UTC()
	m.commit(s, to, "", func(r *models.Session) {
		r.CurrentInput = path
		r.LastSwitchAt = &now
	})
	return &SwitchResult{Success: true, SessionID: s.key, NewInput: path, Status: to}, nil
}

// playStandbyLocked switches a running encoder to the session's standby.
func (m *Manager) playStandbyLocked(ctx context.Context, s *session) error {
	path, err := m.standbyPath(ctx, s)
	if err != nil {
		return err
	}
	_, err = m.switchLocked(ctx, s, path, true)
	return err
}

// useStandbyInput points the next start at standby and rewrites the
// playlist accordingly while no encoder runs. Caller holds s.mu.
func (m *Manager) useStandbyInput(ctx context.Context, s *session) error {
	path, err := m.standbyPath(ctx, s)
	if err != nil {
		return err
	}
	entry, _, err := m.standbyEntry(ctx, path)
	if err != nil {
		return err
	}
	if err := s.playlist.Create(repeat(entry, 1+m.cfg.TopUpCount)); err != nil {
		return err
	}
	s.input, s.onStandby = path, true
	m.commit(s, s.state, "", func(r *models.Session) { r.CurrentInput = path })
	return nil
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
