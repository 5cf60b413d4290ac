package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/store"
)

// EventType is what the supervisor reports about a running encoder.
type EventType int

const (
	// StartConfirmed: outputs opened or the first stats line arrived.
	StartConfirmed EventType = iota
	// ProgressTick: the encoder clock advanced.
	ProgressTick
	// EndOfStream: the clock passed the end of the file being played.
	EndOfStream
	// ProcessError: the encoder could not read its current input but is still running.
	ProcessError
	// ProcessExited: the encoder exited without being asked to. A nil Err
	// while a file plays is the end of that file.
	ProcessExited
)

func (t EventType) String() string {
	switch t {
	case StartConfirmed:
		return "start_confirmed"
	case ProgressTick:
		return "progress_tick"
	case EndOfStream:
		return "end_of_stream"
	case ProcessError:
		return "process_error"
	case ProcessExited:
		return "process_exited"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one supervisor observation for a session.
type Event struct {
	Type  EventType
	Clock time.Duration
	Line  string
	Err   error
}

const persistTimeout = 5 * time.Second

// transition applies ev to a session that has a live handle. Caller holds s.mu.
func (m *Manager) transition(s *session, ev Event) {
	h := s.h

	switch ev.Type {
	case StartConfirmed:
		s.log.Debug("encoder confirmed start", slog.Int("pid", h.proc.Pid()))

	case ProgressTick:
		h.clock = ev.Clock
		if h.loopEntry != "" {
			m.topUp(s)
		}
		if h.failedAt >= 0 && s.onStandby && s.state == models.SessionStatusError && h.clock >= h.failedAt+h.entryDur {
			h.failedAt = -1
			s.log.Info("standby playback recovered", slog.Duration("clock", h.clock))
			m.commit(s, models.SessionStatusConnected, "", nil)
		}

	case EndOfStream:
		if s.onStandby {
			return
		}
		s.log.Info("file finished, returning to standby", slog.String("input", s.input))
		if err := m.playStandbyLocked(s.ctx, s); err != nil {
			m.commit(s, models.SessionStatusError, "standby fallback failed: "+err.Error(), nil)
		}

	case ProcessError:
		s.log.Warn("encoder cannot read input", slog.String("line", ev.Line))
		if !s.onStandby {
			if err := m.playStandbyLocked(s.ctx, s); err == nil {
				m.commit(s, models.SessionStatusConnected, "input failed: "+ev.Line, nil)
				return
			}
		}
		if s.onStandby {
			// Cleared by ProgressTick once the clock is past the failing entry.
			h.failedAt = h.clock
		}
		m.commit(s, models.SessionStatusError, "input failed: "+ev.Line, nil)

	case ProcessExited:
		s.h = nil
		if ev.Err == nil && !s.onStandby {
			// The concat reader ran out of file: a normal end, not a crash.
			s.log.Info("file finished, restarting encoder on standby", slog.String("input", s.input))
			err := m.useStandbyInput(s.ctx, s)
			if err == nil {
				err = m.startLocked(s.ctx, s)
			}
			if err == nil || s.ctx.Err() != nil {
				return
			}
			msg := "standby restart failed: " + err.Error()
			s.log.Warn("standby restart failed", slog.Any("error", err))
			m.commit(s, models.SessionStatusError, msg, nil)
			m.scheduleReconnect(s, msg)
			return
		}
		msg := "encoder exited"
		if ev.Err != nil {
			msg = "encoder exited: " + ev.Err.Error()
		}
		s.log.Warn("encoder exited unexpectedly", slog.String("reason", msg), slog.String("input", s.input))

		if !s.onStandby {
			// The process is gone, so fall back by pointing the restart at standby.
			if err := m.useStandbyInput(s.ctx, s); err != nil {
				s.log.Warn("standby fallback failed", slog.Any("error", err))
			}
		}
		m.commit(s, models.SessionStatusError, msg, nil)
		m.scheduleReconnect(s, msg)
	}
}

// commit sets the session state and persists it with mutate applied.
// Records removed concurrently are left removed. Caller holds s.mu.
func (m *Manager) commit(s *session, to models.SessionStatus, errMsg string, mutate func(*models.Session)) {
	from := s.state
	s.state = to

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_, err := m.store.Update(ctx, s.id, func(r *models.Session) error {
		r.Status = to
		r.ErrorMessage = errMsg
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("failed to persist session state", slog.String("status", string(to)), slog.Any("error", err))
	}

	if from != to {
		s.log.Info("session state changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		if m.onTransition != nil {
			m.onTransition(s.key, from, to)
		}
	}
}
