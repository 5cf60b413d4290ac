package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/rtmpush/internal/models"
)

// scheduleReconnect moves the session to RECONNECTING and starts the retry
// loop unless one is already running. Caller holds s.mu.
func (m *Manager) scheduleReconnect(s *session, reason string) {
	if s.reconnecting || s.stopped {
		return
	}
	if m.cfg.MaxReconnectAttempts <= 0 {
		return
	}
	s.reconnecting = true
	m.commit(s, models.SessionStatusReconnecting, reason, nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectLoop(s)
	}()
}

// reconnectLoop retries the full start sequence with a fixed delay. Before
// every attempt it checks that the durable record still exists; a deleted
// record means the session was stopped and the loop ends silently.
func (m *Manager) reconnectLoop(s *session) {
	maxAttempts := m.cfg.MaxReconnectAttempts
	timer := time.NewTimer(m.cfg.ReconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.stopped || s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		exists, err := m.store.Exists(s.ctx, s.id)
		if err == nil && !exists {
			s.reconnecting = false
			s.stopped = true
			m.forget(s)
			s.mu.Unlock()
			s.log.Info("session record removed, abandoning reconnect")
			return
		}

		s.attempts++
		attempt := s.attempts
		s.log.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("input", s.input),
		)

		err = m.startLocked(s.ctx, s)
		if err == nil {
			s.reconnecting = false
			s.mu.Unlock()
			s.log.Info("reconnected", slog.Int("attempt", attempt))
			return
		}
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}

		s.log.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt >= maxAttempts {
			s.reconnecting = false
			m.commit(s, models.SessionStatusError,
				fmt.Sprintf("giving up after %d reconnect attempts: %v", attempt, err), nil)
			s.mu.Unlock()
			return
		}
		m.commit(s, models.SessionStatusReconnecting, err.Error(), nil)
		s.mu.Unlock()

		timer.Reset(m.cfg.ReconnectDelay)
	}
}
