// Package janitor runs scheduled housekeeping over the cache directory:
// it prunes old encoder logs and removes playlists and standby uploads
// that no longer belong to a session.
package janitor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/standby"
	"github.com/jmylchreest/rtmpush/internal/storage"
)

// SessionLister lists durable session records.
type SessionLister interface {
	List(ctx context.Context) ([]*models.Session, error)
}

// Config holds janitor settings.
type Config struct {
	// Schedule is a cron expression with a leading seconds field.
	Schedule string
	// LogRetention is how long encoder logs are kept after their last write.
	LogRetention time.Duration
	// Grace protects files written very recently, so a session created
	// while a sweep runs does not lose its playlist.
	Grace time.Duration
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:     "0 */30 * * * *",
		LogRetention: 7 * 24 * time.Hour,
		Grace:        time.Minute,
	}
}

// Report summarises one sweep.
type Report struct {
	LogsRemoved      int
	PlaylistsRemoved int
	UploadsRemoved   int
}

// Janitor is the scheduled maintenance job.
type Janitor struct {
	mu sync.Mutex

	sessions  SessionLister
	logs      *storage.Sandbox
	playlists *storage.Sandbox
	standby   *standby.Library
	logger    *slog.Logger
	cfg       Config
	parser    cron.Parser
	now       func() time.Time

	cron *cron.Cron
}

// New creates a janitor. standby may be nil.
func New(sessions SessionLister, logs, playlists *storage.Sandbox, lib *standby.Library) *Janitor {
	return &Janitor{
		sessions:  sessions,
		logs:      logs,
		playlists: playlists,
		standby:   lib,
		logger:    slog.Default(),
		cfg:       DefaultConfig(),
		parser:    cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:       time.Now,
	}
}

// WithLogger sets a custom logger.
func (j *Janitor) WithLogger(logger *slog.Logger) *Janitor {
	j.logger = logger
	return j
}

// WithConfig applies configuration; zero fields keep their defaults.
func (j *Janitor) WithConfig(cfg Config) *Janitor {
	if cfg.Schedule != "" {
		j.cfg.Schedule = cfg.Schedule
	}
	if cfg.LogRetention > 0 {
		j.cfg.LogRetention = cfg.LogRetention
	}
	if cfg.Grace > 0 {
		j.cfg.Grace = cfg.Grace
	}
	return j
}

// ValidateSchedule reports whether expr is a valid schedule.
func (j *Janitor) ValidateSchedule(expr string) error {
	if _, err := j.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start schedules sweeps until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}
	c := cron.New(
		cron.WithParser(j.parser),
		cron.WithLogger(cronLogger{j.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{j.logger})),
	)
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("janitor sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.cron = c

	j.logger.Info("janitor started",
		slog.String("schedule", j.cfg.Schedule),
		slog.Duration("log_retention", j.cfg.LogRetention))
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunOnce performs one sweep.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var r Report

	recs, err := j.sessions.List(ctx)
	if err != nil {
		return r, fmt.Errorf("listing sessions: %w", err)
	}
	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		known[rec.ID.String()] = true
	}

	now := j.now()
	settled := func(info fs.FileInfo) bool {
		return now.Sub(info.ModTime()) >= j.cfg.Grace
	}

	r.LogsRemoved = j.sweep(j.logs, ".log", func(_ string, info fs.FileInfo) bool {
		return now.Sub(info.ModTime()) >= j.cfg.LogRetention
	})
	r.PlaylistsRemoved = j.sweep(j.playlists, ".txt", func(id string, info fs.FileInfo) bool {
		return !known[id] && settled(info)
	})

	if j.standby != nil {
		uploads, err := j.standby.SessionFiles()
		if err != nil {
			return r, fmt.Errorf("listing standby uploads: %w", err)
		}
		for id, files := range uploads {
			if known[id] {
				continue
			}
			for _, info := range files {
				if !settled(info) {
					continue
				}
				if err := j.standby.Remove(info.Name()); err != nil {
					j.logger.Warn("failed to remove standby upload", slog.String("file", info.Name()), slog.Any("error", err))
					continue
				}
				r.UploadsRemoved++
			}
		}
	}

	if r != (Report{}) {
		j.logger.Info("janitor sweep complete",
			slog.Int("logs_removed", r.LogsRemoved),
			slog.Int("playlists_removed", r.PlaylistsRemoved),
			slog.Int("uploads_removed", r.UploadsRemoved))
	}
	return r, nil
}

// sweep removes files in sb with the given extension for which drop
// returns true. drop receives the file name without extension.
func (j *Janitor) sweep(sb *storage.Sandbox, ext string, drop func(id string, info fs.FileInfo) bool) int {
	if sb == nil {
		return 0
	}
	infos, err := sb.List("")
	if err != nil {
		j.logger.Warn("failed to list directory", slog.String("dir", sb.BaseDir()), slog.Any("error", err))
		return 0
	}
	n := 0
	for _, info := range infos {
		if info.IsDir() || filepath.Ext(info.Name()) != ext {
			continue
		}
		if !drop(strings.TrimSuffix(info.Name(), ext), info) {
			continue
		}
		if err := sb.Remove(info.Name()); err != nil {
			j.logger.Warn("failed to remove file", slog.String("file", info.Name()), slog.Any("error", err))
			continue
		}
		n++
	}
	return n
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
