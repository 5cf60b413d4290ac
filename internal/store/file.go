package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/rtmpush/internal/models"
	"github.com/jmylchreest/rtmpush/internal/observability"
	"github.com/jmylchreest/rtmpush/internal/storage"
)

const recordExt = ".json"

// FileStore keeps one JSON file per session, written atomically.
type FileStore struct {
	sb     *storage.Sandbox
	logger *slog.Logger

	locks sync.Map // id string -> *sync.Mutex
}

// NewFileStore stores records under dir, creating it if needed.
func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	sb, err := storage.NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	return &FileStore{
		sb:     sb,
		logger: observability.WithComponent(log, "session_store"),
	}, nil
}

// Dir returns the directory records are kept in.
func (s *FileStore) Dir() string {
	return s.sb.BaseDir()
}

func (s *FileStore) lock(id models.ULID) func() {
	v, _ := s.locks.LoadOrStore(id.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func recordName(id models.ULID) string {
	return id.String() + recordExt
}

// Get retrieves a record. A record that cannot be decoded is deleted and
// reported as missing; other sessions are unaffected.
func (s *FileStore) Get(_ context.Context, id models.ULID) (*models.Session, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.read(id)
}

func (s *FileStore) read(id models.ULID) (*models.Session, error) {
	data, err := s.sb.ReadFile(recordName(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil || sess.ID != id {
		s.logger.Warn("discarding corrupt session record",
			slog.String("session_id", id.String()),
			slog.Any("error", err),
		)
		if rmErr := s.sb.Remove(recordName(id)); rmErr != nil {
			return nil, fmt.Errorf("removing corrupt session %s: %w", id, rmErr)
		}
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *FileStore) write(sess *models.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := s.sb.AtomicWrite(recordName(sess.ID), data); err != nil {
		return fmt.Errorf("writing session %s: %w", sess.ID, err)
	}
	return nil
}

// Put creates or replaces a record.
func (s *FileStore) Put(_ context.Context, sess *models.Session) error {
	if sess.ID.IsZero() {
		return fmt.Errorf("session id is required")
	}
	unlock := s.lock(sess.ID)
	defer unlock()
	return s.write(sess)
}

// Update applies fn under the record's lock.
func (s *FileStore) Update(_ context.Context, id models.ULID, fn func(*models.Session) error) (*models.Session, error) {
	unlock := s.lock(id)
	defer unlock()

	sess, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.ID = id
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a record.
func (s *FileStore) Delete(_ context.Context, id models.ULID) error {
	unlock := s.lock(id)
	defer unlock()
	err := s.sb.Remove(recordName(id))
	// Dropped while still held, so the entry goes away with the record.
	s.locks.Delete(id.String())
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a record file is present.
func (s *FileStore) Exists(_ context.Context, id models.ULID) (bool, error) {
	return s.sb.Exists(recordName(id)), nil
}

// List returns all readable records ordered by creation time. Files whose
// name is not a session id are ignored.
func (s *FileStore) List(ctx context.Context) ([]*models.Session, error) {
	infos, err := s.sb.List("")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(infos))
	for _, info := range infos {
		name, ok := strings.CutSuffix(info.Name(), recordExt)
		if !ok {
			continue
		}
		id, err := models.ParseULID(name)
		if err != nil {
			continue
		}
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	slices.SortFunc(sessions, func(a, b *models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return sessions, nil
}

// Ping checks the record directory is still present.
func (s *FileStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.sb.BaseDir())
	if err != nil {
		return fmt.Errorf("session store unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("session store path %s is not a directory", s.sb.BaseDir())
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
