package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/rtmpush/internal/config"
	"github.com/jmylchreest/rtmpush/internal/database"
	"github.com/jmylchreest/rtmpush/internal/models"
)

func newFileStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	return s
}

func newGormStore(t *testing.T) Store {
	t.Helper()
	db, err := database.New(config.StoreConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "store.db"),
		LogLevel: "silent",
	}, nil, &database.Options{PrepareStmt: false})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	s := NewGormStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var backends = []struct {
	name string
	open func(t *testing.T) Store
}{
	{"file", newFileStore},
	{"gorm", newGormStore},
}

func sampleSession(name string) *models.Session {
	return &models.Session{
		ID:   models.NewULID(),
		Name: name,
		Destinations: []models.Destination{
			{URL: "rtmp://live.example.com/app", StreamKey: "abc"},
		},
		Status: models.SessionStatusConnecting,
	}
}

func TestStore_CRUD(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			sess := sampleSession("one")

			_, err := s.Get(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, sess))

			ok, err := s.Exists(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)
			assert.Equal(t, "one", got.Name)
			assert.Equal(t, "rtmp://live.example.com/app/abc", got.Destinations[0].TargetURL())
			assert.False(t, got.CreatedAt.IsZero())

			got.Status = models.SessionStatusConnected
			got.CurrentInput = "/media/standby.png"
			require.NoError(t, s.Put(ctx, got))

			again, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionStatusConnected, again.Status)
			assert.Equal(t, "/media/standby.png", again.CurrentInput)

			require.NoError(t, s.Delete(ctx, sess.ID))
			require.NoError(t, s.Delete(ctx, sess.ID), "deleting twice is fine")

			ok, err = s.Exists(ctx, sess.ID)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStore_UpdateMissingDoesNotRecreate(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			id := models.NewULID()

			called := false
			_, err := s.Update(ctx, id, func(*models.Session) error {
				called = true
				return nil
			})
			assert.ErrorIs(t, err, ErrNotFound)
			assert.False(t, called)

			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_UpdateAbortsOnError(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			sess := sampleSession("keep")
			require.NoError(t, s.Put(ctx, sess))

			boom := errors.New("boom")
			_, err := s.Update(ctx, sess.ID, func(rec *models.Session) error {
				rec.Name = "changed"
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "keep", got.Name)
		})
	}
}

// Concurrent updates to different sessions must not lose each other's
// writes, and concurrent updates to one session must serialise.
func TestStore_ConcurrentUpdates(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			var ids []models.ULID
			for range 4 {
				sess := sampleSession("s")
				require.NoError(t, s.Put(ctx, sess))
				ids = append(ids, sess.ID)
			}

			const perSession = 10
			var wg sync.WaitGroup
			for _, id := range ids {
				for range perSession {
					wg.Add(1)
					go func(id models.ULID) {
						defer wg.Done()
						_, err := s.Update(ctx, id, func(rec *models.Session) error {
							rec.Name += "+"
							return nil
						})
						assert.NoError(t, err)
					}(id)
				}
			}
			wg.Wait()

			for _, id := range ids {
				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Len(t, got.Name, 1+perSession)
			}
		})
	}
}

func TestStore_ListOrdered(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()

			base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
			for i, name := range []string{"third", "first", "second"} {
				sess := sampleSession(name)
				sess.CreatedAt = base.Add(time.Duration([]int{3, 1, 2}[i]) * time.Minute)
				require.NoError(t, s.Put(ctx, sess))
			}

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "first", list[0].Name)
			assert.Equal(t, "second", list[1].Name)
			assert.Equal(t, "third", list[2].Name)
		})
	}
}

func TestFileStore_SelfHealsCorruptRecord(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	good := sampleSession("good")
	require.NoError(t, fs.Put(ctx, good))

	bad := models.NewULID()
	badPath := filepath.Join(fs.Dir(), bad.String()+".json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o600))

	_, err = fs.Get(ctx, bad)
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(badPath)
	assert.True(t, os.IsNotExist(statErr), "corrupt record is removed")

	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "README.txt"), []byte("x"), 0o600))

	list, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, good.ID, list[0].ID)

	// The id is usable again after healing.
	reused := sampleSession("reused")
	reused.ID = bad
	require.NoError(t, fs.Put(ctx, reused))
	got, err := fs.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, "reused", got.Name)
}

func TestFileStore_DeleteReleasesLock(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	lockCount := func() int {
		n := 0
		fs.locks.Range(func(_, _ any) bool { n++; return true })
		return n
	}

	var ids []models.ULID
	for range 20 {
		sess := sampleSession("churn")
		require.NoError(t, fs.Put(ctx, sess))
		_, err := fs.Update(ctx, sess.ID, func(r *models.Session) error {
			r.Status = models.SessionStatusConnected
			return nil
		})
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	assert.Equal(t, 20, lockCount())

	for _, id := range ids {
		require.NoError(t, fs.Delete(ctx, id))
	}
	assert.Zero(t, lockCount())

	// The id still works after its lock was dropped.
	again := sampleSession("again")
	again.ID = ids[0]
	require.NoError(t, fs.Put(ctx, again))
	got, err := fs.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "again", got.Name)
}

func TestFileStore_MismatchedIDIsCorrupt(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	sess := sampleSession("moved")
	require.NoError(t, fs.Put(ctx, sess))

	other := models.NewULID()
	require.NoError(t, os.Rename(
		filepath.Join(fs.Dir(), sess.ID.String()+".json"),
		filepath.Join(fs.Dir(), other.String()+".json"),
	))

	_, err = fs.Get(ctx, other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.Storage.CacheDir = t.TempDir()

	cfg.Store.Driver = "file"
	s, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Driver = "sqlite"
	cfg.Store.LogLevel = "silent"
	s, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.FileExists(t, cfg.Storage.DatabasePath())

	cfg.Store.DSN = "/tmp/explicit.db"
	assert.Equal(t, "/tmp/explicit.db", DatabaseConfig(cfg).DSN)
	cfg.Store.DSN = ""
	assert.Equal(t, cfg.Storage.DatabasePath(), DatabaseConfig(cfg).DSN)

	cfg.Store.Driver = "etcd"
	_, err = Open(ctx, cfg, nil)
	assert.Error(t, err)
}
