// Package store persists session records. A record exists exactly while the
// session is known to the relay; deleting it is the signal that the session
// is gone. Every backend stores one record per session, so writes to
// different sessions never contend.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/rtmpush/internal/config"
	"github.com/jmylchreest/rtmpush/internal/database"
	"github.com/jmylchreest/rtmpush/internal/models"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session record not found")

// Store defines session record persistence.
type Store interface {
	// Get retrieves a record, or ErrNotFound.
	Get(ctx context.Context, id models.ULID) (*models.Session, error)
	// Put creates or replaces a record.
	Put(ctx context.Context, s *models.Session) error
	// Update applies fn to the current record and saves the result, holding
	// the record's lock throughout. Returns ErrNotFound when the record is
	// absent, so a deleted session is never recreated by a late update.
	Update(ctx context.Context, id models.ULID, fn func(*models.Session) error) (*models.Session, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id models.ULID) error
	// Exists reports whether a record is present.
	Exists(ctx context.Context, id models.ULID) (bool, error)
	// List returns all records ordered by creation time.
	List(ctx context.Context) ([]*models.Session, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Open builds the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "", "file":
		return NewFileStore(cfg.Storage.SessionsPath(), log)
	case "sqlite", "postgres", "mysql":
		db, err := database.New(DatabaseConfig(cfg), log, nil)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrating session store: %w", err)
		}
		return NewGormStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// DatabaseConfig returns the connection settings for the gorm backends,
// defaulting the sqlite DSN to a file under the cache directory.
func DatabaseConfig(cfg *config.Config) config.StoreConfig {
	dbCfg := cfg.Store
	if dbCfg.Driver == "sqlite" && dbCfg.DSN == "" {
		dbCfg.DSN = cfg.Storage.DatabasePath()
	}
	return dbCfg
}
