package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/rtmpush/internal/database"
	"github.com/jmylchreest/rtmpush/internal/models"
)

// GormStore keeps one row per session in the sessions table.
type GormStore struct {
	db *database.DB
}

// NewGormStore wraps a migrated database.
func NewGormStore(db *database.DB) *GormStore {
	return &GormStore{db: db}
}

// Get retrieves a record.
func (s *GormStore) Get(ctx context.Context, id models.ULID) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &sess, nil
}

// Put creates or replaces a record.
func (s *GormStore) Put(ctx context.Context, sess *models.Session) error {
	if sess.ID.IsZero() {
		return fmt.Errorf("session id is required")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(sess).Error
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// Update applies fn inside a transaction holding a row lock where the
// driver supports one.
func (s *GormStore) Update(ctx context.Context, id models.ULID, fn func(*models.Session) error) (*models.Session, error) {
	var out models.Session
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.ID = id
		return tx.Save(&out).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating session %s: %w", id, err)
	}
	return &out, nil
}

// Delete removes a record.
func (s *GormStore) Delete(ctx context.Context, id models.ULID) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a row is present.
func (s *GormStore) Exists(ctx context.Context, id models.ULID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking session %s: %w", id, err)
	}
	return count > 0, nil
}

// List returns all records ordered by creation time.
func (s *GormStore) List(ctx context.Context) ([]*models.Session, error) {
	var sessions []*models.Session
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *GormStore) Close() error {
	return s.db.Close()
}
