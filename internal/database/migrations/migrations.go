// Package migrations versions the relational session store schema.
//
// Each step runs in its own transaction together with the insert (or delete)
// of its schema_migrations row, so a failed step leaves no partial record.
package migrations

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/gorm"
)

// Migration is one schema step. Down may be nil for irreversible steps.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName pins the tracking table name.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}

// MigrationStatus pairs a registered step with its tracking row, if any.
type MigrationStatus struct {
	Version     string     `json:"version" yaml:"version"`
	Description string     `json:"description" yaml:"description"`
	Applied     bool       `json:"applied" yaml:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// Migrator applies and rolls back registered steps against one database.
type Migrator struct {
	db     *gorm.DB
	logger *slog.Logger
	steps  []Migration
}

// NewMigrator returns a Migrator with no steps registered.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger.With(slog.String("component", "migrations"))}
}

// RegisterAll adds steps. Order of registration does not matter.
func (m *Migrator) RegisterAll(steps []Migration) {
	m.steps = append(m.steps, steps...)
	slices.SortFunc(m.steps, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
}

// Up applies every step without a tracking row, oldest first.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	var count int
	for _, step := range m.steps {
		if _, done := applied[step.Version]; done {
			continue
		}
		m.logger.InfoContext(ctx, "applying schema step",
			slog.String("version", step.Version),
			slog.String("description", step.Description))

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := step.Up(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationRecord{
				Version:     step.Version,
				Description: step.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", step.Version, err)
		}
		count++
	}

	if count > 0 {
		m.logger.InfoContext(ctx, "session store schema up to date", slog.Int("applied", count))
	}
	return nil
}

// Down rolls back the newest applied step. It is a no-op on an empty history.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var last MigrationRecord
	err := m.db.WithContext(ctx).Order("version DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m.logger.InfoContext(ctx, "no schema step to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading last migration: %w", err)
	}

	i := slices.IndexFunc(m.steps, func(s Migration) bool { return s.Version == last.Version })
	switch {
	case i < 0:
		return fmt.Errorf("migration %s is applied but not registered", last.Version)
	case m.steps[i].Down == nil:
		return fmt.Errorf("migration %s cannot be rolled back", last.Version)
	}
	step := m.steps[i]

	m.logger.InfoContext(ctx, "rolling back schema step", slog.String("version", step.Version))
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := step.Down(tx); err != nil {
			return err
		}
		return tx.Where("version = ?", step.Version).Delete(&MigrationRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("rolling back migration %s: %w", step.Version, err)
	}
	return nil
}

// Status lists every registered step and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, len(m.steps))
	for i, step := range m.steps {
		out[i] = MigrationStatus{Version: step.Version, Description: step.Description}
		if rec, ok := applied[step.Version]; ok {
			at := rec.AppliedAt
			out[i].Applied, out[i].AppliedAt = true, &at
		}
	}
	return out, nil
}

// Pending lists the registered steps Up would apply.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	pending := []Migration{}
	for _, step := range m.steps {
		if _, done := applied[step.Version]; !done {
			pending = append(pending, step)
		}
	}
	return pending, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}

// applied returns tracking rows keyed by version, creating the table first.
func (m *Migrator) applied(ctx context.Context) (map[string]MigrationRecord, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	var rows []MigrationRecord
	if err := m.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	byVersion := make(map[string]MigrationRecord, len(rows))
	for _, r := range rows {
		byVersion[r.Version] = r
	}
	return byVersion, nil
}
