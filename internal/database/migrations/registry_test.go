package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/rtmpush/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return db
}

func newMigrator(db *gorm.DB) *Migrator {
	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	return m
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	migrations := AllMigrations()
	require.NotEmpty(t, migrations)

	seen := make(map[string]bool)
	for i, m := range migrations {
		assert.False(t, seen[m.Version], "duplicate version: %s", m.Version)
		seen[m.Version] = true
		assert.NotNil(t, m.Up, "migration %s has no Up", m.Version)
		if i > 0 {
			assert.Less(t, migrations[i-1].Version, m.Version)
		}
	}
}

func TestMigrator_Up(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, newMigrator(db).Up(ctx))

	assert.True(t, db.Migrator().HasTable("sessions"))
	assert.True(t, db.Migrator().HasTable("schema_migrations"))
	assert.True(t, db.Migrator().HasIndex(&models.Session{}, statusIndexName))

	// Running again is a no-op.
	require.NoError(t, newMigrator(db).Up(ctx))
}

func TestMigrator_StatusAndPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := newMigrator(db)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, len(AllMigrations()))

	require.NoError(t, m.Up(ctx))

	pending, err = m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Down(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := newMigrator(db)
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasIndex(&models.Session{}, statusIndexName))
	assert.True(t, db.Migrator().HasTable("sessions"))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasTable("sessions"))

	// Nothing left to roll back.
	require.NoError(t, m.Down(ctx))
}

func TestMigrations_SessionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, newMigrator(db).Up(ctx))

	now := time.Now().UTC().Truncate(time.Second)
	s := models.Session{
		ID:   models.NewULID(),
		Name: "studio",
		Destinations: []models.Destination{
			{URL: "rtmp://a.example.com/live", StreamKey: "k1"},
			{URL: "rtmp://b.example.com/live", Enabled: models.BoolPtr(false),
				VideoSettings: &models.VideoSettings{Bitrate: "800k"}},
		},
		VideoSettings: models.VideoSettings{Codec: "libx264", Width: 1920, Height: 1080},
		Status:        models.SessionStatusConnected,
		StartedAt:     &now,
	}
	require.NoError(t, db.Create(&s).Error)

	var got models.Session
	require.NoError(t, db.First(&got, "id = ?", s.ID.String()).Error)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "studio", got.Name)
	require.Len(t, got.Destinations, 2)
	assert.False(t, got.Destinations[1].IsEnabled())
	assert.Equal(t, "800k", got.Destinations[1].VideoSettings.Bitrate)
	assert.Equal(t, 1920, got.VideoSettings.Width)
	assert.Equal(t, models.SessionStatusConnected, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, now.Equal(*got.StartedAt))
}
