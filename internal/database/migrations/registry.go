package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/rtmpush/internal/models"
)

// AllMigrations returns all registered migrations in order.
//   - 001: sessions table
//   - 002: status/updated_at index used by startup reconciliation
func AllMigrations() []Migration {
	return []Migration{
		migration001Sessions(),
		migration002SessionStatusIndex(),
	}
}

func migration001Sessions() Migration {
	return Migration{
		Version:     "001",
		Description: "Create sessions table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Session{})
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&models.Session{}) {
				return tx.Migrator().DropTable(&models.Session{})
			}
			return nil
		},
	}
}

const statusIndexName = "idx_sessions_status_updated"

func migration002SessionStatusIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index sessions by status and update time",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.Session{}, statusIndexName) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + statusIndexName + " ON sessions (status, updated_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.Session{}, statusIndexName) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.Session{}, statusIndexName)
		},
	}
}
