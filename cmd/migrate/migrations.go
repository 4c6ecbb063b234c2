package main

import (
	"gorm.io/gorm"

	"github.com/iac-studio/orchestrator/internal/models"
)

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addDeploymentTagsIndex,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// addDeploymentTagsIndex speeds up tag filtering on postgres, where tags is jsonb.
func addDeploymentTagsIndex(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_tags
		ON deployments USING GIN (tags)
	`).Error
}

type tableStatus struct {
	Table   string
	Present bool
}

func migrationStatus(db *gorm.DB) []tableStatus {
	out := make([]tableStatus, 0, len(models.All()))
	for _, m := range models.All() {
		stmt := &gorm.Statement{DB: db}
		name := "?"
		if err := stmt.Parse(m); err == nil {
			name = stmt.Schema.Table
		}
		out = append(out, tableStatus{Table: name, Present: db.Migrator().HasTable(m)})
	}
	return out
}
