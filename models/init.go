package models

import "gorm.io/gorm"

// Migrate runs the schema migration for every model in dependency order.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Template{},
		&Project{},
		&Target{},
		&ProjectTarget{},
		&TrainingPage{},
		&SMTPConfig{},
	)
}
