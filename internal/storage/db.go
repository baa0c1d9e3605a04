package storage

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenArchive initializes the Postgres connection and performs migrations.
func OpenArchive(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ArchivedGame{}, &ArchivedTurn{}); err != nil {
		return nil, err
	}
	return db, nil
}
