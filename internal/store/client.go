package store

import (
	"fmt"
	"log"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var sensorTypes = []model.SensorType{model.Temperature, model.WindSpeed, model.Pressure, model.Humidity}

// Connect opens the document-store connection pool and provisions every
// collection, including the sync ledger tables.
func Connect(cfg model.DocumentStoreConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.URI), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect to document store: %v", model.ErrConnect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConnect, err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := migrateSchema(db); err != nil {
		return nil, fmt.Errorf("%w: migrate document store: %v", model.ErrConnect, err)
	}

	log.Printf("[store] connected to document store %q", cfg.Database)
	return db, nil
}

func migrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&SyncStatus{}, &SyncProgress{}); err != nil {
		return err
	}
	for _, t := range sensorTypes {
		if err := db.Table(RealtimeTable(t)).AutoMigrate(&RealtimeDoc{}); err != nil {
			return err
		}
		if err := db.Table(HistoricalTable(t)).AutoMigrate(&HistoricalDoc{}); err != nil {
			return err
		}
		if err := db.Table(TimeseriesTable(t)).AutoMigrate(&TimeseriesDoc{}); err != nil {
			return err
		}
		if err := db.Table(StatisticsTable(t)).AutoMigrate(&StatisticsDoc{}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
