// Package storage persists completed measurements.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/soocke/pulse-meter-go/domain/meter"
)

// measurement is the row layout of the measurements table.
type measurement struct {
	ID              int64    `gorm:"primaryKey;autoIncrement"`
	SessionID       string   `gorm:"column:session_id;size:64"`
	Timestamp       int64    `gorm:"column:timestamp;not null;index"`
	MeterConstant   float64  `gorm:"column:meter_constant;not null"`
	Pulses          int      `gorm:"column:pulses;not null"`
	DurationSeconds float64  `gorm:"column:duration_seconds;not null"`
	PowerWatts      *float64 `gorm:"column:power_watts"`
}

func (*measurement) TableName() string { return "measurements" }

func fromRecord(r meter.Record) measurement {
	return measurement{
		SessionID:       r.SessionID,
		Timestamp:       r.TimestampMillis,
		MeterConstant:   r.MeterConstant,
		Pulses:          r.Pulses,
		DurationSeconds: r.DurationSeconds,
		PowerWatts:      r.PowerWatts,
	}
}

func (m measurement) toRecord() meter.Record {
	return meter.Record{
		ID:              m.ID,
		SessionID:       m.SessionID,
		TimestampMillis: m.Timestamp,
		MeterConstant:   m.MeterConstant,
		Pulses:          m.Pulses,
		DurationSeconds: m.DurationSeconds,
		PowerWatts:      m.PowerWatts,
	}
}

// Store reads and writes measurement records.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates the schema.
// DSNs starting with "postgres" or "mysql" select those drivers; anything else is a sqlite path.
func Open(dsn string) (*Store, error) {
	dial, isSQLite := getDialector(dsn)
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&measurement{}); err != nil {
		return nil, fmt.Errorf("migrate measurements: %w", err)
	}
	return &Store{db: db}, nil
}

func getDialector(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "postgres"):
		return postgres.New(postgres.Config{DriverName: "pgx", DSN: dsn}), false
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), false
	default:
		return sqlite.Open(dsn), true
	}
}

// Insert stores a completed record and returns its id.
func (s *Store) Insert(ctx context.Context, r meter.Record) (int64, error) {
	row := fromRecord(r)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert measurement: %w", err)
	}
	return row.ID, nil
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]meter.Record, error) {
	var rows []measurement
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	out := make([]meter.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// Clear deletes every record.
func (s *Store) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&measurement{}).Error
	if err != nil {
		return fmt.Errorf("clear measurements: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
