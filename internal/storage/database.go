package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/opencampus/registrar/internal/account"
	"github.com/opencampus/registrar/pkg/logger"
)

// accountRow is the relational shape of a record: identity and state as
// queryable columns, the full record as a JSON payload so the schema does
// not chase every attribute change. The id column carries the uint64
// account id bit-cast to int64; database/sql refuses uint64 values with
// the high bit set, and SQL integer columns are signed anyway.
type accountRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement:false"`
	State     string         `gorm:"size:16;not null;index"`
	Payload   datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (accountRow) TableName() string { return "account_records" }

// DatabaseStore keeps records in any gorm-supported database.
type DatabaseStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewDatabaseStore migrates the record table and wraps the handle.
func NewDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	if err := db.AutoMigrate(&accountRow{}); err != nil {
		return nil, fmt.Errorf("migrate account records: %w", err)
	}
	return &DatabaseStore{
		db:  db,
		log: logger.WithModule("storage.db"),
	}, nil
}

// LoadAll decodes every stored record, skipping rows whose payload no longer
// parses instead of failing startup.
func (s *DatabaseStore) LoadAll(ctx context.Context) ([]account.Record, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load account records: %w", err)
	}

	records := make([]account.Record, 0, len(rows))
	for _, row := range rows {
		var rec account.Record
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			s.log.Warn("skipping malformed record", zap.Uint64("account_id", uint64(row.ID)), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save upserts the record keyed by account id.
func (s *DatabaseStore) Save(ctx context.Context, rec account.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}

	row := accountRow{
		ID:      int64(rec.ID),
		State:   string(rec.State),
		Payload: payload,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save record %d: %w", rec.ID, err)
	}
	return nil
}

// Delete drops the record row; deleting an absent id is not an error.
func (s *DatabaseStore) Delete(ctx context.Context, id uint64) error {
	err := s.db.WithContext(ctx).
		Where("id = ?", int64(id)).
		Delete(&accountRow{}).Error
	if err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *DatabaseStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
