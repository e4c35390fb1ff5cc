package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// pendingRequestRow is the sqlite row for a QueuedRequest. sqlite's
// AUTOINCREMENT keeps ids from being reused after deletes.
type pendingRequestRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	URL        string    `gorm:"not null"`
	Method     string    `gorm:"size:16;not null"`
	Headers    string    `gorm:"not null"`
	Body       string    `gorm:"not null"`
	EnqueuedAt time.Time `gorm:"not null"`
}

func (pendingRequestRow) TableName() string { return "pending_requests" }

// SQLQueue implements Queue on top of gorm.
type SQLQueue struct {
	db *gorm.DB
}

// OpenSQLiteQueue opens a sqlite database at dsn and migrates the queue table.
func OpenSQLiteQueue(dsn string) (*SQLQueue, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	return NewSQLQueue(db)
}

// NewSQLQueue migrates the queue table on db. Migration is idempotent.
func NewSQLQueue(db *gorm.DB) (*SQLQueue, error) {
	if err := db.AutoMigrate(&pendingRequestRow{}); err != nil {
		return nil, unavailable("migrate", err)
	}
	return &SQLQueue{db: db}, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, rec QueuedRequest) (uint64, error) {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}
	row := pendingRequestRow{
		URL:        rec.URL,
		Method:     rec.Method,
		Headers:    string(headers),
		Body:       rec.Body,
		EnqueuedAt: rec.EnqueuedAt,
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, unavailable("enqueue", err)
	}
	return row.ID, nil
}

func (q *SQLQueue) ListPending(ctx context.Context) ([]QueuedRequest, error) {
	var rows []pendingRequestRow
	if err := q.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("list pending", err)
	}
	out := make([]QueuedRequest, 0, len(rows))
	for _, row := range rows {
		rec := QueuedRequest{
			ID:         row.ID,
			URL:        row.URL,
			Method:     row.Method,
			Body:       row.Body,
			EnqueuedAt: row.EnqueuedAt,
		}
		if err := json.Unmarshal([]byte(row.Headers), &rec.Headers); err != nil {
			return nil, unavailable("list pending", fmt.Errorf("decode headers of %d: %w", row.ID, err))
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *SQLQueue) Remove(ctx context.Context, id uint64) (bool, error) {
	res := q.db.WithContext(ctx).Delete(&pendingRequestRow{}, id)
	if res.Error != nil {
		return false, unavailable("remove", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (q *SQLQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
