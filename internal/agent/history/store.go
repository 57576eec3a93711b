// Package history persists one record per call attempt in a local SQLite
// database so the agent's call list survives restarts.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	types "github.com/sebas/agentphone/api/types/v1"
)

// Status of a history record.
type Status string

const (
	StatusDialing  Status = "dialing"
	StatusRinging  Status = "ringing"
	StatusSuccess  Status = "Success"
	StatusFail     Status = "Fail"
	StatusRejected Status = "Rejected"
	StatusMissed   Status = "Missed"
)

// IsTerminal reports whether s closes a record.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusRejected, StatusMissed:
		return true
	}
	return false
}

// ErrNoOpenRecord is returned when there is no record to close.
var ErrNoOpenRecord = errors.New("no open history record")

// Record is one call attempt.
type Record struct {
	ID          string     `gorm:"primaryKey;size:36"`
	PhoneNumber string     `gorm:"index;size:32"`
	Direction   string     `gorm:"size:16"`
	Status      Status     `gorm:"size:16"`
	BridgeID    string     `gorm:"size:64"`
	Disposition string     `gorm:"size:64"`
	StartedAt   time.Time  `gorm:"index"`
	EndedAt     *time.Time
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "call_history" }

// Open reports whether the record still waits for its terminal event.
func (r Record) Open() bool { return r.EndedAt == nil }

// Entry converts the record to its wire form.
func (r Record) Entry() types.HistoryEntry {
	e := types.HistoryEntry{
		ID:          r.ID,
		PhoneNumber: r.PhoneNumber,
		Direction:   r.Direction,
		Status:      string(r.Status),
		BridgeID:    r.BridgeID,
		Disposition: r.Disposition,
		StartedAt:   r.StartedAt.UnixMilli(),
	}
	if r.EndedAt != nil {
		e.EndedAt = r.EndedAt.UnixMilli()
	}
	return e
}

// Store is the gorm-backed history store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path. An empty path or ":memory:"
// opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ""
	path = strings.TrimSpace(path)
	switch {
	case path == "", strings.EqualFold(path, ":memory:"):
		dsn = fmt.Sprintf("file:history-%s?mode=memory&cache=shared", uuid.NewString())
	default:
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("history: create dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.ToSlash(path))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	return NewStore(db)
}

// NewStore wraps an existing connection and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenRecord appends a record for a new attempt. Any record still open from an
// earlier attempt (for example after a crash) is closed as failed first, so at
// most one record is ever open.
func (s *Store) OpenRecord(ctx context.Context, number, direction string, status Status) (*Record, error) {
	now := s.now()
	rec := &Record{
		ID:          uuid.NewString(),
		PhoneNumber: number,
		Direction:   direction,
		Status:      status,
		StartedAt:   now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).
			Where("ended_at IS NULL").
			Updates(map[string]any{"status": StatusFail, "ended_at": now}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("history: open record: %w", err)
	}
	return rec, nil
}

// CloseLatest fills the terminal fields of the most recently opened record.
func (s *Store) CloseLatest(ctx context.Context, status Status, bridgeID string) (*Record, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("history: %q is not a terminal status", status)
	}
	var rec Record
	err := s.db.WithContext(ctx).
		Where("ended_at IS NULL").
		Order("started_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoOpenRecord
	}
	if err != nil {
		return nil, fmt.Errorf("history: find open record: %w", err)
	}

	ended := s.now()
	rec.Status = status
	rec.EndedAt = &ended
	if bridgeID != "" {
		rec.BridgeID = bridgeID
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return nil, fmt.Errorf("history: close record: %w", err)
	}
	return &rec, nil
}

// SetDisposition stores the agent's outcome code on record id.
func (s *Store) SetDisposition(ctx context.Context, id, outcome string) error {
	res := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Update("disposition", outcome)
	if res.Error != nil {
		return fmt.Errorf("history: set disposition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("history: record %s not found", id)
	}
	return nil
}

// Recent returns the newest records first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// ByNumber returns the newest records for one phone number.
func (s *Store) ByNumber(ctx context.Context, number string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	if err := s.db.WithContext(ctx).Where("phone_number = ?", number).Order("started_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: list by number: %w", err)
	}
	return out, nil
}

// OpenCount returns the number of records still open.
func (s *Store) OpenCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Record{}).Where("ended_at IS NULL").Count(&n).Error
	return n, err
}
