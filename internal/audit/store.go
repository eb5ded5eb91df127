package audit

import (
	"fmt"
	"time"

	"github.com/blackwall-project/blackwall/internal/core"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is the queryable projection of an audit entry. The full entry is
// kept as raw JSON alongside the indexed columns the admin API filters on.
type Record struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	ClientIP   string    `gorm:"index" json:"client_ip"`
	ClientID   string    `gorm:"index" json:"client_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Action     string    `gorm:"index" json:"action"`
	Reason     string    `json:"reason"`
	Score      float64   `json:"score"`
	Escalated  bool      `json:"escalated"`
	Payload    []byte    `json:"-"`
	RecordedAt time.Time `gorm:"index" json:"recorded_at"`
}

func (Record) TableName() string { return "audit_entries" }

// Store persists audit entries in SQLite and serves filtered queries.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the SQLite database and migrates the schema.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string { return "database" }

// Write implements Sink.
func (s *Store) Write(entry *core.AuditEntry) error {
	payload, err := entry.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	rec := Record{
		ID:         entry.ID,
		ClientIP:   entry.Request.ClientIP,
		ClientID:   entry.Request.ClientID,
		Method:     entry.Request.Method,
		Path:       entry.Request.Path,
		Action:     entry.Decision.Action.String(),
		Reason:     string(entry.Decision.Reason),
		Score:      entry.Decision.Score,
		Escalated:  entry.Decision.Escalated,
		Payload:    payload,
		RecordedAt: entry.RecordedAt,
	}

	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// QueryFilter narrows a Query. Zero values mean "no constraint".
type QueryFilter struct {
	ClientIP string
	Action   string
	Since    time.Time
	Limit    int
}

// Query returns matching records, newest first.
func (s *Store) Query(f QueryFilter) ([]Record, error) {
	q := s.db.Order("recorded_at DESC")
	if f.ClientIP != "" {
		q = q.Where("client_ip = ?", f.ClientIP)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if !f.Since.IsZero() {
		q = q.Where("recorded_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var records []Record
	if err := q.Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	return records, nil
}

// Count returns the total number of stored records.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.Model(&Record{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
