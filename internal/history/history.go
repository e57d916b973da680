// Package history persists a local log of finished calls and room sessions.
// It is private per device: nothing here is shared with other members.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionKind distinguishes 1:1 calls from room sessions
type SessionKind string

const (
	KindCall SessionKind = "call"
	KindRoom SessionKind = "room"
)

// SessionOutcome records how a session ended
type SessionOutcome string

const (
	OutcomeCompleted SessionOutcome = "completed"
	OutcomeRejected  SessionOutcome = "rejected"
	OutcomeMissed    SessionOutcome = "missed"
	OutcomeFailed    SessionOutcome = "failed"
)

// SessionRecord is one finished call or room session
type SessionRecord struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Kind      SessionKind    `gorm:"index" json:"kind"`
	RoomID    string         `json:"roomId,omitempty"`
	RoomName  string         `json:"roomName,omitempty"`
	PeerID    string         `json:"peerId,omitempty"`
	PeerName  string         `json:"peerName,omitempty"`
	Outgoing  bool           `json:"outgoing"`
	Outcome   SessionOutcome `json:"outcome"`
	StartedAt time.Time      `gorm:"index" json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
}

// Duration returns how long the session lasted
func (r *SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store is the SQLite-backed session log
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the history database at path
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Init migrates the schema
func (s *Store) Init() error {
	if err := s.db.AutoMigrate(&SessionRecord{}); err != nil {
		return fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// Record appends one finished session
func (s *Store) Record(rec *SessionRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// Recent returns the most recent sessions, newest first
func (s *Store) Recent(limit int) ([]*SessionRecord, error) {
	var records []*SessionRecord
	result := s.db.Order("started_at DESC").Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", result.Error)
	}
	return records, nil
}

// RecentByKind returns the most recent sessions of one kind, newest first
func (s *Store) RecentByKind(kind SessionKind, limit int) ([]*SessionRecord, error) {
	var records []*SessionRecord
	result := s.db.Where("kind = ?", kind).
		Order("started_at DESC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", kind, result.Error)
	}
	return records, nil
}

// Prune removes records older than the cutoff and returns how many went
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	result := s.db.Where("ended_at < ?", olderThan).Delete(&SessionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
