package event

import (
	"context"

	"gorm.io/gorm"
)

// Store persists events with gorm. Rows are inserted, never updated.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, e Event) error {
	return s.db.WithContext(ctx).Create(&e).Error
}

// ListStream returns a stream's events in append order.
func (s *Store) ListStream(ctx context.Context, streamID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []Event
	if err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
