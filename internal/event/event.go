// Package event is the append-only domain event log.
package event

import (
	"context"
	"encoding/json"
	"time"
)

// Domain event types the coordinator emits.
const (
	TypeSessionCreated         = "SessionCreated"
	TypeModeChanged            = "ModeChanged"
	TypePromptInclusionDecided = "PromptInclusionDecided"
	TypeLimitExceeded          = "LimitExceeded"
	TypeEmotionDetected        = "EmotionDetected"
)

type Event struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	StreamID  string    `gorm:"type:varchar(128);index;not null" json:"stream_id"`
	Type      string    `gorm:"type:varchar(64);index;not null" json:"type"`
	Data      string    `gorm:"type:text;not null" json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

func (Event) TableName() string { return "domain_events" }

// New builds an event for a user stream, marshalling data to JSON. Marshal
// failures degrade to an empty object; an event with less data is better
// than no event.
func New(userID, typ string, data map[string]any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	return Event{
		StreamID: "user_" + userID,
		Type:     typ,
		Data:     string(raw),
	}
}

// Sink accepts events. Callers treat it as fire-and-forget: append failures
// must never influence control flow.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Append(context.Context, Event) error { return nil }
