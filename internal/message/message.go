// Package message defines the typed payloads exchanged between the gateway,
// the coordinator, and the backend service workers, plus the JSON envelope
// they travel in.
package message

import (
	"encoding/json"
	"fmt"
)

// Queue names. Each service consumes its own queue; replies are addressed to
// the coordinator queue with the correlation id echoed.
const (
	QueueCoordinator = "iris_coordinator"
	QueueAuth        = "iris_auth"
	QueueMemory      = "iris_memory"
	QueueLTM         = "iris_ltm"
	QueueGeneration  = "iris_generation"
	QueuePerception  = "iris_perception"
	QueueNotify      = "iris_notify"
)

// Envelope types.
const (
	TypeUserTurn            = "user_turn"
	TypeLimitVerdict        = "limit_verdict"
	TypeContextReply        = "context_reply"
	TypeMemoryReply         = "memory_reply"
	TypeEmbeddingReply      = "embedding_reply"
	TypeBotResponseRecorded = "bot_response_recorded"
	TypeEmotionResult       = "emotion_result"
	TypeCacheHitMetric      = "cache_hit_metric"

	TypeCheckLimit          = "check_limit"
	TypeStoreMemory         = "store_memory"
	TypeContextRequest      = "context_request"
	TypeMemorySearchRequest = "memory_search_request"
	TypeEmbeddingRequest    = "embedding_request"
	TypeEmotionAnalysis     = "emotion_analysis_request"
	TypeMemoryEvaluation    = "memory_evaluation"
	TypeGenerateRequest     = "generate_request"
	TypeNotice              = "notice"
)

// Memory search types understood by the long-term memory service.
const (
	SearchRecent = "recent"
	SearchVector = "vector"
)

// Envelope is the wire form of every message: a type tag and the raw payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a payload into an envelope and marshals it.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Decode unmarshals an envelope body.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// --- inbound to the coordinator ---

type UserTurn struct {
	UserID      string `json:"user_id"`
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	DisplayName string `json:"display_name,omitempty"`
}

type LimitVerdict struct {
	CorrelationID     string `json:"correlation_id"`
	Unlimited         bool   `json:"unlimited"`
	UsageCount        int    `json:"usage_count"`
	Limit             int    `json:"limit"`
	ApproachingLimit  bool   `json:"approaching_limit,omitempty"`
	MessagesRemaining int    `json:"messages_remaining,omitempty"`
	SubscriptionDays  int    `json:"subscription_days,omitempty"`
	SubscriptionEnds  bool   `json:"subscription_expiring,omitempty"`
}

// ContextMessage is one short-term memory entry in structured format.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ContextReply struct {
	CorrelationID string           `json:"correlation_id"`
	Messages      []ContextMessage `json:"messages"`
}

// MemoryResult is one long-term memory hit.
type MemoryResult struct {
	Content    string  `json:"content"`
	Importance float64 `json:"importance,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty"`
}

type MemoryReply struct {
	CorrelationID string         `json:"correlation_id"`
	Success       bool           `json:"success"`
	Results       []MemoryResult `json:"results,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type EmbeddingReply struct {
	CorrelationID string    `json:"correlation_id"`
	Success       bool      `json:"success"`
	Vector        []float32 `json:"vector,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type BotResponseRecorded struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// CacheHitMetric reports the hit rate observed by a context cache for one
// user. The coordinator folds it into the session's bounded metric history.
type CacheHitMetric struct {
	UserID  string  `json:"user_id"`
	HitRate float64 `json:"hit_rate"`
}

type EmotionResult struct {
	UserID           string             `json:"user_id"`
	Emotions         map[string]float64 `json:"emotions"`
	DominantEmotions []string           `json:"dominant_emotions,omitempty"`
	TextPreview      string             `json:"text_preview,omitempty"`
}

// --- outbound from the coordinator ---

type CheckLimit struct {
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
}

type StoreMemory struct {
	UserID   string            `json:"user_id"`
	Role     string            `json:"role"` // user | bot
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ContextRequest struct {
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id"`
	Limit         int    `json:"limit"`
	Format        string `json:"format"`
}

type MemorySearchRequest struct {
	UserID        string    `json:"user_id"`
	CorrelationID string    `json:"correlation_id"`
	SearchType    string    `json:"search_type"`
	Limit         int       `json:"limit"`
	QueryVector   []float32 `json:"query_vector,omitempty"`
}

type EmbeddingRequest struct {
	CorrelationID string             `json:"correlation_id"`
	Text          string             `json:"text"`
	Emotions      map[string]float64 `json:"emotions,omitempty"`
}

// EmotionAnalysisRequest asks the perception service to score a turn.
type EmotionAnalysisRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// MemoryEvaluation hands a completed exchange to the long-term memory
// service for save-worthiness scoring.
type MemoryEvaluation struct {
	UserID           string             `json:"user_id"`
	UserText         string             `json:"user_text"`
	BotResponse      string             `json:"bot_response"`
	Mode             string             `json:"mode,omitempty"`
	ModeConfidence   float64            `json:"mode_confidence,omitempty"`
	Emotions         map[string]float64 `json:"emotions,omitempty"`
	DominantEmotions []string           `json:"dominant_emotions,omitempty"`
}

// SessionSnapshot carries the session identity data frozen into a generation
// request at continuation time.
type SessionSnapshot struct {
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type GenerateRequest struct {
	UserID            string           `json:"user_id"`
	ChatID            string           `json:"chat_id"`
	Text              string           `json:"text"`
	IncludePrompt     bool             `json:"include_prompt"`
	MessageCount      int              `json:"message_count"`
	Session           SessionSnapshot  `json:"session"`
	Mode              string           `json:"mode"`
	ModeConfidence    float64          `json:"mode_confidence"`
	HistoricalContext []ContextMessage `json:"historical_context"`
	LTMMemories       []MemoryResult   `json:"ltm_memories"`
}

// Notice is a user-visible message (warnings, limit notices, bot replies).
type Notice struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}
