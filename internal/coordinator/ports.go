package coordinator

import (
	"context"

	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

// Outbound is everything the coordinator sends to the rest of the system.
// Every call is a non-blocking dispatch: implementations hand the message to
// the transport and return; replies come back later as inbound events.
type Outbound interface {
	CheckLimit(ctx context.Context, req message.CheckLimit) error
	StoreMemory(ctx context.Context, req message.StoreMemory) error
	RequestContext(ctx context.Context, req message.ContextRequest) error
	SearchMemory(ctx context.Context, req message.MemorySearchRequest) error
	RequestEmbedding(ctx context.Context, req message.EmbeddingRequest) error
	AnalyzeEmotion(ctx context.Context, req message.EmotionAnalysisRequest) error
	EvaluateMemory(ctx context.Context, req message.MemoryEvaluation) error
	Generate(ctx context.Context, req message.GenerateRequest) error
	Notify(ctx context.Context, n message.Notice) error
}

// ModePolicy classifies a turn into a conversation mode.
type ModePolicy interface {
	Detect(text string, s *session.UserSession) (mode string, confidence float64)
}

// PromptPolicy decides whether the system prompt goes into this generation.
type PromptPolicy interface {
	ShouldInclude(s *session.UserSession, modeChanged bool) (include bool, reason string)
}

// MemoryPolicy decides when long-term memory is consulted and when an
// exchange is worth evaluating for storage.
type MemoryPolicy interface {
	ShouldSearch(text string, s *session.UserSession) (need bool, searchType string)
	ShouldSave(emotions map[string]float64) bool
}
