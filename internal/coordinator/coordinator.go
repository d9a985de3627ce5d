// Package coordinator tracks in-flight conversational turns: the limit-check
// continuation, the scatter/gather generation join, and the expiry sweep that
// bounds both. All state lives in tables keyed by correlation id and is
// mutated by a single dispatch goroutine, so no locking guards the tables.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/config"
	"github.com/irisbot/iris/internal/event"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

type Coordinator struct {
	cfg    config.Config
	log    *zap.Logger
	out    Outbound
	events event.Sink

	sessions *session.Registry
	modes    ModePolicy
	prompts  PromptPolicy
	memory   MemoryPolicy

	pendingLimits map[string]*pendingLimit
	pendingGens   map[string]*pendingGeneration

	inbox chan message.Envelope

	// injectable for tests
	now   func() time.Time
	newID func() string
}

func New(cfg config.Config, log *zap.Logger, out Outbound, events event.Sink,
	modes ModePolicy, prompts PromptPolicy, memory MemoryPolicy) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		log:           log,
		out:           out,
		events:        events,
		sessions:      session.NewRegistry(cfg.ModeHistorySize, cfg.CacheMetricsSize),
		modes:         modes,
		prompts:       prompts,
		memory:        memory,
		pendingLimits: make(map[string]*pendingLimit),
		pendingGens:   make(map[string]*pendingGeneration),
		inbox:         make(chan message.Envelope, 256),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Enqueue hands a decoded envelope to the dispatch loop. It blocks when the
// inbox is full, which backpressures the transport consumer.
func (c *Coordinator) Enqueue(env message.Envelope) {
	c.inbox <- env
}

// Run owns every table mutation: inbound events and sweep ticks are
// interleaved on this one goroutine, which is what makes the sweep safe
// against a concurrently arriving reply for the same correlation id. Returns
// after ctx is cancelled, with the registry cleared; in-flight pendings are
// dropped (the originating turn was already durably stored upstream).
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n := c.sessions.Clear()
			c.log.Info("coordinator stopped",
				zap.Int("sessions_cleared", n),
				zap.Int("pending_generations_dropped", len(c.pendingGens)),
				zap.Int("pending_limits_dropped", len(c.pendingLimits)))
			return
		case <-ticker.C:
			c.sweep(ctx)
		case env := <-c.inbox:
			c.dispatch(ctx, env)
		}
	}
}

// dispatch routes one inbound envelope by type. Payloads that fail to decode
// are logged and dropped; the transport already acked them and a malformed
// event can never be replayed into something useful.
func (c *Coordinator) dispatch(ctx context.Context, env message.Envelope) {
	switch env.Type {
	case message.TypeUserTurn:
		var turn message.UserTurn
		if !c.decode(env, &turn) {
			return
		}
		c.handleUserTurn(ctx, turn)
	case message.TypeLimitVerdict:
		var v message.LimitVerdict
		if !c.decode(env, &v) {
			return
		}
		c.handleLimitVerdict(ctx, v)
	case message.TypeContextReply:
		var r message.ContextReply
		if !c.decode(env, &r) {
			return
		}
		c.handleContextReply(ctx, r)
	case message.TypeMemoryReply:
		var r message.MemoryReply
		if !c.decode(env, &r) {
			return
		}
		c.handleMemoryReply(ctx, r)
	case message.TypeEmbeddingReply:
		var r message.EmbeddingReply
		if !c.decode(env, &r) {
			return
		}
		c.handleEmbeddingReply(ctx, r)
	case message.TypeBotResponseRecorded:
		var r message.BotResponseRecorded
		if !c.decode(env, &r) {
			return
		}
		c.handleBotResponse(ctx, r)
	case message.TypeEmotionResult:
		var r message.EmotionResult
		if !c.decode(env, &r) {
			return
		}
		c.handleEmotionResult(ctx, r)
	case message.TypeCacheHitMetric:
		var m message.CacheHitMetric
		if !c.decode(env, &m) {
			return
		}
		c.handleCacheHitMetric(m)
	default:
		c.log.Warn("unhandled event type", zap.String("type", env.Type))
	}
}

func (c *Coordinator) decode(env message.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		c.log.Warn("bad payload", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

// handleUserTurn ingests a turn: session bookkeeping, the fire-and-forget
// memory write, and the limit check. Nothing else happens until the verdict
// arrives or the sweep times the check out; mode detection and the context
// fan-out belong exclusively to the continuation path.
func (c *Coordinator) handleUserTurn(ctx context.Context, turn message.UserTurn) {
	now := c.now()

	sess, created := c.sessions.GetOrCreate(turn.UserID, turn.DisplayName, now)
	if created {
		c.emit(ctx, event.New(turn.UserID, event.TypeSessionCreated, map[string]any{
			"user_id":      turn.UserID,
			"display_name": turn.DisplayName,
			"created_at":   sess.CreatedAt.Format(time.RFC3339),
		}))
		c.log.Info("session created", zap.String("user_id", turn.UserID))
	}

	// Cached for the save-worthiness trigger in handleBotResponse.
	sess.LastUserText = turn.Text

	if err := c.out.StoreMemory(ctx, message.StoreMemory{
		UserID:  turn.UserID,
		Role:    "user",
		Content: turn.Text,
		Metadata: map[string]string{
			"display_name": turn.DisplayName,
			"timestamp":    now.Format(time.RFC3339),
		},
	}); err != nil {
		c.log.Warn("store memory dispatch failed", zap.String("user_id", turn.UserID), zap.Error(err))
	}

	id := c.newID()
	c.pendingLimits[id] = &pendingLimit{
		userID:      turn.UserID,
		chatID:      turn.ChatID,
		text:        turn.Text,
		displayName: turn.DisplayName,
		session:     sess,
		createdAt:   now,
	}

	if err := c.out.CheckLimit(ctx, message.CheckLimit{UserID: turn.UserID, CorrelationID: id}); err != nil {
		c.log.Warn("limit check dispatch failed; sweep will resolve",
			zap.String("user_id", turn.UserID),
			zap.String("correlation_id", id),
			zap.Error(err))
	}
}

// handleBotResponse persists the bot reply, caches it on the session, and
// fires the long-term-memory evaluation when the trigger condition holds:
// emotions and the user text must already be cached when the response lands.
// The memory write happens regardless of session state, so a reply that
// outlives its session still makes it into the conversation history.
func (c *Coordinator) handleBotResponse(ctx context.Context, r message.BotResponseRecorded) {
	if err := c.out.StoreMemory(ctx, message.StoreMemory{
		UserID:  r.UserID,
		Role:    "bot",
		Content: r.Text,
		Metadata: map[string]string{
			"generated_at": c.now().Format(time.RFC3339),
		},
	}); err != nil {
		c.log.Warn("store memory dispatch failed", zap.String("user_id", r.UserID), zap.Error(err))
	}

	sess := c.sessions.Get(r.UserID)
	if sess == nil {
		c.log.Warn("bot response for unknown session", zap.String("user_id", r.UserID))
		return
	}

	sess.LastBotResponse = r.Text
	sess.LastBotMode = sess.CurrentMode
	sess.LastBotConfidence = sess.ModeConfidence

	if len(sess.LastEmotions) > 0 && sess.LastUserText != "" && sess.LastBotResponse != "" {
		if c.memory.ShouldSave(sess.LastEmotions) {
			if err := c.out.EvaluateMemory(ctx, message.MemoryEvaluation{
				UserID:           r.UserID,
				UserText:         sess.LastUserText,
				BotResponse:      sess.LastBotResponse,
				Mode:             sess.LastBotMode,
				ModeConfidence:   sess.LastBotConfidence,
				Emotions:         sess.LastEmotions,
				DominantEmotions: sess.LastDominantEmotions,
			}); err != nil {
				c.log.Warn("memory evaluation dispatch failed", zap.String("user_id", r.UserID), zap.Error(err))
			}
		}
	}
}

// handleCacheHitMetric folds a reported cache hit rate into the session's
// bounded metric history. Metrics for users without a live session are
// dropped; there is nothing to attach them to.
func (c *Coordinator) handleCacheHitMetric(m message.CacheHitMetric) {
	sess := c.sessions.Get(m.UserID)
	if sess == nil {
		c.log.Debug("cache metric for unknown session", zap.String("user_id", m.UserID))
		return
	}
	sess.AddCacheMetric(m.HitRate)
	c.log.Debug("cache metric recorded",
		zap.String("user_id", m.UserID),
		zap.Float64("hit_rate", m.HitRate))
}

func (c *Coordinator) handleEmotionResult(ctx context.Context, r message.EmotionResult) {
	if r.UserID == "" {
		c.log.Warn("emotion result without user id")
		return
	}
	sess := c.sessions.Get(r.UserID)
	if sess == nil {
		c.log.Warn("emotion result for unknown session", zap.String("user_id", r.UserID))
		return
	}

	sess.LastEmotions = r.Emotions
	sess.LastDominantEmotions = r.DominantEmotions

	c.emit(ctx, event.New(r.UserID, event.TypeEmotionDetected, map[string]any{
		"user_id":           r.UserID,
		"dominant_emotions": r.DominantEmotions,
		"emotion_scores":    r.Emotions,
		"text_preview":      r.TextPreview,
	}))

	c.log.Debug("emotion state updated",
		zap.String("user_id", r.UserID),
		zap.Strings("dominant", r.DominantEmotions))
}

// emit appends a domain event. Failures are logged and swallowed: the event
// log is observability, not control flow.
func (c *Coordinator) emit(ctx context.Context, e event.Event) {
	if err := c.events.Append(ctx, e); err != nil {
		c.log.Warn("event append failed",
			zap.String("stream_id", e.StreamID),
			zap.String("event_type", e.Type),
			zap.Error(err))
	}
}
