package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

// pendingGeneration is one turn's scatter/gather join record. The join is
// monotonic: every partial arrival either moves the record toward readiness
// or into a fallback; nothing un-readies it. Removed exactly once, by
// checkReady or by the sweep's forced completion.
type pendingGeneration struct {
	userID         string
	chatID         string
	text           string
	mode           string
	modeConfidence float64
	includePrompt  bool
	messageCount   int
	snapshot       message.SessionSnapshot
	createdAt      time.Time

	stmReceived bool
	stmContext  []message.ContextMessage

	expectingLTM   bool
	ltmReceived    bool
	ltmMemories    []message.MemoryResult
	ltmRequestedAt time.Time

	expectingEmbedding bool
	embeddingReceived  bool
	queryVector        []float32
}

// beginGeneration creates the join record and fans out: the context request
// always, and depending on policy either a direct long-term-memory search or
// an embedding request chained into a vector search.
func (c *Coordinator) beginGeneration(ctx context.Context, pl *pendingLimit, sess *session.UserSession, includePrompt bool, now time.Time) {
	id := c.newID()
	pg := &pendingGeneration{
		userID:         pl.userID,
		chatID:         pl.chatID,
		text:           pl.text,
		mode:           sess.CurrentMode,
		modeConfidence: sess.ModeConfidence,
		includePrompt:  includePrompt,
		messageCount:   sess.MessageCount,
		snapshot: message.SessionSnapshot{
			DisplayName: sess.DisplayName,
			CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		},
		createdAt: now,
	}
	c.pendingGens[id] = pg

	if err := c.out.RequestContext(ctx, message.ContextRequest{
		UserID:        pl.userID,
		CorrelationID: id,
		Limit:         c.cfg.STMContextSize,
		Format:        "structured",
	}); err != nil {
		c.log.Warn("context request dispatch failed; sweep will resolve",
			zap.String("correlation_id", id), zap.Error(err))
	}

	if !c.cfg.LTMEnabled {
		return
	}
	need, searchType := c.memory.ShouldSearch(pl.text, sess)
	if !need {
		return
	}

	pg.expectingLTM = true
	pg.ltmRequestedAt = now

	if searchType == message.SearchVector {
		pg.expectingEmbedding = true
		if err := c.out.RequestEmbedding(ctx, message.EmbeddingRequest{
			CorrelationID: id,
			Text:          pl.text,
			Emotions:      sess.LastEmotions,
		}); err != nil {
			c.log.Warn("embedding request dispatch failed",
				zap.String("correlation_id", id), zap.Error(err))
		}
		return
	}

	if err := c.out.SearchMemory(ctx, message.MemorySearchRequest{
		UserID:        pl.userID,
		CorrelationID: id,
		SearchType:    searchType,
		Limit:         c.cfg.LTMContextLimit,
	}); err != nil {
		c.log.Warn("memory search dispatch failed",
			zap.String("correlation_id", id), zap.Error(err))
	}
}

func (c *Coordinator) handleContextReply(ctx context.Context, r message.ContextReply) {
	pg, ok := c.pendingGens[r.CorrelationID]
	if !ok {
		c.log.Warn("context reply for unknown correlation id",
			zap.String("correlation_id", r.CorrelationID))
		return
	}

	pg.stmContext = r.Messages
	pg.stmReceived = true

	c.log.Debug("context received",
		zap.String("correlation_id", r.CorrelationID),
		zap.Int("messages", len(r.Messages)))

	c.checkReady(ctx, r.CorrelationID)
}

func (c *Coordinator) handleMemoryReply(ctx context.Context, r message.MemoryReply) {
	pg, ok := c.pendingGens[r.CorrelationID]
	if !ok {
		c.log.Warn("memory reply for unknown correlation id",
			zap.String("correlation_id", r.CorrelationID))
		return
	}

	if r.Success {
		pg.ltmMemories = r.Results
		c.log.Debug("memories received",
			zap.String("correlation_id", r.CorrelationID),
			zap.Int("memories", len(r.Results)))
	} else {
		// A failed search degrades to no memories; it never blocks the join.
		pg.ltmMemories = nil
		c.log.Warn("memory search failed, continuing without memories",
			zap.String("correlation_id", r.CorrelationID),
			zap.String("error", r.Error))
	}
	pg.ltmReceived = true

	c.checkReady(ctx, r.CorrelationID)
}

func (c *Coordinator) handleEmbeddingReply(ctx context.Context, r message.EmbeddingReply) {
	pg, ok := c.pendingGens[r.CorrelationID]
	if !ok {
		c.log.Warn("embedding reply for unknown correlation id",
			zap.String("correlation_id", r.CorrelationID))
		return
	}

	switch {
	case r.Success && len(r.Vector) > 0:
		pg.queryVector = r.Vector
		pg.embeddingReceived = true

		if err := c.out.SearchMemory(ctx, message.MemorySearchRequest{
			UserID:        pg.userID,
			CorrelationID: r.CorrelationID,
			SearchType:    message.SearchVector,
			Limit:         c.cfg.LTMContextLimit,
			QueryVector:   r.Vector,
		}); err != nil {
			c.log.Warn("vector search dispatch failed",
				zap.String("correlation_id", r.CorrelationID), zap.Error(err))
		}
	case r.Success:
		c.log.Warn("empty embedding, falling back to recent search",
			zap.String("correlation_id", r.CorrelationID))
		c.fallbackToRecentSearch(ctx, r.CorrelationID)
	default:
		c.log.Warn("embedding generation failed, falling back to recent search",
			zap.String("correlation_id", r.CorrelationID),
			zap.String("error", r.Error))
		c.fallbackToRecentSearch(ctx, r.CorrelationID)
	}

	c.checkReady(ctx, r.CorrelationID)
}

// fallbackToRecentSearch abandons the vector leg: the record is marked as
// having its embedding resolved (unsuccessfully) and a recent search is
// issued in its place, so the join never waits on a vector that will not come.
func (c *Coordinator) fallbackToRecentSearch(ctx context.Context, id string) {
	pg, ok := c.pendingGens[id]
	if !ok {
		return
	}

	pg.embeddingReceived = true
	pg.queryVector = nil

	if err := c.out.SearchMemory(ctx, message.MemorySearchRequest{
		UserID:        pg.userID,
		CorrelationID: id,
		SearchType:    message.SearchRecent,
		Limit:         c.cfg.LTMContextLimit,
	}); err != nil {
		c.log.Warn("fallback memory search dispatch failed",
			zap.String("correlation_id", id), zap.Error(err))
	}
}

// checkReady evaluates the readiness predicate after every partial reply.
// Ready ⇔ STM received AND (LTM received OR not expected OR timed out). The
// embedding and LTM timeout checks here are opportunistic: they only run when
// some other reply arrives; the sweep is the guaranteed backstop.
func (c *Coordinator) checkReady(ctx context.Context, id string) {
	pg, ok := c.pendingGens[id]
	if !ok {
		return
	}

	if pg.expectingEmbedding && !pg.embeddingReceived {
		if !pg.ltmRequestedAt.IsZero() && c.now().Sub(pg.ltmRequestedAt) > c.cfg.EmbeddingReqTimeout {
			c.log.Warn("embedding timed out, falling back to recent search",
				zap.String("correlation_id", id))
			c.fallbackToRecentSearch(ctx, id)
			c.checkReady(ctx, id)
		}
		return
	}

	ltmTimeout := false
	if pg.expectingLTM && !pg.ltmReceived && !pg.ltmRequestedAt.IsZero() {
		if c.now().Sub(pg.ltmRequestedAt) > c.cfg.LTMRequestTimeout {
			ltmTimeout = true
			c.log.Warn("memory search timed out, continuing without memories",
				zap.String("correlation_id", id))
		}
	}

	if !pg.stmReceived {
		return
	}
	if pg.expectingLTM && !pg.ltmReceived && !ltmTimeout {
		return
	}

	delete(c.pendingGens, id)
	c.finishGeneration(ctx, id, pg)
}

// finishGeneration assembles the outbound payload from whatever the join
// accumulated and dispatches it exactly once.
func (c *Coordinator) finishGeneration(ctx context.Context, id string, pg *pendingGeneration) {
	historical := pg.stmContext
	if historical == nil {
		historical = []message.ContextMessage{}
	}
	memories := pg.ltmMemories
	if memories == nil {
		memories = []message.MemoryResult{}
	}

	if len(memories) > 0 {
		c.log.Info("generating with memories",
			zap.String("user_id", pg.userID),
			zap.Int("memories", len(memories)))
	}

	if err := c.out.Generate(ctx, message.GenerateRequest{
		UserID:            pg.userID,
		ChatID:            pg.chatID,
		Text:              pg.text,
		IncludePrompt:     pg.includePrompt,
		MessageCount:      pg.messageCount,
		Session:           pg.snapshot,
		Mode:              pg.mode,
		ModeConfidence:    pg.modeConfidence,
		HistoricalContext: historical,
		LTMMemories:       memories,
	}); err != nil {
		c.log.Error("generation dispatch failed",
			zap.String("correlation_id", id),
			zap.String("user_id", pg.userID),
			zap.Error(err))
	}
}
