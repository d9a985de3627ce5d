package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/event"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

// pendingLimit is a turn parked until its authorization verdict arrives.
// Removed exactly once: by the verdict handler or by the sweep.
type pendingLimit struct {
	userID      string
	chatID      string
	text        string
	displayName string
	session     *session.UserSession
	createdAt   time.Time
}

func limitWarningText(remaining, limit int) string {
	return fmt.Sprintf("Heads up: you have %d of %d free messages left today.", remaining, limit)
}

func limitExceededText(usage, limit int) string {
	return fmt.Sprintf("You've used all %d free messages for today (%d sent). Come back tomorrow!", limit, usage)
}

func subscriptionExpiringText(days int) string {
	if days <= 0 {
		return "Your subscription expires today."
	}
	return fmt.Sprintf("Your subscription expires in %d day(s).", days)
}

func (c *Coordinator) handleLimitVerdict(ctx context.Context, v message.LimitVerdict) {
	pl, ok := c.pendingLimits[v.CorrelationID]
	if !ok {
		c.log.Warn("limit verdict for unknown correlation id",
			zap.String("correlation_id", v.CorrelationID))
		return
	}
	delete(c.pendingLimits, v.CorrelationID)

	// A verdict that omits the limit falls back to the configured daily
	// limit; zero would otherwise deny every counted user.
	if v.Limit == 0 {
		v.Limit = c.cfg.DailyMessageLimit
	}

	// Warnings go out regardless of the allow/deny outcome.
	if v.ApproachingLimit {
		c.notify(ctx, pl.userID, pl.chatID, limitWarningText(v.MessagesRemaining, v.Limit))
	}
	if v.SubscriptionEnds {
		c.notify(ctx, pl.userID, pl.chatID, subscriptionExpiringText(v.SubscriptionDays))
	}

	if !v.Unlimited && v.UsageCount >= v.Limit {
		c.log.Warn("daily limit exceeded",
			zap.String("user_id", pl.userID),
			zap.Int("usage", v.UsageCount),
			zap.Int("limit", v.Limit))

		c.emit(ctx, event.New(pl.userID, event.TypeLimitExceeded, map[string]any{
			"user_id":     pl.userID,
			"usage_count": v.UsageCount,
			"daily_limit": v.Limit,
		}))
		c.notify(ctx, pl.userID, pl.chatID, limitExceededText(v.UsageCount, v.Limit))
		return
	}

	c.continueTurn(ctx, pl)
}

// continueTurn is the allowed path: mode detection, prompt decision, session
// bookkeeping, then the context/memory fan-out. Also entered by the sweep
// when the verdict never arrived and demo fallback is on.
func (c *Coordinator) continueTurn(ctx context.Context, pl *pendingLimit) {
	now := c.now()
	sess := pl.session

	if err := c.out.AnalyzeEmotion(ctx, message.EmotionAnalysisRequest{
		UserID: pl.userID,
		Text:   pl.text,
	}); err != nil {
		c.log.Warn("emotion analysis dispatch failed", zap.String("user_id", pl.userID), zap.Error(err))
	}

	mode, confidence := c.modes.Detect(pl.text, sess)
	changed, err := sess.SetMode(mode, confidence, now)
	if err != nil {
		// A policy producing out-of-range values is a bug; keep the
		// session's previous mode rather than failing the turn.
		c.log.Warn("mode rejected",
			zap.String("user_id", pl.userID),
			zap.String("mode", mode),
			zap.Float64("confidence", confidence),
			zap.Error(err))
		mode = sess.CurrentMode
		confidence = sess.ModeConfidence
	} else {
		sess.PushMode(mode)
	}

	c.log.Info("mode detected",
		zap.String("user_id", pl.userID),
		zap.String("mode", mode),
		zap.Float64("confidence", confidence),
		zap.Bool("changed", changed))

	if changed {
		c.emit(ctx, event.New(pl.userID, event.TypeModeChanged, map[string]any{
			"user_id":       pl.userID,
			"mode":          mode,
			"confidence":    confidence,
			"previous_mode": sess.PreviousMode(),
		}))
	}

	sess.Touch(now)

	includePrompt, reason := c.prompts.ShouldInclude(sess, changed)
	if includePrompt {
		c.emit(ctx, event.New(pl.userID, event.TypePromptInclusionDecided, map[string]any{
			"user_id":       pl.userID,
			"message_count": sess.MessageCount,
			"reason":        reason,
		}))
	}

	c.beginGeneration(ctx, pl, sess, includePrompt, now)
}

func (c *Coordinator) notify(ctx context.Context, userID, chatID, text string) {
	if err := c.out.Notify(ctx, message.Notice{UserID: userID, ChatID: chatID, Text: text}); err != nil {
		c.log.Warn("notify dispatch failed", zap.String("user_id", userID), zap.Error(err))
	}
}
