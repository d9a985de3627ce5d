package authsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/message"
)

// Usage is the store surface the worker needs; the redis Store satisfies it.
type Usage interface {
	IncrementUsage(ctx context.Context, userID string, now time.Time) (int, error)
	IsUnlimited(ctx context.Context, userID string) (bool, error)
	SubscriptionDaysLeft(ctx context.Context, userID string, now time.Time) (int, bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, queue, typ string, payload any) error
}

type Worker struct {
	usage   Usage
	pub     Publisher
	limit   int
	warnAt  int
	subWarn int
	log     *zap.Logger
	now     func() time.Time
}

func NewWorker(usage Usage, pub Publisher, limit, warnAt int, log *zap.Logger) *Worker {
	return &Worker{
		usage:   usage,
		pub:     pub,
		limit:   limit,
		warnAt:  warnAt,
		subWarn: 3,
		log:     log,
		now:     time.Now,
	}
}

func (w *Worker) Handle(ctx context.Context, env message.Envelope) error {
	if env.Type != message.TypeCheckLimit {
		w.log.Warn("unhandled event type", zap.String("type", env.Type))
		return nil
	}
	var r message.CheckLimit
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		return fmt.Errorf("decode limit check: %w", err)
	}
	verdict, err := w.verdict(ctx, r)
	if err != nil {
		return err
	}
	return w.pub.Publish(ctx, message.QueueCoordinator, message.TypeLimitVerdict, verdict)
}

// verdict builds the reply for one limit check. The usage counter counts
// messages already sent today, so the increment happens first and the prior
// value is reported: a user with limit 10 gets exactly 10 turns through.
func (w *Worker) verdict(ctx context.Context, r message.CheckLimit) (message.LimitVerdict, error) {
	now := w.now()
	v := message.LimitVerdict{CorrelationID: r.CorrelationID, Limit: w.limit}

	unlimited, err := w.usage.IsUnlimited(ctx, r.UserID)
	if err != nil {
		return v, fmt.Errorf("unlimited lookup for %s: %w", r.UserID, err)
	}
	if unlimited {
		v.Unlimited = true

		days, has, err := w.usage.SubscriptionDaysLeft(ctx, r.UserID, now)
		if err != nil {
			w.log.Warn("subscription lookup failed", zap.String("user_id", r.UserID), zap.Error(err))
			return v, nil
		}
		if has && days <= w.subWarn {
			v.SubscriptionEnds = true
			v.SubscriptionDays = days
		}
		return v, nil
	}

	n, err := w.usage.IncrementUsage(ctx, r.UserID, now)
	if err != nil {
		return v, fmt.Errorf("usage increment for %s: %w", r.UserID, err)
	}
	v.UsageCount = n - 1

	remaining := w.limit - n
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 0 && remaining <= w.warnAt {
		v.ApproachingLimit = true
		v.MessagesRemaining = remaining
	}
	return v, nil
}
