// Package memory is the short-term memory service: it persists conversation
// entries and answers the coordinator's context requests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/message"
)

// Publisher is the slice of the transport the worker needs to reply.
type Publisher interface {
	Publish(ctx context.Context, queue, typ string, payload any) error
}

type Worker struct {
	repo *Repo
	pub  Publisher
	log  *zap.Logger
}

func NewWorker(repo *Repo, pub Publisher, log *zap.Logger) *Worker {
	return &Worker{repo: repo, pub: pub, log: log}
}

// Handle processes one envelope from the memory queue.
func (w *Worker) Handle(ctx context.Context, env message.Envelope) error {
	switch env.Type {
	case message.TypeStoreMemory:
		var r message.StoreMemory
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return fmt.Errorf("decode store request: %w", err)
		}
		return w.store(ctx, r)
	case message.TypeContextRequest:
		var r message.ContextRequest
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return fmt.Errorf("decode context request: %w", err)
		}
		return w.replyContext(ctx, r)
	default:
		w.log.Warn("unhandled event type", zap.String("type", env.Type))
		return nil
	}
}

func (w *Worker) store(ctx context.Context, r message.StoreMemory) error {
	var meta string
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	return w.repo.InsertMessage(ctx, &Message{
		UserID:   r.UserID,
		Role:     r.Role,
		Content:  r.Content,
		Metadata: meta,
	})
}

// replyContext answers with the newest messages in chronological order; the
// repo returns them newest-first, so the slice is reversed before replying.
func (w *Worker) replyContext(ctx context.Context, r message.ContextRequest) error {
	msgs, err := w.repo.ListRecentMessagesDesc(ctx, r.UserID, r.Limit)
	if err != nil {
		return fmt.Errorf("list recent messages: %w", err)
	}

	out := make([]message.ContextMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, message.ContextMessage{Role: msgs[i].Role, Content: msgs[i].Content})
	}

	return w.pub.Publish(ctx, message.QueueCoordinator, message.TypeContextReply, message.ContextReply{
		CorrelationID: r.CorrelationID,
		Messages:      out,
	})
}
