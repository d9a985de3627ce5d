package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/message"
)

type Publisher interface {
	Publish(ctx context.Context, queue, typ string, payload any) error
}

// Worker consumes generation requests, runs the provider, and publishes the
// reply: once as a user-visible notice and once back to the coordinator so
// it can update its session state.
type Worker struct {
	reg      *Registry
	provider string
	model    string
	pub      Publisher
	log      *zap.Logger
}

func NewWorker(reg *Registry, provider, model string, pub Publisher, log *zap.Logger) *Worker {
	return &Worker{reg: reg, provider: provider, model: model, pub: pub, log: log}
}

func (w *Worker) Handle(ctx context.Context, env message.Envelope) error {
	if env.Type != message.TypeGenerateRequest {
		w.log.Warn("unhandled event type", zap.String("type", env.Type))
		return nil
	}
	var req message.GenerateRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("decode generate request: %w", err)
	}
	return w.generate(ctx, req)
}

func (w *Worker) generate(ctx context.Context, req message.GenerateRequest) error {
	provider, err := w.reg.Get(ctx, w.provider, w.model)
	if err != nil {
		return err
	}

	start := time.Now()
	reply, err := provider.Chat(ctx, buildMessages(req))
	if err != nil {
		return fmt.Errorf("chat completion for %s: %w", req.UserID, err)
	}

	w.log.Info("reply generated",
		zap.String("user_id", req.UserID),
		zap.String("mode", req.Mode),
		zap.Int("history", len(req.HistoricalContext)),
		zap.Int("memories", len(req.LTMMemories)),
		zap.Duration("cost", time.Since(start)))

	if err := w.pub.Publish(ctx, message.QueueNotify, message.TypeNotice, message.Notice{
		UserID: req.UserID,
		ChatID: req.ChatID,
		Text:   reply,
	}); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}

	return w.pub.Publish(ctx, message.QueueCoordinator, message.TypeBotResponseRecorded,
		message.BotResponseRecorded{UserID: req.UserID, Text: reply})
}
