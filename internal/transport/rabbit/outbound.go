package rabbit

import (
	"context"

	"github.com/irisbot/iris/internal/message"
)

// Outbound routes each coordinator dispatch to the owning service's queue.
type Outbound struct {
	pub *Publisher
}

func NewOutbound(pub *Publisher) *Outbound {
	return &Outbound{pub: pub}
}

// Queues returns every queue the outbound publishes to, for upfront
// declaration.
func (o *Outbound) Queues() []string {
	return []string{
		message.QueueAuth,
		message.QueueMemory,
		message.QueueLTM,
		message.QueueGeneration,
		message.QueuePerception,
		message.QueueNotify,
	}
}

func (o *Outbound) CheckLimit(ctx context.Context, r message.CheckLimit) error {
	return o.pub.Publish(ctx, message.QueueAuth, message.TypeCheckLimit, r)
}

func (o *Outbound) StoreMemory(ctx context.Context, r message.StoreMemory) error {
	return o.pub.Publish(ctx, message.QueueMemory, message.TypeStoreMemory, r)
}

func (o *Outbound) RequestContext(ctx context.Context, r message.ContextRequest) error {
	return o.pub.Publish(ctx, message.QueueMemory, message.TypeContextRequest, r)
}

func (o *Outbound) SearchMemory(ctx context.Context, r message.MemorySearchRequest) error {
	return o.pub.Publish(ctx, message.QueueLTM, message.TypeMemorySearchRequest, r)
}

func (o *Outbound) RequestEmbedding(ctx context.Context, r message.EmbeddingRequest) error {
	return o.pub.Publish(ctx, message.QueueLTM, message.TypeEmbeddingRequest, r)
}

func (o *Outbound) AnalyzeEmotion(ctx context.Context, r message.EmotionAnalysisRequest) error {
	return o.pub.Publish(ctx, message.QueuePerception, message.TypeEmotionAnalysis, r)
}

func (o *Outbound) EvaluateMemory(ctx context.Context, r message.MemoryEvaluation) error {
	return o.pub.Publish(ctx, message.QueueLTM, message.TypeMemoryEvaluation, r)
}

func (o *Outbound) Generate(ctx context.Context, r message.GenerateRequest) error {
	return o.pub.Publish(ctx, message.QueueGeneration, message.TypeGenerateRequest, r)
}

func (o *Outbound) Notify(ctx context.Context, n message.Notice) error {
	return o.pub.Publish(ctx, message.QueueNotify, message.TypeNotice, n)
}
