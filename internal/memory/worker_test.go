package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/irisbot/iris/internal/message"
)

type recordingPublisher struct {
	queues   []string
	types    []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, queue, typ string, payload any) error {
	p.queues = append(p.queues, queue)
	p.types = append(p.types, typ)
	p.payloads = append(p.payloads, payload)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func envelope(t *testing.T, typ string, payload any) message.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return message.Envelope{Type: typ, Payload: raw}
}

func TestStoreThenContextReply(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	w := NewWorker(NewRepo(db), pub, zap.NewNop())
	ctx := context.Background()

	turns := []message.StoreMemory{
		{UserID: "u1", Role: "user", Content: "hello", Metadata: map[string]string{"display_name": "alice"}},
		{UserID: "u1", Role: "bot", Content: "hi there"},
		{UserID: "u1", Role: "user", Content: "how are you"},
		{UserID: "u2", Role: "user", Content: "other user"},
	}
	for _, s := range turns {
		if err := w.Handle(ctx, envelope(t, message.TypeStoreMemory, s)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	if err := w.Handle(ctx, envelope(t, message.TypeContextRequest, message.ContextRequest{
		UserID: "u1", CorrelationID: "corr-1", Limit: 20, Format: "structured",
	})); err != nil {
		t.Fatalf("context request: %v", err)
	}

	if len(pub.types) != 1 || pub.types[0] != message.TypeContextReply {
		t.Fatalf("published: %v", pub.types)
	}
	if pub.queues[0] != message.QueueCoordinator {
		t.Fatalf("reply queue: %q", pub.queues[0])
	}
	reply := pub.payloads[0].(message.ContextReply)
	if reply.CorrelationID != "corr-1" {
		t.Fatalf("correlation id: %q", reply.CorrelationID)
	}
	if len(reply.Messages) != 3 {
		t.Fatalf("messages: %d", len(reply.Messages))
	}
	// chronological order, oldest first
	if reply.Messages[0].Content != "hello" || reply.Messages[2].Content != "how are you" {
		t.Fatalf("order: %+v", reply.Messages)
	}
}

func TestContextReplyHonorsLimit(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	w := NewWorker(NewRepo(db), pub, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if err := w.Handle(ctx, envelope(t, message.TypeStoreMemory, message.StoreMemory{
			UserID: "u1", Role: "user", Content: "msg",
		})); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	if err := w.Handle(ctx, envelope(t, message.TypeContextRequest, message.ContextRequest{
		UserID: "u1", CorrelationID: "corr-2", Limit: 20,
	})); err != nil {
		t.Fatalf("context request: %v", err)
	}

	reply := pub.payloads[0].(message.ContextReply)
	if len(reply.Messages) != 20 {
		t.Fatalf("messages: %d, want 20", len(reply.Messages))
	}
}

func TestEmptyContextReply(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	w := NewWorker(NewRepo(db), pub, zap.NewNop())

	if err := w.Handle(context.Background(), envelope(t, message.TypeContextRequest, message.ContextRequest{
		UserID: "nobody", CorrelationID: "corr-3", Limit: 20,
	})); err != nil {
		t.Fatalf("context request: %v", err)
	}

	reply := pub.payloads[0].(message.ContextReply)
	if reply.Messages == nil || len(reply.Messages) != 0 {
		t.Fatalf("expected empty non-nil messages, got %+v", reply.Messages)
	}
}

func TestUnhandledTypeIsNoop(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	w := NewWorker(NewRepo(db), pub, zap.NewNop())

	if err := w.Handle(context.Background(), message.Envelope{Type: "mystery", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("unhandled type must not error: %v", err)
	}
	if len(pub.types) != 0 {
		t.Fatalf("nothing should be published")
	}
}
