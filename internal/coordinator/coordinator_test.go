package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/config"
	"github.com/irisbot/iris/internal/event"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/session"
)

// fakeOutbound records every dispatch.
type fakeOutbound struct {
	limitChecks []message.CheckLimit
	stored      []message.StoreMemory
	contextReqs []message.ContextRequest
	searches    []message.MemorySearchRequest
	embeddings  []message.EmbeddingRequest
	emotions    []message.EmotionAnalysisRequest
	evals       []message.MemoryEvaluation
	generated   []message.GenerateRequest
	notices     []message.Notice
}

func (f *fakeOutbound) CheckLimit(_ context.Context, r message.CheckLimit) error {
	f.limitChecks = append(f.limitChecks, r)
	return nil
}
func (f *fakeOutbound) StoreMemory(_ context.Context, r message.StoreMemory) error {
	f.stored = append(f.stored, r)
	return nil
}
func (f *fakeOutbound) RequestContext(_ context.Context, r message.ContextRequest) error {
	f.contextReqs = append(f.contextReqs, r)
	return nil
}
func (f *fakeOutbound) SearchMemory(_ context.Context, r message.MemorySearchRequest) error {
	f.searches = append(f.searches, r)
	return nil
}
func (f *fakeOutbound) RequestEmbedding(_ context.Context, r message.EmbeddingRequest) error {
	f.embeddings = append(f.embeddings, r)
	return nil
}
func (f *fakeOutbound) AnalyzeEmotion(_ context.Context, r message.EmotionAnalysisRequest) error {
	f.emotions = append(f.emotions, r)
	return nil
}
func (f *fakeOutbound) EvaluateMemory(_ context.Context, r message.MemoryEvaluation) error {
	f.evals = append(f.evals, r)
	return nil
}
func (f *fakeOutbound) Generate(_ context.Context, r message.GenerateRequest) error {
	f.generated = append(f.generated, r)
	return nil
}
func (f *fakeOutbound) Notify(_ context.Context, n message.Notice) error {
	f.notices = append(f.notices, n)
	return nil
}

type recordingSink struct {
	events []event.Event
}

func (s *recordingSink) Append(_ context.Context, e event.Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) ofType(typ string) []event.Event {
	var out []event.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type stubModePolicy struct {
	mode string
	conf float64
}

func (p stubModePolicy) Detect(string, *session.UserSession) (string, float64) {
	return p.mode, p.conf
}

type stubPromptPolicy struct{ include bool }

func (p stubPromptPolicy) ShouldInclude(*session.UserSession, bool) (bool, string) {
	return p.include, "stub"
}

type stubMemoryPolicy struct {
	need       bool
	searchType string
	save       bool
}

func (p stubMemoryPolicy) ShouldSearch(string, *session.UserSession) (bool, string) {
	return p.need, p.searchType
}
func (p stubMemoryPolicy) ShouldSave(map[string]float64) bool { return p.save }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() config.Config {
	return config.Config{
		DailyMessageLimit:     10,
		STMContextSize:        20,
		ContextRequestTimeout: 30 * time.Second,
		AuthCheckTimeout:      2 * time.Second,
		AuthFallbackToDemo:    true,
		ModeHistorySize:       5,
		CacheMetricsSize:      100,
		SweepInterval:         10 * time.Second,
		LTMEnabled:            true,
		LTMContextLimit:       3,
		LTMRequestTimeout:     500 * time.Millisecond,
		EmbeddingReqTimeout:   2 * time.Second,
	}
}

type harness struct {
	c    *Coordinator
	out  *fakeOutbound
	sink *recordingSink
	clk  *fakeClock
}

func newHarness(cfg config.Config, mem stubMemoryPolicy) *harness {
	out := &fakeOutbound{}
	sink := &recordingSink{}
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	c := New(cfg, zap.NewNop(), out, sink,
		stubModePolicy{mode: session.ModeTalk, conf: 0.5},
		stubPromptPolicy{include: true},
		mem)
	c.now = clk.now
	seq := 0
	c.newID = func() string {
		seq++
		return fmt.Sprintf("cid-%d", seq)
	}
	return &harness{c: c, out: out, sink: sink, clk: clk}
}

func (h *harness) ingestTurn(t *testing.T, userID, text string) (limitID string) {
	t.Helper()
	h.c.handleUserTurn(context.Background(), message.UserTurn{
		UserID: userID, ChatID: "chat-" + userID, Text: text, DisplayName: "alice",
	})
	if len(h.out.limitChecks) == 0 {
		t.Fatalf("no limit check dispatched")
	}
	return h.out.limitChecks[len(h.out.limitChecks)-1].CorrelationID
}

func (h *harness) allow(t *testing.T, limitID string) (genID string) {
	t.Helper()
	before := len(h.out.contextReqs)
	h.c.handleLimitVerdict(context.Background(), message.LimitVerdict{
		CorrelationID: limitID, Unlimited: false, UsageCount: 1, Limit: 10,
	})
	if len(h.out.contextReqs) != before+1 {
		t.Fatalf("verdict did not continue the turn: %d context requests", len(h.out.contextReqs))
	}
	return h.out.contextReqs[len(h.out.contextReqs)-1].CorrelationID
}

func TestHappyPathWithoutLTM(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	limitID := h.ingestTurn(t, "42", "hi")

	// turn ingestion side effects
	if len(h.out.stored) != 1 || h.out.stored[0].Role != "user" {
		t.Fatalf("expected one user memory write, got %+v", h.out.stored)
	}
	if got := len(h.sink.ofType(event.TypeSessionCreated)); got != 1 {
		t.Fatalf("session created events: %d", got)
	}
	// nothing fans out before the verdict
	if len(h.out.contextReqs) != 0 || len(h.out.emotions) != 0 {
		t.Fatalf("fan-out before verdict")
	}

	genID := h.allow(t, limitID)
	if len(h.out.emotions) != 1 {
		t.Fatalf("emotion analysis not dispatched on continuation")
	}
	if len(h.out.searches) != 0 || len(h.out.embeddings) != 0 {
		t.Fatalf("LTM disabled but memory fan-out happened")
	}

	h.c.handleContextReply(ctx, message.ContextReply{
		CorrelationID: genID,
		Messages:      []message.ContextMessage{{Role: "user", Content: "hello"}},
	})

	if len(h.out.generated) != 1 {
		t.Fatalf("generated: %d, want 1", len(h.out.generated))
	}
	g := h.out.generated[0]
	if g.UserID != "42" || g.Text != "hi" || !g.IncludePrompt {
		t.Fatalf("unexpected generate payload: %+v", g)
	}
	if len(g.HistoricalContext) != 1 || g.HistoricalContext[0].Content != "hello" {
		t.Fatalf("historical context: %+v", g.HistoricalContext)
	}
	if g.LTMMemories == nil || len(g.LTMMemories) != 0 {
		t.Fatalf("memories should be empty non-nil, got %+v", g.LTMMemories)
	}
	if g.MessageCount != 1 || g.Session.DisplayName != "alice" {
		t.Fatalf("session snapshot: %+v", g)
	}
}

func TestRecentSearchJoin(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchRecent})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "remember me?"))

	if len(h.out.searches) != 1 || h.out.searches[0].SearchType != message.SearchRecent {
		t.Fatalf("expected a recent search, got %+v", h.out.searches)
	}

	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: genID})
	if len(h.out.generated) != 0 {
		t.Fatalf("join completed before memory reply")
	}

	h.c.handleMemoryReply(ctx, message.MemoryReply{
		CorrelationID: genID,
		Success:       true,
		Results:       []message.MemoryResult{{Content: "met at the lake"}},
	})

	if len(h.out.generated) != 1 {
		t.Fatalf("generated: %d", len(h.out.generated))
	}
	if len(h.out.generated[0].LTMMemories) != 1 {
		t.Fatalf("memories: %+v", h.out.generated[0].LTMMemories)
	}
}

func TestVectorSearchChainsOffEmbedding(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchVector})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "tell me about our trip"))

	if len(h.out.embeddings) != 1 {
		t.Fatalf("expected embedding request, got %+v", h.out.embeddings)
	}
	if len(h.out.searches) != 0 {
		t.Fatalf("vector search must wait for the embedding")
	}

	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: genID})
	h.c.handleEmbeddingReply(ctx, message.EmbeddingReply{
		CorrelationID: genID, Success: true, Vector: []float32{0.1, 0.2},
	})

	if len(h.out.searches) != 1 {
		t.Fatalf("expected chained vector search, got %d", len(h.out.searches))
	}
	sr := h.out.searches[0]
	if sr.SearchType != message.SearchVector || len(sr.QueryVector) != 2 {
		t.Fatalf("unexpected search: %+v", sr)
	}
	if len(h.out.generated) != 0 {
		t.Fatalf("join completed before the vector search answered")
	}

	h.c.handleMemoryReply(ctx, message.MemoryReply{CorrelationID: genID, Success: true})
	if len(h.out.generated) != 1 {
		t.Fatalf("generated: %d", len(h.out.generated))
	}
}

func TestEmbeddingFailureFallsBackToRecent(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchVector})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "long enough text here"))

	h.c.handleEmbeddingReply(ctx, message.EmbeddingReply{
		CorrelationID: genID, Success: false, Error: "model offline",
	})

	if len(h.out.searches) != 1 || h.out.searches[0].SearchType != message.SearchRecent {
		t.Fatalf("expected recent fallback search, got %+v", h.out.searches)
	}

	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: genID})
	h.c.handleMemoryReply(ctx, message.MemoryReply{CorrelationID: genID, Success: true})
	if len(h.out.generated) != 1 {
		t.Fatalf("generated: %d", len(h.out.generated))
	}
}

func TestEmptyEmbeddingFallsBackToRecent(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchVector})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "another long enough text"))

	h.c.handleEmbeddingReply(ctx, message.EmbeddingReply{CorrelationID: genID, Success: true})

	if len(h.out.searches) != 1 || h.out.searches[0].SearchType != message.SearchRecent {
		t.Fatalf("expected recent fallback search, got %+v", h.out.searches)
	}
}

func TestEmbeddingTimeoutResolvedOpportunistically(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchVector})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "some long enough question"))

	// The embedding never answers; the STM reply arrives after the embedding
	// sub-timeout (and the LTM timeout) has passed.
	h.clk.advance(3 * time.Second)
	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: genID})

	// Fallback search was issued, but the join is already past the LTM
	// deadline, so generation proceeds without memories.
	if len(h.out.searches) != 1 || h.out.searches[0].SearchType != message.SearchRecent {
		t.Fatalf("expected fallback search, got %+v", h.out.searches)
	}
	if len(h.out.generated) != 1 {
		t.Fatalf("generated: %d", len(h.out.generated))
	}
	if len(h.out.generated[0].LTMMemories) != 0 {
		t.Fatalf("expected no memories, got %+v", h.out.generated[0].LTMMemories)
	}

	// The late search reply finds nothing to resolve.
	h.c.handleMemoryReply(ctx, message.MemoryReply{
		CorrelationID: genID, Success: true,
		Results: []message.MemoryResult{{Content: "late"}},
	})
	if len(h.out.generated) != 1 {
		t.Fatalf("late reply must not generate again")
	}
}

func TestMemoryFailureDegradesToEmpty(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchRecent})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "hello"))

	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: genID})
	h.c.handleMemoryReply(ctx, message.MemoryReply{
		CorrelationID: genID, Success: false, Error: "db down",
	})

	if len(h.out.generated) != 1 {
		t.Fatalf("generated: %d", len(h.out.generated))
	}
	if len(h.out.generated[0].LTMMemories) != 0 {
		t.Fatalf("failed search must degrade to empty memories")
	}
}

func TestLTMTimeoutCheckedOnContextArrival(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchRecent})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "1", "hi"))

	h.clk.advance(time.Second) // past the 500ms LTM deadline
	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: genID})

	if len(h.out.generated) != 1 {
		t.Fatalf("expected generation despite missing memory reply, got %d", len(h.out.generated))
	}
}

func TestSweepForcesGenerationWithoutContext(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	h.allow(t, h.ingestTurn(t, "7", "anyone there?"))

	h.clk.advance(31 * time.Second)
	h.c.sweep(ctx)

	if len(h.out.generated) != 1 {
		t.Fatalf("sweep should force completion, generated=%d", len(h.out.generated))
	}
	g := h.out.generated[0]
	if len(g.HistoricalContext) != 0 || g.HistoricalContext == nil {
		t.Fatalf("forced completion must carry empty context, got %+v", g.HistoricalContext)
	}

	// Another sweep is a no-op: the record is gone.
	h.c.sweep(ctx)
	if len(h.out.generated) != 1 {
		t.Fatalf("record resolved twice")
	}
}

func TestSweepAuthTimeoutDemoFallback(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchRecent})
	ctx := context.Background()

	h.ingestTurn(t, "9", "hello?")
	if len(h.out.contextReqs) != 0 {
		t.Fatalf("turn advanced before verdict")
	}

	h.clk.advance(3 * time.Second)
	h.c.sweep(ctx)

	// demo fallback continues the turn exactly like an allowed verdict
	if len(h.out.contextReqs) != 1 || len(h.out.searches) != 1 {
		t.Fatalf("demo fallback did not fan out: ctx=%d ltm=%d",
			len(h.out.contextReqs), len(h.out.searches))
	}
}

func TestSweepAuthTimeoutDropWhenFallbackDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AuthFallbackToDemo = false
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	limitID := h.ingestTurn(t, "9", "hello?")

	h.clk.advance(3 * time.Second)
	h.c.sweep(ctx)

	if len(h.out.contextReqs) != 0 || len(h.out.generated) != 0 {
		t.Fatalf("dropped turn must not fan out")
	}

	// The verdict arriving late hits an unknown correlation id.
	h.c.handleLimitVerdict(ctx, message.LimitVerdict{CorrelationID: limitID, Unlimited: true})
	if len(h.out.contextReqs) != 0 {
		t.Fatalf("late verdict must be ignored")
	}
}

func TestLimitDenied(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{})
	ctx := context.Background()

	limitID := h.ingestTurn(t, "10", "one more")

	h.c.handleLimitVerdict(ctx, message.LimitVerdict{
		CorrelationID: limitID, Unlimited: false, UsageCount: 10, Limit: 10,
	})

	if len(h.out.contextReqs) != 0 || len(h.out.generated) != 0 {
		t.Fatalf("denied turn must not continue")
	}
	if got := len(h.sink.ofType(event.TypeLimitExceeded)); got != 1 {
		t.Fatalf("limit exceeded events: %d", got)
	}
	if len(h.out.notices) != 1 {
		t.Fatalf("expected a user-visible limit notice, got %d", len(h.out.notices))
	}
}

func TestVerdictWarningsGoOutOnAllow(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{})
	ctx := context.Background()

	limitID := h.ingestTurn(t, "11", "hey")

	h.c.handleLimitVerdict(ctx, message.LimitVerdict{
		CorrelationID:     limitID,
		UsageCount:        8,
		Limit:             10,
		ApproachingLimit:  true,
		MessagesRemaining: 2,
		SubscriptionEnds:  true,
		SubscriptionDays:  1,
	})

	if len(h.out.notices) != 2 {
		t.Fatalf("expected both warnings, got %d", len(h.out.notices))
	}
	if len(h.out.contextReqs) != 1 {
		t.Fatalf("warnings must not block the allowed turn")
	}
}

func TestDuplicateRepliesAreIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	genID := h.allow(t, h.ingestTurn(t, "12", "hi"))

	reply := message.ContextReply{
		CorrelationID: genID,
		Messages:      []message.ContextMessage{{Role: "user", Content: "x"}},
	}
	h.c.handleContextReply(ctx, reply)
	h.c.handleContextReply(ctx, reply)
	h.c.handleMemoryReply(ctx, message.MemoryReply{CorrelationID: genID, Success: true})
	h.c.handleEmbeddingReply(ctx, message.EmbeddingReply{CorrelationID: genID, Success: true})

	if len(h.out.generated) != 1 {
		t.Fatalf("exactly one generation expected, got %d", len(h.out.generated))
	}
}

func TestUnknownCorrelationIgnored(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{})
	ctx := context.Background()

	h.c.handleLimitVerdict(ctx, message.LimitVerdict{CorrelationID: "nope"})
	h.c.handleContextReply(ctx, message.ContextReply{CorrelationID: "nope"})
	h.c.handleMemoryReply(ctx, message.MemoryReply{CorrelationID: "nope"})
	h.c.handleEmbeddingReply(ctx, message.EmbeddingReply{CorrelationID: "nope"})

	if len(h.out.generated) != 0 || len(h.out.notices) != 0 {
		t.Fatalf("unknown correlation ids must be inert")
	}
}

func TestEmotionAndBotResponseTrigger(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{need: true, searchType: message.SearchRecent, save: true})
	ctx := context.Background()

	h.ingestTurn(t, "13", "I finally got the job!")

	// Bot response before emotions: no evaluation (trigger incomplete).
	h.c.handleBotResponse(ctx, message.BotResponseRecorded{UserID: "13", Text: "congrats!"})
	if len(h.out.evals) != 0 {
		t.Fatalf("evaluation fired without emotions")
	}
	// ...but the bot reply is stored to memory regardless.
	var botStores int
	for _, m := range h.out.stored {
		if m.Role == "bot" {
			botStores++
		}
	}
	if botStores != 1 {
		t.Fatalf("bot memory writes: %d", botStores)
	}

	h.c.handleEmotionResult(ctx, message.EmotionResult{
		UserID:           "13",
		Emotions:         map[string]float64{"joy": 0.9},
		DominantEmotions: []string{"joy"},
	})
	if got := len(h.sink.ofType(event.TypeEmotionDetected)); got != 1 {
		t.Fatalf("emotion events: %d", got)
	}

	// Now all three pieces are cached: the next bot response evaluates.
	h.c.handleBotResponse(ctx, message.BotResponseRecorded{UserID: "13", Text: "tell me more"})
	if len(h.out.evals) != 1 {
		t.Fatalf("evaluations: %d", len(h.out.evals))
	}
	ev := h.out.evals[0]
	if ev.UserText != "I finally got the job!" || ev.BotResponse != "tell me more" {
		t.Fatalf("unexpected evaluation payload: %+v", ev)
	}
}

func TestInvalidModeFromPolicyDoesNotFailTurn(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	out := &fakeOutbound{}
	sink := &recordingSink{}
	clk := &fakeClock{t: time.Now()}

	c := New(cfg, zap.NewNop(), out, sink,
		stubModePolicy{mode: "philosopher", conf: 0.9},
		stubPromptPolicy{}, stubMemoryPolicy{})
	c.now = clk.now
	c.newID = func() string { return "only" }

	ctx := context.Background()
	c.handleUserTurn(ctx, message.UserTurn{UserID: "14", ChatID: "c", Text: "hm"})
	c.handleLimitVerdict(ctx, message.LimitVerdict{CorrelationID: "only", Unlimited: true})

	if len(out.contextReqs) != 1 {
		t.Fatalf("turn should continue despite rejected mode")
	}
	if got := c.sessions.Get("14").CurrentMode; got != session.ModeTalk {
		t.Fatalf("session mode mutated by invalid assignment: %q", got)
	}
}

func TestDispatchRoutesEnvelopes(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	body, err := message.Encode(message.TypeUserTurn, message.UserTurn{
		UserID: "15", ChatID: "c", Text: "via envelope",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := message.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	h.c.dispatch(ctx, env)
	if len(h.out.limitChecks) != 1 {
		t.Fatalf("envelope dispatch did not reach the turn handler")
	}

	// Unknown types and broken payloads are dropped without effect.
	h.c.dispatch(ctx, message.Envelope{Type: "mystery", Payload: []byte(`{}`)})
	h.c.dispatch(ctx, message.Envelope{Type: message.TypeUserTurn, Payload: []byte(`[1,2]`)})
	if len(h.out.limitChecks) != 1 {
		t.Fatalf("bad envelopes must be inert")
	}
}

func TestModeHistoryCapHolds(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	cfg.ModeHistorySize = 3
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		limitID := h.ingestTurn(t, "16", "hello again")
		h.c.handleLimitVerdict(ctx, message.LimitVerdict{CorrelationID: limitID, Unlimited: true})
	}

	sess := h.c.sessions.Get("16")
	if len(sess.ModeHistory) != 3 {
		t.Fatalf("mode history len: %d, want 3", len(sess.ModeHistory))
	}
	if sess.MessageCount != 6 {
		t.Fatalf("message count: %d", sess.MessageCount)
	}
}

func TestRunStopsAndClearsRegistry(t *testing.T) {
	cfg := testConfig()
	cfg.LTMEnabled = false
	h := newHarness(cfg, stubMemoryPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx)
		close(done)
	}()

	body, err := message.Encode(message.TypeUserTurn, message.UserTurn{
		UserID: "17", ChatID: "c", Text: "hello",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, _ := message.Decode(body)
	h.c.Enqueue(env)

	// Wait until the loop has consumed the event.
	deadline := time.After(2 * time.Second)
	for {
		if len(h.c.inbox) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("dispatch loop did not drain the inbox")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancellation")
	}

	if h.c.sessions.Len() != 0 {
		t.Fatalf("registry not cleared on shutdown")
	}
}

func TestVerdictWithoutLimitUsesConfiguredDefault(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{})
	ctx := context.Background()

	// Field omitted on the wire decodes to zero; a counted user under the
	// configured limit must still be allowed through.
	limitID := h.ingestTurn(t, "18", "still here")
	h.c.handleLimitVerdict(ctx, message.LimitVerdict{
		CorrelationID: limitID, Unlimited: false, UsageCount: 3,
	})
	if len(h.out.contextReqs) != 1 {
		t.Fatalf("turn denied despite usage under the default limit")
	}
	if got := len(h.sink.ofType(event.TypeLimitExceeded)); got != 0 {
		t.Fatalf("limit exceeded events: %d", got)
	}

	// The default still denies once usage reaches it.
	limitID = h.ingestTurn(t, "19", "one more")
	h.c.handleLimitVerdict(ctx, message.LimitVerdict{
		CorrelationID: limitID, Unlimited: false, UsageCount: 10,
	})
	if len(h.out.contextReqs) != 1 {
		t.Fatalf("usage at the default limit must deny")
	}
	if got := len(h.sink.ofType(event.TypeLimitExceeded)); got != 1 {
		t.Fatalf("limit exceeded events: %d", got)
	}
}

func TestBotResponseStoredWithoutSession(t *testing.T) {
	h := newHarness(testConfig(), stubMemoryPolicy{save: true})
	ctx := context.Background()

	h.c.handleBotResponse(ctx, message.BotResponseRecorded{UserID: "20", Text: "late reply"})

	if len(h.out.stored) != 1 {
		t.Fatalf("bot memory writes: %d, want 1", len(h.out.stored))
	}
	if m := h.out.stored[0]; m.Role != "bot" || m.Content != "late reply" {
		t.Fatalf("unexpected memory write: %+v", m)
	}
	// No session means no cached emotions: nothing to evaluate, and the
	// write must not conjure a session either.
	if len(h.out.evals) != 0 {
		t.Fatalf("evaluation fired without a session")
	}
	if h.c.sessions.Get("20") != nil {
		t.Fatalf("bot response created a session")
	}
}

func TestCacheMetricsAccumulateAndStayBounded(t *testing.T) {
	cfg := testConfig()
	cfg.CacheMetricsSize = 3
	h := newHarness(cfg, stubMemoryPolicy{})
	ctx := context.Background()

	h.ingestTurn(t, "21", "hi")

	for i := 0; i < 5; i++ {
		body, err := message.Encode(message.TypeCacheHitMetric, message.CacheHitMetric{
			UserID: "21", HitRate: float64(i) / 10,
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		env, err := message.Decode(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		h.c.dispatch(ctx, env)
	}

	sess := h.c.sessions.Get("21")
	if len(sess.CacheMetrics) != 3 {
		t.Fatalf("cache metrics len: %d, want 3", len(sess.CacheMetrics))
	}
	// Oldest entries were evicted.
	if sess.CacheMetrics[0] != 0.2 || sess.CacheMetrics[2] != 0.4 {
		t.Fatalf("cache metrics window: %v", sess.CacheMetrics)
	}

	// Metrics for users without a session are inert.
	h.c.handleCacheHitMetric(message.CacheHitMetric{UserID: "nobody", HitRate: 0.5})
	if h.c.sessions.Get("nobody") != nil {
		t.Fatalf("cache metric created a session")
	}
}
