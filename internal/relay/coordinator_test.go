package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	relaydb "github.com/zulandar/relay/internal/db"
	"github.com/zulandar/relay/internal/dedup"
	"github.com/zulandar/relay/internal/normalize"
	"github.com/zulandar/relay/internal/ratelimit"
	"github.com/zulandar/relay/internal/retry"
	"github.com/zulandar/relay/internal/session"
	"github.com/zulandar/relay/internal/state"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testAdminID = "bot-admin"

func openRelayTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := relaydb.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestClock() *testClock { return &testClock{t: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type harness struct {
	db        *gorm.DB
	clock     *testClock
	store     *session.Store
	dedup     *dedup.Deduplicator
	limiter   *ratelimit.Limiter
	policy    *retry.Policy
	platform  *MockPlatform
	responder *MockResponder
	sink      *RecordingSink
	coord     *Coordinator
}

type harnessOpts struct {
	limits         ratelimit.Limits
	releasePhrases []string
	stopFile       string
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	h := &harness{
		db:        openRelayTestDB(t),
		clock:     newTestClock(),
		platform:  NewMockPlatform(),
		responder: NewMockResponder(),
		sink:      &RecordingSink{},
	}
	var err error
	h.store, err = session.NewStore(session.StoreOpts{DB: h.db, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h.dedup, err = dedup.New(dedup.Opts{DB: h.db, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("dedup.New: %v", err)
	}
	limits := ho.limits
	if limits == (ratelimit.Limits{}) {
		limits = ratelimit.DefaultLimits()
	}
	h.limiter, err = ratelimit.New(ratelimit.Opts{DB: h.db, Limits: limits, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	h.policy = retry.New(retry.Opts{Sleep: noSleep, Logger: discardLogger()})
	h.coord, err = NewCoordinator(CoordinatorOpts{
		DB:        h.db,
		Sessions:  h.store,
		Dedup:     h.dedup,
		Limiter:   h.limiter,
		Policy:    h.policy,
		Platform:  h.platform,
		Responder: h.responder,
		Normalizer: Normalizer{Classifier: normalize.Classifier{
			SelfAdminID:    testAdminID,
			BotNameMarkers: []string{"bot"},
		}},
		Events:            h.sink,
		Logger:            discardLogger(),
		SelfAdminID:       testAdminID,
		ReleasePhrases:    ho.releasePhrases,
		EmergencyStopFile: ho.stopFile,
		Now:               h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return h
}

func (h *harness) record(t *testing.T, id string) *recordView {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return &recordView{state: state.State(rec.State), session: rec.SessionID(), watermark: rec.LastProcessedAt}
}

type recordView struct {
	state     state.State
	session   string
	watermark *time.Time
}

func userMsg(conv, msgID, text string, at time.Time) InboundEvent {
	return InboundEvent{
		DeliveryID:     "dlv-" + msgID,
		ConversationID: conv,
		MessageID:      msgID,
		Text:           text,
		Author:         normalize.Author{ID: "user-1", Type: "user", Name: "Dana"},
		OccurredAt:     at,
		Source:         SourceWebhook,
	}
}

func adminMsg(conv, msgID, text string, at time.Time) InboundEvent {
	return InboundEvent{
		DeliveryID:     "dlv-" + msgID,
		ConversationID: conv,
		MessageID:      msgID,
		Text:           text,
		Author:         normalize.Author{ID: "agent-7", Type: "admin", Name: "Alice"},
		OccurredAt:     at,
		Source:         SourceWebhook,
	}
}

func selfMsg(conv, msgID, text string, at time.Time) InboundEvent {
	return InboundEvent{
		ConversationID: conv,
		MessageID:      msgID,
		Text:           text,
		Author:         normalize.Author{ID: testAdminID, Type: "admin", Name: "Support Bot"},
		OccurredAt:     at,
		Source:         SourcePoll,
	}
}

func assertOutcome(t *testing.T, got Outcome, want OutcomeKind) {
	t.Helper()
	if got.Kind != want {
		t.Fatalf("Outcome = %s (err %v), want %s", got.Kind, got.Err, want)
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewCoordinator_Validation(t *testing.T) {
	db := openRelayTestDB(t)
	store, _ := session.NewStore(session.StoreOpts{DB: db})
	dd, _ := dedup.New(dedup.Opts{DB: db})
	lim, _ := ratelimit.New(ratelimit.Opts{DB: db})
	full := CoordinatorOpts{
		DB: db, Sessions: store, Dedup: dd, Limiter: lim,
		Platform: NewMockPlatform(), Responder: NewMockResponder(), SelfAdminID: testAdminID,
	}

	tests := []struct {
		name   string
		mutate func(*CoordinatorOpts)
		want   string
	}{
		{"nil db", func(o *CoordinatorOpts) { o.DB = nil }, "db is required"},
		{"nil store", func(o *CoordinatorOpts) { o.Sessions = nil }, "session store"},
		{"nil platform", func(o *CoordinatorOpts) { o.Platform = nil }, "platform is required"},
		{"nil responder", func(o *CoordinatorOpts) { o.Responder = nil }, "responder is required"},
		{"no admin id", func(o *CoordinatorOpts) { o.SelfAdminID = "" }, "self admin id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.mutate(&opts)
			_, err := NewCoordinator(opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}

	if _, err := NewCoordinator(full); err != nil {
		t.Errorf("NewCoordinator(full): %v", err)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestHandle_ScenarioC1(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	hello := userMsg("C1", "m1", "<p>Hello</p>", t0)
	out := h.coord.Handle(ctx, hello)
	assertOutcome(t, out, OutcomeReplied)
	if out.Reply != "AI: Hello" {
		t.Errorf("Reply = %q, want %q", out.Reply, "AI: Hello")
	}
	if got := h.record(t, "C1").state; got != state.AwaitingUserReply {
		t.Errorf("state = %s, want %s", got, state.AwaitingUserReply)
	}
	last, _ := h.platform.LastSent()
	if last.ActorID != testAdminID {
		t.Errorf("ActorID = %q, want %q", last.ActorID, testAdminID)
	}

	// Redelivery of the same webhook.
	assertOutcome(t, h.coord.Handle(ctx, hello), OutcomeDuplicate)
	if h.platform.SentCount() != 1 {
		t.Fatalf("SentCount = %d after redelivery, want 1", h.platform.SentCount())
	}

	thanks := userMsg("C1", "m2", "thanks", t0.Add(time.Minute))
	out = h.coord.Handle(ctx, thanks)
	assertOutcome(t, out, OutcomeReplied)
	if h.platform.SentCount() != 2 {
		t.Errorf("SentCount = %d, want 2", h.platform.SentCount())
	}
	rec := h.record(t, "C1")
	if rec.state != state.AwaitingUserReply {
		t.Errorf("state = %s, want %s", rec.state, state.AwaitingUserReply)
	}
	if h.responder.SessionsCreated() != 1 {
		t.Errorf("SessionsCreated = %d, want 1 (session reused)", h.responder.SessionsCreated())
	}
	if h.platform.ReadCount("C1") != 2 {
		t.Errorf("ReadCount = %d, want 2", h.platform.ReadCount("C1"))
	}
	if n := len(h.sink.Named(EventConversationProcessed)); n != 2 {
		t.Errorf("conversation_processed events = %d, want 2", n)
	}
}

func TestHandle_ScenarioC2(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	out := h.coord.Handle(ctx, adminMsg("C2", "a1", "Hi, this is Alice from support", t0))
	assertOutcome(t, out, OutcomeTakeover)
	if got := h.record(t, "C2").state; got != state.AdminTakeover {
		t.Errorf("state = %s, want %s", got, state.AdminTakeover)
	}
	takeovers := h.sink.Named(EventAdminTakeover)
	if len(takeovers) != 1 {
		t.Fatalf("admin_takeover_detected events = %d, want 1", len(takeovers))
	}
	if takeovers[0].Attr("admin_id") != "agent-7" {
		t.Errorf("admin_id = %q, want %q", takeovers[0].Attr("admin_id"), "agent-7")
	}

	out = h.coord.Handle(ctx, userMsg("C2", "m1", "are you there?", t0.Add(time.Minute)))
	assertOutcome(t, out, OutcomeSuppressed)
	if h.platform.SentCount() != 0 {
		t.Errorf("SentCount = %d, want 0", h.platform.SentCount())
	}
	if len(h.responder.Queries()) != 0 {
		t.Errorf("responder queried %d times, want 0", len(h.responder.Queries()))
	}

	// A second admin message does not re-announce the takeover.
	assertOutcome(t, h.coord.Handle(ctx, adminMsg("C2", "a2", "one sec", t0.Add(2*time.Minute))), OutcomeTakeover)
	if n := len(h.sink.Named(EventAdminTakeover)); n != 1 {
		t.Errorf("admin_takeover_detected events = %d, want 1", n)
	}
}

func TestHandle_TakeoverAfterReply(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C3", "m1", "hi", t0)), OutcomeReplied)
	assertOutcome(t, h.coord.Handle(ctx, adminMsg("C3", "a1", "taking over", t0.Add(time.Minute))), OutcomeTakeover)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C3", "m2", "ok", t0.Add(2*time.Minute))), OutcomeSuppressed)
	if h.platform.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", h.platform.SentCount())
	}
}

// ---------------------------------------------------------------------------
// Deduplication and concurrency
// ---------------------------------------------------------------------------

func TestHandle_ConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	ev := userMsg("C1", "m1", "Hello", t0)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.coord.Handle(ctx, ev)
		}(i)
	}
	wg.Wait()

	replied := 0
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeReplied:
			replied++
		case OutcomeDuplicate:
		default:
			t.Errorf("unexpected outcome %s (err %v)", o.Kind, o.Err)
		}
	}
	if replied != 1 {
		t.Errorf("replied = %d, want 1", replied)
	}
	if h.platform.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", h.platform.SentCount())
	}
}

func TestHandle_ConcurrentConversationsIndependent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.coord.Handle(ctx, userMsg(id, id+"-m1", "hi "+id, t0))
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"A", "B", "C", "D"} {
		if n := len(h.platform.SentTo(id)); n != 1 {
			t.Errorf("replies to %s = %d, want 1", id, n)
		}
	}
}

func TestHandle_PolledCopyOfWebhookMessageIsDuplicate(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "Hello", t0)), OutcomeReplied)

	polled := userMsg("C1", "m1", "Hello", t0)
	polled.DeliveryID = ""
	polled.Source = SourcePoll
	assertOutcome(t, h.coord.Handle(ctx, polled), OutcomeDuplicate)
	if h.platform.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", h.platform.SentCount())
	}
}

func TestHandle_OlderThanWatermarkIsDuplicate(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m2", "second", t0.Add(time.Minute))), OutcomeReplied)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "first", t0)), OutcomeDuplicate)
}

func TestHandle_EmptyTextDiscarded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	out := h.coord.Handle(context.Background(), userMsg("C1", "m1", "<p> </p>", t0))
	assertOutcome(t, out, OutcomeDiscarded)
	if _, err := h.store.Get(context.Background(), "C1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestHandle_MissingConversationID(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	assertOutcome(t, h.coord.Handle(context.Background(), userMsg("", "m1", "hi", t0)), OutcomeFailed)
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

func TestHandleBatch_AdminWins(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	user := userMsg("C1", "m1", "help", t0)
	admin := adminMsg("C1", "a1", "I'm here", t0.Add(time.Second))
	out := h.coord.HandleBatch(ctx, "C1", []InboundEvent{user, admin})
	assertOutcome(t, out, OutcomeTakeover)
	if h.platform.SentCount() != 0 {
		t.Errorf("SentCount = %d, want 0", h.platform.SentCount())
	}
	rec := h.record(t, "C1")
	if rec.watermark == nil || !rec.watermark.Equal(t0.Add(time.Second)) {
		t.Errorf("watermark = %v, want %v", rec.watermark, t0.Add(time.Second))
	}
	assertOutcome(t, h.coord.Handle(ctx, user), OutcomeDuplicate)
}

func TestHandleBatch_CoalescesUserTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	evs := []InboundEvent{
		userMsg("C1", "m2", "my order is late", t0.Add(time.Second)),
		userMsg("C1", "m1", "hi", t0),
	}
	assertOutcome(t, h.coord.HandleBatch(ctx, "C1", evs), OutcomeReplied)
	q := h.responder.Queries()
	if len(q) != 1 || q[0] != "hi\nmy order is late" {
		t.Errorf("queries = %q, want one coalesced query", q)
	}
	if h.platform.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", h.platform.SentCount())
	}
}

func TestHandleBatch_SkipsAlreadyProcessed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first := userMsg("C1", "m1", "hi", t0)
	assertOutcome(t, h.coord.Handle(ctx, first), OutcomeReplied)

	second := userMsg("C1", "m2", "still there?", t0.Add(time.Minute))
	assertOutcome(t, h.coord.HandleBatch(ctx, "C1", []InboundEvent{first, second}), OutcomeReplied)
	q := h.responder.Queries()
	if len(q) != 2 || q[1] != "still there?" {
		t.Errorf("queries = %q, want second query to hold only the new message", q)
	}
}

// ---------------------------------------------------------------------------
// Own messages and release
// ---------------------------------------------------------------------------

func TestHandle_SelfMessagesIgnored(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, selfMsg("C9", "s0", "Hello from the bot", t0)), OutcomeIgnoredSelf)
	if _, err := h.store.Get(ctx, "C9"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "hi", t0)), OutcomeReplied)
	out := h.coord.Handle(ctx, selfMsg("C1", "r1", "AI: hi", t0.Add(time.Second)))
	assertOutcome(t, out, OutcomeIgnoredSelf)
	rec := h.record(t, "C1")
	if rec.state != state.AwaitingUserReply {
		t.Errorf("state = %s, want %s (own reply is not a takeover)", rec.state, state.AwaitingUserReply)
	}
	if rec.watermark == nil || !rec.watermark.Equal(t0.Add(time.Second)) {
		t.Errorf("watermark = %v, want advanced past own reply", rec.watermark)
	}
}

func TestHandle_BotNamedAdminIsSelf(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ev := adminMsg("C1", "a1", "automated hello", t0)
	ev.Author = normalize.Author{ID: "other-admin", Type: "admin", Name: "GPT Bot"}
	assertOutcome(t, h.coord.Handle(context.Background(), ev), OutcomeIgnoredSelf)
}

func TestHandle_ReleasePhraseResetsTakeover(t *testing.T) {
	h := newHarness(t, harnessOpts{releasePhrases: []string{"#ai-on"}})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, adminMsg("C1", "a1", "let me check", t0)), OutcomeTakeover)
	out := h.coord.Handle(ctx, adminMsg("C1", "a2", "Handing back. #AI-ON", t0.Add(time.Minute)))
	assertOutcome(t, out, OutcomeReset)
	if out.State != state.ReadyForResponse {
		t.Errorf("State = %s, want %s", out.State, state.ReadyForResponse)
	}
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "thanks", t0.Add(2*time.Minute))), OutcomeReplied)
}

func TestCoordinator_Reset(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, adminMsg("C1", "a1", "mine now", t0)), OutcomeTakeover)
	got, err := h.coord.Reset(ctx, "C1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got != state.ReadyForResponse {
		t.Errorf("Reset = %s, want %s", got, state.ReadyForResponse)
	}
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "hello?", t0.Add(time.Minute))), OutcomeReplied)
}

func TestCoordinator_ResetUnknown(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.coord.Reset(context.Background(), "nope")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCoordinator_Record(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	if _, err := h.coord.Record(ctx, "C1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	assertOutcome(t, h.coord.Handle(ctx, adminMsg("C1", "a1", "mine now", t0)), OutcomeTakeover)
	rec, err := h.coord.Record(ctx, "C1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.State != string(state.AdminTakeover) || rec.TakeoverBy != "agent-7" {
		t.Errorf("record = %+v", rec)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestHandle_SixteenthReplySuppressed(t *testing.T) {
	h := newHarness(t, harnessOpts{limits: ratelimit.Limits{
		PerConversation: 15, ConversationWindow: 24 * time.Hour,
		Global: 1000, GlobalWindow: time.Minute,
	}})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		ev := userMsg("C1", "m"+string(rune('a'+i)), "question", t0.Add(time.Duration(i)*time.Minute))
		assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeReplied)
	}
	out := h.coord.Handle(ctx, userMsg("C1", "m-16", "one more", t0.Add(15*time.Minute)))
	assertOutcome(t, out, OutcomeRateLimited)
	if h.platform.SentCount() != 15 {
		t.Errorf("SentCount = %d, want 15", h.platform.SentCount())
	}
	if got := h.record(t, "C1").state; got != state.ReadyForResponse {
		t.Errorf("state = %s, want %s", got, state.ReadyForResponse)
	}
	ev := h.sink.Named(EventReplySuppressed)
	if len(ev) != 1 {
		t.Fatalf("reply_suppressed_rate_limit events = %d, want 1", len(ev))
	}
	if ev[0].Attr("scope") != ratelimit.ScopeConversation {
		t.Errorf("scope = %q, want %q", ev[0].Attr("scope"), ratelimit.ScopeConversation)
	}
}

func TestHandle_GlobalLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{limits: ratelimit.Limits{
		PerConversation: 15, ConversationWindow: 24 * time.Hour,
		Global: 2, GlobalWindow: time.Minute,
	}})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("A", "a1", "hi", t0)), OutcomeReplied)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("B", "b1", "hi", t0)), OutcomeReplied)
	out := h.coord.Handle(ctx, userMsg("C", "c1", "hi", t0))
	assertOutcome(t, out, OutcomeRateLimited)
	if ev := h.sink.Named(EventReplySuppressed); len(ev) != 1 || ev[0].Attr("scope") != ratelimit.ScopeGlobal {
		t.Errorf("suppressed events = %+v, want one global", ev)
	}

	h.clock.Advance(time.Minute)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C", "c2", "hello?", t0.Add(time.Minute))), OutcomeReplied)
}

func TestHandle_GlobalLimitHoldsUnderConcurrency(t *testing.T) {
	h := newHarness(t, harnessOpts{limits: ratelimit.Limits{
		PerConversation: 15, ConversationWindow: 24 * time.Hour,
		Global: 2, GlobalWindow: time.Minute,
	}})
	h.responder.Delay = 50 * time.Millisecond
	ctx := context.Background()

	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.coord.Handle(ctx, userMsg(id, id+"-m1", "hi "+id, t0))
		}(id)
	}
	wg.Wait()

	if n := h.platform.SentCount(); n != 2 {
		t.Errorf("SentCount = %d, want 2", n)
	}
	if ev := h.sink.Named(EventReplySuppressed); len(ev) != len(ids)-2 {
		t.Errorf("suppressed events = %d, want %d", len(ev), len(ids)-2)
	}
}

func TestHandle_FailedReplyReturnsGlobalSlot(t *testing.T) {
	h := newHarness(t, harnessOpts{limits: ratelimit.Limits{
		PerConversation: 15, ConversationWindow: 24 * time.Hour,
		Global: 1, GlobalWindow: time.Minute,
	}})
	ctx := context.Background()
	h.responder.FailSends(retry.FromStatus(ServiceResponder, "send_message", 400, 0, errors.New("bad query")))

	assertOutcome(t, h.coord.Handle(ctx, userMsg("A", "a1", "hi", t0)), OutcomeFailed)
	// The failed turn consumed no quota, so another conversation still gets the slot.
	assertOutcome(t, h.coord.Handle(ctx, userMsg("B", "b1", "hi", t0)), OutcomeReplied)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("A", "a1", "hi", t0)), OutcomeRateLimited)
}

// ---------------------------------------------------------------------------
// AI sessions
// ---------------------------------------------------------------------------

func TestHandle_SessionReuseAndExpiry(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "hi", t0)), OutcomeReplied)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m2", "and?", t0.Add(time.Minute))), OutcomeReplied)
	if h.responder.SessionsCreated() != 1 {
		t.Fatalf("SessionsCreated = %d, want 1", h.responder.SessionsCreated())
	}
	if got := h.record(t, "C1").session; got != "session-1" {
		t.Errorf("session = %q, want session-1", got)
	}

	h.clock.Advance(25 * time.Hour)
	later := t0.Add(25 * time.Hour)
	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m3", "back again", later)), OutcomeReplied)
	if h.responder.SessionsCreated() != 2 {
		t.Errorf("SessionsCreated = %d, want 2 after expiry", h.responder.SessionsCreated())
	}
	if got := h.record(t, "C1").session; got != "session-2" {
		t.Errorf("session = %q, want session-2", got)
	}
}

func TestHandle_InvalidSessionRecreatedOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "hi", t0)), OutcomeReplied)
	h.responder.Invalidate("session-1")

	out := h.coord.Handle(ctx, userMsg("C1", "m2", "again", t0.Add(time.Minute)))
	assertOutcome(t, out, OutcomeReplied)
	if h.responder.SessionsCreated() != 2 {
		t.Errorf("SessionsCreated = %d, want 2", h.responder.SessionsCreated())
	}
	if got := h.record(t, "C1").session; got != "session-2" {
		t.Errorf("session = %q, want session-2", got)
	}
}

func TestHandle_EmptyReplyFails(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.responder.Answer = func(string) string { return "   " }
	out := h.coord.Handle(context.Background(), userMsg("C1", "m1", "hi", t0))
	assertOutcome(t, out, OutcomeFailed)
	if !retry.IsPermanent(out.Err) {
		t.Errorf("err = %v, want permanent", out.Err)
	}
	if h.platform.SentCount() != 0 {
		t.Errorf("SentCount = %d, want 0", h.platform.SentCount())
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestHandle_FailureLeavesStateAndWatermark(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.responder.FailSends(retry.FromStatus(ServiceResponder, "send_message", 400, 0, errors.New("bad query")))

	ev := userMsg("C1", "m1", "hi", t0)
	out := h.coord.Handle(ctx, ev)
	assertOutcome(t, out, OutcomeFailed)

	rec := h.record(t, "C1")
	if rec.state != state.ReadyForResponse {
		t.Errorf("state = %s, want %s", rec.state, state.ReadyForResponse)
	}
	if rec.watermark != nil {
		t.Errorf("watermark = %v, want nil", rec.watermark)
	}
	failed := h.sink.Named(EventProcessingFailed)
	if len(failed) != 1 || failed[0].Attr("stage") != "ai" {
		t.Fatalf("processing_failed events = %+v, want one at stage ai", failed)
	}

	// The same event is retried successfully on redelivery.
	assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeReplied)
}

func TestHandle_FailureAfterReplyStoresUserTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assertOutcome(t, h.coord.Handle(ctx, userMsg("C1", "m1", "hi", t0)), OutcomeReplied)
	if got := h.record(t, "C1").state; got != state.AwaitingUserReply {
		t.Fatalf("state = %s, want %s", got, state.AwaitingUserReply)
	}

	h.responder.FailSends(retry.FromStatus(ServiceResponder, "send_message", 400, 0, errors.New("bad query")))
	ev := userMsg("C1", "m2", "still there?", t0.Add(time.Minute))
	assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeFailed)

	rec := h.record(t, "C1")
	if rec.state != state.ReadyForResponse {
		t.Errorf("state = %s, want %s", rec.state, state.ReadyForResponse)
	}
	if rec.watermark == nil || !rec.watermark.Equal(t0) {
		t.Errorf("watermark = %v, want %v", rec.watermark, t0)
	}
	assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeReplied)
}

func TestHandle_TransientAIFailureRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.responder.FailSends(retry.FromStatus(ServiceResponder, "send_message", 500, 0, nil))
	assertOutcome(t, h.coord.Handle(context.Background(), userMsg("C1", "m1", "hi", t0)), OutcomeReplied)
}

func TestHandle_ReplyRejectedNotAppliedIsRetried(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.platform.FailReplies(retry.FromStatus(ServicePlatform, "reply", 503, 0, nil))
	out := h.coord.Handle(context.Background(), userMsg("C1", "m1", "hi", t0))
	assertOutcome(t, out, OutcomeReplied)
	if out.Ambiguous {
		t.Error("Ambiguous = true, want false")
	}
	if h.platform.SentCount() != 1 {
		t.Errorf("SentCount = %d, want 1", h.platform.SentCount())
	}
}

func TestHandle_AmbiguousReplyTreatedAsSent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.platform.FailReplies(retry.FromStatus(ServicePlatform, "reply", 500, 0, nil))

	ev := userMsg("C1", "m1", "hi", t0)
	out := h.coord.Handle(ctx, ev)
	assertOutcome(t, out, OutcomeReplied)
	if !out.Ambiguous {
		t.Error("Ambiguous = false, want true")
	}
	if got := h.record(t, "C1").state; got != state.AwaitingUserReply {
		t.Errorf("state = %s, want %s", got, state.AwaitingUserReply)
	}
	failed := h.sink.Named(EventProcessingFailed)
	if len(failed) != 1 || failed[0].Attr("ambiguous") != "true" {
		t.Errorf("processing_failed events = %+v, want one ambiguous", failed)
	}
	assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeDuplicate)
}

func TestHandle_ReplyPermanentFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.platform.FailReplies(retry.FromStatus(ServicePlatform, "reply", 403, 0, nil))
	out := h.coord.Handle(context.Background(), userMsg("C1", "m1", "hi", t0))
	assertOutcome(t, out, OutcomeFailed)
	if got := h.record(t, "C1").state; got != state.ReadyForResponse {
		t.Errorf("state = %s, want %s", got, state.ReadyForResponse)
	}
}

func TestHandle_MarkReadFailureIgnored(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.platform.FailMarkRead(retry.FromStatus(ServicePlatform, "mark_read", 404, 0, nil))
	assertOutcome(t, h.coord.Handle(context.Background(), userMsg("C1", "m1", "hi", t0)), OutcomeReplied)
}

func TestHandle_EmergencyStop(t *testing.T) {
	stop := filepath.Join(t.TempDir(), "EMERGENCY_STOP")
	h := newHarness(t, harnessOpts{stopFile: stop})
	ctx := context.Background()

	if err := os.WriteFile(stop, []byte("halt"), 0o644); err != nil {
		t.Fatalf("write stop file: %v", err)
	}
	ev := userMsg("C1", "m1", "hi", t0)
	assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeHalted)
	if len(h.responder.Queries()) != 0 {
		t.Error("responder called while halted")
	}

	if err := os.Remove(stop); err != nil {
		t.Fatalf("remove stop file: %v", err)
	}
	assertOutcome(t, h.coord.Handle(ctx, ev), OutcomeReplied)
}

func TestHandle_LockCancelled(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	locker := NewKeyedMutex()
	h.coord.locker = locker

	unlock, err := locker.Lock(context.Background(), "C1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := h.coord.Handle(ctx, userMsg("C1", "m1", "hi", t0))
	assertOutcome(t, out, OutcomeFailed)
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", out.Err)
	}
}
