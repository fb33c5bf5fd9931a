package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SentReply is a reply recorded by MockPlatform.
type SentReply struct {
	ConversationID string
	Text           string
	ActorID        string
}

// MockPlatform implements Platform for testing. Conversations are seeded
// with AddMessage; replies are recorded.
type MockPlatform struct {
	mu            sync.Mutex
	conversations map[string]*ConversationDetail
	updated       map[string]time.Time
	sent          []SentReply
	read          map[string]int
	replyErrs     []error // consumed one per Reply call
	getErrs       map[string]error
	listErr       error
	markReadErr   error
}

// NewMockPlatform creates an empty MockPlatform.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		conversations: make(map[string]*ConversationDetail),
		updated:       make(map[string]time.Time),
		read:          make(map[string]int),
		getErrs:       make(map[string]error),
	}
}

// AddMessage appends msg to conversation id, creating it if needed.
func (m *MockPlatform) AddMessage(id string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.conversations[id]
	if !ok {
		d = &ConversationDetail{ID: id}
		m.conversations[id] = d
	}
	d.Messages = append(d.Messages, msg)
	if msg.CreatedAt.After(m.updated[id]) {
		m.updated[id] = msg.CreatedAt
	}
}

// ListOpenConversations returns conversations updated at or after since.
func (m *MockPlatform) ListOpenConversations(ctx context.Context, since time.Time) ([]ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []ConversationSummary
	for id, at := range m.updated {
		if !at.Before(since) {
			out = append(out, ConversationSummary{ID: id, UpdatedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// GetConversation returns a copy of the seeded conversation.
func (m *MockPlatform) GetConversation(ctx context.Context, id string) (*ConversationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErrs[id]; err != nil {
		return nil, err
	}
	d, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("mock platform: conversation %s not found", id)
	}
	c := &ConversationDetail{ID: d.ID, Messages: make([]Message, len(d.Messages))}
	copy(c.Messages, d.Messages)
	return c, nil
}

// Reply records the reply unless a queued error is pending.
func (m *MockPlatform) Reply(ctx context.Context, conversationID, text, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replyErrs) > 0 {
		err := m.replyErrs[0]
		m.replyErrs = m.replyErrs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, SentReply{ConversationID: conversationID, Text: text, ActorID: actorID})
	return nil
}

// MarkRead counts the call.
func (m *MockPlatform) MarkRead(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markReadErr != nil {
		return m.markReadErr
	}
	m.read[conversationID]++
	return nil
}

// --- Test helpers ---

// FailReplies queues errors returned by successive Reply calls. A nil entry
// lets that call succeed.
func (m *MockPlatform) FailReplies(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyErrs = append(m.replyErrs, errs...)
}

// FailGet makes GetConversation(id) return err until cleared with nil.
func (m *MockPlatform) FailGet(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErrs[id] = err
}

// FailList makes ListOpenConversations return err.
func (m *MockPlatform) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// FailMarkRead makes MarkRead return err.
func (m *MockPlatform) FailMarkRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markReadErr = err
}

// SentCount returns the number of recorded replies.
func (m *MockPlatform) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// SentTo returns the replies recorded for a conversation.
func (m *MockPlatform) SentTo(conversationID string) []SentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentReply
	for _, s := range m.sent {
		if s.ConversationID == conversationID {
			out = append(out, s)
		}
	}
	return out
}

// LastSent returns the most recent reply.
// Returns zero value and false if nothing was sent.
func (m *MockPlatform) LastSent() (SentReply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentReply{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// ReadCount returns how many times MarkRead succeeded for a conversation.
func (m *MockPlatform) ReadCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read[conversationID]
}

// MockResponder implements Responder for testing. Replies echo the query
// unless Answer is set.
type MockResponder struct {
	mu        sync.Mutex
	sessions  int
	invalid   map[string]bool
	queries   []string
	sendErrs  []error
	createErr error

	// Answer, if set, computes the reply for a query.
	Answer func(query string) string
	// Delay holds every SendMessage call before it answers.
	Delay time.Duration
}

// NewMockResponder creates a MockResponder.
func NewMockResponder() *MockResponder {
	return &MockResponder{invalid: make(map[string]bool)}
}

// CreateSession returns session-1, session-2, ...
func (m *MockResponder) CreateSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.sessions++
	return fmt.Sprintf("session-%d", m.sessions), nil
}

// SendMessage returns the reply for text, or ErrInvalidSession for a
// session marked invalid.
func (m *MockResponder) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalid[sessionID] {
		return "", fmt.Errorf("mock responder: %s: %w", sessionID, ErrInvalidSession)
	}
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	m.queries = append(m.queries, text)
	if m.Answer != nil {
		return m.Answer(text), nil
	}
	return "AI: " + text, nil
}

// --- Test helpers ---

// Invalidate makes subsequent SendMessage calls on sessionID fail.
func (m *MockResponder) Invalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[sessionID] = true
}

// FailSends queues errors returned by successive SendMessage calls.
func (m *MockResponder) FailSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// FailCreate makes CreateSession return err.
func (m *MockResponder) FailCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SessionsCreated returns how many sessions were created.
func (m *MockResponder) SessionsCreated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Queries returns a copy of the queries answered.
func (m *MockResponder) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}

// RecordingSink keeps every event it receives. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit records ev.
func (r *RecordingSink) Emit(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events called name.
func (r *RecordingSink) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// MockHandler implements BatchHandler for testing. Every batch is answered
// with Outcome.
type MockHandler struct {
	mu      sync.Mutex
	batches map[string][][]InboundEvent
	calls   int
	halted  bool

	// Outcome is returned for every batch; its Kind defaults to OutcomeReplied.
	Outcome Outcome
}

// NewMockHandler creates a MockHandler.
func NewMockHandler() *MockHandler {
	return &MockHandler{batches: make(map[string][][]InboundEvent)}
}

// HandleBatch records the batch.
func (m *MockHandler) HandleBatch(ctx context.Context, conversationID string, evs []InboundEvent) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.batches[conversationID] = append(m.batches[conversationID], evs)
	out := m.Outcome
	if out.Kind == "" {
		out.Kind = OutcomeReplied
	}
	out.ConversationID = conversationID
	return out
}

// Halted reports the value set by SetHalted.
func (m *MockHandler) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// SetHalted toggles the emergency stop.
func (m *MockHandler) SetHalted(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = v
}

// Calls returns the number of batches handled.
func (m *MockHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Batches returns the batches recorded for a conversation.
func (m *MockHandler) Batches(conversationID string) [][]InboundEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[conversationID]
}
