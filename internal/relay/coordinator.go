package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zulandar/relay/internal/dedup"
	"github.com/zulandar/relay/internal/models"
	"github.com/zulandar/relay/internal/normalize"
	"github.com/zulandar/relay/internal/ratelimit"
	"github.com/zulandar/relay/internal/retry"
	"github.com/zulandar/relay/internal/session"
	"github.com/zulandar/relay/internal/state"
	"gorm.io/gorm"
)

// Service names used for retry and circuit breaking.
const (
	ServicePlatform  = "intercom"
	ServiceResponder = "gpttrainer"
)

// OutcomeKind classifies how an event batch was handled.
type OutcomeKind string

const (
	OutcomeDiscarded   OutcomeKind = "discarded"    // nothing left after normalization
	OutcomeDuplicate   OutcomeKind = "duplicate"    // every event already processed
	OutcomeIgnoredSelf OutcomeKind = "ignored_self" // only our own messages
	OutcomeTakeover    OutcomeKind = "takeover"     // a human agent spoke
	OutcomeReset       OutcomeKind = "reset"        // takeover explicitly released
	OutcomeSuppressed  OutcomeKind = "suppressed"   // conversation under takeover
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeReplied     OutcomeKind = "replied"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeHalted      OutcomeKind = "halted" // emergency stop present
)

// Outcome is the result of handling one event batch.
type Outcome struct {
	Kind           OutcomeKind
	ConversationID string
	State          state.State
	Reply          string
	Ambiguous      bool // the reply may or may not have been posted
	Err            error
}

// Coordinator runs the per-conversation processing sequence.
type Coordinator struct {
	db             *gorm.DB
	sessions       *session.Store
	dedup          *dedup.Deduplicator
	limiter        *ratelimit.Limiter
	policy         *retry.Policy
	platform       Platform
	responder      Responder
	normalizer     Normalizer
	locker         Locker
	events         EventSink
	logger         *slog.Logger
	selfAdminID    string
	releasePhrases []string
	stopFile       string
	now            func() time.Time
}

// CoordinatorOpts holds parameters for creating a Coordinator.
type CoordinatorOpts struct {
	DB                *gorm.DB
	Sessions          *session.Store
	Dedup             *dedup.Deduplicator
	Limiter           *ratelimit.Limiter
	Policy            *retry.Policy
	Platform          Platform
	Responder         Responder
	Normalizer        Normalizer
	Locker            Locker    // defaults to an in-process KeyedMutex
	Events            EventSink // defaults to a LogSink on Logger
	Logger            *slog.Logger
	SelfAdminID       string   // actor for replies
	ReleasePhrases    []string // admin phrases that hand a conversation back to the AI
	EmergencyStopFile string   // processing halts while this file exists
	Now               func() time.Time
}

// NewCoordinator validates opts and creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: db is required")
	}
	if opts.Sessions == nil || opts.Dedup == nil || opts.Limiter == nil {
		return nil, fmt.Errorf("relay: session store, deduplicator and limiter are required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: platform is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("relay: responder is required")
	}
	if opts.SelfAdminID == "" {
		return nil, fmt.Errorf("relay: self admin id is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = retry.New(retry.Opts{Logger: opts.Logger})
	}
	if opts.Locker == nil {
		opts.Locker = NewKeyedMutex()
	}
	if opts.Events == nil {
		opts.Events = LogSink{Logger: opts.Logger}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var phrases []string
	for _, p := range opts.ReleasePhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Coordinator{
		db:             opts.DB,
		sessions:       opts.Sessions,
		dedup:          opts.Dedup,
		limiter:        opts.Limiter,
		policy:         opts.Policy,
		platform:       opts.Platform,
		responder:      opts.Responder,
		normalizer:     opts.Normalizer,
		locker:         opts.Locker,
		events:         opts.Events,
		logger:         opts.Logger,
		selfAdminID:    opts.SelfAdminID,
		releasePhrases: phrases,
		stopFile:       opts.EmergencyStopFile,
		now:            opts.Now,
	}, nil
}

// Halted reports whether the emergency stop file is present.
func (c *Coordinator) Halted() bool {
	if c.stopFile == "" {
		return false
	}
	_, err := os.Stat(c.stopFile)
	return err == nil
}

// Handle processes a single inbound event.
func (c *Coordinator) Handle(ctx context.Context, ev InboundEvent) Outcome {
	return c.HandleBatch(ctx, ev.ConversationID, []InboundEvent{ev})
}

// HandleBatch processes events observed together for one conversation. The
// conversation is locked for the whole sequence; events are emitted after
// the lock is released.
func (c *Coordinator) HandleBatch(ctx context.Context, conversationID string, evs []InboundEvent) Outcome {
	if conversationID == "" {
		return Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("relay: conversation id is required")}
	}
	if c.Halted() {
		c.logger.Warn("emergency_stop_active", "conversation_id", conversationID, "file", c.stopFile)
		return Outcome{Kind: OutcomeHalted, ConversationID: conversationID}
	}

	unlock, err := c.locker.Lock(ctx, conversationID)
	if err != nil {
		out := Outcome{Kind: OutcomeFailed, ConversationID: conversationID, Err: err}
		c.events.Emit(ctx, c.failedEvent(conversationID, "lock", err, false))
		return out
	}
	r := &run{c: c, conversationID: conversationID}
	out := r.process(ctx, evs)
	unlock()

	for _, ev := range r.emitted {
		c.events.Emit(ctx, ev)
	}
	return out
}

// Record returns the stored record for a conversation, or an error wrapping
// session.ErrNotFound.
func (c *Coordinator) Record(ctx context.Context, conversationID string) (*models.ConversationRecord, error) {
	return c.sessions.Get(ctx, conversationID)
}

// Reset hands a conversation back to the AI under the conversation lock.
func (c *Coordinator) Reset(ctx context.Context, conversationID string) (state.State, error) {
	unlock, err := c.locker.Lock(ctx, conversationID)
	if err != nil {
		return "", err
	}
	defer unlock()
	to, err := c.sessions.Reset(ctx, conversationID)
	if err != nil {
		return to, fmt.Errorf("relay: reset %s: %w", conversationID, err)
	}
	c.logger.Info("conversation_reset", "conversation_id", conversationID)
	return to, nil
}

func (c *Coordinator) failedEvent(conversationID, stage string, err error, ambiguous bool) Event {
	attrs := []slog.Attr{
		slog.String("stage", stage),
		slog.String("error", err.Error()),
		slog.Bool("transient", retry.IsTransient(err)),
	}
	if ambiguous {
		attrs = append(attrs, slog.Bool("ambiguous", true))
	}
	return Event{Name: EventProcessingFailed, ConversationID: conversationID, Time: c.now(), Attrs: attrs}
}

// run holds the state of one HandleBatch call.
type run struct {
	c              *Coordinator
	conversationID string
	emitted        []Event
}

func (r *run) emit(name string, attrs ...slog.Attr) {
	r.emitted = append(r.emitted, Event{Name: name, ConversationID: r.conversationID, Time: r.c.now(), Attrs: attrs})
}

func (r *run) fail(stage string, err error) Outcome {
	r.emitted = append(r.emitted, r.c.failedEvent(r.conversationID, stage, err, false))
	r.c.logger.Error("conversation_failed", "conversation_id", r.conversationID, "stage", stage, "error", err.Error())
	return Outcome{Kind: OutcomeFailed, ConversationID: r.conversationID, Err: err}
}

func (r *run) process(ctx context.Context, raw []InboundEvent) Outcome {
	c := r.c
	id := r.conversationID

	var evs []InboundEvent
	for _, ev := range raw {
		ev.ConversationID = id
		ev = c.normalizer.Event(ev)
		if ev.Text == "" {
			c.logger.Debug("event_discarded", "conversation_id", id, "message_id", ev.MessageID)
			continue
		}
		evs = append(evs, ev)
	}
	if len(evs) == 0 {
		return Outcome{Kind: OutcomeDiscarded, ConversationID: id}
	}
	sortEvents(evs)

	rec, err := c.sessions.Get(ctx, id)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return r.fail("load", err)
	}
	var fresh []InboundEvent
	for _, ev := range evs {
		dup, err := c.dedup.IsDuplicate(ctx, eventKey(ev), rec)
		if err != nil {
			return r.fail("dedup", err)
		}
		if dup {
			c.logger.Debug("event_duplicate", "conversation_id", id, "message_id", ev.MessageID, "delivery_id", ev.DeliveryID)
			continue
		}
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		out := Outcome{Kind: OutcomeDuplicate, ConversationID: id}
		if rec != nil {
			out.State = state.State(rec.State)
		}
		return out
	}

	var admins, users []InboundEvent
	for _, ev := range fresh {
		switch {
		case ev.Self:
		case ev.Role == normalize.RoleAdmin:
			admins = append(admins, ev)
		default:
			users = append(users, ev)
		}
	}

	if len(admins) == 0 && len(users) == 0 {
		return r.ignoreSelf(ctx, rec, fresh)
	}

	rec, err = c.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return r.fail("load", err)
	}
	if len(admins) > 0 {
		return r.adminSpoke(ctx, rec, admins, fresh)
	}
	return r.userSpoke(ctx, rec, users, fresh)
}

// ignoreSelf records our own messages as processed.
func (r *run) ignoreSelf(ctx context.Context, rec *models.ConversationRecord, fresh []InboundEvent) Outcome {
	err := r.c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec != nil {
			if err := r.advance(ctx, tx, fresh); err != nil {
				return err
			}
		}
		return r.c.dedup.WithTx(tx).MarkProcessed(ctx, eventKeys(fresh)...)
	})
	if err != nil {
		return r.fail("commit", err)
	}
	out := Outcome{Kind: OutcomeIgnoredSelf, ConversationID: r.conversationID}
	if rec != nil {
		out.State = state.State(rec.State)
	}
	return out
}

// adminSpoke handles a batch containing a human agent message. Admin wins
// over any user messages in the same batch.
func (r *run) adminSpoke(ctx context.Context, rec *models.ConversationRecord, admins, fresh []InboundEvent) Outcome {
	c := r.c
	from := state.State(rec.State)
	release := c.isRelease(admins)
	last := admins[len(admins)-1]

	var to state.State
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if release {
			to, err = c.sessions.WithTx(tx).Reset(ctx, r.conversationID)
		} else {
			to, err = c.sessions.WithTx(tx).MarkTakeover(ctx, r.conversationID, last.Author.ID)
		}
		if err != nil {
			return err
		}
		if err := r.advance(ctx, tx, fresh); err != nil {
			return err
		}
		return c.dedup.WithTx(tx).MarkProcessed(ctx, eventKeys(fresh)...)
	})
	if err != nil {
		return r.fail("takeover", err)
	}

	if release {
		c.logger.Info("takeover_released", "conversation_id", r.conversationID, "admin_id", last.Author.ID)
		return Outcome{Kind: OutcomeReset, ConversationID: r.conversationID, State: to}
	}
	if from != state.AdminTakeover {
		r.emit(EventAdminTakeover,
			slog.String("admin_id", last.Author.ID),
			slog.String("admin_name", last.Author.Name),
			slog.String("previous_state", string(from)),
		)
	}
	return Outcome{Kind: OutcomeTakeover, ConversationID: r.conversationID, State: to}
}

func (c *Coordinator) isRelease(admins []InboundEvent) bool {
	for _, ev := range admins {
		text := strings.ToLower(ev.Text)
		for _, p := range c.releasePhrases {
			if strings.Contains(text, p) {
				return true
			}
		}
	}
	return false
}

// userSpoke answers the user turn formed by users, unless the conversation
// is taken over or rate limited.
func (r *run) userSpoke(ctx context.Context, rec *models.ConversationRecord, users, fresh []InboundEvent) Outcome {
	c := r.c
	id := r.conversationID

	current := state.State(rec.State)
	next, err := state.Next(current, state.EventUserMessage)
	if err != nil {
		return r.fail("state", err)
	}

	if !state.CanSend(next) {
		if err := r.commit(ctx, fresh, nil); err != nil {
			return r.fail("commit", err)
		}
		c.logger.Info("reply_suppressed_takeover", "conversation_id", id, "takeover_by", rec.TakeoverBy)
		return Outcome{Kind: OutcomeSuppressed, ConversationID: id, State: next}
	}

	decision, slot, err := c.limiter.Reserve(ctx, id)
	if err != nil {
		return r.fail("rate_limit", err)
	}
	if !decision.Allowed {
		if err := r.commit(ctx, fresh, nil); err != nil {
			return r.fail("commit", err)
		}
		r.emit(EventReplySuppressed,
			slog.String("scope", decision.Scope),
			slog.Int("count", decision.Count),
			slog.Int("limit", decision.Limit),
			slog.Time("reset_at", decision.ResetAt),
		)
		return Outcome{Kind: OutcomeRateLimited, ConversationID: id, State: next}
	}

	query := coalesce(users)
	reply, err := r.ask(ctx, rec, query)
	if err != nil {
		r.unsent(ctx, slot, current, next)
		return r.fail("ai", err)
	}

	ambiguous := false
	err = c.policy.Do(ctx, retry.Call{Service: ServicePlatform, Op: "reply", Idempotency: retry.NonIdempotent},
		func(ctx context.Context) error {
			return c.platform.Reply(ctx, id, reply, c.selfAdminID)
		})
	if err != nil {
		if !errors.Is(err, retry.ErrAmbiguousOutcome) {
			r.unsent(ctx, slot, current, next)
			return r.fail("reply", err)
		}
		// The reply may be visible; record it as sent so it is never repeated.
		ambiguous = true
		r.emitted = append(r.emitted, c.failedEvent(id, "reply", err, true))
		c.logger.Warn("reply_outcome_unknown", "conversation_id", id, "error", err.Error())
	}

	if err := r.commit(ctx, fresh, slot); err != nil {
		return r.fail("commit", err)
	}

	if err := c.policy.Do(ctx, retry.Call{Service: ServicePlatform, Op: "mark_read", Idempotency: retry.Idempotent},
		func(ctx context.Context) error {
			return c.platform.MarkRead(ctx, id)
		}); err != nil {
		c.logger.Warn("mark_read_failed", "conversation_id", id, "error", err.Error())
	}

	r.emit(EventConversationProcessed,
		slog.Int("messages", len(users)),
		slog.Int("query_chars", len(query)),
		slog.Int("reply_chars", len(reply)),
		slog.String("state", string(state.AwaitingUserReply)),
	)
	return Outcome{Kind: OutcomeReplied, ConversationID: id, State: state.AwaitingUserReply, Reply: reply, Ambiguous: ambiguous}
}

// ask sends query to the AI session for rec, creating or replacing the
// session as needed.
func (r *run) ask(ctx context.Context, rec *models.ConversationRecord, query string) (string, error) {
	c := r.c
	sessionID := rec.SessionID()
	if sessionID == "" {
		var err error
		if sessionID, err = r.newSession(ctx); err != nil {
			return "", err
		}
	}

	reply, err := r.send(ctx, sessionID, query)
	if errors.Is(err, ErrInvalidSession) {
		c.logger.Info("ai_session_replaced", "conversation_id", r.conversationID, "old_session", sessionID)
		if sessionID, err = r.newSession(ctx); err != nil {
			return "", err
		}
		reply, err = r.send(ctx, sessionID, query)
	}
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", &retry.UpstreamError{Service: ServiceResponder, Op: "send_message", Kind: retry.Permanent, Err: errors.New("empty reply")}
	}
	return reply, nil
}

func (r *run) newSession(ctx context.Context) (string, error) {
	c := r.c
	sessionID, err := retry.Run(ctx, c.policy, retry.Call{Service: ServiceResponder, Op: "create_session", Idempotency: retry.Idempotent},
		c.responder.CreateSession)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", &retry.UpstreamError{Service: ServiceResponder, Op: "create_session", Kind: retry.Permanent, Err: errors.New("empty session id")}
	}
	if err := c.sessions.SetAISession(ctx, r.conversationID, sessionID); err != nil {
		return "", err
	}
	c.logger.Info("ai_session_created", "conversation_id", r.conversationID, "session_id", sessionID)
	return sessionID, nil
}

func (r *run) send(ctx context.Context, sessionID, query string) (string, error) {
	return retry.Run(ctx, r.c.policy, retry.Call{Service: ServiceResponder, Op: "send_message", Idempotency: retry.Idempotent},
		func(ctx context.Context) (string, error) {
			return r.c.responder.SendMessage(ctx, sessionID, query)
		})
}

// unsent cleans up after a user turn that produced no reply: the reserved
// rate slot is handed back and the user-message transition is stored on its
// own. Events stay unprocessed so the turn is retried.
func (r *run) unsent(ctx context.Context, slot *ratelimit.Reservation, current, next state.State) {
	c := r.c
	ctx = context.WithoutCancel(ctx)
	if err := c.limiter.Release(ctx, slot); err != nil {
		c.logger.Warn("rate_slot_release_failed", "conversation_id", r.conversationID, "error", err.Error())
	}
	if current == next {
		return
	}
	if _, err := c.sessions.Transition(ctx, r.conversationID, state.EventUserMessage); err != nil {
		c.logger.Warn("state_update_failed", "conversation_id", r.conversationID, "error", err.Error())
	}
}

// commit records the user turn in one transaction: the user-message
// transition, and when a reply was sent (slot is set) the reply transition
// and rate count, then the watermark and dedup keys.
func (r *run) commit(ctx context.Context, fresh []InboundEvent, slot *ratelimit.Reservation) error {
	c := r.c
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions := c.sessions.WithTx(tx)
		if _, err := sessions.Transition(ctx, r.conversationID, state.EventUserMessage); err != nil {
			return err
		}
		if slot != nil {
			if _, err := sessions.Transition(ctx, r.conversationID, state.EventReplySent); err != nil {
				return err
			}
			if err := c.limiter.WithTx(tx).Commit(ctx, slot); err != nil {
				return err
			}
		}
		if err := r.advance(ctx, tx, fresh); err != nil {
			return err
		}
		return c.dedup.WithTx(tx).MarkProcessed(ctx, eventKeys(fresh)...)
	})
}

// advance moves the watermark to the newest event in fresh.
func (r *run) advance(ctx context.Context, tx *gorm.DB, fresh []InboundEvent) error {
	newest := fresh[0]
	for _, ev := range fresh[1:] {
		if ev.OccurredAt.After(newest.OccurredAt) {
			newest = ev
		}
	}
	if newest.OccurredAt.IsZero() {
		return nil
	}
	return r.c.sessions.WithTx(tx).AdvanceWatermark(ctx, r.conversationID, newest.MessageID, newest.OccurredAt)
}

// coalesce joins the texts of one user turn, oldest first.
func coalesce(users []InboundEvent) string {
	parts := make([]string, 0, len(users))
	for _, ev := range users {
		parts = append(parts, ev.Text)
	}
	return strings.Join(parts, "\n")
}

func eventKey(ev InboundEvent) dedup.Key {
	return dedup.Key{
		DeliveryID:     ev.DeliveryID,
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		OccurredAt:     ev.OccurredAt,
	}
}

func eventKeys(evs []InboundEvent) []dedup.Key {
	keys := make([]dedup.Key, 0, len(evs))
	for _, ev := range evs {
		keys = append(keys, eventKey(ev))
	}
	return keys
}
