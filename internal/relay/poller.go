package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/relay/internal/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Default poller settings.
const (
	DefaultPollInterval      = 60 * time.Second
	DefaultFirstLookback     = time.Hour
	DefaultPollConcurrency   = 4
	DefaultRequestsPerSecond = 5.0
)

// BatchHandler processes the events of one conversation.
type BatchHandler interface {
	HandleBatch(ctx context.Context, conversationID string, evs []InboundEvent) Outcome
	Halted() bool
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	Skipped       bool // emergency stop active
	Conversations int
	Outcomes      map[OutcomeKind]int
}

// Poller periodically lists recently updated conversations and feeds their
// messages to a BatchHandler. Conversations whose processing failed are
// fetched again on the next cycle even if they were not updated.
type Poller struct {
	platform      Platform
	handler       BatchHandler
	policy        *retry.Policy
	interval      time.Duration
	firstLookback time.Duration
	concurrency   int
	pace          *rate.Limiter
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	lastPoll time.Time
	retryIDs map[string]bool
}

// PollerOpts holds parameters for creating a Poller.
type PollerOpts struct {
	Platform          Platform
	Handler           BatchHandler
	Policy            *retry.Policy
	Interval          time.Duration // defaults to DefaultPollInterval
	FirstLookback     time.Duration // defaults to DefaultFirstLookback
	Concurrency       int           // defaults to DefaultPollConcurrency
	RequestsPerSecond float64       // defaults to DefaultRequestsPerSecond
	Logger            *slog.Logger
	Now               func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOpts) (*Poller, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: poller: platform is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("relay: poller: handler is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.FirstLookback <= 0 {
		opts.FirstLookback = DefaultFirstLookback
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultPollConcurrency
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = retry.New(retry.Opts{Logger: opts.Logger})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		platform:      opts.Platform,
		handler:       opts.Handler,
		policy:        opts.Policy,
		interval:      opts.Interval,
		firstLookback: opts.FirstLookback,
		concurrency:   opts.Concurrency,
		pace:          rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:        opts.Logger,
		now:           opts.Now,
		retryIDs:      make(map[string]bool),
	}, nil
}

// Poll runs one cycle.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	res := PollResult{Outcomes: make(map[OutcomeKind]int)}
	if p.handler.Halted() {
		p.logger.Warn("poll_skipped_emergency_stop")
		res.Skipped = true
		return res, nil
	}

	cycleStart := p.now()
	floor := cycleStart.Add(-p.firstLookback)
	p.mu.Lock()
	since := p.lastPoll
	if since.IsZero() {
		since = floor
	}
	ids := make(map[string]bool, len(p.retryIDs))
	for id := range p.retryIDs {
		ids[id] = true
	}
	p.mu.Unlock()

	summaries, err := retry.Run(ctx, p.policy, retry.Call{Service: ServicePlatform, Op: "list_conversations", Idempotency: retry.Idempotent},
		func(ctx context.Context) ([]ConversationSummary, error) {
			return p.platform.ListOpenConversations(ctx, since)
		})
	if err != nil {
		return res, fmt.Errorf("relay: poll: list conversations: %w", err)
	}
	for _, s := range summaries {
		if s.UpdatedAt.IsZero() || !s.UpdatedAt.Before(since) {
			ids[s.ID] = true
		}
	}

	var mu sync.Mutex
	failed := make(map[string]bool)
	record := func(id string, kind OutcomeKind) {
		mu.Lock()
		defer mu.Unlock()
		res.Outcomes[kind]++
		if kind == OutcomeFailed {
			failed[id] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for id := range ids {
		g.Go(func() error {
			if err := p.pace.Wait(gctx); err != nil {
				return err
			}
			detail, err := retry.Run(gctx, p.policy, retry.Call{Service: ServicePlatform, Op: "get_conversation", Idempotency: retry.Idempotent},
				func(ctx context.Context) (*ConversationDetail, error) {
					return p.platform.GetConversation(ctx, id)
				})
			if err != nil {
				p.logger.Warn("poll_conversation_failed", "conversation_id", id, "error", err.Error())
				record(id, OutcomeFailed)
				return nil
			}
			evs := detail.Events(floor)
			if len(evs) == 0 {
				return nil
			}
			out := p.handler.HandleBatch(gctx, id, evs)
			record(id, out.Kind)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("relay: poll: %w", err)
	}
	res.Conversations = len(ids)

	p.mu.Lock()
	p.lastPoll = cycleStart
	p.retryIDs = failed
	p.mu.Unlock()

	p.logger.Info("poll_complete",
		"conversations", res.Conversations,
		"replied", res.Outcomes[OutcomeReplied],
		"failed", res.Outcomes[OutcomeFailed],
	)
	return res, nil
}

// Run polls immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll_failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
