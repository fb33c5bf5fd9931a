// Package ratelimit bounds AI reply frequency per conversation and across
// all conversations using fixed windows persisted in the relay store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/relay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scopes reported in a denied Decision.
const (
	ScopeConversation = "conversation"
	ScopeGlobal       = "global"
)

const globalKey = "global"

// Limits configures both windows. A limit of zero or less disables that check.
type Limits struct {
	PerConversation    int
	ConversationWindow time.Duration
	Global             int
	GlobalWindow       time.Duration
}

// DefaultLimits returns 15 replies per conversation per day and 10 replies
// per minute overall.
func DefaultLimits() Limits {
	return Limits{
		PerConversation:    15,
		ConversationWindow: 24 * time.Hour,
		Global:             10,
		GlobalWindow:       time.Minute,
	}
}

// Decision is the result of Allow.
type Decision struct {
	Allowed bool
	Scope   string // denying scope, empty when allowed
	Count   int
	Limit   int
	ResetAt time.Time
}

// Limiter checks and records reply counts.
type Limiter struct {
	db     *gorm.DB
	limits Limits
	now    func() time.Time
}

// Opts holds parameters for creating a Limiter.
type Opts struct {
	DB     *gorm.DB
	Limits Limits
	Now    func() time.Time // defaults to time.Now
}

// New creates a Limiter.
func New(opts Opts) (*Limiter, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ratelimit: db is required")
	}
	if opts.Limits.ConversationWindow <= 0 {
		opts.Limits.ConversationWindow = 24 * time.Hour
	}
	if opts.Limits.GlobalWindow <= 0 {
		opts.Limits.GlobalWindow = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{db: opts.DB, limits: opts.Limits, now: opts.Now}, nil
}

// WithTx returns a copy bound to tx.
func (l *Limiter) WithTx(tx *gorm.DB) *Limiter {
	c := *l
	c.db = tx
	return &c
}

func conversationKey(id string) string { return "conv:" + id }

// Allow reports whether one more reply to conversationID fits in both
// windows. It does not consume quota; call Record after the reply is sent.
// Concurrent senders should use Reserve instead.
func (l *Limiter) Allow(ctx context.Context, conversationID string) (Decision, error) {
	now := l.now().UTC()

	if l.limits.PerConversation > 0 {
		d, err := l.checkConversation(ctx, conversationID, now)
		if err != nil || !d.Allowed {
			return d, err
		}
	}

	if l.limits.Global > 0 {
		start := now.Truncate(l.limits.GlobalWindow)
		n, err := l.count(ctx, globalKey, start)
		if err != nil {
			return Decision{}, err
		}
		if n >= l.limits.Global {
			return Decision{
				Scope:   ScopeGlobal,
				Count:   n,
				Limit:   l.limits.Global,
				ResetAt: start.Add(l.limits.GlobalWindow),
			}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Reservation is a global slot taken by Reserve. It is settled with Commit
// once the reply is sent, or handed back with Release.
type Reservation struct {
	conversationID string
	globalStart    time.Time
	holdsGlobal    bool
}

// Reserve checks both windows like Allow and, when the reply fits, takes one
// global slot with a conditional increment so concurrent conversations
// cannot overrun the global limit. The per-conversation window is only
// checked; callers serialize each conversation.
func (l *Limiter) Reserve(ctx context.Context, conversationID string) (Decision, *Reservation, error) {
	now := l.now().UTC()

	if l.limits.PerConversation > 0 {
		d, err := l.checkConversation(ctx, conversationID, now)
		if err != nil || !d.Allowed {
			return d, nil, err
		}
	}

	res := &Reservation{conversationID: conversationID}
	if l.limits.Global > 0 {
		start := now.Truncate(l.limits.GlobalWindow)
		taken, err := l.take(ctx, globalKey, start, l.limits.GlobalWindow, l.limits.Global)
		if err != nil {
			return Decision{}, nil, err
		}
		if !taken {
			n, err := l.count(ctx, globalKey, start)
			if err != nil {
				return Decision{}, nil, err
			}
			return Decision{
				Scope:   ScopeGlobal,
				Count:   n,
				Limit:   l.limits.Global,
				ResetAt: start.Add(l.limits.GlobalWindow),
			}, nil, nil
		}
		res.globalStart = start
		res.holdsGlobal = true
	}
	return Decision{Allowed: true}, res, nil
}

// Commit counts the reserved reply against the conversation window. The
// global window was already counted by Reserve.
func (l *Limiter) Commit(ctx context.Context, res *Reservation) error {
	if res == nil {
		return fmt.Errorf("ratelimit: commit: nil reservation")
	}
	now := l.now().UTC()
	if err := l.increment(ctx, conversationKey(res.conversationID), now, l.limits.ConversationWindow); err != nil {
		return err
	}
	if res.holdsGlobal {
		return nil
	}
	return l.increment(ctx, globalKey, now, l.limits.GlobalWindow)
}

// Release returns the global slot held by res. It is a no-op for a nil
// reservation or one that holds no slot.
func (l *Limiter) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.holdsGlobal {
		return nil
	}
	err := l.db.WithContext(ctx).Model(&models.RateCounter{}).
		Where("scope = ? AND window_start = ? AND hits > 0", globalKey, res.globalStart).
		UpdateColumn("hits", gorm.Expr("hits - ?", 1)).Error
	if err != nil {
		return fmt.Errorf("ratelimit: release %s: %w", globalKey, err)
	}
	res.holdsGlobal = false
	return nil
}

// Record counts one sent reply against both windows.
func (l *Limiter) Record(ctx context.Context, conversationID string) error {
	now := l.now().UTC()
	if err := l.increment(ctx, conversationKey(conversationID), now, l.limits.ConversationWindow); err != nil {
		return err
	}
	return l.increment(ctx, globalKey, now, l.limits.GlobalWindow)
}

func (l *Limiter) checkConversation(ctx context.Context, conversationID string, now time.Time) (Decision, error) {
	start := now.Truncate(l.limits.ConversationWindow)
	n, err := l.count(ctx, conversationKey(conversationID), start)
	if err != nil {
		return Decision{}, err
	}
	if n >= l.limits.PerConversation {
		return Decision{
			Scope:   ScopeConversation,
			Count:   n,
			Limit:   l.limits.PerConversation,
			ResetAt: start.Add(l.limits.ConversationWindow),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// take adds one hit to the window row if it stays within limit, reporting
// whether the hit was taken.
func (l *Limiter) take(ctx context.Context, scope string, start time.Time, window time.Duration, limit int) (bool, error) {
	row := models.RateCounter{Scope: scope, WindowStart: start, Hits: 0, ExpiresAt: start.Add(window)}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return false, fmt.Errorf("ratelimit: reserve %s: %w", scope, err)
	}
	res := l.db.WithContext(ctx).Model(&models.RateCounter{}).
		Where("scope = ? AND window_start = ? AND hits < ?", scope, start, limit).
		UpdateColumn("hits", gorm.Expr("hits + ?", 1))
	if res.Error != nil {
		return false, fmt.Errorf("ratelimit: reserve %s: %w", scope, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *Limiter) count(ctx context.Context, scope string, start time.Time) (int, error) {
	var row models.RateCounter
	err := l.db.WithContext(ctx).
		Where("scope = ? AND window_start = ?", scope, start).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count %s: %w", scope, err)
	}
	return row.Hits, nil
}

func (l *Limiter) increment(ctx context.Context, scope string, now time.Time, window time.Duration) error {
	start := now.Truncate(window)
	row := models.RateCounter{
		Scope:       scope,
		WindowStart: start,
		Hits:        1,
		ExpiresAt:   start.Add(window),
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"hits": gorm.Expr("hits + ?", 1)}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ratelimit: record %s: %w", scope, err)
	}
	return nil
}

// Prune deletes windows that ended before now.
func (l *Limiter) Prune(ctx context.Context, now time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.RateCounter{})
	if res.Error != nil {
		return 0, fmt.Errorf("ratelimit: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
