// Package session is the durable conversation store: the mapping from an
// external conversation ID to its AI session, reply state and watermark.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/relay/internal/models"
	"github.com/zulandar/relay/internal/state"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is how long a conversation's AI session stays valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound is returned when no record exists for a conversation.
	ErrNotFound = errors.New("session: conversation not found")
	// ErrConflict is returned when a compare-and-swap transition lost a race.
	ErrConflict = errors.New("session: state changed concurrently")
)

// Store persists ConversationRecords.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB  *gorm.DB
	TTL time.Duration    // defaults to DefaultTTL
	Now func() time.Time // defaults to time.Now
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, ttl: ttl, now: now}, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	return &c
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) clock() time.Time { return s.now().UTC() }

// Get returns the record for id, or ErrNotFound. Expired records are
// returned as-is; callers check Expired.
func (s *Store) Get(ctx context.Context, id string) (*models.ConversationRecord, error) {
	var rec models.ConversationRecord
	err := s.db.WithContext(ctx).Where("conversation_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return &rec, nil
}

// GetOrCreate returns the record for id, creating it in the initial state if
// absent. An expired record is renewed in place as if new: its AI session is
// dropped and its state returns to READY_FOR_RESPONSE, except that an admin
// takeover survives expiry. The watermark is kept.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*models.ConversationRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("session: get or create: conversation id is required")
	}
	now := s.clock()
	fresh := models.ConversationRecord{
		ConversationID: id,
		State:          string(state.Initial),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, fmt.Errorf("session: get or create %s: %w", id, err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Expired(now) {
		return rec, nil
	}

	next := state.Initial
	if state.State(rec.State) == state.AdminTakeover {
		next = state.AdminTakeover
	}
	if err := db.Model(&models.ConversationRecord{}).
		Where("conversation_id = ?", id).
		Updates(map[string]interface{}{
			"ai_session_id": nil,
			"state":         string(next),
			"created_at":    now,
			"updated_at":    now,
			"expires_at":    now.Add(s.ttl),
		}).Error; err != nil {
		return nil, fmt.Errorf("session: renew %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Transition applies ev to the record's current state and writes the result
// with a compare-and-swap on the state it read. It returns the new state,
// ErrNotFound, ErrConflict, or a *state.InvariantViolation.
func (s *Store) Transition(ctx context.Context, id string, ev state.Event) (state.State, error) {
	return s.transition(ctx, id, ev, nil)
}

// MarkTakeover moves the conversation into ADMIN_TAKEOVER and records which
// admin took it over.
func (s *Store) MarkTakeover(ctx context.Context, id, adminID string) (state.State, error) {
	return s.transition(ctx, id, state.EventAdminMessage, map[string]interface{}{
		"takeover_by": adminID,
		"takeover_at": s.clock(),
	})
}

// Reset is the explicit external reset: it returns the conversation to
// READY_FOR_RESPONSE and clears any takeover.
func (s *Store) Reset(ctx context.Context, id string) (state.State, error) {
	return s.transition(ctx, id, state.EventReset, map[string]interface{}{
		"takeover_by": "",
		"takeover_at": nil,
	})
}

func (s *Store) transition(ctx context.Context, id string, ev state.Event, extra map[string]interface{}) (state.State, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	from := state.State(rec.State)
	to, err := state.Next(from, ev)
	if err != nil {
		return from, err
	}
	if to == from && extra == nil {
		return to, nil
	}
	if to == from && from == state.AdminTakeover && ev == state.EventAdminMessage {
		// Already taken over; keep the first admin on record.
		return to, nil
	}

	updates := map[string]interface{}{
		"state":      string(to),
		"updated_at": s.clock(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.ConversationRecord{}).
		Where("conversation_id = ? AND state = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return from, fmt.Errorf("session: transition %s %s: %w", id, ev, res.Error)
	}
	if res.RowsAffected == 0 {
		return from, fmt.Errorf("session: transition %s %s from %s: %w", id, ev, from, ErrConflict)
	}
	return to, nil
}

// SetAISession records the AI session for a conversation and restarts its
// TTL.
func (s *Store) SetAISession(ctx context.Context, id, sessionID string) error {
	now := s.clock()
	res := s.db.WithContext(ctx).Model(&models.ConversationRecord{}).
		Where("conversation_id = ?", id).
		Updates(map[string]interface{}{
			"ai_session_id": sessionID,
			"expires_at":    now.Add(s.ttl),
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("session: set ai session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session: set ai session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AdvanceWatermark moves the processed watermark forward to (messageID, at).
// It never moves backwards; an older value is a no-op.
func (s *Store) AdvanceWatermark(ctx context.Context, id, messageID string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&models.ConversationRecord{}).
		Where("conversation_id = ? AND (last_processed_at IS NULL OR last_processed_at < ?)", id, at).
		Updates(map[string]interface{}{
			"last_processed_message_id": messageID,
			"last_processed_at":         at,
			"updated_at":                s.clock(),
		})
	if res.Error != nil {
		return fmt.Errorf("session: advance watermark %s: %w", id, res.Error)
	}
	return nil
}

// List returns records in st (all states when st is empty), most recently
// updated first.
func (s *Store) List(ctx context.Context, st state.State, limit int) ([]models.ConversationRecord, error) {
	q := s.db.WithContext(ctx).Order("updated_at DESC")
	if st != "" {
		q = q.Where("state = ?", string(st))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []models.ConversationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return recs, nil
}
