// Package dedup detects re-delivered inbound events. Keys are recorded only
// once an event has been fully processed, so a crash mid-way leads to safe
// reprocessing rather than loss.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/relay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key identifies one inbound event.
type Key struct {
	DeliveryID     string // transport idempotency key, may be empty
	ConversationID string
	MessageID      string
	OccurredAt     time.Time
}

// Keys returns the idempotency keys for k. The (conversation, message) key
// is always present so the same message is recognized whichever channel
// delivers it.
func (k Key) Keys() []string {
	keys := make([]string, 0, 2)
	if k.MessageID != "" {
		keys = append(keys, "msg:"+k.ConversationID+":"+k.MessageID)
	}
	if k.DeliveryID != "" {
		keys = append(keys, "dlv:"+k.DeliveryID)
	}
	return keys
}

// Deduplicator stores processed keys with a retention window.
type Deduplicator struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

// Opts holds parameters for creating a Deduplicator.
type Opts struct {
	DB        *gorm.DB
	Retention time.Duration    // defaults to 24h
	Now       func() time.Time // defaults to time.Now
}

// New creates a Deduplicator.
func New(opts Opts) (*Deduplicator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dedup: db is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Deduplicator{db: opts.DB, retention: opts.Retention, now: opts.Now}, nil
}

// WithTx returns a copy bound to tx.
func (d *Deduplicator) WithTx(tx *gorm.DB) *Deduplicator {
	c := *d
	c.db = tx
	return &c
}

// IsDuplicate reports whether k was already processed: either one of its
// keys is recorded and unexpired, or its timestamp is not strictly after the
// conversation's watermark. rec may be nil for an unknown conversation.
func (d *Deduplicator) IsDuplicate(ctx context.Context, k Key, rec *models.ConversationRecord) (bool, error) {
	if rec != nil && rec.LastProcessedAt != nil && !k.OccurredAt.IsZero() && !k.OccurredAt.After(*rec.LastProcessedAt) {
		return true, nil
	}
	keys := k.Keys()
	if len(keys) == 0 {
		return false, nil
	}
	var count int64
	err := d.db.WithContext(ctx).Model(&models.ProcessedDelivery{}).
		Where("idempotency_key IN ? AND expires_at > ?", keys, d.now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("dedup: lookup %v: %w", keys, err)
	}
	return count > 0, nil
}

// MarkProcessed records the keys of every event in ks. Already recorded keys
// are left alone.
func (d *Deduplicator) MarkProcessed(ctx context.Context, ks ...Key) error {
	now := d.now().UTC()
	var rows []models.ProcessedDelivery
	seen := make(map[string]bool)
	for _, k := range ks {
		for _, key := range k.Keys() {
			if seen[key] {
				continue
			}
			seen[key] = true
			rows = append(rows, models.ProcessedDelivery{
				IdempotencyKey: key,
				ConversationID: k.ConversationID,
				CreatedAt:      now,
				ExpiresAt:      now.Add(d.retention),
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("dedup: mark processed: %w", err)
	}
	return nil
}

// Prune deletes keys that expired before now and returns how many were removed.
func (d *Deduplicator) Prune(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.ProcessedDelivery{})
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("dedup: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
