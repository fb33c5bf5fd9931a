package models

import "time"

// ProcessedDelivery is an idempotency key for an inbound event that has been
// fully processed. IdempotencyKey is "dlv:<delivery id>" or "msg:<conversation>:<message>".
type ProcessedDelivery struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string `gorm:"size:320;not null;uniqueIndex"`
	ConversationID string `gorm:"size:128;index"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

// RateCounter counts replies for a scope inside one fixed window.
// Scope is "global" or "conv:<conversation id>".
type RateCounter struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Scope       string    `gorm:"size:160;not null;uniqueIndex:idx_scope_window"`
	WindowStart time.Time `gorm:"not null;uniqueIndex:idx_scope_window"`
	Hits        int       `gorm:"not null;default:0"`
	ExpiresAt   time.Time `gorm:"index"`
}
