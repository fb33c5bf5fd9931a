package models

import "time"

// ConversationRecord maps one external conversation to its AI session and
// reply state. State is only written through session.Store transitions.
type ConversationRecord struct {
	ConversationID         string  `gorm:"primaryKey;size:128"`
	AISessionID            *string `gorm:"size:128"`
	State                  string  `gorm:"size:32;not null;default:READY_FOR_RESPONSE;index"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ExpiresAt              time.Time `gorm:"index"`
	LastProcessedMessageID string    `gorm:"size:128"`
	LastProcessedAt        *time.Time
	TakeoverBy             string `gorm:"size:128"`
	TakeoverAt             *time.Time
}

// Expired reports whether the record's session TTL has passed at now.
func (r *ConversationRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// SessionID returns the AI session ID or "" when none is assigned.
func (r *ConversationRecord) SessionID() string {
	if r.AISessionID == nil {
		return ""
	}
	return *r.AISessionID
}
