package models

import "time"

// ConversationLease is a cross-instance processing lock for one conversation.
// A lease whose LastHeartbeat is older than the lease timeout may be taken over.
type ConversationLease struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:128;not null;uniqueIndex"`
	Holder         string `gorm:"size:64;not null"`
	AcquiredAt     time.Time
	LastHeartbeat  time.Time `gorm:"index"`
}
