// Package relay coordinates inbound messaging-platform events with the AI
// responder: one conversation at a time, at most one AI reply per user turn.
package relay

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/zulandar/relay/internal/normalize"
)

// ErrInvalidSession is returned by a Responder when the AI service no longer
// recognizes a session ID.
var ErrInvalidSession = errors.New("relay: ai session invalid")

// Platform is the messaging platform the relay answers on.
type Platform interface {
	// ListOpenConversations returns open conversations updated at or after
	// since, most recently updated first.
	ListOpenConversations(ctx context.Context, since time.Time) ([]ConversationSummary, error)

	// GetConversation returns a conversation with its messages in
	// chronological order.
	GetConversation(ctx context.Context, id string) (*ConversationDetail, error)

	// Reply posts text to the conversation as actorID. Not idempotent.
	Reply(ctx context.Context, conversationID, text, actorID string) error

	// MarkRead marks the conversation read.
	MarkRead(ctx context.Context, conversationID string) error
}

// Responder is the AI service.
type Responder interface {
	// CreateSession opens a new AI session and returns its ID.
	CreateSession(ctx context.Context) (string, error)

	// SendMessage sends text to an existing session and returns the reply.
	// An unknown session yields an error wrapping ErrInvalidSession.
	SendMessage(ctx context.Context, sessionID, text string) (string, error)
}

// Event sources.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// InboundEvent is one message observed on the platform.
type InboundEvent struct {
	DeliveryID     string // transport idempotency key, empty for polled events
	ConversationID string
	MessageID      string
	Text           string
	Author         normalize.Author
	Role           normalize.Role // set by Normalizer
	Self           bool           // authored by our own bot identity; set by Normalizer
	OccurredAt     time.Time
	Source         string
}

// ConversationSummary is a listing entry.
type ConversationSummary struct {
	ID        string
	UpdatedAt time.Time
}

// Message is one visible message in a conversation.
type Message struct {
	ID        string
	Body      string
	Author    normalize.Author
	CreatedAt time.Time
}

// ConversationDetail is a conversation and its messages.
type ConversationDetail struct {
	ID       string
	Messages []Message
}

// Events converts messages created after since into poll events, oldest
// first. A zero since returns all messages.
func (d *ConversationDetail) Events(since time.Time) []InboundEvent {
	var out []InboundEvent
	for _, m := range d.Messages {
		if !since.IsZero() && !m.CreatedAt.After(since) {
			continue
		}
		out = append(out, InboundEvent{
			ConversationID: d.ID,
			MessageID:      m.ID,
			Text:           m.Body,
			Author:         m.Author,
			OccurredAt:     m.CreatedAt,
			Source:         SourcePoll,
		})
	}
	sortEvents(out)
	return out
}

func sortEvents(evs []InboundEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].OccurredAt.Before(evs[j].OccurredAt)
	})
}

// Normalizer cleans message text and assigns author roles.
type Normalizer struct {
	Classifier normalize.Classifier
}

// Event returns ev with plain text, Role and Self filled in.
func (n Normalizer) Event(ev InboundEvent) InboundEvent {
	ev.Text = normalize.Text(ev.Text)
	ev.Role, ev.Self = n.Classifier.Classify(ev.Author)
	return ev
}
