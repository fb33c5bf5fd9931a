// Package state is the conversation reply state machine. It is pure: it
// decides whether an AI reply is permitted and computes the next state, and
// leaves persistence to the session store.
package state

import "fmt"

// State is a conversation's reply state.
type State string

const (
	ReadyForResponse  State = "READY_FOR_RESPONSE"
	AwaitingUserReply State = "AWAITING_USER_REPLY"
	AdminTakeover     State = "ADMIN_TAKEOVER"
)

// Initial is the state of a newly created conversation.
const Initial = ReadyForResponse

// Event is something that happened to a conversation.
type Event string

const (
	EventReplySent    Event = "reply_sent"
	EventUserMessage  Event = "user_message"
	EventAdminMessage Event = "admin_message"
	EventReset        Event = "reset"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case ReadyForResponse, AwaitingUserReply, AdminTakeover:
		return true
	}
	return false
}

// InvariantViolation is returned for a transition that must never be
// attempted, such as sending a reply outside READY_FOR_RESPONSE. It is a
// programming error and the caller must not perform the side effect.
type InvariantViolation struct {
	From  State
	Event Event
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("state: invariant violation: %s not allowed in %s", e.Event, e.From)
}

// Next returns the state that follows current after ev.
func Next(current State, ev Event) (State, error) {
	if !current.Valid() {
		return current, fmt.Errorf("state: unknown state %q", current)
	}
	switch ev {
	case EventReset:
		return ReadyForResponse, nil
	case EventAdminMessage:
		return AdminTakeover, nil
	}
	if current == AdminTakeover {
		// Sticky until an explicit reset; a reply here is never legal.
		if ev == EventReplySent {
			return current, &InvariantViolation{From: current, Event: ev}
		}
		return AdminTakeover, nil
	}
	switch ev {
	case EventReplySent:
		if current != ReadyForResponse {
			return current, &InvariantViolation{From: current, Event: ev}
		}
		return AwaitingUserReply, nil
	case EventUserMessage:
		return ReadyForResponse, nil
	}
	return current, fmt.Errorf("state: unknown event %q", ev)
}

// CanSend reports whether an AI reply may be sent in s.
func CanSend(s State) bool {
	return s == ReadyForResponse
}

// Resolve picks the single event that governs a batch of messages observed
// together for one conversation. Admin intervention wins over user messages.
func Resolve(events []Event) (Event, bool) {
	var sawUser bool
	for _, ev := range events {
		switch ev {
		case EventAdminMessage:
			return EventAdminMessage, true
		case EventUserMessage:
			sawUser = true
		}
	}
	if sawUser {
		return EventUserMessage, true
	}
	return "", false
}
