package intercom

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/relay/internal/relay"
)

// Webhook payload types and topics.
const (
	TypeNotification = "notification_event"
	TopicPing        = "ping"
)

// Notification is a decoded webhook delivery.
type Notification struct {
	ID             string
	Type           string
	Topic          string
	ConversationID string
	Events         []relay.InboundEvent
}

// IsPing reports whether n is Intercom's connectivity check.
func (n *Notification) IsPing() bool { return n.Topic == TopicPing }

type wireNotification struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Data  struct {
		Item json.RawMessage `json:"item"`
	} `json:"data"`
}

// ParseNotification decodes a webhook body. Conversation topics yield one
// event per visible message, keyed by the notification ID; other topics
// yield none.
func ParseNotification(body []byte) (*Notification, error) {
	var wn wireNotification
	if err := json.Unmarshal(body, &wn); err != nil {
		return nil, fmt.Errorf("intercom: parse notification: %w", err)
	}
	n := &Notification{ID: wn.ID, Type: wn.Type, Topic: wn.Topic}
	if wn.Type != TypeNotification || !strings.HasPrefix(wn.Topic, "conversation.") || len(wn.Data.Item) == 0 {
		return n, nil
	}

	var item struct {
		Type string `json:"type"`
		wireConversation
	}
	if err := json.Unmarshal(wn.Data.Item, &item); err != nil {
		return nil, fmt.Errorf("intercom: parse notification %s item: %w", wn.ID, err)
	}
	if item.Type != "conversation" || item.ID == "" {
		return n, nil
	}
	n.ConversationID = item.ID
	for _, ev := range item.detail().Events(time.Time{}) {
		ev.DeliveryID = wn.ID
		ev.Source = relay.SourceWebhook
		n.Events = append(n.Events, ev)
	}
	return n, nil
}
