package relay

import (
	"fmt"
	"time"
)

// Alert colors.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// DefaultAlertTimeout bounds a single alert delivery.
const DefaultAlertTimeout = 5 * time.Second

// AlertField is one name/value pair shown on an alert.
type AlertField struct {
	Name  string
	Value string
	Short bool
}

// Alert is an event rendered for an ops channel.
type Alert struct {
	Title  string
	Body   string
	Color  string
	Fields []AlertField
}

// Alertable reports whether ev is worth paging a human about.
func Alertable(ev Event) bool {
	return ev.Name == EventAdminTakeover || ev.Name == EventProcessingFailed
}

// FormatAlert renders ev for chat sinks.
func FormatAlert(ev Event) Alert {
	a := Alert{Color: ColorInfo}
	switch ev.Name {
	case EventAdminTakeover:
		a.Title = fmt.Sprintf("Admin took over conversation %s", ev.ConversationID)
		a.Body = "Automated replies are paused until the conversation is reset."
		a.Color = ColorWarning
	case EventProcessingFailed:
		a.Title = fmt.Sprintf("Processing failed for conversation %s", ev.ConversationID)
		a.Body = ev.Attr("error")
		a.Color = ColorError
		if ev.Attr("ambiguous") == "true" {
			a.Body = "Reply may have been delivered: " + a.Body
		}
	default:
		a.Title = fmt.Sprintf("%s: %s", ev.Name, ev.ConversationID)
	}
	for _, attr := range ev.Attrs {
		if attr.Key == "error" {
			continue
		}
		a.Fields = append(a.Fields, AlertField{Name: attr.Key, Value: attr.Value.String(), Short: true})
	}
	return a
}

// Text is a plain-text rendering of a.
func (a Alert) Text() string {
	s := a.Title
	if a.Body != "" {
		s += "\n" + a.Body
	}
	return s
}
