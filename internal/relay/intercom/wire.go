package intercom

import (
	"time"

	"github.com/zulandar/relay/internal/normalize"
	"github.com/zulandar/relay/internal/relay"
)

// Part types that carry a visible message.
var messagePartTypes = map[string]bool{
	"comment": true,
	"note":    true,
}

type wireAuthor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

func (a wireAuthor) author() normalize.Author {
	return normalize.Author{ID: a.ID, Type: a.Type, Name: a.Name}
}

type wireSource struct {
	ID     string     `json:"id"`
	Body   string     `json:"body"`
	Author wireAuthor `json:"author"`
}

type wirePart struct {
	ID        string     `json:"id"`
	PartType  string     `json:"part_type"`
	Body      string     `json:"body"`
	CreatedAt int64      `json:"created_at"`
	Author    wireAuthor `json:"author"`
}

type wireConversation struct {
	ID        string      `json:"id"`
	State     string      `json:"state"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
	Source    *wireSource `json:"source"`
	// Older API versions name the opening message conversation_message.
	ConversationMessage *wireSource `json:"conversation_message"`
	Parts               struct {
		Parts []wirePart `json:"conversation_parts"`
	} `json:"conversation_parts"`
}

type wireList struct {
	Conversations []wireConversation `json:"conversations"`
	Pages         struct {
		Next *struct {
			StartingAfter string `json:"starting_after"`
		} `json:"next"`
	} `json:"pages"`
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// detail flattens the opening message and message parts in time order.
func (c wireConversation) detail() *relay.ConversationDetail {
	d := &relay.ConversationDetail{ID: c.ID}
	src := c.Source
	if src == nil || (src.ID == "" && src.Body == "") {
		src = c.ConversationMessage
	}
	if src != nil && src.Body != "" {
		id := src.ID
		if id == "" {
			id = "source-" + c.ID
		}
		d.Messages = append(d.Messages, relay.Message{
			ID:        id,
			Body:      src.Body,
			Author:    src.Author.author(),
			CreatedAt: unixTime(c.CreatedAt),
		})
	}
	for _, p := range c.Parts.Parts {
		if !messagePartTypes[p.PartType] || p.Body == "" {
			continue
		}
		d.Messages = append(d.Messages, relay.Message{
			ID:        p.ID,
			Body:      p.Body,
			Author:    p.Author.author(),
			CreatedAt: unixTime(p.CreatedAt),
		})
	}
	return d
}
