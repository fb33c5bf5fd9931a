// Package slack posts relay alerts to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/relay/internal/relay"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 2

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Sink implements relay.EventSink for alertable events.
type Sink struct {
	client  slackClient
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// SinkOpts holds parameters for creating a Slack Sink.
type SinkOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	Timeout   time.Duration // per alert, defaults to relay.DefaultAlertTimeout
	Logger    *slog.Logger
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Sink.
func New(opts SinkOpts) (*Sink, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = relay.DefaultAlertTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sink{client: client, channel: opts.ChannelID, timeout: opts.Timeout, logger: opts.Logger}, nil
}

// Emit posts takeover and failure events. Errors are logged, never returned.
func (s *Sink) Emit(ctx context.Context, ev relay.Event) {
	if !relay.Alertable(ev) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	options := buildMessageOptions(relay.FormatAlert(ev))
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channel, options...)
		return postErr
	})
	if err != nil {
		s.logger.Warn("slack alert failed", "event", ev.Name, "conversation_id", ev.ConversationID, "error", err)
	}
}

// buildMessageOptions renders an alert as a colored attachment with a text
// fallback.
func buildMessageOptions(a relay.Alert) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    a.Title,
		Text:     a.Body,
		Color:    a.Color,
		Fallback: a.Title,
	}
	for _, f := range a.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionAttachments(att),
		slackapi.MsgOptionText(a.Title, false),
	}
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, honoring
// RetryAfter and ctx.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
