// Package discord posts relay alerts to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/relay/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited sends.
	maxRetries = 2
	// baseBackoff is the initial wait after a 429.
	baseBackoff = time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sink implements relay.EventSink for alertable events.
type Sink struct {
	sess        session
	channel     string
	timeout     time.Duration
	baseBackoff time.Duration
	logger      *slog.Logger
}

// SinkOpts holds parameters for creating a Discord Sink.
type SinkOpts struct {
	BotToken  string
	ChannelID string
	Timeout   time.Duration // per alert, defaults to relay.DefaultAlertTimeout
	Logger    *slog.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Sink. Only the REST API is used; no gateway
// connection is opened.
func New(opts SinkOpts) (*Sink, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	if opts.Timeout <= 0 {
		opts.Timeout = relay.DefaultAlertTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sink{
		sess:        sess,
		channel:     opts.ChannelID,
		timeout:     opts.Timeout,
		baseBackoff: baseBackoff,
		logger:      opts.Logger,
	}, nil
}

// Emit posts takeover and failure events as embeds. Errors are logged,
// never returned.
func (s *Sink) Emit(ctx context.Context, ev relay.Event) {
	if !relay.Alertable(ev) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data := buildMessageSend(relay.FormatAlert(ev))
	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSendComplex(s.channel, data, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		s.logger.Warn("discord alert failed", "event", ev.Name, "conversation_id", ev.ConversationID, "error", err)
	}
}

// buildMessageSend renders an alert as a single embed.
func buildMessageSend(a relay.Alert) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       parseHexColor(a.Color),
	}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
}

// parseHexColor converts a hex color string (e.g. "#e53935") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// 429 responses. It respects context cancellation.
func (s *Sink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 || attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
