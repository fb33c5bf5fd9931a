// Package intercom is the Intercom REST client and webhook payload parser.
package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/relay/internal/relay"
	"github.com/zulandar/relay/internal/retry"
	"golang.org/x/oauth2"
)

// Service is the name used in errors and breaker state.
const Service = relay.ServicePlatform

// DefaultBaseURL is the Intercom REST API root.
const DefaultBaseURL = "https://api.intercom.io"

const (
	pageSize = 25
	maxPages = 4
)

// Client talks to the Intercom REST API. It implements relay.Platform.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL     string // defaults to DefaultBaseURL
	AccessToken string
	HTTPClient  *http.Client // base transport; the bearer token is layered on top
	Timeout     time.Duration
	Now         func() time.Time
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("intercom: access token is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.AccessToken, TokenType: "Bearer"}))
	hc.Timeout = opts.Timeout
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{baseURL: base, http: hc, now: opts.Now}, nil
}

// ListOpenConversations returns open conversations updated at or after
// since, newest first. Paging stops at the first older conversation.
func (c *Client) ListOpenConversations(ctx context.Context, since time.Time) ([]relay.ConversationSummary, error) {
	var out []relay.ConversationSummary
	startingAfter := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("state", "open")
		q.Set("sort", "updated_at")
		q.Set("order", "desc")
		q.Set("per_page", strconv.Itoa(pageSize))
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}
		var list wireList
		if err := c.do(ctx, "list_conversations", http.MethodGet, "/conversations?"+q.Encode(), nil, &list); err != nil {
			return nil, err
		}
		for _, wc := range list.Conversations {
			updated := unixTime(wc.UpdatedAt)
			if !since.IsZero() && updated.Before(since) {
				return out, nil
			}
			out = append(out, relay.ConversationSummary{ID: wc.ID, UpdatedAt: updated})
		}
		if list.Pages.Next == nil || list.Pages.Next.StartingAfter == "" {
			break
		}
		startingAfter = list.Pages.Next.StartingAfter
	}
	return out, nil
}

// GetConversation fetches a conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id string) (*relay.ConversationDetail, error) {
	var wc wireConversation
	if err := c.do(ctx, "get_conversation", http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &wc); err != nil {
		return nil, err
	}
	if wc.ID == "" {
		wc.ID = id
	}
	return wc.detail(), nil
}

// Reply posts text as a comment from actorID.
func (c *Client) Reply(ctx context.Context, conversationID, text, actorID string) error {
	body := map[string]string{
		"type":         "admin",
		"admin_id":     actorID,
		"message_type": "comment",
		"body":         replyBody(text),
	}
	return c.do(ctx, "reply", http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/reply", body, nil)
}

// MarkRead marks the conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, "mark_read", http.MethodPut, "/conversations/"+url.PathEscape(conversationID), map[string]bool{"read": true}, nil)
}

// replyBody renders plain text as Intercom HTML.
func replyBody(text string) string {
	paras := strings.Split(strings.TrimSpace(text), "\n\n")
	var b strings.Builder
	for _, p := range paras {
		lines := strings.Split(p, "\n")
		for i, l := range lines {
			lines[i] = html.EscapeString(l)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("intercom: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("intercom: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.FromTransport(Service, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.FromStatus(Service, op, resp.StatusCode, c.retryAfter(resp), fmt.Errorf("%s", strings.TrimSpace(string(snippet))))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.FromTransport(Service, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// retryAfter reads the X-RateLimit-Reset header (unix seconds).
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("X-RateLimit-Reset")
	if v == "" {
		return 0
	}
	reset, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	d := time.Unix(reset, 0).Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}
