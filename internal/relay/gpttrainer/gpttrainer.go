// Package gpttrainer is the GPT Trainer chat API client.
package gpttrainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/relay/internal/relay"
	"github.com/zulandar/relay/internal/retry"
	"golang.org/x/oauth2"
)

// Service is the name used in errors and breaker state.
const Service = relay.ServiceResponder

// DefaultBaseURL is the GPT Trainer API root.
const DefaultBaseURL = "https://app.gpt-trainer.com/api/v1"

// replyFields are checked in order for the answer text.
var replyFields = []string{"response", "text", "message", "answer", "content"}

// Client talks to the GPT Trainer API. It implements relay.Responder.
type Client struct {
	baseURL     string
	chatbotUUID string
	http        *http.Client
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL     string // defaults to DefaultBaseURL
	APIKey      string
	ChatbotUUID string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gpttrainer: api key is required")
	}
	if opts.ChatbotUUID == "" {
		return nil, fmt.Errorf("gpttrainer: chatbot uuid is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey, TokenType: "Bearer"}))
	hc.Timeout = opts.Timeout
	return &Client{baseURL: base, chatbotUUID: opts.ChatbotUUID, http: hc}, nil
}

// CreateSession opens a chat session on the configured chatbot.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	body, err := c.post(ctx, "create_session", "/chatbot/"+url.PathEscape(c.chatbotUUID)+"/session/create", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID string `json:"session_id"`
		UUID      string `json:"uuid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", retry.FromTransport(Service, "create_session", fmt.Errorf("decode response: %w", err))
	}
	id := resp.SessionID
	if id == "" {
		id = resp.UUID
	}
	if id == "" {
		return "", &retry.UpstreamError{Service: Service, Op: "create_session", Kind: retry.Permanent,
			Err: fmt.Errorf("no session id in response")}
	}
	return id, nil
}

// SendMessage sends text to the session and returns the answer. The answer
// may be empty; callers decide what that means.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	payload := map[string]interface{}{"query": text, "stream": false}
	body, err := c.post(ctx, "send_message", "/session/"+url.PathEscape(sessionID)+"/message/stream", payload)
	if err != nil {
		return "", err
	}
	return answer(body), nil
}

// answer extracts the reply from a JSON object, falling back to the raw body.
func answer(body []byte) string {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		var s string
		if json.Unmarshal(body, &s) == nil {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(string(body))
	}
	for _, f := range replyFields {
		if s, ok := obj[f].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func (c *Client) post(ctx context.Context, op, path string, in interface{}) ([]byte, error) {
	var rd io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("gpttrainer: %s: encode: %w", op, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("gpttrainer: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retry.FromTransport(Service, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.FromTransport(Service, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		cause := fmt.Errorf("%s", strings.TrimSpace(string(snippet)))
		if op == "send_message" && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
			cause = fmt.Errorf("%w: %s", relay.ErrInvalidSession, cause)
		}
		return nil, retry.FromStatus(Service, op, resp.StatusCode, 0, cause)
	}
	return body, nil
}
