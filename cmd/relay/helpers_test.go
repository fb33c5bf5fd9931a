package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// upstreams fakes Intercom and GPT Trainer for end-to-end command tests.
type upstreams struct {
	intercom *httptest.Server
	gpt      *httptest.Server

	mu      sync.Mutex
	replies []string
}

func newUpstreams(t *testing.T) *upstreams {
	t.Helper()
	u := &upstreams{}
	created := time.Now().Add(-time.Minute).Unix()

	im := http.NewServeMux()
	im.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"conversations": []map[string]interface{}{{"id": "c1", "updated_at": created}},
		})
	})
	im.HandleFunc("GET /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"id":         r.PathValue("id"),
			"created_at": created,
			"source": map[string]interface{}{
				"id": "m1", "body": "<p>Where is my order?</p>",
				"author": map[string]string{"id": "u1", "type": "user", "name": "Dana"},
			},
		})
	})
	im.HandleFunc("POST /conversations/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		u.mu.Lock()
		u.replies = append(u.replies, body["body"])
		u.mu.Unlock()
		writeJSON(w, map[string]string{"type": "conversation"})
	})
	im.HandleFunc("PUT /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"type": "conversation"})
	})
	u.intercom = httptest.NewServer(im)
	t.Cleanup(u.intercom.Close)

	gm := http.NewServeMux()
	gm.HandleFunc("POST /chatbot/{uuid}/session/create", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"uuid": "sess-1"})
	})
	gm.HandleFunc("POST /session/{id}/message/stream", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"response": "Your order ships today."})
	})
	u.gpt = httptest.NewServer(gm)
	t.Cleanup(u.gpt.Close)
	return u
}

func (u *upstreams) replyCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.replies)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeTestConfig writes a relay.yaml pointing at u with a sqlite store in
// a temp dir and returns its path.
func writeTestConfig(t *testing.T, u *upstreams) string {
	t.Helper()
	dir := t.TempDir()
	intercomURL, gptURL := "http://127.0.0.1:1", "http://127.0.0.1:1"
	if u != nil {
		intercomURL, gptURL = u.intercom.URL, u.gpt.URL
	}
	data := fmt.Sprintf(`store:
  driver: sqlite
  path: %s
intercom:
  base_url: %s
  access_token: tok
  admin_id: "admin-1"
gpt_trainer:
  base_url: %s
  api_key: key
  chatbot_uuid: bot-1
emergency_stop_file: %s
log:
  level: error
  format: text
`, filepath.Join(dir, "relay.db"), intercomURL, gptURL, filepath.Join(dir, "STOP"))
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// runCmd executes the root command with args and returns stdout and the error.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	errOut := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
