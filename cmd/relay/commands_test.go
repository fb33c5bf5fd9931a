package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// config check
// ---------------------------------------------------------------------------

func TestConfigCheck_Valid(t *testing.T) {
	path := writeTestConfig(t, nil)
	out, err := runCmd(t, "config", "check", "-c", path)
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	for _, want := range []string{"Config OK", "store:   sqlite", "poller(1m0s)", "webhook(:8080)", "alerts:  none", "warning: no intercom client secret"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCheck_MissingFile(t *testing.T) {
	_, err := runCmd(t, "config", "check", "-c", "/nonexistent/relay.yaml")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v, want load config error", err)
	}
}

func TestConfigCheck_BadSchedule(t *testing.T) {
	path := writeTestConfig(t, nil)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("maintenance:\n  prune_cron: \"not a schedule\"\n")
	f.Close()

	if _, err := runCmd(t, "config", "check", "-c", path); err == nil {
		t.Error("expected error for invalid prune_cron")
	}
}

// ---------------------------------------------------------------------------
// db migrate
// ---------------------------------------------------------------------------

func TestDBMigrate(t *testing.T) {
	path := writeTestConfig(t, nil)
	out, err := runCmd(t, "db", "migrate", "-c", path)
	if err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if !strings.Contains(out, "Connected to sqlite store") || !strings.Contains(out, "Migrated 4 tables") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "relay.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// ---------------------------------------------------------------------------
// poll --once and conversation show/reset
// ---------------------------------------------------------------------------

func TestPollOnce_RepliesAndRecords(t *testing.T) {
	u := newUpstreams(t)
	path := writeTestConfig(t, u)

	out, err := runCmd(t, "poll", "--once", "-c", path)
	if err != nil {
		t.Fatalf("poll --once: %v", err)
	}
	if !strings.Contains(out, "Polled 1 conversations") || !strings.Contains(out, "replied") {
		t.Errorf("output = %q", out)
	}
	if u.replyCount() != 1 {
		t.Fatalf("replies = %d, want 1", u.replyCount())
	}
	if u.replies[0] != "<p>Your order ships today.</p>" {
		t.Errorf("reply body = %q", u.replies[0])
	}

	// A second cycle sees the same message and does not reply again.
	if _, err := runCmd(t, "poll", "--once", "-c", path); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if u.replyCount() != 1 {
		t.Errorf("replies after second poll = %d, want 1", u.replyCount())
	}

	out, err = runCmd(t, "conversation", "show", "c1", "-c", path)
	if err != nil {
		t.Fatalf("conversation show: %v", err)
	}
	for _, want := range []string{"Conversation: c1", "AWAITING_USER_REPLY", "sess-1", "Last message: m1"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "conversation", "reset", "c1", "-c", path)
	if err != nil {
		t.Fatalf("conversation reset: %v", err)
	}
	if !strings.Contains(out, "Conversation c1 reset to READY_FOR_RESPONSE") {
		t.Errorf("reset output = %q", out)
	}
}

func TestPollOnce_EmergencyStop(t *testing.T) {
	u := newUpstreams(t)
	path := writeTestConfig(t, u)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "STOP"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "poll", "--once", "-c", path)
	if err != nil {
		t.Fatalf("poll --once: %v", err)
	}
	if !strings.Contains(out, "Emergency stop active") {
		t.Errorf("output = %q", out)
	}
	if u.replyCount() != 0 {
		t.Errorf("replies = %d, want 0", u.replyCount())
	}
}

func TestConversationShow_NotFound(t *testing.T) {
	path := writeTestConfig(t, nil)
	_, err := runCmd(t, "conversation", "show", "nope", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "conversation nope not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestConversationReset_NotFound(t *testing.T) {
	path := writeTestConfig(t, nil)
	_, err := runCmd(t, "conversation", "reset", "nope", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "conversation nope not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestConversationShow_RequiresID(t *testing.T) {
	if _, err := runCmd(t, "conversation", "show"); err == nil {
		t.Error("expected error without id")
	}
}

func TestServeHelp(t *testing.T) {
	out, err := runCmd(t, "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help: %v", err)
	}
	if !strings.Contains(out, "--config") || !strings.Contains(out, "relay.yaml") {
		t.Errorf("help = %s", out)
	}
}
