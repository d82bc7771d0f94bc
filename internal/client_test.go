package internal

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"statusboard/internal/presence"
)

func TestWatcherAppliesFrames(t *testing.T) {
	model := NewWatcherModel("ws://localhost:8080/ws", "")
	seen := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	model.applyFrame(Frame{Type: frameSnapshot, Users: []presence.Event{
		{UserID: 2, Username: "bob", Status: presence.Offline},
		{UserID: 1, Username: "alice", Status: presence.Online, LastOnlineAt: &seen},
	}})
	rows := model.table.Rows()
	if len(rows) != 2 || rows[0][0] != "alice" || rows[1][0] != "bob" {
		t.Fatalf("rows should be sorted by username: %v", rows)
	}
	if rows[1][2] != "never" {
		t.Fatalf("bob has never been online: %v", rows[1])
	}
	if model.onlineCount() != 1 {
		t.Fatalf("expected one online user")
	}

	model.applyFrame(Frame{Type: framePresence, Event: &presence.Event{
		Kind: presence.KindUpdate, UserID: 2, Username: "bob", Status: presence.Online, LastOnlineAt: &seen,
	}})
	if model.onlineCount() != 2 || model.lastChange != "bob is online" {
		t.Fatalf("update not applied: online=%d change=%q", model.onlineCount(), model.lastChange)
	}

	model.applyFrame(Frame{Type: framePresence, Event: &presence.Event{
		Kind: presence.KindRemoved, UserID: 1, Username: "alice", Status: presence.Offline,
	}})
	if rows := model.table.Rows(); len(rows) != 1 || rows[0][0] != "bob" {
		t.Fatalf("removal not applied: %v", rows)
	}

	view := model.View()
	if !strings.Contains(view, "online: 1 of 1") || !strings.Contains(view, "watching anonymously") {
		t.Fatalf("unexpected view:\n%s", view)
	}
}

func TestWatcherReconnectBackoff(t *testing.T) {
	if retryDelay(1) != time.Second || retryDelay(3) != 4*time.Second || retryDelay(20) != maxRetryDelay {
		t.Fatalf("unexpected delays: %v %v %v", retryDelay(1), retryDelay(3), retryDelay(20))
	}

	model := NewWatcherModel("ws://localhost:1/ws", "")
	_, cmd := model.Update(connectFailedMsg{err: errors.New("refused")})
	if cmd == nil || model.attempts != 1 || model.lastErr == nil {
		t.Fatalf("connect failure should schedule a retry")
	}
	if !strings.Contains(model.View(), "refused") {
		t.Fatalf("view should surface the last error")
	}

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("q should quit")
	}
}

func TestWatcherAgainstServer(t *testing.T) {
	env := newTestEnv(t)
	env.signupAndLogin(t, "alice")

	model := NewWatcherModel(env.wsURL, "alice")
	msg := model.loginCmd()()
	loggedIn, ok := msg.(loggedInMsg)
	if !ok {
		t.Fatalf("expected loggedInMsg, got %#v", msg)
	}
	model.Update(loggedIn)

	msg = model.connectCmd()()
	connected, ok := msg.(connectedMsg)
	if !ok {
		t.Fatalf("expected connectedMsg, got %#v", msg)
	}
	defer connected.conn.Close()
	model.Update(connected)

	msg = readOnceCmd(model.conn)()
	frame, ok := msg.(frameMsg)
	if !ok {
		t.Fatalf("expected frameMsg, got %#v", msg)
	}
	model.Update(frame)
	if len(model.users) != 1 {
		t.Fatalf("snapshot not applied: %+v", model.users)
	}
	waitFor(t, "watcher counted as alice", func() bool {
		return env.server.registry.CountFor(loggedIn.userID) == 1
	})
}

func TestHTTPBaseFromWSURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8080/ws":       "http://localhost:8080",
		"wss://example.com/ws?token=x": "https://example.com",
	}
	for in, want := range cases {
		got, err := httpBaseFromWSURL(in)
		if err != nil || got != want {
			t.Fatalf("httpBaseFromWSURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := httpBaseFromWSURL("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
