package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"statusboard/internal/logging"
	"statusboard/internal/storage"
)

func TestRunServerSeedsAndResetsPresence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "statusboard.db")
	seedPath := filepath.Join(dir, "users.yaml")
	if err := os.WriteFile(seedPath, []byte("users:\n  - alice\n  - bob\n"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	// leave a stale online row behind, as a crashed process would
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store, err := storage.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	id, err := store.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	now := time.Now().UTC()
	if _, err := store.SetPresence(ctx, id, storage.StatusOnline, &now); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	_ = store.Close()

	handle, err := RunServer(ctx, ServerConfig{
		Addr:     "127.0.0.1:0",
		Path:     "ws",
		DBPath:   dbPath,
		SeedFile: seedPath,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	defer func() {
		if err := handle.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
		if err := handle.Wait(); err != nil {
			t.Errorf("Wait: %v", err)
		}
	}()

	resp, err := http.Get("http://" + handle.Addr() + "/users")
	if err != nil {
		t.Fatalf("GET /users: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Users []struct {
			Username string `json:"username"`
			Status   string `json:"status"`
		} `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Users) != 2 {
		t.Fatalf("expected seeded users alice and bob, got %+v", body.Users)
	}
	for _, u := range body.Users {
		if u.Status != storage.StatusOffline {
			t.Fatalf("%s should have been reset to offline at boot", u.Username)
		}
	}
}

func TestRunServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := RunServer(ctx, ServerConfig{
		Addr:   "127.0.0.1:0",
		DBPath: filepath.Join(t.TempDir(), "statusboard.db"),
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	cancel()
	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop after cancel")
	}
}

func TestStopClosesObserversBeforeStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "statusboard.db")
	handle, err := RunServer(context.Background(), ServerConfig{
		Addr:          "127.0.0.1:0",
		DBPath:        dbPath,
		SessionSecret: "secret",
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	base := "http://" + handle.Addr()
	token := signupAndLogin(t, base, "ivy")
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+handle.Addr()+"/ws", http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitOnline(t, base, "ivy")
	if err := handle.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertClosedByServer(t, conn)

	store, err := storage.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	user, err := store.GetUserByUsername(context.Background(), "ivy")
	if err != nil || user == nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user.Status != storage.StatusOffline {
		t.Fatalf("ivy should have been marked offline during shutdown, got %s", user.Status)
	}
}

func signupAndLogin(t *testing.T, base, username string) string {
	t.Helper()
	body := `{"username":"` + username + `"}`
	resp, err := http.Post(base+"/signup", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /signup: %v", err)
	}
	resp.Body.Close()
	resp, err = http.Post(base+"/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil || login.Token == "" {
		t.Fatalf("decode login: %v", err)
	}
	return login.Token
}

func waitOnline(t *testing.T, base, username string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/users")
		if err != nil {
			t.Fatalf("GET /users: %v", err)
		}
		var body struct {
			Users []struct {
				Username string `json:"username"`
				Status   string `json:"status"`
			} `json:"users"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode users: %v", err)
		}
		for _, u := range body.Users {
			if u.Username == username && u.Status == storage.StatusOnline {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never came online", username)
}

func assertClosedByServer(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("expected the server to close the socket, got %v", err)
		}
		return
	}
}

func TestRunServerResetsRedisMirror(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	if _, err := redisSrv.SAdd("sb:online_users", "ghost"); err != nil {
		t.Fatalf("seed redis: %v", err)
	}
	handle, err := RunServer(context.Background(), ServerConfig{
		Addr:        "127.0.0.1:0",
		DBPath:      filepath.Join(t.TempDir(), "statusboard.db"),
		RedisURL:    "redis://" + redisSrv.Addr() + "/0",
		RedisPrefix: "sb:",
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	if redisSrv.Exists("sb:online_users") {
		t.Fatalf("stale online set should be cleared at boot")
	}
	if err := handle.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	addr := redisSrv.Addr()
	redisSrv.Close()
	_, err = RunServer(context.Background(), ServerConfig{
		Addr:     "127.0.0.1:0",
		DBPath:   filepath.Join(t.TempDir(), "statusboard.db"),
		RedisURL: "redis://" + addr + "/0",
		Logger:   logging.Discard(),
	})
	if err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestRunServerRejectsBadSeed(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(seedPath, []byte("users: [unterminated\n"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	_, err := RunServer(context.Background(), ServerConfig{
		Addr:     "127.0.0.1:0",
		DBPath:   filepath.Join(t.TempDir(), "statusboard.db"),
		SeedFile: seedPath,
		Logger:   logging.Discard(),
	})
	if err == nil {
		t.Fatalf("expected error for malformed seed file")
	}
	if _, err := RunServer(context.Background(), ServerConfig{}); err == nil {
		t.Fatalf("expected error without a database path")
	}
}

func TestConfigHelpers(t *testing.T) {
	if got := NormalizeWSPath(""); got != "/ws" {
		t.Fatalf("empty path: %q", got)
	}
	if got := NormalizeWSPath("live"); got != "/live" {
		t.Fatalf("relative path: %q", got)
	}

	t.Setenv("STATUSBOARD_DB_PATH", "")
	t.Setenv("STATUSBOARD_DATA_DIR", "/tmp/sb")
	if got := DefaultDBPath(); got != filepath.Join("/tmp/sb", "statusboard.db") {
		t.Fatalf("data dir override: %q", got)
	}
	t.Setenv("STATUSBOARD_DB_PATH", "/var/lib/sb.db")
	if got := DefaultDBPath(); got != "/var/lib/sb.db" {
		t.Fatalf("db path override: %q", got)
	}
}
