package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr          string
	Path          string
	DBPath        string
	SeedFile      string
	SessionSecret string
	SessionTTL    time.Duration
	QueueSize     int
	SecureCookies bool
	TrustProxy    bool
	// RedisURL enables the presence mirror when set, e.g. redis://localhost:6379/0.
	RedisURL    string
	RedisPrefix string
	Logger      *slog.Logger
}

// ClientConfig defines the parameters the watcher needs.
type ClientConfig struct {
	ServerURL string
	Username  string
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("STATUSBOARD_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("STATUSBOARD_DATA_DIR"); env != "" {
		return filepath.Join(env, "statusboard.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "statusboard", "statusboard.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Statusboard", "statusboard.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Statusboard", "statusboard.db")
		}
		return filepath.Join(home, ".local", "share", "statusboard", "statusboard.db")
	}
	return filepath.Join(".", ".statusboard", "statusboard.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
