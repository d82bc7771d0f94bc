package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	intrnl "statusboard/internal"
	"statusboard/internal/app"
	"statusboard/internal/logging"
)

const (
	modeServer = "server"
	modeWatch  = "watch"
	modeLocal  = "local"
)

func main() {
	// a missing .env is fine; real environment variables win
	_ = godotenv.Load()

	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("statusboard", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("STATUSBOARD_ADDR", defaultAddrForMode(mode)), "server listen address")
	path := flagSet.String("path", envOrDefault("STATUSBOARD_PATH", "/ws"), "websocket path")
	db := flagSet.String("db", envOrDefault("STATUSBOARD_DB_PATH", ""), "sqlite database path (defaults to a per-user path)")
	seed := flagSet.String("seed", envOrDefault("STATUSBOARD_SEED", ""), "YAML file of users to create at boot")
	secret := flagSet.String("session-secret", envOrDefault("STATUSBOARD_SESSION_SECRET", ""), "key material for session tokens (random when empty)")
	queueSize := flagSet.Int("queue-size", envIntOrDefault("STATUSBOARD_QUEUE_SIZE", 0), "per-observer delivery queue length")
	secureCookies := flagSet.Bool("secure-cookies", envOrDefault("STATUSBOARD_SECURE_COOKIES", "") == "true", "mark session cookies Secure (behind TLS)")
	trustProxy := flagSet.Bool("trust-proxy", envOrDefault("STATUSBOARD_TRUST_PROXY", "") == "true", "key the auth limiter on X-Forwarded-For (only behind a proxy)")
	redisURL := flagSet.String("redis-url", envOrDefault("STATUSBOARD_REDIS_URL", ""), "mirror presence into this redis (optional)")
	redisPrefix := flagSet.String("redis-prefix", envOrDefault("STATUSBOARD_REDIS_PREFIX", ""), "key prefix for the redis mirror")
	serverURL := flagSet.String("server", envOrDefault("STATUSBOARD_SERVER", "ws://localhost:8080/ws"), "server websocket URL (watch mode)")
	username := flagSet.String("user", envOrDefault("STATUSBOARD_USER", ""), "log in as this user before watching")
	logLevel := flagSet.String("log-level", envOrDefault("STATUSBOARD_LOG_LEVEL", "info"), "log level: "+logging.LevelNames())
	logFormat := flagSet.String("log-format", envOrDefault("STATUSBOARD_LOG_FORMAT", "text"), "log format: text or json")
	logFile := flagSet.String("log-file", envOrDefault("STATUSBOARD_LOG_FILE", ""), "write logs to this file instead of stderr")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	flagSet.Parse(args)

	if *showVersion {
		fmt.Println("statusboard", intrnl.Version)
		return
	}

	logger, closeLog, err := setupLogger(mode, *logLevel, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "statusboard: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	serverCfg := app.ServerConfig{
		Addr:          *addr,
		Path:          app.NormalizeWSPath(*path),
		DBPath:        *db,
		SeedFile:      *seed,
		SessionSecret: *secret,
		QueueSize:     *queueSize,
		SecureCookies: *secureCookies,
		TrustProxy:    *trustProxy,
		RedisURL:      *redisURL,
		RedisPrefix:   *redisPrefix,
		Logger:        logger,
	}
	if serverCfg.DBPath == "" {
		serverCfg.DBPath = app.DefaultDBPath()
	}
	clientCfg := app.ClientConfig{
		ServerURL: *serverURL,
		Username:  *username,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = runWatchMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "statusboard: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger sends logs to stderr in server mode. The TUI modes own the
// terminal, so there logs are dropped unless a file is given.
func setupLogger(mode, level, format, file string) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case file != "":
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	case mode != modeServer:
		out = io.Discard
	}
	logger, err := logging.Setup(logging.Options{Level: level, Format: format, Output: out})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return logger, closeFn, nil
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *slog.Logger) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("statusboard listening", "addr", handle.Addr(), "ws_path", cfg.Path, "db", cfg.DBPath, "version", intrnl.Version)
	return handle.Wait()
}

func runWatchMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("watch mode requires --server or STATUSBOARD_SERVER")
	}
	return app.RunClient(cfg)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *slog.Logger) error {
	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	logger.Info("local server started", "addr", handle.Addr(), "db", serverCfg.DBPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeWSPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeWatch, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeWatch, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeWatch, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
