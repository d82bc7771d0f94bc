package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"statusboard/internal/app"
	"statusboard/internal/logging"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", getEnv("STATUSBOARD_ADDR", ":8080"), "server listen address")
	path := flag.String("path", getEnv("STATUSBOARD_PATH", "/ws"), "websocket path")
	db := flag.String("db", getEnv("STATUSBOARD_DB_PATH", app.DefaultDBPath()), "sqlite database path")
	seed := flag.String("seed", getEnv("STATUSBOARD_SEED", ""), "YAML file of users to create at boot")
	trustProxy := flag.Bool("trust-proxy", getEnv("STATUSBOARD_TRUST_PROXY", "") == "true", "key the auth limiter on X-Forwarded-For (only behind a proxy)")
	redisURL := flag.String("redis-url", getEnv("STATUSBOARD_REDIS_URL", ""), "mirror presence into this redis (optional)")
	level := flag.String("log-level", getEnv("STATUSBOARD_LOG_LEVEL", "info"), "log level: "+logging.LevelNames())
	format := flag.String("log-format", getEnv("STATUSBOARD_LOG_FORMAT", "json"), "log format: text or json")
	flag.Parse()

	logger, err := logging.Setup(logging.Options{Level: *level, Format: *format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, app.ServerConfig{
		Addr:          *addr,
		Path:          *path,
		DBPath:        *db,
		SeedFile:      *seed,
		SessionSecret: os.Getenv("STATUSBOARD_SESSION_SECRET"),
		TrustProxy:    *trustProxy,
		RedisURL:      *redisURL,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("start server", "err", err)
		os.Exit(1)
	}
	logger.Info("statusboard server listening", "addr", handle.Addr(), "ws_path", app.NormalizeWSPath(*path))
	if err := handle.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
