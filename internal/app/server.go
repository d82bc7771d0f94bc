package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	intrnl "statusboard/internal"
	"statusboard/internal/mirror"
	"statusboard/internal/presence"
	"statusboard/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	api    *intrnl.Server
	store  *storage.Store
	mirror *mirrorWorker
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// mirrorWorker tracks the Redis mirror goroutine so shutdown can drain it.
type mirrorWorker struct {
	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *mirrorWorker) stop(logger *slog.Logger) {
	w.cancel()
	<-w.done
	if err := w.client.Close(); err != nil {
		logger.Error("redis close", "err", err)
	}
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens and migrates the SQLite store, seeds users, clears stale
// presence from a previous run, and starts serving in the background. Call
// Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	cfg.Path = NormalizeWSPath(cfg.Path)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if isFilePath(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	handle, err := startServer(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return handle, nil
}

func startServer(ctx context.Context, cfg ServerConfig, store *storage.Store, logger *slog.Logger) (*ServerHandle, error) {
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if cfg.SeedFile != "" {
		created, err := seedUsers(ctx, store, cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		logger.Info("seeded users", "file", cfg.SeedFile, "created", created)
	}

	opts := intrnl.ServerOptions{
		SessionSecret: cfg.SessionSecret,
		SessionTTL:    cfg.SessionTTL,
		QueueSize:     cfg.QueueSize,
		SecureCookies: cfg.SecureCookies,
		TrustProxy:    cfg.TrustProxy,
		Logger:        logger,
	}
	var worker *mirrorWorker
	if cfg.RedisURL != "" {
		client, err := mirror.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		m := mirror.NewRedis(client, mirror.Options{
			Prefix: cfg.RedisPrefix,
			Logger: logger.With("component", "mirror"),
		})
		if err := m.Reset(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		worker = &mirrorWorker{client: client, cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(worker.done)
			_ = m.Run(runCtx)
		}()
		opts.Mirrors = []presence.Publisher{m}
		logger.Info("mirroring presence to redis", "online_key", m.OnlineKey())
	}
	stopMirror := func() {
		if worker != nil {
			worker.stop(logger)
		}
	}

	server, err := intrnl.NewServer(store, opts)
	if err != nil {
		stopMirror()
		return nil, err
	}
	// counts start at zero, so any persisted "online" is stale
	if err := server.Reconcile(ctx); err != nil {
		stopMirror()
		return nil, err
	}

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Path, server)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		stopMirror()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		api:    server,
		store:  store,
		mirror: worker,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown", "err", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	// Shutdown leaves hijacked websockets alone; their teardown still needs the store
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := h.api.CloseConnections(ctx); err != nil {
		h.logger.Error("close observers", "err", err)
	}
	cancel()
	if h.mirror != nil {
		h.mirror.stop(h.logger)
	}
	if err := h.store.Close(); err != nil {
		h.logger.Error("store close", "err", err)
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/", server.HandleIndex(wsPath))
	mux.HandleFunc("/signup", server.HandleSignup)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/logout", server.HandleLogout)
	mux.HandleFunc("/users", server.HandleUsers)
	mux.HandleFunc("/users/", server.HandleDeleteUser)
	mux.HandleFunc("/healthz", server.HandleHealth)
	mux.Handle("/metrics", server.MetricsHandler())
	mux.Handle("/metrics/prometheus", server.PrometheusHandler())
}

func isFilePath(dbPath string) bool {
	for _, prefix := range []string{"sqlite://", "file:", ":memory:"} {
		if strings.HasPrefix(dbPath, prefix) {
			return false
		}
	}
	return true
}
