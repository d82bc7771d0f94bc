package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"statusboard/internal/broadcast"
	"statusboard/internal/presence"
	"statusboard/internal/storage"
)

// ServerOptions tunes a Server. Zero values fall back to defaults.
type ServerOptions struct {
	SessionSecret string
	SessionTTL    time.Duration
	QueueSize     int
	AuthLimit     int
	AuthWindow    time.Duration
	SecureCookies bool
	// TrustProxy honors X-Forwarded-For when keying the auth limiter. Only
	// set it behind a proxy that overwrites the header.
	TrustProxy bool
	// Mirrors receive every presence event after the hub.
	Mirrors []presence.Publisher
	Logger  *slog.Logger
	Clock   func() time.Time
}

const (
	defaultSessionTTL = 7 * 24 * time.Hour
	defaultAuthLimit  = 10
	defaultAuthWindow = time.Minute
)

// Server owns the presence pipeline and serves the HTTP and websocket API.
type Server struct {
	store       *storage.Store
	presence    *presence.Store
	registry    *presence.Registry
	hub         *broadcast.Hub[presence.Event]
	sessions    *Sealer
	metrics     *Metrics
	authLimiter *RateLimiter
	upgrader    websocket.Upgrader
	secure      bool
	trustProxy  bool
	prometheus  http.Handler
	logger      *slog.Logger

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}
	closing   bool
	clientsWG sync.WaitGroup
}

// NewServer wires the presence store, registry and hub on top of store.
func NewServer(store *storage.Store, opts ServerOptions) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.AuthLimit <= 0 {
		opts.AuthLimit = defaultAuthLimit
	}
	if opts.AuthWindow <= 0 {
		opts.AuthWindow = defaultAuthWindow
	}

	sealer, err := NewSealer(opts.SessionSecret, opts.SessionTTL)
	if err != nil {
		return nil, err
	}
	if opts.SessionSecret == "" {
		logger.Warn("no session secret configured; sessions will not survive a restart")
	}

	metrics := NewMetrics()
	hub := broadcast.NewHub[presence.Event](opts.QueueSize, logger.With("component", "hub"))
	presenceOpts := []presence.Option{presence.WithLogger(logger.With("component", "presence"))}
	if opts.Clock != nil {
		presenceOpts = append(presenceOpts, presence.WithClock(opts.Clock))
	}
	publisher := presence.Publishers{countingPublisher{hub: hub, metrics: metrics}}
	publisher = append(publisher, opts.Mirrors...)
	presenceStore := presence.NewStore(store, publisher, presenceOpts...)

	server := &Server{
		store:       store,
		presence:    presenceStore,
		registry:    presence.NewRegistry(presenceStore, logger.With("component", "registry")),
		hub:         hub,
		sessions:    sealer,
		metrics:     metrics,
		authLimiter: NewRateLimiter(opts.AuthLimit, opts.AuthWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		secure:     opts.SecureCookies,
		trustProxy: opts.TrustProxy,
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
	}
	server.prometheus = newPrometheusHandler(server)
	return server, nil
}

// Reconcile clears presence left over from a previous run. Call it before
// the listener accepts connections.
func (s *Server) Reconcile(ctx context.Context) error {
	_, err := s.presence.Reconcile(ctx)
	return err
}

// MetricsHandler serves the counters plus live gauges from the hub and registry.
func (s *Server) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		payload := s.metrics.Snapshot()
		payload["registered_connections"] = s.registry.Connections()
		payload["presence_subscribers"] = s.hub.Subscribers(presence.Topic)
		payload["dropped_subscribers_total"] = s.hub.Dropped()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
}

// PrometheusHandler serves the metrics in the Prometheus text format.
func (s *Server) PrometheusHandler() http.Handler {
	return s.prometheus
}

// CloseConnections closes every websocket observer and waits until each
// has released its presence. New upgrades are refused from here on. Call it
// after the HTTP server stopped and before the store is closed.
func (s *Server) CloseConnections(ctx context.Context) error {
	s.clientsMu.Lock()
	s.closing = true
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.clientsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		if len(clients) > 0 {
			s.logger.Info("closed observers", "count", len(clients))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track adds c to the live set. It reports false once shutdown started.
func (s *Server) track(c *wsClient) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c] = struct{}{}
	s.clientsWG.Add(1)
	return true
}

func (s *Server) untrack(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	s.clientsWG.Done()
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// countingPublisher counts presence events on their way into the hub.
type countingPublisher struct {
	hub     *broadcast.Hub[presence.Event]
	metrics *Metrics
}

func (p countingPublisher) Publish(topic string, ev presence.Event) int {
	p.metrics.IncPresenceEvent()
	return p.hub.Publish(topic, ev)
}
