// Package mirror copies presence events into Redis so other services can
// read who is online without talking to this server.
//
// Layout, with the default "statusboard:" prefix:
//
//	statusboard:presence:<username>   JSON of the latest event
//	statusboard:online_users          set of online usernames
//	statusboard:events                pub/sub channel carrying every event
//
// Writes happen on a single background worker so the presence critical
// section never waits on the network. When the queue is full events are
// dropped and counted; the next transition for that user repairs the key.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"statusboard/internal/presence"
)

const (
	DefaultPrefix    = "statusboard:"
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

var _ presence.Publisher = (*Redis)(nil)

// Options configures a Redis mirror.
type Options struct {
	Prefix    string
	QueueSize int
	Logger    *slog.Logger
}

// Redis mirrors presence events into a Redis instance.
type Redis struct {
	client  *redis.Client
	prefix  string
	queue   chan presence.Event
	dropped atomic.Uint64
	logger  *slog.Logger
}

// Dial parses url, connects and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, opts Options) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: opts.Prefix,
		queue:  make(chan presence.Event, opts.QueueSize),
		logger: opts.Logger,
	}
}

// Publish queues ev for the worker. It never blocks.
func (m *Redis) Publish(topic string, ev presence.Event) int {
	if topic != presence.Topic {
		return 0
	}
	select {
	case m.queue <- ev:
		return 1
	default:
		m.dropped.Add(1)
		m.logger.Warn("redis mirror queue full, dropping event", "user", ev.Username)
		return 0
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (m *Redis) Dropped() uint64 {
	return m.dropped.Load()
}

// Run writes queued events until ctx is done, then flushes what is still
// queued. Each write gets its own timeout so cancellation does not cut a
// write short.
func (m *Redis) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-m.queue:
			m.write(ev)
		case <-ctx.Done():
			m.flush()
			return ctx.Err()
		}
	}
}

func (m *Redis) flush() {
	for {
		select {
		case ev := <-m.queue:
			m.write(ev)
		default:
			return
		}
	}
}

func (m *Redis) write(ev presence.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.Apply(ctx, ev); err != nil {
		m.logger.Error("redis mirror write", "user", ev.Username, "err", err)
	}
}

// Apply writes one event synchronously.
func (m *Redis) Apply(ctx context.Context, ev presence.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := m.client.TxPipeline()
	key := m.UserKey(ev.Username)
	switch {
	case ev.Kind == presence.KindRemoved:
		pipe.Del(ctx, key)
		pipe.SRem(ctx, m.OnlineKey(), ev.Username)
	case ev.Status == presence.Online:
		pipe.Set(ctx, key, payload, 0)
		pipe.SAdd(ctx, m.OnlineKey(), ev.Username)
	default:
		pipe.Set(ctx, key, payload, 0)
		pipe.SRem(ctx, m.OnlineKey(), ev.Username)
	}
	pipe.Publish(ctx, m.Channel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror %s: %w", ev.Username, err)
	}
	return nil
}

// Reset pairs with the boot-time presence reset: it clears the online set
// and rewrites every stored user key that still says online as offline.
func (m *Redis) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, m.OnlineKey()).Err(); err != nil {
		return fmt.Errorf("reset online set: %w", err)
	}
	iter := m.client.Scan(ctx, 0, m.prefix+"presence:*", 100).Iterator()
	reset := 0
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := m.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		var ev presence.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			m.logger.Warn("dropping unreadable presence key", "key", key, "err", err)
			if err := m.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			continue
		}
		if ev.Status != presence.Online {
			continue
		}
		ev.Status = presence.Offline
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := m.client.Set(ctx, key, payload, 0).Err(); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
		reset++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan presence keys: %w", err)
	}
	if reset > 0 {
		m.logger.Info("reset stale mirrored presence", "users", reset)
	}
	return nil
}

// Online returns the usernames currently in the online set.
func (m *Redis) Online(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.OnlineKey()).Result()
}

func (m *Redis) UserKey(username string) string {
	return m.prefix + "presence:" + username
}

func (m *Redis) OnlineKey() string {
	return m.prefix + "online_users"
}

func (m *Redis) Channel() string {
	return m.prefix + "events"
}
