package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Anonymous is the user id of a connection without an identity. Such
// connections are tracked but never change presence.
const Anonymous int64 = 0

const (
	transitionAttempts = 3
	transitionBackoff  = 20 * time.Millisecond
)

// Transitioner is the part of Store the Registry drives.
type Transitioner interface {
	SetOnline(ctx context.Context, userID int64) (*Event, error)
	SetOffline(ctx context.Context, userID int64) (*Event, error)
}

var _ Transitioner = (*Store)(nil)

// conn is one registered connection. Its mutex serializes register and
// unregister calls for the same connection id.
type conn struct {
	mu     sync.Mutex
	userID int64
	gone   bool
}

// slot holds the live connection count of one user. The count change and
// the Store call it triggers happen under mu. online mirrors the last status
// the Store accepted; when a write fails it disagrees with count and the
// next acquire or release for the user writes again.
type slot struct {
	mu     sync.Mutex
	count  int
	online bool
}

// Registry maps live connections to users and keeps a per-user count.
type Registry struct {
	presence Transitioner
	conns    sync.Map // string -> *conn
	slots    sync.Map // int64 -> *slot
	live     atomic.Int64
	logger   *slog.Logger
}

// NewRegistry builds an empty registry driving presence.
func NewRegistry(presence Transitioner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{presence: presence, logger: logger}
}

// Register records connID as belonging to userID. Registering an existing
// id replaces it; when the owner changes the previous user is released
// first. Store errors are returned but the bookkeeping still completes.
func (r *Registry) Register(ctx context.Context, connID string, userID int64) error {
	fresh := &conn{userID: userID}
	fresh.mu.Lock()
	for {
		v, loaded := r.conns.LoadOrStore(connID, fresh)
		if !loaded {
			defer fresh.mu.Unlock()
			r.live.Add(1)
			r.logger.Debug("connection registered", "conn", connID, "user", userID)
			if userID == Anonymous {
				return nil
			}
			return r.acquire(ctx, userID)
		}

		existing := v.(*conn)
		existing.mu.Lock()
		if existing.gone {
			// lost a race with Unregister; the entry is being deleted
			existing.mu.Unlock()
			continue
		}
		defer existing.mu.Unlock()
		previous := existing.userID
		if previous == userID {
			return nil
		}
		existing.userID = userID
		r.logger.Debug("connection re-registered", "conn", connID, "from", previous, "to", userID)

		var errs []error
		if previous != Anonymous {
			errs = append(errs, r.release(ctx, previous))
		}
		if userID != Anonymous {
			errs = append(errs, r.acquire(ctx, userID))
		}
		return errors.Join(errs...)
	}
}

// Unregister forgets connID. When it was the user's last live connection the
// user goes offline. Unknown ids are ignored.
func (r *Registry) Unregister(ctx context.Context, connID string) error {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil
	}
	c := v.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return nil
	}
	c.gone = true
	r.conns.CompareAndDelete(connID, c)
	r.live.Add(-1)
	r.logger.Debug("connection unregistered", "conn", connID, "user", c.userID)
	if c.userID == Anonymous {
		return nil
	}
	return r.release(ctx, c.userID)
}

// CountFor returns the number of live connections attributed to userID.
func (r *Registry) CountFor(userID int64) int {
	v, ok := r.slots.Load(userID)
	if !ok {
		return 0
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Connections returns the number of registered connections, anonymous included.
func (r *Registry) Connections() int {
	return int(r.live.Load())
}

func (r *Registry) slotFor(userID int64) *slot {
	v, _ := r.slots.LoadOrStore(userID, &slot{})
	return v.(*slot)
}

func (r *Registry) acquire(ctx context.Context, userID int64) error {
	s := r.slotFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.online {
		return nil
	}
	err := r.transition(ctx, userID, Online, r.presence.SetOnline)
	if err == nil {
		s.online = true
	}
	return err
}

func (r *Registry) release(ctx context.Context, userID int64) error {
	s := r.slotFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil
	}
	s.count--
	if s.count != 0 {
		return nil
	}
	err := r.transition(ctx, userID, Offline, r.presence.SetOffline)
	if err == nil || errors.Is(err, ErrNotFound) {
		s.online = false
	}
	return err
}

// transition calls set, retrying transient failures a few times. A missing
// user is not retried.
func (r *Registry) transition(ctx context.Context, userID int64, to Status, set func(context.Context, int64) (*Event, error)) error {
	for attempt := 1; ; attempt++ {
		_, err := set(ctx, userID)
		if err == nil || errors.Is(err, ErrNotFound) || attempt == transitionAttempts {
			return err
		}
		r.logger.Warn("presence write failed", "user", userID, "status", to, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * transitionBackoff):
		}
	}
}
