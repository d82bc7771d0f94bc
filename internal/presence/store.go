// Package presence tracks which users are online.
//
// Store owns the persisted status of each user and is the only writer of
// the status columns. Registry counts live connections per user and drives
// Store: a user's first connection marks them online, their last
// disconnect marks them offline. Each real transition is published as an
// Event on Topic.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"statusboard/internal/storage"
)

// ErrNotFound is returned when a user id does not resolve to a user row.
var ErrNotFound = errors.New("user not found")

// Users is the persistence the Store reads and writes. *storage.Store implements it.
type Users interface {
	GetUserByID(ctx context.Context, id int64) (*storage.User, error)
	ListUsers(ctx context.Context) ([]storage.User, error)
	SetPresence(ctx context.Context, id int64, status string, lastOnlineAt *time.Time) (bool, error)
	ResetPresence(ctx context.Context) (int64, error)
	DeleteUser(ctx context.Context, id int64) (bool, error)
}

var _ Users = (*storage.Store)(nil)

// Store serializes presence writes per user and publishes every transition.
type Store struct {
	users     Users
	publisher Publisher
	locks     userLocks
	now       func() time.Time
	logger    *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for transition traces.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore builds a Store. publisher may be nil when nobody observes changes.
func NewStore(users Users, publisher Publisher, opts ...Option) *Store {
	s := &Store{
		users:     users,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnline marks userID online and stamps last_online_at. It returns a nil
// event when the user was already online.
func (s *Store) SetOnline(ctx context.Context, userID int64) (*Event, error) {
	return s.transition(ctx, userID, Online)
}

// SetOffline marks userID offline. It returns a nil event when the user was
// already offline.
func (s *Store) SetOffline(ctx context.Context, userID int64) (*Event, error) {
	return s.transition(ctx, userID, Offline)
}

func (s *Store) transition(ctx context.Context, userID int64, to Status) (*Event, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if Status(user.Status) == to {
		return nil, nil
	}

	now := s.now()
	var stamp *time.Time
	if to == Online {
		stamp = &now
	}
	found, err := s.users.SetPresence(ctx, userID, string(to), stamp)
	if err != nil {
		return nil, fmt.Errorf("set %s for user %d: %w", to, userID, err)
	}
	if !found {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}

	user.Status = string(to)
	if stamp != nil {
		user.LastOnlineAt = stamp
	}
	ev := eventFromUser(KindUpdate, user, now)
	s.publish(ev)
	s.logger.Debug("presence changed", "user", user.Username, "status", to)
	return &ev, nil
}

// Remove deletes the user and publishes a removal event.
func (s *Store) Remove(ctx context.Context, userID int64) (*Event, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.users.DeleteUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("delete user %d: %w", userID, err)
	}
	if !deleted {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	user.Status = string(Offline)
	ev := eventFromUser(KindRemoved, user, s.now())
	s.publish(ev)
	s.logger.Info("user removed", "user", user.Username)
	return &ev, nil
}

// Reconcile resets every persisted online status to offline. It is meant
// to run at boot, before any connection is registered, since connection
// counts do not survive a restart.
func (s *Store) Reconcile(ctx context.Context) (int64, error) {
	n, err := s.users.ResetPresence(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	if n > 0 {
		s.logger.Info("reset stale presence", "users", n)
	}
	return n, nil
}

// Snapshot returns the current status of every user as update events.
func (s *Store) Snapshot(ctx context.Context) ([]Event, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	now := s.now()
	events := make([]Event, 0, len(users))
	for i := range users {
		events = append(events, eventFromUser(KindUpdate, &users[i], now))
	}
	return events, nil
}

func (s *Store) load(ctx context.Context, userID int64) (*storage.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return user, nil
}

func (s *Store) publish(ev Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(Topic, ev)
}
