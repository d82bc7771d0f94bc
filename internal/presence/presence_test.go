package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"statusboard/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(topic string, ev Event) int {
	if topic != Topic {
		panic("unexpected topic " + topic)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return 1
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) forUser(userID int64) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	users    *storage.Store
	events   *recorder
	clock    *fakeClock
	store    *Store
	registry *Registry
}

func newFixture(t *testing.T, usernames ...string) (*fixture, map[string]int64) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	users, err := storage.NewStore("sqlite://file:presence_" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })
	ctx := context.Background()
	if err := users.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ids := make(map[string]int64, len(usernames))
	for _, u := range usernames {
		id, err := users.CreateUser(ctx, u)
		if err != nil {
			t.Fatalf("CreateUser %s: %v", u, err)
		}
		ids[u] = id
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	events := &recorder{}
	store := NewStore(users, events, WithClock(clock.Now), WithLogger(logger))
	return &fixture{
		users:    users,
		events:   events,
		clock:    clock,
		store:    store,
		registry: NewRegistry(store, logger),
	}, ids
}

func (f *fixture) status(t *testing.T, userID int64) Status {
	t.Helper()
	user, err := f.users.GetUserByID(context.Background(), userID)
	if err != nil || user == nil {
		t.Fatalf("GetUserByID(%d): %v", userID, err)
	}
	return Status(user.Status)
}

func TestTwoTabsScenario(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	alice := ids["alice"]

	t1 := f.clock.Advance(time.Second)
	if err := f.registry.Register(ctx, "c1", alice); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if f.status(t, alice) != Online {
		t.Fatalf("alice should be online")
	}
	user, _ := f.users.GetUserByID(ctx, alice)
	if user.LastOnlineAt == nil || !user.LastOnlineAt.Equal(t1) {
		t.Fatalf("expected last_online_at %v, got %v", t1, user.LastOnlineAt)
	}
	events := f.events.all()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if ev := events[0]; ev.UserID != alice || ev.Status != Online || !ev.At.Equal(t1) || ev.Kind != KindUpdate {
		t.Fatalf("unexpected online event: %+v", ev)
	}

	f.clock.Advance(time.Second)
	if err := f.registry.Register(ctx, "c2", alice); err != nil {
		t.Fatalf("register c2: %v", err)
	}
	if got := f.registry.CountFor(alice); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	if err := f.registry.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("unregister c1: %v", err)
	}
	if got := f.registry.CountFor(alice); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	if f.status(t, alice) != Online {
		t.Fatalf("closing one tab must not mark alice offline")
	}
	if len(f.events.all()) != 1 {
		t.Fatalf("no event expected while a tab is still open")
	}

	t2 := f.clock.Advance(time.Second)
	if err := f.registry.Unregister(ctx, "c2"); err != nil {
		t.Fatalf("unregister c2: %v", err)
	}
	if got := f.registry.CountFor(alice); got != 0 {
		t.Fatalf("expected count 0, got %d", got)
	}
	if f.status(t, alice) != Offline {
		t.Fatalf("alice should be offline")
	}
	events = f.events.all()
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	if ev := events[1]; ev.Status != Offline || !ev.At.Equal(t2) {
		t.Fatalf("unexpected offline event: %+v", ev)
	}
	if ev := events[1]; ev.LastOnlineAt == nil || !ev.LastOnlineAt.Equal(t1) {
		t.Fatalf("offline event should carry the last online time, got %v", ev.LastOnlineAt)
	}
}

func TestAnonymousConnectionIsInert(t *testing.T) {
	f, _ := newFixture(t, "alice")
	ctx := context.Background()
	if err := f.registry.Register(ctx, "anon", Anonymous); err != nil {
		t.Fatalf("register: %v", err)
	}
	if f.registry.Connections() != 1 {
		t.Fatalf("anonymous connection should be tracked")
	}
	if err := f.registry.Unregister(ctx, "anon"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if f.registry.Connections() != 0 {
		t.Fatalf("expected no connections")
	}
	if n := len(f.events.all()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestSetOfflineTwiceIsNoop(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	alice := ids["alice"]

	if _, err := f.store.SetOnline(ctx, alice); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	ev, err := f.store.SetOffline(ctx, alice)
	if err != nil || ev == nil {
		t.Fatalf("first SetOffline should transition: ev=%v err=%v", ev, err)
	}
	ev, err = f.store.SetOffline(ctx, alice)
	if err != nil || ev != nil {
		t.Fatalf("second SetOffline should be a no-op: ev=%v err=%v", ev, err)
	}
	if n := len(f.events.all()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	ev, err = f.store.SetOnline(ctx, alice)
	if err != nil || ev == nil {
		t.Fatalf("SetOnline: ev=%v err=%v", ev, err)
	}
	ev, err = f.store.SetOnline(ctx, alice)
	if err != nil || ev != nil {
		t.Fatalf("repeated SetOnline should be a no-op: ev=%v err=%v", ev, err)
	}
}

func TestUnknownUserReturnsNotFound(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.SetOnline(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.registry.Register(ctx, "c1", 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Register, got %v", err)
	}
	if f.registry.Connections() != 1 {
		t.Fatalf("connection should still be tracked")
	}
	if err := f.registry.Unregister(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Unregister, got %v", err)
	}
	if f.registry.Connections() != 0 || f.registry.CountFor(42) != 0 {
		t.Fatalf("teardown should complete despite the error")
	}
}

func TestUnregisterUnknownAndTwice(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	if err := f.registry.Unregister(ctx, "ghost"); err != nil {
		t.Fatalf("unknown id should be a no-op: %v", err)
	}
	_ = f.registry.Register(ctx, "c1", ids["alice"])
	_ = f.registry.Unregister(ctx, "c1")
	if err := f.registry.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("double unregister should be a no-op: %v", err)
	}
	if got := f.registry.CountFor(ids["alice"]); got != 0 {
		t.Fatalf("count went to %d", got)
	}
	if n := len(f.events.all()); n != 2 {
		t.Fatalf("expected exactly online+offline, got %d events", n)
	}
}

func TestReRegisterMovesConnection(t *testing.T) {
	f, ids := newFixture(t, "alice", "bob")
	ctx := context.Background()
	alice, bob := ids["alice"], ids["bob"]

	_ = f.registry.Register(ctx, "c1", alice)
	if err := f.registry.Register(ctx, "c1", alice); err != nil {
		t.Fatalf("same identity re-register: %v", err)
	}
	if f.registry.CountFor(alice) != 1 || len(f.events.all()) != 1 {
		t.Fatalf("re-registering with the same user must not change anything")
	}

	if err := f.registry.Register(ctx, "c1", bob); err != nil {
		t.Fatalf("re-register as bob: %v", err)
	}
	if f.registry.CountFor(alice) != 0 || f.registry.CountFor(bob) != 1 {
		t.Fatalf("counts not moved: alice=%d bob=%d", f.registry.CountFor(alice), f.registry.CountFor(bob))
	}
	if f.status(t, alice) != Offline || f.status(t, bob) != Online {
		t.Fatalf("statuses not moved")
	}
	if f.registry.Connections() != 1 {
		t.Fatalf("re-register must not add a connection")
	}

	if err := f.registry.Register(ctx, "c1", Anonymous); err != nil {
		t.Fatalf("re-register anonymous: %v", err)
	}
	if f.status(t, bob) != Offline {
		t.Fatalf("bob should be offline once the connection became anonymous")
	}
	_ = f.registry.Unregister(ctx, "c1")
	if n := len(f.events.forUser(bob)); n != 2 {
		t.Fatalf("expected bob online+offline, got %d", n)
	}
}

func TestRandomSequencesKeepInvariant(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	alice := ids["alice"]
	rng := rand.New(rand.NewSource(7))

	live := map[string]bool{}
	for i := 0; i < 300; i++ {
		conn := fmt.Sprintf("c%d", rng.Intn(6))
		if rng.Intn(2) == 0 {
			if err := f.registry.Register(ctx, conn, alice); err != nil {
				t.Fatalf("register: %v", err)
			}
			live[conn] = true
		} else {
			if err := f.registry.Unregister(ctx, conn); err != nil {
				t.Fatalf("unregister: %v", err)
			}
			delete(live, conn)
		}
		count := f.registry.CountFor(alice)
		if count < 0 || count != len(live) {
			t.Fatalf("step %d: count %d, expected %d", i, count, len(live))
		}
		online := f.status(t, alice) == Online
		if online != (count > 0) {
			t.Fatalf("step %d: online=%v with count %d", i, online, count)
		}
	}
	assertAlternating(t, f.events.forUser(alice))
}

func TestConcurrentUsersDoNotInterfere(t *testing.T) {
	names := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	f, ids := newFixture(t, names...)
	ctx := context.Background()

	var g errgroup.Group
	for _, name := range names {
		userID := ids[name]
		for worker := 0; worker < 4; worker++ {
			name, worker := name, worker
			g.Go(func() error {
				for i := 0; i < 25; i++ {
					conn := fmt.Sprintf("%s-%d-%d", name, worker, i)
					if err := f.registry.Register(ctx, conn, userID); err != nil {
						return err
					}
					if err := f.registry.Unregister(ctx, conn); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("stress: %v", err)
	}
	for _, name := range names {
		userID := ids[name]
		if got := f.registry.CountFor(userID); got != 0 {
			t.Fatalf("%s count %d after stress", name, got)
		}
		if f.status(t, userID) != Offline {
			t.Fatalf("%s still online after all connections closed", name)
		}
		assertAlternating(t, f.events.forUser(userID))
	}
	if f.registry.Connections() != 0 {
		t.Fatalf("leaked %d connections", f.registry.Connections())
	}
}

func TestNoSpuriousOfflineWhileConnectionLive(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	alice := ids["alice"]

	if err := f.registry.Register(ctx, "anchor", alice); err != nil {
		t.Fatalf("register anchor: %v", err)
	}
	var g errgroup.Group
	for worker := 0; worker < 8; worker++ {
		worker := worker
		g.Go(func() error {
			for i := 0; i < 40; i++ {
				conn := fmt.Sprintf("tab-%d-%d", worker, i)
				if err := f.registry.Register(ctx, conn, alice); err != nil {
					return err
				}
				if err := f.registry.Unregister(ctx, conn); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("stress: %v", err)
	}
	events := f.events.forUser(alice)
	if len(events) != 1 || events[0].Status != Online {
		t.Fatalf("expected a single online event while anchor is live, got %+v", events)
	}
	if f.registry.CountFor(alice) != 1 {
		t.Fatalf("expected anchor to remain, count %d", f.registry.CountFor(alice))
	}
}

func TestConcurrentRegisterUnregisterSameConnection(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	alice := ids["alice"]

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error { return f.registry.Register(ctx, "shared", alice) })
		g.Go(func() error { return f.registry.Unregister(ctx, "shared") })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("race: %v", err)
	}
	count := f.registry.CountFor(alice)
	if count != f.registry.Connections() || count > 1 {
		t.Fatalf("count %d does not match %d live connections", count, f.registry.Connections())
	}
	if (f.status(t, alice) == Online) != (count > 0) {
		t.Fatalf("status disagrees with count %d", count)
	}
	assertAlternating(t, f.events.forUser(alice))
}

func TestReconcileRemoveAndSnapshot(t *testing.T) {
	f, ids := newFixture(t, "alice", "bob")
	ctx := context.Background()

	_, _ = f.store.SetOnline(ctx, ids["alice"])
	_, _ = f.store.SetOnline(ctx, ids["bob"])
	n, err := f.store.Reconcile(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Reconcile: n=%d err=%v", n, err)
	}

	snapshot, err := f.store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot) != 2 || snapshot[0].Username != "alice" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	for _, ev := range snapshot {
		if ev.Status != Offline || ev.LastOnlineAt == nil {
			t.Fatalf("snapshot after reconcile should be offline with history: %+v", ev)
		}
	}

	ev, err := f.store.Remove(ctx, ids["bob"])
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ev.Kind != KindRemoved || ev.Username != "bob" {
		t.Fatalf("unexpected removal event: %+v", ev)
	}
	all := f.events.all()
	if last := all[len(all)-1]; last.Kind != KindRemoved {
		t.Fatalf("removal was not published: %+v", last)
	}
	if _, err := f.store.Remove(ctx, ids["bob"]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

// assertAlternating checks that a user's events never repeat a status,
// which is what a duplicate or lost transition would look like.
func assertAlternating(t *testing.T, events []Event) {
	t.Helper()
	want := Online
	for i, ev := range events {
		if ev.Status != want {
			t.Fatalf("event %d: status %s, expected %s", i, ev.Status, want)
		}
		if want == Online {
			want = Offline
		} else {
			want = Online
		}
	}
}

// flakyUsers fails the next n SetPresence calls as a busy database would.
type flakyUsers struct {
	*storage.Store
	mu    sync.Mutex
	fails int
}

var errLocked = errors.New("database is locked")

func (u *flakyUsers) failNext(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fails = n
}

func (u *flakyUsers) SetPresence(ctx context.Context, id int64, status string, lastOnlineAt *time.Time) (bool, error) {
	u.mu.Lock()
	if u.fails > 0 {
		u.fails--
		u.mu.Unlock()
		return false, errLocked
	}
	u.mu.Unlock()
	return u.Store.SetPresence(ctx, id, status, lastOnlineAt)
}

func TestFailedWritesAreRepaired(t *testing.T) {
	f, ids := newFixture(t, "alice")
	ctx := context.Background()
	alice := ids["alice"]
	users := &flakyUsers{Store: f.users}
	store := NewStore(users, f.events, WithClock(f.clock.Now), WithLogger(f.store.logger))
	registry := NewRegistry(store, f.store.logger)

	// a single failure is absorbed by the retry
	users.failNext(1)
	if err := registry.Register(ctx, "c1", alice); err != nil {
		t.Fatalf("Register c1: %v", err)
	}
	if got := f.status(t, alice); got != Online {
		t.Fatalf("status after retried write = %s, want online", got)
	}
	if err := registry.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("Unregister c1: %v", err)
	}

	// every attempt fails: the error surfaces and the next register repairs it
	users.failNext(transitionAttempts)
	if err := registry.Register(ctx, "c2", alice); !errors.Is(err, errLocked) {
		t.Fatalf("Register c2 error = %v, want %v", err, errLocked)
	}
	if got := f.status(t, alice); got != Offline {
		t.Fatalf("failed write should leave alice offline, got %s", got)
	}
	if err := registry.Register(ctx, "c3", alice); err != nil {
		t.Fatalf("Register c3: %v", err)
	}
	if registry.CountFor(alice) != 2 || f.status(t, alice) != Online {
		t.Fatalf("count=%d status=%s, want 2 online", registry.CountFor(alice), f.status(t, alice))
	}

	// same in reverse: a failed offline write is redone by the next release
	if err := registry.Unregister(ctx, "c2"); err != nil {
		t.Fatalf("Unregister c2: %v", err)
	}
	users.failNext(transitionAttempts)
	if err := registry.Unregister(ctx, "c3"); !errors.Is(err, errLocked) {
		t.Fatalf("Unregister c3 error = %v, want %v", err, errLocked)
	}
	if got := f.status(t, alice); got != Online {
		t.Fatalf("failed write should leave alice online, got %s", got)
	}
	if err := registry.Register(ctx, "c4", alice); err != nil {
		t.Fatalf("Register c4: %v", err)
	}
	if err := registry.Unregister(ctx, "c4"); err != nil {
		t.Fatalf("Unregister c4: %v", err)
	}
	if registry.CountFor(alice) != 0 || f.status(t, alice) != Offline {
		t.Fatalf("count=%d status=%s, want 0 offline", registry.CountFor(alice), f.status(t, alice))
	}
	assertAlternating(t, f.events.forUser(alice))
}
