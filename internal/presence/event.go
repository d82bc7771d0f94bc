package presence

import (
	"time"

	"statusboard/internal/storage"
)

// Topic is the broadcast topic every presence change is published on.
const Topic = "presence"

// Status is a user's presence.
type Status string

const (
	Online  Status = storage.StatusOnline
	Offline Status = storage.StatusOffline
)

// Kind separates status updates from user removal.
type Kind string

const (
	KindUpdate  Kind = "update"
	KindRemoved Kind = "removed"
)

// Event is one presence fact as delivered to observers.
type Event struct {
	Kind         Kind       `json:"kind"`
	UserID       int64      `json:"user_id"`
	Username     string     `json:"username"`
	Status       Status     `json:"status"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
	At           time.Time  `json:"at"`
}

// Publisher delivers events to observers. *broadcast.Hub[Event] satisfies it.
type Publisher interface {
	Publish(topic string, ev Event) int
}

// Publishers fans an event out to several publishers and returns the sum
// of their deliveries.
type Publishers []Publisher

func (ps Publishers) Publish(topic string, ev Event) int {
	n := 0
	for _, p := range ps {
		n += p.Publish(topic, ev)
	}
	return n
}

func eventFromUser(kind Kind, user *storage.User, at time.Time) Event {
	return Event{
		Kind:         kind,
		UserID:       user.ID,
		Username:     user.Username,
		Status:       Status(user.Status),
		LastOnlineAt: user.LastOnlineAt,
		At:           at,
	}
}
