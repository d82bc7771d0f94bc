package presence

import "sync"

// userLocks hands out one mutex per user id. Entries are never removed;
// the set is bounded by the users table.
type userLocks struct {
	m sync.Map // int64 -> *sync.Mutex
}

func (l *userLocks) lock(userID int64) func() {
	v, _ := l.m.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
