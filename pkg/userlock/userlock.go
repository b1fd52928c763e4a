package userlock

import "sync"

// Locker hands out one mutex per user id, so mutating operations for the
// same user serialize while different users proceed concurrently. Entries
// are never evicted; the table grows with the user population only.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{
		locks: make(map[string]*sync.Mutex),
	}
}

// Acquire blocks until the user's lock is held and returns its release
// function.
func (l *Locker) Acquire(user string) func() {
	l.mu.Lock()

	m, ok := l.locks[user]
	if !ok {
		m = &sync.Mutex{}
		l.locks[user] = m
	}

	l.mu.Unlock()

	m.Lock()

	return m.Unlock
}
