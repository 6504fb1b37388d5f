package ledger

import "sync"

// usersMutex hands out one mutex per user. Entries are reference counted and
// dropped when the last holder unlocks, so the map only holds active users.
type usersMutex struct {
	mu    sync.Mutex
	locks map[string]*userMutex
}

type userMutex struct {
	sync.Mutex
	refs int
}

func newUsersMutex() *usersMutex {
	return &usersMutex{locks: make(map[string]*userMutex)}
}

func (a *usersMutex) lockUser(userID string) func() {
	a.mu.Lock()
	m, ok := a.locks[userID]
	if !ok {
		m = &userMutex{}
		a.locks[userID] = m
	}
	m.refs++
	a.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		a.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(a.locks, userID)
		}
		a.mu.Unlock()
	}
}

// active returns the number of users with a holder or waiter.
func (a *usersMutex) active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
