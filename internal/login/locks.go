package login

import (
	"sync"
	"time"
)

// LockRegistry hands out per-account exclusive locks with bounded wait.
// At most one login attempt may hold an account's lock at a time; a caller
// that cannot acquire it within its timeout must treat the account as
// temporarily unavailable and must not authenticate.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockRegistry creates an empty registry. Locks are created lazily on
// first use and live for the registry's lifetime.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]chan struct{})}
}

// LockToken represents a held account lock. Release is idempotent and must
// be called on every exit path of the critical section.
type LockToken struct {
	sem  chan struct{}
	once sync.Once
}

// Release frees the lock. Safe to call more than once.
func (t *LockToken) Release() {
	t.once.Do(func() { <-t.sem })
}

// Acquire obtains the lock for an account, waiting up to timeout. Returns
// ErrLockBusy when the lock is held for the whole wait.
func (r *LockRegistry) Acquire(accountID string, timeout time.Duration) (*LockToken, error) {
	sem := r.sem(accountID)

	select {
	case sem <- struct{}{}:
		return &LockToken{sem: sem}, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return &LockToken{sem: sem}, nil
	case <-timer.C:
		return nil, ErrLockBusy
	}
}

// sem returns the account's semaphore, creating it on first use. The
// registry mutex makes concurrent first-use create exactly one semaphore
// per account.
func (r *LockRegistry) sem(accountID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[accountID]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[accountID] = sem
	}
	return sem
}
