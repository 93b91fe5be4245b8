/*
Package isolation serializes all model mutations of one user.

Every read-modify-write of a user's models (a real-time decision, a delayed
reward, a cold-start reset) runs inside WithUserLock. Different users never
contend. Acquisition is bounded by a timeout; once fn starts it is never
interrupted.
*/
package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a user lock could not be acquired in time.
var ErrLockTimeout = errors.New("isolation: user lock timeout")

// DefaultTimeout bounds lock acquisition.
const DefaultTimeout = 2 * time.Second

// Locker runs fn while holding the lock of userID.
type Locker interface {
	WithUserLock(ctx context.Context, userID string, fn func() error) error
}

// Manager is an in-process Locker: one single-slot semaphore per user,
// reference counted so idle users hold no memory.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*userLock
	timeout time.Duration
}

type userLock struct {
	sem  chan struct{}
	refs int
}

// NewManager creates a Manager. A non-positive timeout selects DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{locks: make(map[string]*userLock), timeout: timeout}
}

// Timeout returns the acquisition timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// WithUserLock acquires the user's lock, runs fn and releases the lock,
// also when fn panics. It returns ErrLockTimeout (wrapped) when the lock
// is not acquired within the timeout, or ctx.Err() when ctx ends first.
func (m *Manager) WithUserLock(ctx context.Context, userID string, fn func() error) error {
	l := m.ref(userID)
	defer m.unref(userID, l)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: user %s after %s", ErrLockTimeout, userID, m.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	return fn()
}

// ActiveUsers returns the number of users with a pending or held lock.
func (m *Manager) ActiveUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) ref(userID string) *userLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{sem: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	return l
}

func (m *Manager) unref(userID string, l *userLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
}
