// Package lock provides named, expiring mutual-exclusion locks used to guard
// read-modify-write cycles on a single entity.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock held")

// Lease is an acquired lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks without blocking.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

var _ Locker = (*Memory)(nil)

// NewMemory creates an empty process-local locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

func (m *Memory) TryLock(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if entry, ok := m.held[name]; ok && now.Before(entry.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.held[name] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: m, name: name, token: token}, nil
}

type memoryLease struct {
	locker *Memory
	name   string
	token  string
}

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	// An expired lease may have been taken over; leave the new holder alone.
	if entry, ok := l.locker.held[l.name]; ok && entry.token == l.token {
		delete(l.locker.held, l.name)
	}
	return nil
}
