// Package synclock guards sync jobs so only one runs per integration at a time.
package synclock

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/and161185/metrionix/internal/crypto"
	"github.com/and161185/metrionix/internal/errs"
)

// Locker hands out exclusive leases keyed by integration.
type Locker interface {
	// Acquire takes the lock for key or fails with errs.ErrSyncInProgress.
	Acquire(ctx context.Context, key string) (*Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	Key   string
	Owner string

	once    sync.Once
	release func(ctx context.Context) error
}

// Release frees the lock if it is still held by this lease.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		if l.release != nil {
			err = l.release(ctx)
		}
	})
	return err
}

func newOwner() (string, error) {
	b, err := crypto.RandBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Memory is an in-process Locker, for single-instance runs and tests.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	held  map[string]memEntry
	clock func() time.Time
}

type memEntry struct {
	owner   string
	expires time.Time
}

// NewMemory returns an in-process locker whose leases expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, held: map[string]memEntry{}, clock: time.Now}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, key string) (*Lease, error) {
	owner, err := newOwner()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.held[key]; ok && e.expires.After(now) {
		return nil, errs.ErrSyncInProgress
	}
	m.held[key] = memEntry{owner: owner, expires: now.Add(m.ttl)}
	return &Lease{Key: key, Owner: owner, release: func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.held[key]; ok && e.owner == owner {
			delete(m.held, key)
		}
		return nil
	}}, nil
}
