// Package statestore keeps OAuth transit state between consent start and callback.
package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	gocache "github.com/patrickmn/go-cache"
)

// Store is a single-use keyed table with TTL.
type Store interface {
	// Save stores st until st.ExpiresAt.
	Save(ctx context.Context, st model.TransitState) error
	// Consume atomically reads and deletes the state. Unknown, expired or
	// already consumed states fail with errs.ErrCsrfMismatch.
	Consume(ctx context.Context, state string) (model.TransitState, error)
}

// Memory is an in-process Store backed by go-cache.
type Memory struct {
	mu  sync.Mutex
	c   *gocache.Cache
	now func() time.Time
}

// NewMemory returns an in-process store; expired entries are purged every cleanup.
func NewMemory(cleanup time.Duration) *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanup), now: time.Now}
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, st model.TransitState) error {
	ttl := st.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return nil
	}
	m.c.Set(st.State, st, ttl)
	return nil
}

// Consume implements Store.
func (m *Memory) Consume(_ context.Context, state string) (model.TransitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.c.Get(state)
	if !ok {
		return model.TransitState{}, errs.ErrCsrfMismatch
	}
	m.c.Delete(state)
	st := v.(model.TransitState)
	if !st.ExpiresAt.After(m.now()) {
		return model.TransitState{}, errs.ErrCsrfMismatch
	}
	return st, nil
}
