// Package notify delivers OAuth completion messages to waiting clients and
// reconnect notices to account managers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/metrionix/internal/oauth"
	gocache "github.com/patrickmn/go-cache"
)

// Hub fans completion messages out to listeners keyed by OAuth state.
// A message published before anyone listens is kept for the retention
// window so a client that connects late still gets its result.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan oauth.Message]struct{}
	recent *gocache.Cache
}

var _ oauth.Listener = (*Hub)(nil)

// NewHub returns a hub that keeps undelivered messages for retention.
func NewHub(retention time.Duration) *Hub {
	return &Hub{
		subs:   map[string]map[chan oauth.Message]struct{}{},
		recent: gocache.New(retention, retention),
	}
}

// Publish delivers m to every listener of m.State. It never blocks.
func (h *Hub) Publish(m oauth.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent.SetDefault(m.State, m)
	for ch := range h.subs[m.State] {
		select {
		case ch <- m:
		default:
		}
	}
}

// Listen implements oauth.Listener. The channel has room for one message,
// which is all a consent flow ever produces.
func (h *Hub) Listen(_ context.Context, state string) (<-chan oauth.Message, func(), error) {
	ch := make(chan oauth.Message, 1)

	h.mu.Lock()
	if h.subs[state] == nil {
		h.subs[state] = map[chan oauth.Message]struct{}{}
	}
	h.subs[state][ch] = struct{}{}
	if v, ok := h.recent.Get(state); ok {
		ch <- v.(oauth.Message)
	}
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[state], ch)
			if len(h.subs[state]) == 0 {
				delete(h.subs, state)
			}
		})
	}
	return ch, stop, nil
}
