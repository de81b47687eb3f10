package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MessageType tags completion messages posted back to the initiating window.
const MessageType = "oauth_callback"

// Message is a completion notice delivered to the initiator.
type Message struct {
	Origin    string `json:"origin,omitempty"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Provider  string `json:"provider,omitempty"`
	Platform  string `json:"platform,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BeginRequest asks for a new consent flow.
type BeginRequest struct {
	Provider model.Provider
	Platform model.Platform
	AgencyID uuid.UUID
	StoreURL string
}

// Started describes a consent flow ready to be opened.
type Started struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Starter builds the authorization URL and persists transit state.
type Starter interface {
	Begin(ctx context.Context, req BeginRequest) (Started, error)
}

// Popup is an opened consent window.
type Popup interface {
	Closed() bool
	Close()
}

// Opener opens consent windows.
type Opener interface {
	// Available fails if the environment refuses to open windows.
	Available() error
	Open(url string) (Popup, error)
}

// Listener subscribes to completion messages for one state. The returned
// stop func releases the subscription.
type Listener interface {
	Listen(ctx context.Context, state string) (<-chan Message, func(), error)
}

// Initiator drives one consent popup to completion.
type Initiator struct {
	Starter  Starter
	Opener   Opener
	Listener Listener
	// Origin is the only origin messages are accepted from.
	Origin string
	// Check, if set, rejects a provider before any window is opened.
	Check func(model.Provider) error

	PollInterval time.Duration
	Timeout      time.Duration
}

// Run starts the flow and waits for the single matching completion message.
func (in *Initiator) Run(ctx context.Context, req BeginRequest) (Message, error) {
	if in.Check != nil {
		if err := in.Check(req.Provider); err != nil {
			return Message{}, err
		}
	}
	if err := in.Opener.Available(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errs.ErrPopupBlocked, err)
	}

	started, err := in.Starter.Begin(ctx, req)
	if err != nil {
		return Message{}, err
	}

	msgs, stop, err := in.Listener.Listen(ctx, started.State)
	if err != nil {
		return Message{}, err
	}
	defer stop()

	popup, err := in.Opener.Open(started.URL)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", errs.ErrPopupBlocked, err)
	}

	poll := in.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			popup.Close()
			return Message{}, ctx.Err()
		case <-timer.C:
			popup.Close()
			return Message{}, errs.ErrTimeout
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if res, done, err := in.accept(m, started.State); done {
				popup.Close()
				return res, err
			}
		case <-ticker.C:
			if !popup.Closed() {
				continue
			}
			// a result posted right before the window closed still wins
			for drained := false; !drained; {
				select {
				case m, ok := <-msgs:
					if !ok {
						drained = true
						break
					}
					if res, done, err := in.accept(m, started.State); done {
						return res, err
					}
				default:
					drained = true
				}
			}
			return Message{}, errs.ErrCancelled
		}
	}
}

// accept filters messages: wrong origin, wrong type or another flow's state are ignored.
func (in *Initiator) accept(m Message, state string) (Message, bool, error) {
	if m.Origin != in.Origin || m.Type != MessageType || m.State != state {
		return Message{}, false, nil
	}
	if m.Error != "" {
		return m, true, fmt.Errorf("%w: %s", errs.ErrTokenExchangeFailed, m.Error)
	}
	return m, true, nil
}
