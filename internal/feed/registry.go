// Package feed owns the single live notification subscription for the
// signed-in identity.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"lumen/api/internal/backend"
	"lumen/api/internal/model"
)

var ErrNoIdentity = errors.New("identity required")

type Subscriber interface {
	SubscribeToNotifications(ctx context.Context, identityID string, onEvent func(model.NotificationEvent)) (backend.Handle, error)
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
)

// Owner is the holder Subscribe retains the feed for.
const Owner = "owner"

type State struct {
	IdentityID string `json:"identityId,omitempty"`
	Status     Status `json:"status"`
	Generation uint64 `json:"generation"`
	Refs       int    `json:"refs"`
	Dropped    int    `json:"dropped"`
}

// Registry keeps at most one live feed, held open by one or more named
// holders. Every move to another identity and every release bumps the
// generation; callbacks and handshakes tagged with an older generation
// are dropped.
type Registry struct {
	backend Subscriber
	onEvent func(model.NotificationEvent)

	mu         sync.Mutex
	generation uint64
	identityID string
	status     Status
	handle     backend.Handle
	holders    map[string]struct{}
	abort      context.CancelFunc
	dropped    int
}

func New(b Subscriber, onEvent func(model.NotificationEvent)) *Registry {
	return &Registry{
		backend: b,
		onEvent: onEvent,
		status:  StatusIdle,
		holders: make(map[string]struct{}),
	}
}

// Subscribe opens the feed for identityID on behalf of Owner, closing any
// feed of another identity. Subscribing again for the identity that is
// already live or connecting does nothing.
func (r *Registry) Subscribe(ctx context.Context, identityID string) error {
	if identityID == "" {
		return fmt.Errorf("subscribe to notifications: %w", ErrNoIdentity)
	}
	return run(ctx, r.Retain(identityID, Owner))
}

// Release forgets every holder and closes the feed. Close errors are
// logged, never returned.
func (r *Registry) Release(ctx context.Context) {
	_ = run(ctx, r.Clear())
}

// Retain adds holder to the feed of identityID. Holders of another
// identity are forgotten and their feed closed. The bookkeeping is done
// before Retain returns; the returned function performs the close and the
// handshake and may run on another goroutine. It is nil when the feed is
// already live or connecting.
func (r *Registry) Retain(identityID, holder string) func(context.Context) error {
	if identityID == "" {
		return func(context.Context) error {
			return fmt.Errorf("retain notifications feed: %w", ErrNoIdentity)
		}
	}

	r.mu.Lock()
	if r.identityID == identityID && r.status != StatusIdle {
		r.holders[holder] = struct{}{}
		r.mu.Unlock()
		return nil
	}
	generation, previous := r.resetLocked(identityID)
	r.holders[holder] = struct{}{}
	r.status = StatusConnecting
	r.mu.Unlock()

	return func(ctx context.Context) error {
		closeHandle(ctx, previous)
		return r.handshake(ctx, generation, identityID)
	}
}

// Drop removes holder. When it was the last one the feed is released and
// the returned function closes it. Unknown holders are ignored and nil is
// returned, as it is while other holders remain.
func (r *Registry) Drop(holder string) func(context.Context) error {
	r.mu.Lock()
	if _, ok := r.holders[holder]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.holders, holder)
	if len(r.holders) > 0 {
		r.mu.Unlock()
		return nil
	}
	_, previous := r.resetLocked("")
	r.mu.Unlock()

	return func(ctx context.Context) error {
		closeHandle(ctx, previous)
		return nil
	}
}

// Clear forgets every holder and releases the feed. The returned function
// closes it.
func (r *Registry) Clear() func(context.Context) error {
	r.mu.Lock()
	_, previous := r.resetLocked("")
	r.mu.Unlock()

	return func(ctx context.Context) error {
		closeHandle(ctx, previous)
		return nil
	}
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		IdentityID: r.identityID,
		Status:     r.status,
		Generation: r.generation,
		Refs:       len(r.holders),
		Dropped:    r.dropped,
	}
}

// resetLocked starts a new generation for identityID with no holders. A
// pending handshake is cancelled and the live handle, if any, is returned
// for closing.
func (r *Registry) resetLocked(identityID string) (uint64, backend.Handle) {
	r.generation++
	if r.abort != nil {
		r.abort()
		r.abort = nil
	}
	previous := r.handle
	r.handle = nil
	r.identityID = identityID
	r.status = StatusIdle
	r.holders = make(map[string]struct{})
	return r.generation, previous
}

func (r *Registry) handshake(ctx context.Context, generation uint64, identityID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		return nil
	}
	r.abort = cancel
	r.mu.Unlock()

	handle, err := r.backend.SubscribeToNotifications(ctx, identityID, func(event model.NotificationEvent) {
		r.deliver(generation, event)
	})

	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		if err == nil {
			closeHandle(context.WithoutCancel(ctx), handle)
		}
		log.Printf("feed: discarded superseded subscription identity=%s generation=%d", identityID, generation)
		return nil
	}
	r.abort = nil
	if err != nil {
		r.identityID = ""
		r.status = StatusIdle
		r.holders = make(map[string]struct{})
		r.mu.Unlock()
		return backend.Transport("subscribe to notifications", err)
	}
	r.handle = handle
	r.status = StatusLive
	r.mu.Unlock()

	log.Printf("feed: live identity=%s generation=%d", identityID, generation)
	return nil
}

func (r *Registry) deliver(generation uint64, event model.NotificationEvent) {
	r.mu.Lock()
	if generation != r.generation {
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.onEvent != nil {
		r.onEvent(event)
	}
}

func run(ctx context.Context, work func(context.Context) error) error {
	if work == nil {
		return nil
	}
	return work(ctx)
}

func closeHandle(ctx context.Context, handle backend.Handle) {
	if handle == nil {
		return
	}
	if err := handle.Close(ctx); err != nil {
		log.Printf("feed: close subscription: %v", err)
	}
}
