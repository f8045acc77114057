// Package backendtest provides a programmable in-memory backend for tests.
package backendtest

import (
	"context"
	"sync"

	"lumen/api/internal/backend"
	"lumen/api/internal/model"
	"lumen/api/internal/rbac"
)

// Fake implements backend.Backend. Every call is routed through the
// matching Fn field when set; otherwise a neutral default is used.
// Subscriptions are tracked so tests can count live feeds and publish
// events into them.
type Fake struct {
	GetCurrentIdentityFn   func(context.Context) (*model.Identity, error)
	GetProfileFn           func(context.Context, string) (*model.Profile, error)
	GetRoleFn              func(context.Context, string) (rbac.Role, error)
	FetchNotificationsFn   func(context.Context, string, int) ([]model.NotificationRecord, error)
	MarkNotificationReadFn func(context.Context, string) error
	SignOutFn              func(context.Context) error
	// HandshakeFn runs before a notification subscription is registered.
	// Block in it to simulate a slow handshake.
	HandshakeFn func(context.Context, string) error
	// CloseErr is returned by every subscription handle's Close.
	CloseErr error

	mu        sync.Mutex
	nextID    int
	feeds     map[int]feed
	watchers  map[int]func(model.IdentityEvent)
	marked    []string
	signOuts  int
	handshake int
}

type feed struct {
	identityID string
	onEvent    func(model.NotificationEvent)
}

var _ backend.Backend = (*Fake)(nil)

func (f *Fake) GetCurrentIdentity(ctx context.Context) (*model.Identity, error) {
	if f.GetCurrentIdentityFn != nil {
		return f.GetCurrentIdentityFn(ctx)
	}
	return nil, nil
}

func (f *Fake) OnIdentityChange(_ context.Context, callback func(model.IdentityEvent)) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchers == nil {
		f.watchers = make(map[int]func(model.IdentityEvent))
	}
	f.nextID++
	id := f.nextID
	f.watchers[id] = callback
	return backend.HandleFunc(func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
		return nil
	}), nil
}

func (f *Fake) GetProfile(ctx context.Context, identityID string) (*model.Profile, error) {
	if f.GetProfileFn != nil {
		return f.GetProfileFn(ctx, identityID)
	}
	return nil, backend.ErrNotFound
}

func (f *Fake) GetRole(ctx context.Context, identityID string) (rbac.Role, error) {
	if f.GetRoleFn != nil {
		return f.GetRoleFn(ctx, identityID)
	}
	return rbac.RoleUser, nil
}

func (f *Fake) SubscribeToNotifications(ctx context.Context, identityID string, onEvent func(model.NotificationEvent)) (backend.Handle, error) {
	f.mu.Lock()
	f.handshake++
	f.mu.Unlock()

	if f.HandshakeFn != nil {
		if err := f.HandshakeFn(ctx, identityID); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feeds == nil {
		f.feeds = make(map[int]feed)
	}
	f.nextID++
	id := f.nextID
	f.feeds[id] = feed{identityID: identityID, onEvent: onEvent}
	return backend.HandleFunc(func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.feeds, id)
		return f.CloseErr
	}), nil
}

func (f *Fake) FetchNotifications(ctx context.Context, identityID string, limit int) ([]model.NotificationRecord, error) {
	if f.FetchNotificationsFn != nil {
		return f.FetchNotificationsFn(ctx, identityID, limit)
	}
	return nil, nil
}

func (f *Fake) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	f.marked = append(f.marked, id)
	f.mu.Unlock()
	if f.MarkNotificationReadFn != nil {
		return f.MarkNotificationReadFn(ctx, id)
	}
	return nil
}

func (f *Fake) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signOuts++
	f.mu.Unlock()
	if f.SignOutFn != nil {
		return f.SignOutFn(ctx)
	}
	return nil
}

// Publish delivers ev to every live feed for identityID and returns how
// many feeds received it.
func (f *Fake) Publish(identityID string, ev model.NotificationEvent) int {
	f.mu.Lock()
	var targets []func(model.NotificationEvent)
	for _, item := range f.feeds {
		if item.identityID == identityID {
			targets = append(targets, item.onEvent)
		}
	}
	f.mu.Unlock()

	for _, deliver := range targets {
		deliver(ev)
	}
	return len(targets)
}

// EmitIdentity delivers ev to every identity watcher.
func (f *Fake) EmitIdentity(ev model.IdentityEvent) {
	f.mu.Lock()
	var targets []func(model.IdentityEvent)
	for _, watcher := range f.watchers {
		targets = append(targets, watcher)
	}
	f.mu.Unlock()

	for _, deliver := range targets {
		deliver(ev)
	}
}

// LiveFeeds counts registered notification feeds for identityID, or all
// feeds when identityID is empty.
func (f *Fake) LiveFeeds(identityID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, item := range f.feeds {
		if identityID == "" || item.identityID == identityID {
			count++
		}
	}
	return count
}

// Handshakes counts SubscribeToNotifications calls.
func (f *Fake) Handshakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshake
}

// Marked returns the ids passed to MarkNotificationRead, in call order.
func (f *Fake) Marked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

// SignOuts counts SignOut calls.
func (f *Fake) SignOuts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

// Watchers counts registered identity-change callbacks.
func (f *Fake) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
