// Package identity resolves who is signed in, their profile and their
// role, and keeps that state consistent under overlapping identity events.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"lumen/api/internal/activity"
	"lumen/api/internal/backend"
	"lumen/api/internal/clock"
	"lumen/api/internal/model"
	"lumen/api/internal/rbac"
	"lumen/api/internal/worker"
)

const DefaultTimeout = 5 * time.Second

var ErrSignedOut = errors.New("not signed in")

type Backend interface {
	GetCurrentIdentity(ctx context.Context) (*model.Identity, error)
	OnIdentityChange(ctx context.Context, callback func(model.IdentityEvent)) (backend.Handle, error)
	GetProfile(ctx context.Context, identityID string) (*model.Profile, error)
	GetRole(ctx context.Context, identityID string) (rbac.Role, error)
	SignOut(ctx context.Context) error
}

// Transitions is told whenever the authoritative identity changes. A nil
// identity means signed out. Calls are serialized and never repeat the
// same identity twice in a row. IdentityChanged must not block on the
// backend; slow work belongs on another goroutine.
type Transitions interface {
	IdentityChanged(ctx context.Context, identity *model.Identity)
}

type TransitionsFunc func(ctx context.Context, identity *model.Identity)

func (f TransitionsFunc) IdentityChanged(ctx context.Context, identity *model.Identity) {
	f(ctx, identity)
}

type Status string

const (
	StatusUninitialized   Status = "uninitialized"
	StatusInitializing    Status = "initializing"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

type State struct {
	Status     Status          `json:"status"`
	Identity   *model.Identity `json:"identity"`
	Profile    *model.Profile  `json:"profile"`
	Role       rbac.Role       `json:"role"`
	Loading    bool            `json:"loading"`
	Generation uint64          `json:"generation"`
}

func (s State) clone() State {
	if s.Identity != nil {
		identity := *s.Identity
		s.Identity = &identity
	}
	if s.Profile != nil {
		profile := *s.Profile
		s.Profile = &profile
	}
	return s
}

type Options struct {
	Clock           clock.Clock
	IdentityTimeout time.Duration
	ProfileTimeout  time.Duration
	RoleTimeout     time.Duration
	OperatorEmails  []string
	SignOutRedirect string
	// Redirect performs the hard redirect after sign-out when the caller
	// passes no navigate func.
	Redirect    func(target string)
	Transitions Transitions
	Activity    *activity.Tracker
}

type Controller struct {
	backend Backend
	opts    Options

	mu         sync.Mutex
	state      State
	generation uint64
	listeners  map[int]func(State)
	nextID     int

	transitionMu sync.Mutex
	transitioned string

	work worker.Group
}

func New(b Backend, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.IdentityTimeout == 0 {
		opts.IdentityTimeout = DefaultTimeout
	}
	if opts.ProfileTimeout == 0 {
		opts.ProfileTimeout = DefaultTimeout
	}
	if opts.RoleTimeout == 0 {
		opts.RoleTimeout = DefaultTimeout
	}
	return &Controller{
		backend:   b,
		opts:      opts,
		state:     State{Status: StatusUninitialized, Role: rbac.RoleUser, Loading: true},
		listeners: make(map[int]func(State)),
	}
}

// Initialize resolves the current identity. Loading turns false exactly
// once, after the profile and role fetches have both settled or timed out.
// A failed identity fetch leaves the session unauthenticated and is
// returned for logging.
func (c *Controller) Initialize(ctx context.Context) error {
	done := c.opts.Activity.Begin(activity.SessionInit)
	defer done()

	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.state = State{Status: StatusInitializing, Role: rbac.RoleUser, Loading: true}
	snapshot, listeners := c.collectLocked()
	c.mu.Unlock()
	c.publish(snapshot, listeners)

	identity, err := bounded(ctx, c.opts.Clock, c.opts.IdentityTimeout, "fetch identity", c.backend.GetCurrentIdentity)
	if err != nil {
		err = backend.Transport("initialize session", err)
		log.Printf("identity: %v", err)
		identity = nil
	}

	if identity == nil {
		if c.commit(generation, signedOut) {
			c.transition(ctx, generation, nil)
		}
		return err
	}

	copied := *identity
	if !c.commit(generation, func(s *State) { s.Identity = &copied }) {
		return nil
	}
	return c.resolve(ctx, generation, &copied)
}

// OnIdentityChange applies one identity event and waits for its profile
// and role to resolve. Duplicate events for the identity that is already
// authoritative, or already being resolved, do nothing.
func (c *Controller) OnIdentityChange(ctx context.Context, event model.IdentityEvent) error {
	if run := c.accept(event); run != nil {
		return run(ctx)
	}
	return nil
}

// Watch consumes the backend identity stream until ctx is done. Events
// are ordered on arrival; their resolution runs in the background.
func (c *Controller) Watch(ctx context.Context) error {
	handle, err := c.backend.OnIdentityChange(ctx, func(event model.IdentityEvent) {
		run := c.accept(event)
		if run == nil {
			return
		}
		c.work.Go(func() {
			if err := run(ctx); err != nil {
				log.Printf("identity: handle %s event: %v", event.Type, err)
			}
		})
	})
	if err != nil {
		return backend.Transport("watch identity changes", err)
	}

	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := handle.Close(closeCtx); err != nil {
		log.Printf("identity: close identity watch: %v", err)
	}
	c.work.Wait()
	return nil
}

// Wait blocks until event resolutions started by Watch have finished. It
// may be called while Watch is still running.
func (c *Controller) Wait() {
	c.work.Wait()
}

// SignOut clears the session before the backend is told, then navigates
// whatever the backend answered.
func (c *Controller) SignOut(ctx context.Context, navigate func()) error {
	done := c.opts.Activity.Begin(activity.SessionSignOut)
	defer done()

	c.mu.Lock()
	c.generation++
	generation := c.generation
	signedOut(&c.state)
	snapshot, listeners := c.collectLocked()
	c.mu.Unlock()
	c.publish(snapshot, listeners)
	c.transition(ctx, generation, nil)

	err := c.backend.SignOut(ctx)
	if err != nil {
		err = backend.Transport("sign out", err)
		log.Printf("identity: %v", err)
	}

	switch {
	case navigate != nil:
		navigate()
	case c.opts.Redirect != nil:
		c.opts.Redirect(c.opts.SignOutRedirect)
	}
	return err
}

// RefreshProfile re-fetches the profile of the current identity. It does
// not touch Loading. A result superseded by an identity change is
// reported as backend.ErrStaleCompletion and not applied.
func (c *Controller) RefreshProfile(ctx context.Context) (*model.Profile, error) {
	done := c.opts.Activity.Begin(activity.SessionProfile)
	defer done()

	identity, generation, err := c.current()
	if err != nil {
		return nil, fmt.Errorf("refresh profile: %w", err)
	}
	profile, err := bounded(ctx, c.opts.Clock, c.opts.ProfileTimeout, "fetch profile", func(ctx context.Context) (*model.Profile, error) {
		return c.backend.GetProfile(ctx, identity.ID)
	})
	if err != nil {
		return nil, backend.Transport("refresh profile", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("refresh profile: %w", backend.ErrNotFound)
	}

	copied := *profile
	if !c.commit(generation, func(s *State) { s.Profile = &copied }) {
		return nil, fmt.Errorf("refresh profile: %w", backend.ErrStaleCompletion)
	}
	return profile, nil
}

// RefreshRole re-fetches the role of the current identity. On failure the
// current role is kept.
func (c *Controller) RefreshRole(ctx context.Context) (rbac.Role, error) {
	done := c.opts.Activity.Begin(activity.SessionRole)
	defer done()

	identity, generation, err := c.current()
	if err != nil {
		return "", fmt.Errorf("refresh role: %w", err)
	}
	role, err := bounded(ctx, c.opts.Clock, c.opts.RoleTimeout, "fetch role", func(ctx context.Context) (rbac.Role, error) {
		return c.backend.GetRole(ctx, identity.ID)
	})
	if err != nil {
		return "", backend.Transport("refresh role", err)
	}
	if !role.Valid() {
		return "", fmt.Errorf("refresh role: unknown role %q: %w", role, backend.ErrNotFound)
	}

	if !c.commit(generation, func(s *State) { s.Role = role }) {
		return "", fmt.Errorf("refresh role: %w", backend.ErrStaleCompletion)
	}
	return role, nil
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers fn to receive the state after every change.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// accept orders event against everything before it. It commits what can
// be decided without the backend and returns the remaining work, or nil.
func (c *Controller) accept(event model.IdentityEvent) func(context.Context) error {
	if event.Type == model.IdentitySignedOut || event.Identity == nil {
		c.mu.Lock()
		if c.state.Status == StatusUnauthenticated {
			c.mu.Unlock()
			return nil
		}
		c.generation++
		generation := c.generation
		signedOut(&c.state)
		snapshot, listeners := c.collectLocked()
		c.mu.Unlock()
		c.publish(snapshot, listeners)

		return func(ctx context.Context) error {
			c.transition(ctx, generation, nil)
			return nil
		}
	}

	identity := *event.Identity

	c.mu.Lock()
	current := c.state.Identity
	if current != nil && current.ID == identity.ID && c.state.Status != StatusUnauthenticated {
		c.mu.Unlock()
		if event.Type == model.IdentityUserUpdated {
			return func(ctx context.Context) error {
				_, err := c.RefreshProfile(ctx)
				return err
			}
		}
		return nil
	}
	c.generation++
	generation := c.generation
	c.state = State{Status: StatusInitializing, Identity: &identity, Role: rbac.RoleUser, Loading: true}
	snapshot, listeners := c.collectLocked()
	c.mu.Unlock()
	c.publish(snapshot, listeners)

	return func(ctx context.Context) error {
		done := c.opts.Activity.Begin(activity.SessionInit)
		defer done()
		return c.resolve(ctx, generation, &identity)
	}
}

// resolve fetches profile and role concurrently and commits both once
// they have settled, unless a newer event superseded generation.
func (c *Controller) resolve(ctx context.Context, generation uint64, identity *model.Identity) error {
	c.transition(ctx, generation, identity)

	var (
		wg         sync.WaitGroup
		profile    *model.Profile
		profileErr error
		role       rbac.Role
		roleErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		profile, profileErr = bounded(ctx, c.opts.Clock, c.opts.ProfileTimeout, "fetch profile", func(ctx context.Context) (*model.Profile, error) {
			return c.backend.GetProfile(ctx, identity.ID)
		})
	}()
	go func() {
		defer wg.Done()
		role, roleErr = bounded(ctx, c.opts.Clock, c.opts.RoleTimeout, "fetch role", func(ctx context.Context) (rbac.Role, error) {
			return c.backend.GetRole(ctx, identity.ID)
		})
	}()
	wg.Wait()

	if profileErr != nil && !errors.Is(profileErr, backend.ErrNotFound) {
		log.Printf("identity: profile for %s: %v", identity.ID, backend.Transport("fetch profile", profileErr))
	}
	if roleErr != nil {
		log.Printf("identity: role for %s: %v", identity.ID, backend.Transport("fetch role", roleErr))
	}
	if profileErr != nil {
		profile = nil
	}
	resolved := c.pickRole(identity, profile, role, roleErr)

	committed := c.commit(generation, func(s *State) {
		s.Status = StatusAuthenticated
		s.Profile = profile
		s.Role = resolved
		s.Loading = false
	})
	if committed {
		log.Printf("identity: authenticated identity=%s role=%s", identity.ID, resolved)
	}
	return nil
}

// pickRole prefers the role source, then the role marker on the profile,
// and only then the operator allow-list.
func (c *Controller) pickRole(identity *model.Identity, profile *model.Profile, role rbac.Role, roleErr error) rbac.Role {
	if roleErr == nil && role.Valid() {
		return role
	}
	if profile != nil {
		if marked, ok := rbac.Normalize(profile.Role); ok {
			return marked
		}
	}
	return rbac.FallbackRole(identity.Email, c.opts.OperatorEmails)
}

func (c *Controller) current() (model.Identity, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Identity == nil {
		return model.Identity{}, 0, ErrSignedOut
	}
	return *c.state.Identity, c.generation, nil
}

// commit applies mutate if generation is still current and notifies
// listeners. It reports whether the change was applied.
func (c *Controller) commit(generation uint64, mutate func(*State)) bool {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return false
	}
	mutate(&c.state)
	snapshot, listeners := c.collectLocked()
	c.mu.Unlock()

	c.publish(snapshot, listeners)
	return true
}

// transition forwards an identity change to the Transitions hook.
func (c *Controller) transition(ctx context.Context, generation uint64, identity *model.Identity) {
	if c.opts.Transitions == nil {
		return
	}
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.mu.Lock()
	stale := generation != c.generation
	c.mu.Unlock()
	if stale {
		return
	}

	id := ""
	if identity != nil {
		id = identity.ID
	}
	if id == c.transitioned {
		return
	}
	c.transitioned = id
	c.opts.Transitions.IdentityChanged(ctx, identity)
}

func (c *Controller) collectLocked() (State, []func(State)) {
	c.state.Generation = c.generation
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return c.state.clone(), listeners
}

func (c *Controller) publish(snapshot State, listeners []func(State)) {
	for _, fn := range listeners {
		fn(snapshot.clone())
	}
}

func signedOut(s *State) {
	*s = State{Status: StatusUnauthenticated, Role: rbac.RoleUser}
}
