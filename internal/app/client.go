package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"lumen/api/internal/activity"
	"lumen/api/internal/backend"
	"lumen/api/internal/clock"
	"lumen/api/internal/feed"
	"lumen/api/internal/identity"
	"lumen/api/internal/model"
	"lumen/api/internal/notify"
	"lumen/api/internal/rbac"
	"lumen/api/internal/toast"
	"lumen/api/internal/util"
	"lumen/api/internal/worker"
)

type ClientOptions struct {
	Clock             clock.Clock
	IdentityTimeout   time.Duration
	ProfileTimeout    time.Duration
	RoleTimeout       time.Duration
	OperatorEmails    []string
	SignOutRedirect   string
	Redirect          func(target string)
	NotificationLimit int
	RollbackOnFailure bool
	ToastMaxItems     int
	Searcher          notify.Searcher
}

// Client ties the session, the live feed, the notification store and the
// toast queue together. Identity changes reset the store and move the
// feed; live inserts raise toasts.
type Client struct {
	session  *identity.Controller
	feeds    *feed.Registry
	notes    *notify.Reconciler
	toasts   *toast.Dispatcher
	activity *activity.Tracker
	limit    int

	// background carries feed handshakes and loads; Close cancels it.
	background context.Context
	stop       context.CancelFunc
	work       worker.Group
}

func NewClient(b backend.Backend, opts ClientOptions) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = notify.DefaultLimit
	}

	c := &Client{
		toasts:   toast.New(opts.Clock, opts.ToastMaxItems),
		activity: activity.New(),
		limit:    opts.NotificationLimit,
	}
	c.background, c.stop = context.WithCancel(context.Background())
	c.notes = notify.New(b, c.toasts, notify.Options{
		RollbackOnFailure: opts.RollbackOnFailure,
		Activity:          c.activity,
		Searcher:          opts.Searcher,
		OnInsert: func(record model.NotificationRecord) {
			c.toasts.FromNotification(record)
		},
	})
	c.feeds = feed.New(b, c.notes.Apply)
	c.session = identity.New(b, identity.Options{
		Clock:           opts.Clock,
		IdentityTimeout: opts.IdentityTimeout,
		ProfileTimeout:  opts.ProfileTimeout,
		RoleTimeout:     opts.RoleTimeout,
		OperatorEmails:  opts.OperatorEmails,
		SignOutRedirect: opts.SignOutRedirect,
		Redirect:        opts.Redirect,
		Transitions:     identity.TransitionsFunc(c.identityChanged),
		Activity:        c.activity,
	})
	return c
}

// Start resolves the stored session. Watch must be run separately to
// follow later identity changes.
func (c *Client) Start(ctx context.Context) error {
	return c.session.Initialize(ctx)
}

// Watch follows backend identity changes until ctx is done.
func (c *Client) Watch(ctx context.Context) error {
	return c.session.Watch(ctx)
}

// Wait blocks until background resolutions, feed handshakes and loads
// have finished. It is safe to call while Watch runs.
func (c *Client) Wait() {
	c.session.Wait()
	c.work.Wait()
}

// Close drops the live feed and pending toast timers. Handshakes and
// loads still in flight are cancelled.
func (c *Client) Close(ctx context.Context) {
	c.feeds.Release(ctx)
	c.stop()
	c.Wait()
	c.toasts.Close()
}

func (c *Client) Session() identity.State {
	return c.session.Snapshot()
}

// SignedIn feeds a sign-in the caller performed itself, so the session
// does not wait for the backend broadcast.
func (c *Client) SignedIn(ctx context.Context, who *model.Identity) error {
	return c.session.OnIdentityChange(ctx, model.IdentityEvent{Type: model.IdentitySignedIn, Identity: who})
}

func (c *Client) SignOut(ctx context.Context, navigate func()) error {
	err := c.session.SignOut(ctx, navigate)
	if err != nil {
		c.toasts.Error("Sign out did not reach the server", err)
	}
	return err
}

func (c *Client) RefreshProfile(ctx context.Context) (*model.Profile, error) {
	profile, err := c.session.RefreshProfile(ctx)
	if err != nil {
		c.report("Could not refresh profile", err)
	}
	return profile, err
}

func (c *Client) RefreshRole(ctx context.Context) (rbac.Role, error) {
	role, err := c.session.RefreshRole(ctx)
	if err != nil {
		c.report("Could not refresh role", err)
	}
	return role, err
}

// Can reports whether the current role allows action.
func (c *Client) Can(action rbac.Action) bool {
	state := c.session.Snapshot()
	return state.Status == identity.StatusAuthenticated && rbac.Can(state.Role, action)
}

func (c *Client) Notifications() notify.Snapshot {
	return c.notes.Snapshot()
}

func (c *Client) UnreadCount() int {
	return c.notes.UnreadCount()
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.notes.MarkRead(ctx, id)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.notes.MarkAllRead(ctx)
}

// Reload refetches the latest notifications for the current identity.
func (c *Client) Reload(ctx context.Context) error {
	err := c.notes.Load(ctx, c.limit)
	if err != nil {
		c.report("Could not load notifications", err)
	}
	return err
}

func (c *Client) Search(ctx context.Context, text string, limit int) []model.NotificationRecord {
	return c.notes.Search(ctx, text, limit)
}

func (c *Client) Toasts() []toast.Item {
	return c.toasts.Items()
}

func (c *Client) Enqueue(item toast.Item) toast.Item {
	return c.toasts.Enqueue(item)
}

func (c *Client) Dismiss(id string) bool {
	return c.toasts.Dismiss(id)
}

func (c *Client) Activity() map[string]bool {
	return c.activity.Snapshot()
}

func (c *Client) Feed() feed.State {
	return c.feeds.State()
}

// MountFeed registers a surface that keeps the live feed of the current
// identity open and returns its holder id.
func (c *Client) MountFeed(ctx context.Context) (string, error) {
	state := c.session.Snapshot()
	if state.Status != identity.StatusAuthenticated || state.Identity == nil {
		return "", fmt.Errorf("mount feed: %w", identity.ErrSignedOut)
	}
	holder := util.NewID("srf")
	if open := c.feeds.Retain(state.Identity.ID, holder); open != nil {
		if err := open(ctx); err != nil {
			return "", err
		}
	}
	return holder, nil
}

// UnmountFeed drops holder. The feed closes with its last holder; unknown
// holders are ignored.
func (c *Client) UnmountFeed(ctx context.Context, holder string) {
	if release := c.feeds.Drop(holder); release != nil {
		_ = release(ctx)
	}
}

// identityChanged runs under the session's transition lock, so it only
// does bookkeeping inline. The feed handshake and the load run in the
// background.
func (c *Client) identityChanged(_ context.Context, who *model.Identity) {
	if who == nil {
		c.notes.Reset("")
		release := c.feeds.Clear()
		c.work.Go(func() { _ = release(c.background) })
		return
	}

	c.notes.Reset(who.ID)
	if open := c.feeds.Retain(who.ID, feed.Owner); open != nil {
		c.work.Go(func() {
			if err := open(c.background); err != nil {
				log.Printf("app: live notifications for %s: %v", who.ID, err)
				c.toasts.Error("Live notifications unavailable", err)
			}
		})
	}
	c.work.Go(func() {
		if err := c.Reload(c.background); err != nil {
			log.Printf("app: load notifications for %s: %v", who.ID, err)
		}
	})
}

// report raises an error toast unless err only marks a superseded or
// cancelled result.
func (c *Client) report(title string, err error) {
	if errors.Is(err, backend.ErrStaleCompletion) || errors.Is(err, identity.ErrSignedOut) || errors.Is(err, context.Canceled) {
		return
	}
	c.toasts.Error(title, err)
}
