// Package notify keeps the authoritative local copy of the signed-in
// identity's notifications and derives the unread count from it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"lumen/api/internal/activity"
	"lumen/api/internal/backend"
	"lumen/api/internal/model"
	"lumen/api/internal/toast"
)

const DefaultLimit = 50

var errNotLoaded = fmt.Errorf("notification not loaded: %w", backend.ErrNotFound)

type Backend interface {
	FetchNotifications(ctx context.Context, identityID string, limit int) ([]model.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

type Toaster interface {
	Error(title string, err error) toast.Item
}

// Searcher resolves a full-text query to notification ids, best match first.
type Searcher interface {
	SearchNotifications(ctx context.Context, identityID, text string, limit int) ([]string, error)
}

type Options struct {
	// RollbackOnFailure reverts a single MarkRead whose backend call failed.
	// MarkAllRead always reverts the entries that failed.
	RollbackOnFailure bool
	Activity          *activity.Tracker
	Searcher          Searcher
	// OnInsert is called once for each unread record first seen through
	// the live feed.
	OnInsert func(model.NotificationRecord)
}

// Snapshot is an immutable view handed to listeners.
type Snapshot struct {
	IdentityID  string                     `json:"identityId"`
	Items       []model.NotificationRecord `json:"items"`
	UnreadCount int                        `json:"unreadCount"`
	Loading     bool                       `json:"loading"`
}

type Reconciler struct {
	backend Backend
	toasts  Toaster
	opts    Options
	counter *Counter

	mu          sync.Mutex
	identityID  string
	generation  uint64
	records     map[string]model.NotificationRecord
	unconfirmed map[string]bool
	seq         uint64
	touched     map[string]uint64
	loading     int
	listeners   map[int]func(Snapshot)
	nextID      int
}

func New(b Backend, toasts Toaster, opts Options) *Reconciler {
	return &Reconciler{
		backend:     b,
		toasts:      toasts,
		opts:        opts,
		counter:     newCounter(),
		records:     make(map[string]model.NotificationRecord),
		unconfirmed: make(map[string]bool),
		touched:     make(map[string]uint64),
		listeners:   make(map[int]func(Snapshot)),
	}
}

// Counter returns the shared unread counter.
func (r *Reconciler) Counter() *Counter {
	return r.counter
}

func (r *Reconciler) IdentityID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identityID
}

// Reset clears the store and scopes it to identityID. An empty id means
// nobody is signed in. In-flight loads and mutations for the previous
// scope are discarded when they complete.
func (r *Reconciler) Reset(identityID string) {
	r.mu.Lock()
	r.generation++
	r.identityID = identityID
	r.records = make(map[string]model.NotificationRecord)
	r.unconfirmed = make(map[string]bool)
	r.touched = make(map[string]uint64)
	snapshot, listeners, changed := r.commitLocked()
	r.mu.Unlock()

	r.publish(snapshot, listeners, changed)
}

// Load replaces the store with the latest limit records from the backend.
// Records changed by the live feed while the fetch was in flight keep
// their live content, and optimistic read flags survive.
func (r *Reconciler) Load(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = DefaultLimit
	}

	r.mu.Lock()
	identityID := r.identityID
	if identityID == "" {
		r.mu.Unlock()
		return nil
	}
	generation := r.generation
	started := r.seq
	r.loading++
	snapshot, listeners, changed := r.commitLocked()
	r.mu.Unlock()
	r.publish(snapshot, listeners, changed)

	done := r.opts.Activity.Begin(activity.NotificationsLoad)
	records, err := r.backend.FetchNotifications(ctx, identityID, limit)
	done()

	r.mu.Lock()
	r.loading--
	if generation != r.generation {
		snapshot, listeners, changed = r.commitLocked()
		r.mu.Unlock()
		r.publish(snapshot, listeners, changed)
		return nil
	}
	if err != nil {
		snapshot, listeners, changed = r.commitLocked()
		r.mu.Unlock()
		r.publish(snapshot, listeners, changed)
		return backend.Transport("fetch notifications", err)
	}

	next := make(map[string]model.NotificationRecord, len(records))
	for _, incoming := range records {
		incoming, ok := r.scopeLocked(incoming)
		if !ok {
			continue
		}
		local, exists := r.records[incoming.ID]
		if r.touched[incoming.ID] > started {
			if exists {
				next[incoming.ID] = local
			}
			continue
		}
		next[incoming.ID] = r.mergeLocked(local, exists, incoming)
	}
	for id, local := range r.records {
		if _, ok := next[id]; !ok && r.touched[id] > started {
			next[id] = local
		}
	}
	for id := range r.unconfirmed {
		if _, ok := next[id]; !ok {
			delete(r.unconfirmed, id)
		}
	}
	r.records = next
	snapshot, listeners, changed = r.commitLocked()
	r.mu.Unlock()

	r.publish(snapshot, listeners, changed)
	return nil
}

// Apply merges one live-feed event. Content is server-authoritative; the
// read flag stays client-optimistic until the server reports it read.
func (r *Reconciler) Apply(event model.NotificationEvent) {
	r.mu.Lock()
	incoming, ok := r.scopeLocked(event.Record)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.seq++
	r.touched[incoming.ID] = r.seq

	var inserted bool
	switch event.Type {
	case model.EventDeleted:
		delete(r.records, incoming.ID)
		delete(r.unconfirmed, incoming.ID)
	default:
		local, exists := r.records[incoming.ID]
		merged := r.mergeLocked(local, exists, incoming)
		r.records[incoming.ID] = merged
		inserted = !exists && event.Type == model.EventInserted && !merged.Read
	}
	snapshot, listeners, changed := r.commitLocked()
	r.mu.Unlock()

	r.publish(snapshot, listeners, changed)
	if inserted && r.opts.OnInsert != nil {
		r.opts.OnInsert(incoming.Clone())
	}
}

// MarkRead flips the record to read locally, then confirms with the
// backend. A failure is reported through one error toast; the local flag
// is only reverted when RollbackOnFailure is set. Calling it again for a
// confirmed record does nothing.
func (r *Reconciler) MarkRead(ctx context.Context, id string) error {
	return r.markRead(ctx, id, true, r.opts.RollbackOnFailure)
}

// MarkAllRead marks every unread or unconfirmed record. It is not
// transactional: entries that fail are reverted to unread and can be
// retried on their own. At most one error toast is raised.
func (r *Reconciler) MarkAllRead(ctx context.Context) error {
	r.mu.Lock()
	var ids []string
	for _, record := range r.sortedLocked() {
		if !record.Read || r.unconfirmed[record.ID] {
			ids = append(ids, record.ID)
		}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	done := r.opts.Activity.Begin(activity.NotificationsAll)
	defer done()

	var failures []error
	for _, id := range ids {
		err := r.markRead(ctx, id, false, true)
		if err == nil || errors.Is(err, errNotLoaded) {
			continue
		}
		failures = append(failures, err)
	}
	if len(failures) == 0 {
		return nil
	}

	err := errors.Join(failures...)
	if r.toasts != nil {
		title := "Could not mark 1 notification as read"
		if len(failures) > 1 {
			title = fmt.Sprintf("Could not mark %d notifications as read", len(failures))
		}
		r.toasts.Error(title, err)
	}
	return err
}

func (r *Reconciler) markRead(ctx context.Context, id string, report, rollback bool) error {
	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mark notification %s read: %w", id, errNotLoaded)
	}
	if record.Read && !r.unconfirmed[id] {
		r.mu.Unlock()
		return nil
	}
	generation := r.generation
	record.Read = true
	r.records[id] = record
	r.unconfirmed[id] = true
	snapshot, listeners, changed := r.commitLocked()
	r.mu.Unlock()
	r.publish(snapshot, listeners, changed)

	done := r.opts.Activity.Begin(activity.NotificationsRead)
	err := r.backend.MarkNotificationRead(ctx, id)
	done()

	r.mu.Lock()
	if generation != r.generation {
		r.mu.Unlock()
		return nil
	}
	if err == nil {
		delete(r.unconfirmed, id)
		r.mu.Unlock()
		return nil
	}
	err = backend.Transport(fmt.Sprintf("mark notification %s read", id), err)
	if rollback && r.unconfirmed[id] {
		if current, ok := r.records[id]; ok {
			current.Read = false
			r.records[id] = current
		}
		delete(r.unconfirmed, id)
	}
	snapshot, listeners, changed = r.commitLocked()
	r.mu.Unlock()
	r.publish(snapshot, listeners, changed)

	if report && r.toasts != nil {
		r.toasts.Error("Could not mark notification as read", err)
	}
	return err
}

// Items returns the records newest first.
func (r *Reconciler) Items() []model.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Reconciler) UnreadCount() int {
	return r.counter.Value()
}

func (r *Reconciler) IsLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading > 0
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every change.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Search returns local records matching text. The configured Searcher is
// tried first; on error or when none is configured, title and message are
// matched case-insensitively.
func (r *Reconciler) Search(ctx context.Context, text string, limit int) []model.NotificationRecord {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		limit = DefaultLimit
	}

	r.mu.Lock()
	identityID := r.identityID
	items := r.sortedLocked()
	r.mu.Unlock()

	if text == "" || identityID == "" {
		return truncate(items, limit)
	}

	if r.opts.Searcher != nil {
		ids, err := r.opts.Searcher.SearchNotifications(ctx, identityID, text, limit)
		if err == nil {
			byID := make(map[string]model.NotificationRecord, len(items))
			for _, item := range items {
				byID[item.ID] = item
			}
			results := make([]model.NotificationRecord, 0, len(ids))
			for _, id := range ids {
				if item, ok := byID[id]; ok {
					results = append(results, item)
				}
			}
			return truncate(results, limit)
		}
		log.Printf("notify: search failed, using local match: %v", err)
	}

	needle := strings.ToLower(text)
	var results []model.NotificationRecord
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Title), needle) || strings.Contains(strings.ToLower(item.Message), needle) {
			results = append(results, item)
		}
	}
	return truncate(results, limit)
}

// scopeLocked rejects records that belong to another identity and fills
// defaults on the rest.
func (r *Reconciler) scopeLocked(record model.NotificationRecord) (model.NotificationRecord, bool) {
	if r.identityID == "" || record.ID == "" {
		return record, false
	}
	if record.IdentityID != "" && record.IdentityID != r.identityID {
		return record, false
	}
	record = record.Clone()
	record.IdentityID = r.identityID
	if !record.Severity.Valid() {
		record.Severity = model.SeverityInfo
	}
	return record, true
}

func (r *Reconciler) mergeLocked(local model.NotificationRecord, exists bool, incoming model.NotificationRecord) model.NotificationRecord {
	if incoming.Read {
		delete(r.unconfirmed, incoming.ID)
		return incoming
	}
	if exists && local.Read {
		incoming.Read = true
	}
	return incoming
}

func (r *Reconciler) sortedLocked() []model.NotificationRecord {
	items := make([]model.NotificationRecord, 0, len(r.records))
	for _, record := range r.records {
		items = append(items, record.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (r *Reconciler) snapshotLocked() Snapshot {
	items := r.sortedLocked()
	return Snapshot{
		IdentityID:  r.identityID,
		Items:       items,
		UnreadCount: countUnread(items),
		Loading:     r.loading > 0,
	}
}

// commitLocked re-derives the unread counter and collects what publish
// needs. The counter is stored under r.mu so concurrent commits cannot
// leave it behind the store.
func (r *Reconciler) commitLocked() (Snapshot, []func(Snapshot), bool) {
	snapshot := r.snapshotLocked()
	changed := r.counter.store(snapshot.UnreadCount)
	listeners := make([]func(Snapshot), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	return snapshot, listeners, changed
}

func (r *Reconciler) publish(snapshot Snapshot, listeners []func(Snapshot), counterChanged bool) {
	for _, fn := range listeners {
		fn(cloneSnapshot(snapshot))
	}
	if counterChanged {
		r.counter.emit()
	}
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	items := make([]model.NotificationRecord, len(snapshot.Items))
	for i, item := range snapshot.Items {
		items[i] = item.Clone()
	}
	snapshot.Items = items
	return snapshot
}

func countUnread(items []model.NotificationRecord) int {
	count := 0
	for _, item := range items {
		if !item.Read {
			count++
		}
	}
	return count
}

func truncate(items []model.NotificationRecord, limit int) []model.NotificationRecord {
	if len(items) > limit {
		return items[:limit]
	}
	if items == nil {
		return []model.NotificationRecord{}
	}
	return items
}
