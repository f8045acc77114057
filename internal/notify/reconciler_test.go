package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lumen/api/internal/activity"
	"lumen/api/internal/backend"
	"lumen/api/internal/backend/backendtest"
	"lumen/api/internal/model"
	"lumen/api/internal/toast"
)

type recordingToaster struct {
	mu     sync.Mutex
	titles []string
}

func (t *recordingToaster) Error(title string, err error) toast.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titles = append(t.titles, title)
	return toast.Item{Title: title, Message: err.Error()}
}

func (t *recordingToaster) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.titles)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, minutes int, read bool) model.NotificationRecord {
	return model.NotificationRecord{
		ID:         id,
		IdentityID: "idn_1",
		Title:      "Title " + id,
		Message:    "Message " + id,
		Severity:   model.SeverityInfo,
		Read:       read,
		CreatedAt:  base.Add(time.Duration(minutes) * time.Minute),
	}
}

func newLoaded(t *testing.T, fake *backendtest.Fake, records ...model.NotificationRecord) (*Reconciler, *recordingToaster) {
	t.Helper()
	fake.FetchNotificationsFn = func(context.Context, string, int) ([]model.NotificationRecord, error) {
		return records, nil
	}
	toasts := &recordingToaster{}
	r := New(fake, toasts, Options{})
	r.Reset("idn_1")
	if err := r.Load(context.Background(), 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r, toasts
}

func ids(items []model.NotificationRecord) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadOrdersNewestFirstAndDerivesUnread(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false), record("n3", 3, true), record("n2", 2, false))

	if got := ids(r.Items()); !equalIDs(got, []string{"n3", "n2", "n1"}) {
		t.Fatalf("unexpected order: %v", got)
	}
	if r.UnreadCount() != 2 {
		t.Fatalf("expected 2 unread, got %d", r.UnreadCount())
	}
	if r.IsLoading() {
		t.Fatal("expected loading to be false after load")
	}
}

func TestLoadPassesDefaultLimit(t *testing.T) {
	var gotLimit int
	var gotIdentity string
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(_ context.Context, identityID string, limit int) ([]model.NotificationRecord, error) {
			gotIdentity = identityID
			gotLimit = limit
			return nil, nil
		},
	}
	r := New(fake, nil, Options{})
	r.Reset("idn_1")
	if err := r.Load(context.Background(), 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if gotLimit != DefaultLimit || gotIdentity != "idn_1" {
		t.Fatalf("unexpected fetch args: %q %d", gotIdentity, gotLimit)
	}
}

func TestLoadWithoutIdentityDoesNothing(t *testing.T) {
	called := false
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			called = true
			return nil, nil
		},
	}
	r := New(fake, nil, Options{})
	if err := r.Load(context.Background(), 10); err != nil {
		t.Fatalf("load: %v", err)
	}
	if called {
		t.Fatal("expected no fetch without identity")
	}
}

func TestLoadFailureKeepsStoreAndClassifiesError(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false))

	fake.FetchNotificationsFn = func(context.Context, string, int) ([]model.NotificationRecord, error) {
		return nil, errors.New("connection reset")
	}
	err := r.Load(context.Background(), 0)
	if !errors.Is(err, backend.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if len(r.Items()) != 1 || r.IsLoading() {
		t.Fatalf("expected store untouched, got %v loading=%v", ids(r.Items()), r.IsLoading())
	}
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(_ context.Context, identityID string, _ int) ([]model.NotificationRecord, error) {
			if identityID == "idn_1" {
				close(entered)
				<-release
				return []model.NotificationRecord{record("old", 1, false)}, nil
			}
			return nil, nil
		},
	}
	r := New(fake, nil, Options{})
	r.Reset("idn_1")

	done := make(chan error, 1)
	go func() { done <- r.Load(context.Background(), 0) }()
	<-entered

	r.Reset("idn_2")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("stale load returned error: %v", err)
	}
	if len(r.Items()) != 0 {
		t.Fatalf("stale records leaked into new scope: %v", ids(r.Items()))
	}
	if r.IdentityID() != "idn_2" {
		t.Fatalf("unexpected identity %q", r.IdentityID())
	}
}

func TestLoadKeepsLiveChangesMadeDuringFetch(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			close(entered)
			<-release
			return []model.NotificationRecord{record("n1", 1, false), record("n2", 2, false)}, nil
		},
	}
	r := New(fake, nil, Options{})
	r.Reset("idn_1")

	done := make(chan error, 1)
	go func() { done <- r.Load(context.Background(), 0) }()
	<-entered

	updated := record("n1", 1, false)
	updated.Title = "Edited"
	r.Apply(model.NotificationEvent{Type: model.EventUpdated, Record: updated})
	r.Apply(model.NotificationEvent{Type: model.EventDeleted, Record: record("n2", 2, false)})
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: record("n3", 3, false)})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("load: %v", err)
	}

	items := r.Items()
	if got := ids(items); !equalIDs(got, []string{"n3", "n1"}) {
		t.Fatalf("unexpected items after load: %v", got)
	}
	if items[1].Title != "Edited" {
		t.Fatalf("live update lost: %q", items[1].Title)
	}
}

func TestApplyDuplicateDeliveryKeepsOneEntry(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake)

	first := record("n1", 1, false)
	second := record("n1", 1, false)
	second.Title = "Second delivery"
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: first})
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: second})

	items := r.Items()
	if len(items) != 1 {
		t.Fatalf("expected one entry, got %d", len(items))
	}
	if items[0].Title != "Second delivery" {
		t.Fatalf("expected latest content, got %q", items[0].Title)
	}
	if r.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", r.UnreadCount())
	}
}

func TestApplyKeepsOptimisticReadFlag(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false))

	if err := r.MarkRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	edited := record("n1", 1, false)
	edited.Message = "edited upstream"
	r.Apply(model.NotificationEvent{Type: model.EventUpdated, Record: edited})

	items := r.Items()
	if !items[0].Read || items[0].Message != "edited upstream" {
		t.Fatalf("unexpected merge: %+v", items[0])
	}
}

func TestApplyIgnoresOtherIdentityAndDeletes(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false))

	foreign := record("n9", 9, false)
	foreign.IdentityID = "idn_other"
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: foreign})
	if len(r.Items()) != 1 {
		t.Fatalf("foreign record applied: %v", ids(r.Items()))
	}

	r.Apply(model.NotificationEvent{Type: model.EventDeleted, Record: model.NotificationRecord{ID: "n1"}})
	if len(r.Items()) != 0 || r.UnreadCount() != 0 {
		t.Fatalf("expected empty store, got %v", ids(r.Items()))
	}
}

func TestApplyNormalizesSeverity(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake)

	rec := record("n1", 1, false)
	rec.Severity = "loud"
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: rec})
	if got := r.Items()[0].Severity; got != model.SeverityInfo {
		t.Fatalf("expected info severity, got %q", got)
	}
}

func TestOnInsertFiresOnceForNewUnreadRecords(t *testing.T) {
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			return nil, nil
		},
	}
	var inserted []string
	r := New(fake, nil, Options{OnInsert: func(rec model.NotificationRecord) {
		inserted = append(inserted, rec.ID)
	}})
	r.Reset("idn_1")

	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: record("n1", 1, false)})
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: record("n1", 1, false)})
	r.Apply(model.NotificationEvent{Type: model.EventUpdated, Record: record("n2", 2, false)})
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: record("n3", 3, true)})

	if !equalIDs(inserted, []string{"n1"}) {
		t.Fatalf("unexpected insert callbacks: %v", inserted)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false), record("n2", 2, false))

	for i := 0; i < 2; i++ {
		if err := r.MarkRead(context.Background(), "n1"); err != nil {
			t.Fatalf("mark read #%d: %v", i, err)
		}
	}
	if r.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", r.UnreadCount())
	}
	if got := fake.Marked(); !equalIDs(got, []string{"n1"}) {
		t.Fatalf("expected a single backend call, got %v", got)
	}
}

func TestMarkReadUnknownID(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake)

	err := r.MarkRead(context.Background(), "missing")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(fake.Marked()) != 0 {
		t.Fatal("expected no backend call")
	}
}

func TestMarkReadFailureStaysReadAndRetries(t *testing.T) {
	fail := true
	fake := &backendtest.Fake{
		MarkNotificationReadFn: func(context.Context, string) error {
			if fail {
				return backend.ErrNetwork
			}
			return nil
		},
	}
	r, toasts := newLoaded(t, fake, record("n1", 1, false))

	err := r.MarkRead(context.Background(), "n1")
	if !errors.Is(err, backend.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !r.Items()[0].Read || r.UnreadCount() != 0 {
		t.Fatal("expected optimistic read to stick")
	}
	if toasts.count() != 1 {
		t.Fatalf("expected one error toast, got %d", toasts.count())
	}

	fail = false
	if err := r.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := fake.Marked(); !equalIDs(got, []string{"n1", "n1"}) {
		t.Fatalf("expected the unconfirmed id to be retried, got %v", got)
	}
}

func TestMarkReadRollbackOption(t *testing.T) {
	fake := &backendtest.Fake{
		MarkNotificationReadFn: func(context.Context, string) error {
			return context.DeadlineExceeded
		},
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			return []model.NotificationRecord{record("n1", 1, false)}, nil
		},
	}
	r := New(fake, &recordingToaster{}, Options{RollbackOnFailure: true})
	r.Reset("idn_1")
	if err := r.Load(context.Background(), 0); err != nil {
		t.Fatalf("load: %v", err)
	}

	err := r.MarkRead(context.Background(), "n1")
	if !errors.Is(err, backend.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if r.Items()[0].Read || r.UnreadCount() != 1 {
		t.Fatal("expected read flag to be rolled back")
	}
}

func TestMarkAllReadPartialFailure(t *testing.T) {
	fake := &backendtest.Fake{
		MarkNotificationReadFn: func(_ context.Context, id string) error {
			if id == "n2" {
				return errors.New("boom")
			}
			return nil
		},
	}
	r, toasts := newLoaded(t, fake, record("n1", 3, false), record("n2", 2, false), record("n3", 1, false))

	err := r.MarkAllRead(context.Background())
	if !errors.Is(err, backend.ErrNetwork) {
		t.Fatalf("expected joined network error, got %v", err)
	}
	read := map[string]bool{}
	for _, item := range r.Items() {
		read[item.ID] = item.Read
	}
	if !read["n1"] || read["n2"] || !read["n3"] {
		t.Fatalf("unexpected read flags: %v", read)
	}
	if r.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", r.UnreadCount())
	}
	if toasts.count() != 1 {
		t.Fatalf("expected exactly one error toast, got %d", toasts.count())
	}
	if got := fake.Marked(); !equalIDs(got, []string{"n1", "n2", "n3"}) {
		t.Fatalf("expected newest-first sequential calls, got %v", got)
	}
}

func TestMarkAllReadTracksActivity(t *testing.T) {
	tracker := activity.New()
	var busy bool
	fake := &backendtest.Fake{
		MarkNotificationReadFn: func(context.Context, string) error {
			busy = tracker.Busy(activity.NotificationsAll) && tracker.Busy(activity.NotificationsRead)
			return nil
		},
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			return []model.NotificationRecord{record("n1", 1, false)}, nil
		},
	}
	r := New(fake, nil, Options{Activity: tracker})
	r.Reset("idn_1")
	if err := r.Load(context.Background(), 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if !busy {
		t.Fatal("expected both operations to be busy during the call")
	}
	if tracker.Any() {
		t.Fatalf("expected tracker idle, got %v", tracker.Snapshot())
	}
}

func TestUnreadCountMatchesItems(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false), record("n2", 2, true))

	var observed []int
	cancel := r.Counter().Subscribe(func(n int) { observed = append(observed, n) })
	defer cancel()

	check := func() {
		t.Helper()
		if got, want := r.UnreadCount(), countUnread(r.Items()); got != want {
			t.Fatalf("counter %d diverged from items %d", got, want)
		}
	}
	check()
	r.Apply(model.NotificationEvent{Type: model.EventInserted, Record: record("n3", 3, false)})
	check()
	if err := r.MarkRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	check()
	r.Apply(model.NotificationEvent{Type: model.EventDeleted, Record: record("n3", 3, false)})
	check()

	if len(observed) != 3 || observed[len(observed)-1] != 0 {
		t.Fatalf("unexpected counter notifications: %v", observed)
	}
}

func TestResetClearsStore(t *testing.T) {
	fake := &backendtest.Fake{}
	r, _ := newLoaded(t, fake, record("n1", 1, false))

	var last Snapshot
	cancel := r.Subscribe(func(s Snapshot) { last = s })
	defer cancel()

	r.Reset("")
	if len(r.Items()) != 0 || r.UnreadCount() != 0 {
		t.Fatal("expected empty store after reset")
	}
	if last.IdentityID != "" || len(last.Items) != 0 {
		t.Fatalf("unexpected snapshot: %+v", last)
	}
}

type stubSearcher struct {
	ids []string
	err error
}

func (s stubSearcher) SearchNotifications(context.Context, string, string, int) ([]string, error) {
	return s.ids, s.err
}

func TestSearchUsesSearcherOrder(t *testing.T) {
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			return []model.NotificationRecord{record("n1", 1, false), record("n2", 2, false)}, nil
		},
	}
	r := New(fake, nil, Options{Searcher: stubSearcher{ids: []string{"n1", "gone", "n2"}}})
	r.Reset("idn_1")
	if err := r.Load(context.Background(), 0); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := ids(r.Search(context.Background(), "title", 10)); !equalIDs(got, []string{"n1", "n2"}) {
		t.Fatalf("unexpected search results: %v", got)
	}
}

func TestSearchFallsBackToLocalMatch(t *testing.T) {
	fake := &backendtest.Fake{
		FetchNotificationsFn: func(context.Context, string, int) ([]model.NotificationRecord, error) {
			a := record("n1", 1, false)
			a.Title = "Invoice ready"
			b := record("n2", 2, false)
			b.Message = "Your INVOICE was paid"
			return []model.NotificationRecord{a, b, record("n3", 3, false)}, nil
		},
	}
	r := New(fake, nil, Options{Searcher: stubSearcher{err: errors.New("search down")}})
	r.Reset("idn_1")
	if err := r.Load(context.Background(), 0); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := ids(r.Search(context.Background(), "invoice", 10)); !equalIDs(got, []string{"n2", "n1"}) {
		t.Fatalf("unexpected fallback results: %v", got)
	}
	if got := r.Search(context.Background(), "   ", 10); len(got) != 3 {
		t.Fatalf("expected blank query to list everything, got %d", len(got))
	}
}
