// Package activity tracks which named operations are in flight, so one
// overlay can render progress instead of a single global loading flag.
package activity

import "sync"

const (
	SessionInit       = "session.initialize"
	SessionSignOut    = "session.signOut"
	SessionProfile    = "session.refreshProfile"
	SessionRole       = "session.refreshRole"
	NotificationsLoad = "notifications.load"
	NotificationsRead = "notifications.markRead"
	NotificationsAll  = "notifications.markAllRead"
)

type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func New() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Begin marks name as busy. The returned function ends it and is safe to
// call more than once. A nil Tracker is a no-op.
func (t *Tracker) Begin(name string) func() {
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	t.counts[name]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.counts[name] <= 1 {
				delete(t.counts, name)
				return
			}
			t.counts[name]--
		})
	}
}

func (t *Tracker) Busy(name string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name] > 0
}

func (t *Tracker) Any() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts) > 0
}

// Snapshot returns operation name -> busy for every in-flight operation.
func (t *Tracker) Snapshot() map[string]bool {
	out := map[string]bool{}
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, count := range t.counts {
		out[name] = count > 0
	}
	return out
}
