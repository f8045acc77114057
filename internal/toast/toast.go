// Package toast is the ephemeral, client-only alert queue.
package toast

import (
	"encoding/json"
	"sync"
	"time"

	"lumen/api/internal/clock"
	"lumen/api/internal/model"
	"lumen/api/internal/util"
)

const (
	DefaultDurationStandard = 5000 * time.Millisecond
	DefaultDurationError    = 8000 * time.Millisecond
)

type Item struct {
	ID         string         `json:"id"`
	Severity   model.Severity `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message,omitempty"`
	Duration   time.Duration  `json:"-"`
	Persistent bool           `json:"persistent"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// MarshalJSON writes Duration as whole milliseconds under durationMs.
func (i Item) MarshalJSON() ([]byte, error) {
	type plain Item
	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"durationMs"`
	}{plain: plain(i), DurationMS: i.Duration.Milliseconds()})
}

// DefaultDuration is fixed per severity: error toasts stay longer.
func DefaultDuration(severity model.Severity) time.Duration {
	if severity == model.SeverityError {
		return DefaultDurationError
	}
	return DefaultDurationStandard
}

// Dispatcher owns the toast queue. Each non-persistent item schedules its
// own removal; manual dismissal cancels that timer.
type Dispatcher struct {
	clock    clock.Clock
	maxItems int

	mu           sync.Mutex
	items        []Item
	timers       map[string]*clock.Timer
	listeners    map[int]func([]Item)
	nextListener int
}

// New returns a Dispatcher. maxItems <= 0 means unbounded; otherwise the
// oldest item is evicted when the queue grows past it.
func New(c clock.Clock, maxItems int) *Dispatcher {
	if c == nil {
		c = clock.Real()
	}
	return &Dispatcher{
		clock:     c,
		maxItems:  maxItems,
		timers:    make(map[string]*clock.Timer),
		listeners: make(map[int]func([]Item)),
	}
}

// Enqueue appends item and returns it as stored, with id, severity,
// duration and creation time filled in.
func (d *Dispatcher) Enqueue(item Item) Item {
	if item.ID == "" {
		item.ID = util.NewID("tst")
	}
	if !item.Severity.Valid() {
		item.Severity = model.SeverityInfo
	}
	if item.Persistent {
		item.Duration = 0
	} else if item.Duration <= 0 {
		item.Duration = DefaultDuration(item.Severity)
	}
	item.CreatedAt = d.clock.Now()

	d.mu.Lock()
	d.removeLocked(item.ID)
	d.items = append(d.items, item)
	if !item.Persistent {
		id := item.ID
		d.timers[id] = d.clock.AfterFunc(item.Duration, func() { d.expire(id) })
	}
	for d.maxItems > 0 && len(d.items) > d.maxItems {
		d.removeLocked(d.items[0].ID)
	}
	snapshot, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, snapshot)
	return item
}

// Dismiss removes the item with id. It reports false when the item was
// already gone, which is expected when a timer and a manual dismissal race.
func (d *Dispatcher) Dismiss(id string) bool {
	d.mu.Lock()
	removed := d.removeLocked(id)
	if !removed {
		d.mu.Unlock()
		return false
	}
	snapshot, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, snapshot)
	return true
}

// Items returns the queue in enqueue order.
func (d *Dispatcher) Items() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Item{}, d.items...)
}

// Subscribe registers fn to receive the queue after every change. The
// returned function unregisters it.
func (d *Dispatcher) Subscribe(fn func([]Item)) func() {
	d.mu.Lock()
	d.nextListener++
	id := d.nextListener
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Error raises an error toast for err.
func (d *Dispatcher) Error(title string, err error) Item {
	item := Item{Severity: model.SeverityError, Title: title}
	if err != nil {
		item.Message = err.Error()
	}
	return d.Enqueue(item)
}

func (d *Dispatcher) Success(title, message string) Item {
	return d.Enqueue(Item{Severity: model.SeveritySuccess, Title: title, Message: message})
}

// FromNotification derives a toast from a freshly delivered record.
func (d *Dispatcher) FromNotification(record model.NotificationRecord) Item {
	return d.Enqueue(Item{
		Severity: record.Severity,
		Title:    record.Title,
		Message:  record.Message,
	})
}

// Close cancels every pending expiry timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	// A manual dismissal may have won the race; then there is nothing to do.
	delete(d.timers, id)
	index := d.indexLocked(id)
	if index < 0 {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items[:index], d.items[index+1:]...)
	snapshot, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, snapshot)
}

func (d *Dispatcher) removeLocked(id string) bool {
	if timer, ok := d.timers[id]; ok {
		timer.Stop()
		delete(d.timers, id)
	}
	index := d.indexLocked(id)
	if index < 0 {
		return false
	}
	d.items = append(d.items[:index], d.items[index+1:]...)
	return true
}

func (d *Dispatcher) indexLocked(id string) int {
	for i, item := range d.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) snapshotLocked() ([]Item, []func([]Item)) {
	snapshot := append([]Item{}, d.items...)
	listeners := make([]func([]Item), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	return snapshot, listeners
}

func notify(listeners []func([]Item), snapshot []Item) {
	for _, fn := range listeners {
		fn(append([]Item{}, snapshot...))
	}
}
