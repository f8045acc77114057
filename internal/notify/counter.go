package notify

import "sync"

// Counter is the single shared unread count. Only the Reconciler writes
// it; every surface reads Value or subscribes.
type Counter struct {
	mu        sync.Mutex
	value     int
	listeners map[int]func(int)
	next      int
}

func newCounter() *Counter {
	return &Counter{listeners: make(map[int]func(int))}
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Subscribe calls fn with the new value whenever it changes.
func (c *Counter) Subscribe(fn func(int)) func() {
	c.mu.Lock()
	c.next++
	id := c.next
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Counter) store(value int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == value {
		return false
	}
	c.value = value
	return true
}

func (c *Counter) emit() {
	c.mu.Lock()
	value := c.value
	listeners := make([]func(int), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(value)
	}
}
