// Package worker tracks background goroutines so owners can wait for them
// to drain.
package worker

import "sync"

// Group runs goroutines and waits for them. Unlike sync.WaitGroup, Go may
// be called while another goroutine is blocked in Wait; such goroutines
// are waited for too. The zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	running int
	idle    *sync.Cond
}

func (g *Group) Go(fn func()) {
	g.mu.Lock()
	g.running++
	g.mu.Unlock()

	go func() {
		defer g.done()
		fn()
	}()
}

// Wait blocks until no goroutine started by Go is running.
func (g *Group) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.running > 0 {
		if g.idle == nil {
			g.idle = sync.NewCond(&g.mu)
		}
		g.idle.Wait()
	}
}

// Running reports how many goroutines have not returned yet.
func (g *Group) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Group) done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running--
	if g.running == 0 && g.idle != nil {
		g.idle.Broadcast()
	}
}
