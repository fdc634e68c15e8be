// Package inflight counts live queries so shutdown can wait for them.
package inflight

import (
	"context"
	"sync"
)

// Counter tracks admitted queries that have not been retired yet. The zero
// value is ready to use.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// lazyInit gives a fresh counter an already closed zero channel.
func (c *Counter) lazyInit() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		close(c.zeroCh)
	}
}

// Inc records one more live query.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.lazyInit()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec records a retired query. It never goes below zero.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.lazyInit()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

// Load returns the number of live queries.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until no query is live or ctx ends. It reports whether
// zero was reached.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.lazyInit()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
