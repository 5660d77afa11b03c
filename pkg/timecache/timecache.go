// Package timecache provides a coalesced wall clock: under heavy announce
// load, every peer write would otherwise pay for its own time.Now()
// syscall. A single background tick refreshes a cached value instead.
package timecache

import (
	"sync/atomic"
	"time"
)

const tickInterval = 10 * time.Millisecond

// Cache holds a periodically refreshed snapshot of time.Now().
type Cache struct {
	now atomic.Int64 // UnixNano
}

// New starts a Cache ticking in the background. It never stops; tracker
// processes are expected to run for their whole lifetime.
func New() *Cache {
	c := &Cache{}
	c.now.Store(time.Now().UnixNano())
	go func() {
		t := time.NewTicker(tickInterval)
		defer t.Stop()
		for range t.C {
			c.now.Store(time.Now().UnixNano())
		}
	}()
	return c
}

// Now returns the last cached time.
func (c *Cache) Now() time.Time { return time.Unix(0, c.now.Load()) }

// NowUnixNano returns the last cached time as Unix nanoseconds.
func (c *Cache) NowUnixNano() int64 { return c.now.Load() }

var shared = New()

// Now returns the process-wide cached time.
func Now() time.Time { return shared.Now() }

// NowUnixNano returns the process-wide cached time as Unix nanoseconds.
func NowUnixNano() int64 { return shared.NowUnixNano() }
