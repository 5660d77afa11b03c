// Package stop implements the cooperative shutdown primitives shared by
// every long-lived component in this module: storage drivers, frontends,
// and the metrics server all stop via the same Stopper interface.
package stop

import "sync"

// Channel is the producer side of an asynchronous stop result: a Stopper
// closes it (via Done) once its shutdown has finished.
type Channel chan error

// Done signals that the shutdown represented by this channel has
// completed, optionally carrying the first error encountered.
func (c Channel) Done(errs ...error) {
	for _, err := range errs {
		if err != nil {
			c <- err
		}
	}
	close(c)
}

// Result is the consumer side of an asynchronous stop result.
type Result <-chan error

// Wait blocks until the Stopper has finished, returning any errors it
// reported.
func (r Result) Wait() []error {
	var errs []error
	for err := range r {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Result converts a Channel into the read-only Result view returned by
// Stopper.Stop.
func (c Channel) Result() Result { return Result(c) }

// Stopper represents a service that can be gracefully shut down. Stop
// must be safe to call exactly once and must not block; it returns a
// Result the caller can Wait on.
type Stopper interface {
	Stop() Result
}

// Group aggregates several Stoppers (frontends, the metrics server, the
// peer store) so the caller can shut all of them down with one call and
// collect every error.
type Group struct {
	mu       sync.Mutex
	stoppers []Stopper
}

// NewGroup returns an empty Group.
func NewGroup() *Group { return &Group{} }

// Add registers a Stopper with the group.
func (g *Group) Add(s Stopper) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stoppers = append(g.stoppers, s)
}

// Stop concurrently stops every registered Stopper and returns a Result
// aggregating all of their errors.
func (g *Group) Stop() Result {
	g.mu.Lock()
	stoppers := append([]Stopper(nil), g.stoppers...)
	g.mu.Unlock()

	c := make(Channel)
	go func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var errs []error
		for _, s := range stoppers {
			wg.Add(1)
			go func(s Stopper) {
				defer wg.Done()
				for _, err := range s.Stop().Wait() {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(s)
		}
		wg.Wait()
		c.Done(errs...)
	}()
	return c.Result()
}
