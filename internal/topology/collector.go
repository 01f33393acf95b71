package topology

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/demandflow/internal/engine"
)

// Collector is the collect stage: it records every batch it is handed.
//
// A Delay makes each batch take that long, which is how a topology models
// a slow consumer. FailAfter > 0 fails the batch that would take the total
// past that many events.
type Collector struct {
	Delay     time.Duration
	FailAfter int

	mu         sync.Mutex
	received   []engine.Event
	batches    [][]engine.Event
	terminated bool
	reason     error
}

// HandleEvents implements engine.Consumer.
func (c *Collector) HandleEvents(ctx context.Context, _ *engine.Subscription, events []engine.Event) error {
	if c.Delay > 0 {
		timer := time.NewTimer(c.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAfter > 0 && len(c.received)+len(events) > c.FailAfter {
		return fmt.Errorf("collector failed after %d events", len(c.received))
	}
	c.received = append(c.received, events...)
	c.batches = append(c.batches, slices.Clone(events))
	return nil
}

// Terminate implements engine.Terminator.
func (c *Collector) Terminate(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	c.reason = reason
}

// Received returns every event in arrival order.
func (c *Collector) Received() []engine.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.received)
}

// Batches returns the batches as delivered.
func (c *Collector) Batches() [][]engine.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]engine.Event, len(c.batches))
	for i, b := range c.batches {
		out[i] = slices.Clone(b)
	}
	return out
}

// Count returns the number of events received.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// Terminated reports whether the stage has terminated, and why.
func (c *Collector) Terminated() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated, c.reason
}
