// Package ratelimit provides a producer-consumer stage that releases at most
// N events per fixed interval.
//
// The limiter buffers everything it receives in FIFO order. A tick resets
// the per-interval budget; on every demand change, arrival or tick it
// releases min(budget left, downstream demand, buffered) events from the
// front of the buffer. Events are never reordered, duplicated or dropped.
//
// The buffer bound is configurable. With MaxBuffer > 0 the limiter declares
// its free space as capacity, so the runtime never asks upstream for more
// than fits and upstream is throttled to the limiter's pace. MaxBuffer 0 is
// the explicit unbounded mode.
package ratelimit

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/demandflow/internal/engine"
)

// DefaultInterval is the window length when Config.Interval is zero.
const DefaultInterval = time.Second

// Config configures a Limiter.
type Config struct {
	// EventsPerInterval is the most events released per interval. Required.
	EventsPerInterval int `json:"events_per_interval" yaml:"events_per_interval"`

	// EventsPerSecond is an alias for EventsPerInterval, used when the
	// latter is zero.
	EventsPerSecond int `json:"events_per_second,omitempty" yaml:"events_per_second,omitempty"`

	// Interval is the window length. Default: one second.
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// MaxBuffer bounds the buffer. 0 means unbounded.
	MaxBuffer int `json:"max_buffer,omitempty" yaml:"max_buffer,omitempty"`
}

// Normalize applies defaults and the alias, and validates.
func (c Config) Normalize() (Config, error) {
	if c.EventsPerInterval == 0 {
		c.EventsPerInterval = c.EventsPerSecond
	}
	c.EventsPerSecond = 0
	if c.EventsPerInterval <= 0 {
		return c, fmt.Errorf("events_per_interval must be > 0, got %d", c.EventsPerInterval)
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < 0 {
		return c, fmt.Errorf("interval must be > 0, got %s", c.Interval)
	}
	if c.MaxBuffer < 0 {
		return c, fmt.Errorf("max_buffer must be >= 0, got %d", c.MaxBuffer)
	}
	return c, nil
}

// Limiter is the rate-limiting stage. Add it with
// Pipeline.AddProducerConsumer. Not safe for use outside its stage.
type Limiter struct {
	cfg     Config
	emitted int
	buffer  []engine.Event
}

// New creates a Limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	return &Limiter{cfg: cfg}, nil
}

// Config returns the normalized configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// HandleEvents appends the batch to the buffer. Release happens in
// HandleDemand, which the runtime calls right after.
func (l *Limiter) HandleEvents(_ context.Context, _ *engine.Subscription, events []engine.Event) ([]engine.Event, error) {
	if l.cfg.MaxBuffer > 0 && len(l.buffer)+len(events) > l.cfg.MaxBuffer {
		// The runtime caps asks at Capacity, so this means the upstream
		// delivered more than it was asked for.
		return nil, fmt.Errorf("buffer overflow: %d buffered + %d arriving > max_buffer %d",
			len(l.buffer), len(events), l.cfg.MaxBuffer)
	}
	l.buffer = append(l.buffer, events...)
	return nil, nil
}

// HandleDemand releases up to min(budget, demand, buffered) events.
func (l *Limiter) HandleDemand(_ context.Context, demand int) ([]engine.Event, error) {
	n := min(l.cfg.EventsPerInterval-l.emitted, demand, len(l.buffer))
	if n <= 0 {
		return nil, nil
	}
	out := slices.Clone(l.buffer[:n])
	clear(l.buffer[:n])
	l.buffer = l.buffer[n:]
	l.emitted += n
	return out, nil
}

// Interval implements engine.Scheduled.
func (l *Limiter) Interval() time.Duration {
	return l.cfg.Interval
}

// HandleTick starts a new interval.
func (l *Limiter) HandleTick(context.Context) error {
	l.emitted = 0
	return nil
}

// Capacity implements engine.Bounded.
func (l *Limiter) Capacity() int {
	if l.cfg.MaxBuffer == 0 {
		return engine.Unbounded
	}
	return l.cfg.MaxBuffer - len(l.buffer)
}

// Buffered returns the number of events waiting for budget.
func (l *Limiter) Buffered() int {
	return len(l.buffer)
}

// Emitted returns the number of events released in the current interval.
func (l *Limiter) Emitted() int {
	return l.emitted
}

var (
	_ engine.ProducerConsumer = (*Limiter)(nil)
	_ engine.Scheduled        = (*Limiter)(nil)
	_ engine.Bounded          = (*Limiter)(nil)
)
