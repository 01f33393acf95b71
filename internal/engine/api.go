package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/roach88/demandflow/internal/dispatch"
)

// Event is an opaque payload.
type Event = dispatch.Event

// Producer generates events on demand.
//
// HandleDemand is called with the number of events the stage's subscribers
// can currently accept. It must return at most demand events; returning
// more terminates the stage with a contract violation. Returning fewer is
// fine: the stage is asked again on the next demand change, tick or Wake.
// A finite source returns ErrExhausted together with its final events.
type Producer interface {
	HandleDemand(ctx context.Context, demand int) ([]Event, error)
}

// Consumer receives batches from its subscriptions.
//
// HandleEvents may block; while it does, the stage sends no further demand,
// which is how a slow consumer throttles its producers. A returned error
// terminates the stage with a collaborator failure.
type Consumer interface {
	HandleEvents(ctx context.Context, from *Subscription, events []Event) error
}

// ProducerConsumer consumes from upstream and produces downstream.
//
// Events returned by HandleEvents are appended to the stage's output buffer
// and dispatched as downstream demand allows. HandleDemand is still called
// so that stages holding their own queue (a rate limiter) can release
// events on their own terms.
type ProducerConsumer interface {
	Producer
	HandleEvents(ctx context.Context, from *Subscription, events []Event) ([]Event, error)
}

// Scheduled stages receive a periodic tick.
type Scheduled interface {
	Interval() time.Duration
	HandleTick(ctx context.Context) error
}

// Unbounded is the capacity of a stage that accepts any amount of input.
const Unbounded = math.MaxInt

// Bounded stages cap how much inbound demand they advertise.
//
// Capacity is the number of further events the stage can hold. The runtime
// never lets outstanding inbound demand exceed it.
type Bounded interface {
	Capacity() int
}

// Terminator is called once when the stage terminates, with the reason.
type Terminator interface {
	Terminate(reason error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, demand int) ([]Event, error)

// HandleDemand calls f.
func (f ProducerFunc) HandleDemand(ctx context.Context, demand int) ([]Event, error) {
	return f(ctx, demand)
}

// SinkFunc adapts a function to Consumer.
type SinkFunc func(ctx context.Context, from *Subscription, events []Event) error

// HandleEvents calls f.
func (f SinkFunc) HandleEvents(ctx context.Context, from *Subscription, events []Event) error {
	return f(ctx, from, events)
}

// Role is what a stage does in the graph.
type Role int

const (
	RoleProducer Role = iota + 1
	RoleProducerConsumer
	RoleConsumer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleProducerConsumer:
		return "producer_consumer"
	case RoleConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) produces() bool { return r == RoleProducer || r == RoleProducerConsumer }
func (r Role) consumes() bool { return r == RoleConsumer || r == RoleProducerConsumer }

// ExhaustPolicy decides what a producer does after ErrExhausted.
type ExhaustPolicy int

const (
	// ExhaustStop terminates the stage normally once its buffer is empty.
	ExhaustStop ExhaustPolicy = iota
	// ExhaustIdle keeps the stage alive, producing nothing.
	ExhaustIdle
)

// ParseExhaustPolicy parses "stop" (default) or "idle".
func ParseExhaustPolicy(s string) (ExhaustPolicy, error) {
	switch s {
	case "", "stop":
		return ExhaustStop, nil
	case "idle":
		return ExhaustIdle, nil
	default:
		return 0, fmt.Errorf("unknown on_exhausted policy %q (want stop|idle)", s)
	}
}

// StageOption configures a stage at construction.
type StageOption func(*stageConfig)

type stageConfig struct {
	dispatcher  *dispatch.Dispatcher
	bufferSize  int
	onExhausted ExhaustPolicy
}

// WithDispatcher selects the dispatch strategy. Default: demand.
func WithDispatcher(d *dispatch.Dispatcher) StageOption {
	return func(c *stageConfig) {
		c.dispatcher = d
	}
}

// WithBufferSize bounds the output buffer. When exceeded, the oldest events
// are dropped and traced. 0 means unbounded.
func WithBufferSize(n int) StageOption {
	return func(c *stageConfig) {
		c.bufferSize = n
	}
}

// WithOnExhausted sets the exhaustion policy. Default: ExhaustStop.
func WithOnExhausted(p ExhaustPolicy) StageOption {
	return func(c *stageConfig) {
		c.onExhausted = p
	}
}
