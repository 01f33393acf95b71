package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/demandflow/internal/testutil"
	"github.com/roach88/demandflow/internal/trace"
)

// harness bundles a pipeline with its deterministic collaborators.
type harness struct {
	*Pipeline
	mem   *trace.Memory
	ticks *testutil.ManualTicks
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := trace.NewMemory()
	ticks := testutil.NewManualTicks()
	p := New(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithTracer(mem),
		WithTickSource(ticks),
		WithRunIDGenerator(NewFixedGenerator("run-test")),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return &harness{Pipeline: p, mem: mem, ticks: ticks, ctx: ctx}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.Start(h.ctx))
	t.Cleanup(func() {
		h.Shutdown()
		h.Wait()
	})
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.Settle(h.ctx))
}

func (h *harness) awaitDone(t *testing.T, name string) {
	t.Helper()
	select {
	case <-h.Done(name):
	case <-h.ctx.Done():
		t.Fatalf("stage %s did not terminate", name)
	}
}

func (h *harness) subscribe(t *testing.T, consumer, producer string, opts SubscribeOptions) *Subscription {
	t.Helper()
	sub, err := h.Subscribe(consumer, producer, opts)
	require.NoError(t, err)
	return sub
}

// collector records every event it is handed. failAfter > 0 makes the
// batch that crosses that many events fail.
type collector struct {
	mu        sync.Mutex
	got       []Event
	batches   [][]Event
	failAfter int
	reason    error
}

func (c *collector) HandleEvents(_ context.Context, _ *Subscription, events []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && len(c.got)+len(events) > c.failAfter {
		return errors.New("sink failed")
	}
	c.got = append(c.got, events...)
	c.batches = append(c.batches, append([]Event(nil), events...))
	return nil
}

func (c *collector) Terminate(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = reason
}

func (c *collector) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.got...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) terminatedWith() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// passthrough forwards every batch unchanged.
type passthrough struct{}

func (passthrough) HandleDemand(context.Context, int) ([]Event, error) { return nil, nil }

func (passthrough) HandleEvents(_ context.Context, _ *Subscription, events []Event) ([]Event, error) {
	return events, nil
}

func ints(from, to int) []Event {
	out := make([]Event, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

const pollInterval = 2 * time.Millisecond

func (h *harness) timeout() time.Duration {
	deadline, ok := h.ctx.Deadline()
	if !ok {
		return 5 * time.Second
	}
	return time.Until(deadline)
}
