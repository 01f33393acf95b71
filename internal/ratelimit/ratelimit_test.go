package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/testutil"
	"github.com/roach88/demandflow/internal/trace"
)

func TestConfig_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      Config
		want    Config
		wantErr bool
	}{
		{"defaults interval", Config{EventsPerInterval: 3}, Config{EventsPerInterval: 3, Interval: time.Second}, false},
		{"per second alias", Config{EventsPerSecond: 5}, Config{EventsPerInterval: 5, Interval: time.Second}, false},
		{"explicit wins over alias", Config{EventsPerInterval: 2, EventsPerSecond: 9, Interval: time.Minute}, Config{EventsPerInterval: 2, Interval: time.Minute}, false},
		{"bounded buffer", Config{EventsPerInterval: 1, MaxBuffer: 8}, Config{EventsPerInterval: 1, Interval: time.Second, MaxBuffer: 8}, false},
		{"missing rate", Config{}, Config{}, true},
		{"negative interval", Config{EventsPerInterval: 1, Interval: -time.Second}, Config{}, true},
		{"negative buffer", Config{EventsPerInterval: 1, MaxBuffer: -1}, Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLimiter_EmissionStep(t *testing.T) {
	ctx := context.Background()
	l, err := New(Config{EventsPerInterval: 3})
	require.NoError(t, err)

	out, err := l.HandleEvents(ctx, nil, []engine.Event{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Empty(t, out, "arrivals are buffered, not passed through")

	got, err := l.HandleDemand(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []engine.Event{1, 2}, got, "bounded by downstream demand")

	got, err = l.HandleDemand(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []engine.Event{3}, got, "bounded by the interval budget")

	got, err = l.HandleDemand(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.HandleTick(ctx))
	got, err = l.HandleDemand(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []engine.Event{4, 5}, got, "bounded by what is buffered")
	assert.Equal(t, 0, l.Buffered())
	assert.Equal(t, 2, l.Emitted())
}

func TestLimiter_Capacity(t *testing.T) {
	ctx := context.Background()

	unbounded, err := New(Config{EventsPerInterval: 1})
	require.NoError(t, err)
	assert.Equal(t, engine.Unbounded, unbounded.Capacity())

	bounded, err := New(Config{EventsPerInterval: 1, MaxBuffer: 3})
	require.NoError(t, err)
	_, err = bounded.HandleEvents(ctx, nil, []engine.Event{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, bounded.Capacity())

	_, err = bounded.HandleEvents(ctx, nil, []engine.Event{"c", "d"})
	assert.Error(t, err, "delivery past the bound is rejected")
}

type collector struct {
	mu  sync.Mutex
	got []engine.Event
}

func (c *collector) HandleEvents(_ context.Context, _ *engine.Subscription, events []engine.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, events...)
	return nil
}

func (c *collector) received() []engine.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.Event(nil), c.got...)
}

func newPipeline(ticks *testutil.ManualTicks, tracer trace.Sink) *engine.Pipeline {
	return engine.New(
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithTickSource(ticks),
		engine.WithTracer(tracer),
		engine.WithRunIDGenerator(testutil.NewFixedRunID("ratelimit")),
	)
}

func TestLimiter_TenEventsAtThreePerTick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := testutil.NewManualTicks()
	p := newPipeline(ticks, trace.Nop{})

	lim, err := New(Config{EventsPerSecond: 3})
	require.NoError(t, err)
	sink := &collector{}

	require.NoError(t, p.AddProducer("src", engine.Range(1, 10)))
	require.NoError(t, p.AddProducerConsumer("limit", lim))
	require.NoError(t, p.AddConsumer("sink", sink))
	_, err = p.Subscribe("limit", "src", engine.SubscribeOptions{Cancel: engine.CancelTransient})
	require.NoError(t, err)
	_, err = p.Subscribe("sink", "limit", engine.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Start(ctx))
	defer func() {
		p.Shutdown()
		p.Wait()
	}()

	want := []int{3, 6, 9, 10, 10}
	for i, n := range want {
		if i > 0 {
			assert.Equal(t, 1, ticks.Tick())
		}
		require.NoError(t, p.Settle(ctx))
		assert.Len(t, sink.received(), n, "after %d ticks", i)
	}

	assert.Equal(t, []engine.Event{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, sink.received())
	assert.False(t, p.Alive("src"), "range source stops once drained")
	assert.True(t, p.Alive("limit"), "transient subscription survives normal upstream exit")
	assert.Equal(t, []time.Duration{time.Second}, ticks.Intervals())
}

func TestLimiter_BoundedBufferThrottlesUpstream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := testutil.NewManualTicks()
	mem := trace.NewMemory()
	p := newPipeline(ticks, mem)

	lim, err := New(Config{EventsPerInterval: 3, MaxBuffer: 4})
	require.NoError(t, err)
	sink := &collector{}

	require.NoError(t, p.AddProducer("src", engine.Counter(0)))
	require.NoError(t, p.AddProducerConsumer("limit", lim))
	require.NoError(t, p.AddConsumer("sink", sink))
	_, err = p.Subscribe("limit", "src", engine.SubscribeOptions{})
	require.NoError(t, err)
	_, err = p.Subscribe("sink", "limit", engine.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Start(ctx))
	defer func() {
		p.Shutdown()
		p.Wait()
	}()

	for round := 1; round <= 3; round++ {
		require.NoError(t, p.Settle(ctx))

		asked := 0
		for _, r := range mem.Filter(trace.KindAsk, "limit") {
			asked += r.Count
		}
		got := len(sink.received())
		assert.Equal(t, 3*round, got)
		assert.Equal(t, got+4, asked, "upstream is asked only for what fits")
		assert.Equal(t, 4, lim.Buffered())

		ticks.Tick()
	}
}

func TestLimiter_NeverExceedsBudgetPerInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := testutil.NewManualTicks()
	mem := trace.NewMemory()
	p := newPipeline(ticks, mem)

	lim, err := New(Config{EventsPerInterval: 7, MaxBuffer: 20})
	require.NoError(t, err)

	require.NoError(t, p.AddProducer("src", engine.Counter(0)))
	require.NoError(t, p.AddProducerConsumer("limit", lim))
	require.NoError(t, p.AddConsumer("sink", &collector{}))
	_, err = p.Subscribe("limit", "src", engine.SubscribeOptions{MinDemand: 5, MaxDemand: 20})
	require.NoError(t, err)
	_, err = p.Subscribe("sink", "limit", engine.SubscribeOptions{MinDemand: 1, MaxDemand: 4})
	require.NoError(t, err)

	require.NoError(t, p.Start(ctx))
	defer func() {
		p.Shutdown()
		p.Wait()
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Settle(ctx))
		ticks.Tick()
	}
	require.NoError(t, p.Settle(ctx))

	// Sum emitted events between consecutive ticks.
	perInterval := []int{0}
	next := 0
	for _, r := range mem.Records() {
		switch {
		case r.Kind == trace.KindTick && r.Stage == "limit":
			perInterval = append(perInterval, 0)
		case r.Kind == trace.KindEvents && r.Stage == "limit":
			perInterval[len(perInterval)-1] += r.Count
			for _, e := range r.Events {
				assert.Equal(t, next, e, "FIFO without loss or duplication")
				next++
			}
		}
	}
	require.Len(t, perInterval, 6)
	for i, n := range perInterval {
		assert.Equal(t, 7, n, "interval %d", i)
	}
}
