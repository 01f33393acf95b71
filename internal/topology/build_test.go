package topology

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/testutil"
	"github.com/roach88/demandflow/internal/trace"
)

func build(t *testing.T, spec *Spec, extra ...engine.Option) (*Built, *trace.Memory) {
	t.Helper()
	mem := trace.NewMemory()
	opts := append([]engine.Option{
		engine.WithTracer(mem),
		engine.WithTickSource(testutil.NewManualTicks()),
		engine.WithRunIDGenerator(engine.NewFixedGenerator("run-topology")),
	}, extra...)
	b, err := Build(spec,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithEngineOptions(opts...),
	)
	require.NoError(t, err)
	return b, mem
}

func run(t *testing.T, b *Built) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Pipeline.Run(ctx))
}

func TestBuild_ScenarioA(t *testing.T) {
	spec, err := Load(filepath.Join("testdata", "scenario_a"))
	require.NoError(t, err)

	b, mem := build(t, spec)
	assert.Equal(t, "run-topology", b.Pipeline.RunID())
	assert.NotEmpty(t, b.Hash)
	run(t, b)

	sink, ok := b.Collector("sink")
	require.True(t, ok)
	assert.Equal(t, []engine.Event{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, sink.Received())
	for _, batch := range sink.Batches() {
		assert.LessOrEqual(t, len(batch), 4)
	}
	for _, ask := range mem.Filter(trace.KindAsk, "sink") {
		assert.LessOrEqual(t, ask.Count, 4)
	}

	terminated, reason := sink.Terminated()
	assert.True(t, terminated)
	assert.ErrorIs(t, reason, engine.ErrNormal)
}

func TestBuild_PartitionByParity(t *testing.T) {
	spec, err := Load(filepath.Join("testdata", "partition"))
	require.NoError(t, err)

	b, _ := build(t, spec)
	run(t, b)

	evens, _ := b.Collector("evens")
	odds, _ := b.Collector("odds")
	assert.Equal(t, []engine.Event{0, 2, 4, 6, 8}, evens.Received())
	assert.Equal(t, []engine.Event{1, 3, 5, 7, 9}, odds.Received())
}

func TestBuild_Broadcast(t *testing.T) {
	spec := &Spec{
		Name: "fanout",
		Stages: []StageSpec{
			{Name: "src", Kind: "list", Items: []any{"a", "b", "c"}, Dispatcher: &DispatcherSpec{Kind: "broadcast"}},
			{Name: "left", Kind: "collect"},
			{Name: "right", Kind: "log"},
		},
		Subscriptions: []SubscriptionSpec{
			{Consumer: "left", Producer: "src"},
			{Consumer: "right", Producer: "src"},
		},
	}
	b, mem := build(t, spec)
	run(t, b)

	left, _ := b.Collector("left")
	assert.Equal(t, []engine.Event{"a", "b", "c"}, left.Received())

	total := 0
	for _, r := range mem.Filter(trace.KindEvents, "src") {
		if r.Peer == "right" {
			total += r.Count
		}
	}
	assert.Equal(t, 3, total)
}

func TestBuild_RateLimitedChain(t *testing.T) {
	spec := &Spec{
		Name: "limited",
		Stages: []StageSpec{
			{Name: "src", Kind: "range", From: 1, To: intPtr(5)},
			{Name: "limiter", Kind: "ratelimit", EventsPerInterval: 2, Interval: "1h", MaxBuffer: 10},
			{Name: "sink", Kind: "collect"},
		},
		Subscriptions: []SubscriptionSpec{
			{Consumer: "limiter", Producer: "src", Cancel: "transient"},
			{Consumer: "sink", Producer: "limiter"},
		},
	}
	ticks := testutil.NewManualTicks()
	b, _ := build(t, spec, engine.WithTickSource(ticks))

	lim, ok := b.Limiters["limiter"]
	require.True(t, ok)
	assert.Equal(t, time.Hour, lim.Interval())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Pipeline.Start(ctx))
	t.Cleanup(func() {
		b.Pipeline.Shutdown()
		b.Pipeline.Wait()
	})
	require.NoError(t, b.Pipeline.Settle(ctx))

	sink, _ := b.Collector("sink")
	assert.Equal(t, []engine.Event{1, 2}, sink.Received())

	ticks.Tick()
	require.NoError(t, b.Pipeline.Settle(ctx))
	assert.Equal(t, []engine.Event{1, 2, 3, 4}, sink.Received())
}

func TestBuild_CollectFailAfter(t *testing.T) {
	spec := &Spec{
		Name: "fragile",
		Stages: []StageSpec{
			{Name: "src", Kind: "counter"},
			{Name: "sink", Kind: "collect", FailAfter: 3},
		},
		Subscriptions: []SubscriptionSpec{
			{Consumer: "sink", Producer: "src", MaxDemand: 2, MinDemand: 1},
		},
	}
	b, _ := build(t, spec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Pipeline.Start(ctx))
	t.Cleanup(func() {
		b.Pipeline.Shutdown()
		b.Pipeline.Wait()
	})

	select {
	case <-b.Pipeline.Done("sink"):
	case <-ctx.Done():
		t.Fatal("sink did not terminate")
	}
	assert.True(t, engine.IsCollaboratorFailure(b.Pipeline.Reason("sink")))
	assert.True(t, b.Pipeline.Alive("src"), "a failing consumer leaves its producer running")

	sink, _ := b.Collector("sink")
	assert.Equal(t, []engine.Event{0, 1}, sink.Received())
}

func TestBuild_RejectsInvalid(t *testing.T) {
	spec := validSpec()
	spec.Stages[0].Kind = "teleport"

	_, err := Build(spec)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, ErrUnknownKind, verrs[0].Code)
}

func TestHash_Stable(t *testing.T) {
	a, err := Hash(validSpec())
	require.NoError(t, err)
	b, err := Hash(validSpec())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := validSpec()
	changed.Subscriptions[1].MaxDemand = 3
	c, err := Hash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHashFuncs(t *testing.T) {
	assert.Equal(t, "even", Parity(4))
	assert.Equal(t, "odd", Parity(int64(-3)))
	assert.Equal(t, "", Parity("x"))

	mod3 := Modulo(3)
	assert.Equal(t, "1", mod3(7))
	assert.Equal(t, "2", mod3(-1))
	assert.Equal(t, "", mod3(1.5))

	assert.Equal(t, "42", Identity(42.0))
	assert.Equal(t, "k", Identity("k"))
	assert.Equal(t, "true", Identity(true))
}
