package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	ctx := context.Background()
	c := Counter(10)

	got, err := c.HandleDemand(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []Event{10, 11, 12}, got)

	got, err = c.HandleDemand(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []Event{13}, got)
}

func TestRange(t *testing.T) {
	ctx := context.Background()
	r := Range(1, 5)

	got, err := r.HandleDemand(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []Event{1, 2, 3}, got)

	got, err = r.HandleDemand(ctx, 3)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []Event{4, 5}, got, "last events come with ErrExhausted")

	got, err = Range(3, 2).HandleDemand(ctx, 10)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Empty(t, got)
}

func TestRange_IntBounds(t *testing.T) {
	ctx := context.Background()

	top := Range(math.MaxInt-2, math.MaxInt)
	got, err := top.HandleDemand(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []Event{math.MaxInt - 2, math.MaxInt - 1}, got)

	got, err = top.HandleDemand(ctx, 5)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []Event{math.MaxInt}, got)

	got, err = top.HandleDemand(ctx, 5)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Empty(t, got, "no wrap-around after the last value")

	got, err = Range(math.MinInt, math.MaxInt).HandleDemand(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []Event{math.MinInt, math.MinInt + 1, math.MinInt + 2}, got)

	got, err = Range(math.MaxInt, math.MaxInt).HandleDemand(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSlice(t *testing.T) {
	ctx := context.Background()
	in := []Event{"a", "b", "c"}
	s := Slice(in)
	in[0] = "mutated"

	got, err := s.HandleDemand(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []Event{"a", "b"}, got, "input is copied")

	got, err = s.HandleDemand(ctx, 2)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []Event{"c"}, got)
}

func TestParseCancelMode(t *testing.T) {
	for _, m := range []CancelMode{CancelPermanent, CancelTransient, CancelTemporary} {
		got, err := ParseCancelMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseCancelMode("")
	require.NoError(t, err)
	assert.Equal(t, CancelPermanent, got)
	_, err = ParseCancelMode("sometimes")
	assert.Error(t, err)
}

func TestParseExhaustPolicy(t *testing.T) {
	p, err := ParseExhaustPolicy("idle")
	require.NoError(t, err)
	assert.Equal(t, ExhaustIdle, p)
	p, err = ParseExhaustPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ExhaustStop, p)
	_, err = ParseExhaustPolicy("loop")
	assert.Error(t, err)
}
