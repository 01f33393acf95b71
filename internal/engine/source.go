package engine

import (
	"context"
	"slices"
)

// Counter returns an infinite source emitting from, from+1, ... on demand.
func Counter(from int) Producer {
	return &counter{next: from}
}

type counter struct {
	next int
}

func (c *counter) HandleDemand(_ context.Context, demand int) ([]Event, error) {
	out := make([]Event, demand)
	for i := range out {
		out[i] = c.next
		c.next++
	}
	return out, nil
}

// Range returns a finite source emitting from..to inclusive, then
// ErrExhausted. An empty range is exhausted on the first call.
func Range(from, to int) Producer {
	return &rangeSource{next: from, to: to}
}

type rangeSource struct {
	next, to int
	done     bool
}

func (r *rangeSource) HandleDemand(_ context.Context, demand int) ([]Event, error) {
	if r.done || r.next > r.to {
		r.done = true
		return nil, ErrExhausted
	}

	// span is remaining-1, computed in uint so bounds at the ends of the int
	// range cannot overflow.
	span := uint(r.to) - uint(r.next)
	n := max(demand, 0)
	if n > 0 && uint(n-1) > span {
		n = int(span + 1)
	}

	out := make([]Event, 0, n)
	for range n {
		out = append(out, r.next)
		if r.next == r.to {
			r.done = true
			break
		}
		r.next++
	}
	if r.done {
		return out, ErrExhausted
	}
	return out, nil
}

// Slice returns a finite source emitting events in order, then ErrExhausted.
func Slice(events []Event) Producer {
	return &sliceSource{events: slices.Clone(events)}
}

type sliceSource struct {
	events []Event
	pos    int
}

func (s *sliceSource) HandleDemand(_ context.Context, demand int) ([]Event, error) {
	n := min(demand, len(s.events)-s.pos)
	out := slices.Clone(s.events[s.pos : s.pos+n])
	s.pos += n
	if s.pos >= len(s.events) {
		return out, ErrExhausted
	}
	return out, nil
}
