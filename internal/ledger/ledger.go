// Package ledger tracks outstanding demand per subscription.
//
// A Ledger belongs to exactly one producing stage and is only touched from
// that stage's goroutine, so it carries no locking. It is pure bookkeeping:
// consumers raise an entry with Ask, the runtime lowers it with Take as events
// are delivered.
//
// INVARIANTS:
//   - Outstanding is never negative
//   - Outstanding never exceeds the entry's Max after an Ask
//   - Entries() order is subscription order (earliest first)
package ledger

import (
	"errors"
	"fmt"
)

// SubscriptionID identifies a subscription across the pipeline.
// IDs are assigned from a monotonic clock, so lower means earlier.
type SubscriptionID int64

var (
	// ErrUnknownSubscription is returned for operations on a closed or never
	// opened entry.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrDuplicateSubscription is returned when opening an ID twice.
	ErrDuplicateSubscription = errors.New("duplicate subscription")

	// ErrDemandExceeded is returned when an ask would push outstanding demand
	// above the subscription's max demand.
	ErrDemandExceeded = errors.New("demand exceeds max_demand")

	// ErrInsufficientDemand is returned when a delivery is larger than the
	// outstanding demand.
	ErrInsufficientDemand = errors.New("delivery exceeds outstanding demand")
)

// Entry is a snapshot of one subscription's demand.
type Entry struct {
	ID          SubscriptionID
	Outstanding int
	Max         int
}

// Ledger holds demand entries in subscription order.
type Ledger struct {
	entries map[SubscriptionID]*Entry
	order   []SubscriptionID
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[SubscriptionID]*Entry),
	}
}

// Open registers a subscription with zero outstanding demand.
func (l *Ledger) Open(id SubscriptionID, maxDemand int) error {
	if _, ok := l.entries[id]; ok {
		return fmt.Errorf("open %d: %w", id, ErrDuplicateSubscription)
	}
	if maxDemand <= 0 {
		return fmt.Errorf("open %d: max demand must be positive, got %d", id, maxDemand)
	}
	l.entries[id] = &Entry{ID: id, Max: maxDemand}
	l.order = append(l.order, id)
	return nil
}

// Close removes a subscription and returns the demand that was discarded.
// ok is false if the subscription was not open.
func (l *Ledger) Close(id SubscriptionID) (discarded int, ok bool) {
	e, ok := l.entries[id]
	if !ok {
		return 0, false
	}
	delete(l.entries, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return e.Outstanding, true
}

// Ask adds n to a subscription's outstanding demand.
func (l *Ledger) Ask(id SubscriptionID, n int) error {
	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("ask %d: %w", id, ErrUnknownSubscription)
	}
	if n <= 0 {
		return fmt.Errorf("ask %d: demand must be positive, got %d", id, n)
	}
	if e.Outstanding+n > e.Max {
		return fmt.Errorf("ask %d: %d outstanding + %d > max %d: %w",
			id, e.Outstanding, n, e.Max, ErrDemandExceeded)
	}
	e.Outstanding += n
	return nil
}

// Take subtracts n delivered events from a subscription's outstanding demand.
func (l *Ledger) Take(id SubscriptionID, n int) error {
	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("take %d: %w", id, ErrUnknownSubscription)
	}
	if n < 0 || n > e.Outstanding {
		return fmt.Errorf("take %d: delivering %d with %d outstanding: %w",
			id, n, e.Outstanding, ErrInsufficientDemand)
	}
	e.Outstanding -= n
	return nil
}

// Outstanding returns the current demand for id (0 if unknown).
func (l *Ledger) Outstanding(id SubscriptionID) int {
	if e, ok := l.entries[id]; ok {
		return e.Outstanding
	}
	return 0
}

// Has reports whether id is open.
func (l *Ledger) Has(id SubscriptionID) bool {
	_, ok := l.entries[id]
	return ok
}

// Len returns the number of open subscriptions.
func (l *Ledger) Len() int {
	return len(l.order)
}

// Total returns the sum of outstanding demand.
func (l *Ledger) Total() int {
	total := 0
	for _, e := range l.entries {
		total += e.Outstanding
	}
	return total
}

// Min returns the smallest outstanding demand, or 0 if the ledger is empty.
func (l *Ledger) Min() int {
	if len(l.order) == 0 {
		return 0
	}
	low := l.entries[l.order[0]].Outstanding
	for _, id := range l.order[1:] {
		if o := l.entries[id].Outstanding; o < low {
			low = o
		}
	}
	return low
}

// Entries returns a copy of all entries in subscription order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}
