package dispatch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/demandflow/internal/ledger"
)

// Event is an opaque payload.
type Event = any

// PartitionKey names a partition under Partition dispatch.
type PartitionKey = string

// HashFunc maps an event to its partition key. It must be pure.
type HashFunc func(Event) PartitionKey

// Kind selects the dispatch strategy.
type Kind int

const (
	// KindDemand routes to the subscription with the most outstanding demand.
	KindDemand Kind = iota + 1
	// KindBroadcast copies every event to every subscription.
	KindBroadcast
	// KindPartition routes by hashed partition key.
	KindPartition
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDemand:
		return "demand"
	case KindBroadcast:
		return "broadcast"
	case KindPartition:
		return "partition"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a configuration name. Empty means demand.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "demand":
		return KindDemand, nil
	case "broadcast":
		return KindBroadcast, nil
	case "partition":
		return KindPartition, nil
	default:
		return 0, fmt.Errorf("unknown dispatcher kind %q (want demand|broadcast|partition)", s)
	}
}

// UnroutablePolicy decides what happens to an event whose key has no home.
type UnroutablePolicy int

const (
	// UnroutableDrop discards the event and reports it in Result.Dropped.
	UnroutableDrop UnroutablePolicy = iota
	// UnroutableFail makes Route return ErrUnroutable.
	UnroutableFail
)

// ParseUnroutable parses "drop" (default) or "fail".
func ParseUnroutable(s string) (UnroutablePolicy, error) {
	switch s {
	case "", "drop":
		return UnroutableDrop, nil
	case "fail":
		return UnroutableFail, nil
	default:
		return 0, fmt.Errorf("unknown unroutable policy %q (want drop|fail)", s)
	}
}

// ErrUnroutable is returned by Route under UnroutableFail.
var ErrUnroutable = errors.New("no subscription registered for partition")

// DefaultHoldLimit bounds how many events a partition dispatcher holds per key.
const DefaultHoldLimit = 10000

// Route is a batch of events for one subscription.
type Route struct {
	Subscription ledger.SubscriptionID
	Events       []Event
}

// Result is the outcome of one Route call.
//
// Held events stay in the producer's buffer, in their original order, until
// demand allows them out. Dropped events had no home; Evicted events were
// the oldest held events of a key past its hold limit. Both are gone.
type Result struct {
	Routes  []Route
	Held    []Event
	Dropped []Event
	Evicted []Event
}

// Delivered returns the total number of events across routes.
func (r Result) Delivered() int {
	n := 0
	for _, route := range r.Routes {
		n += len(route.Events)
	}
	return n
}

// Dispatcher routes events for one producing stage.
//
// Not safe for concurrent use; owned by the producer's goroutine.
type Dispatcher struct {
	kind       Kind
	hash       HashFunc
	declared   []PartitionKey
	unroutable UnroutablePolicy
	holdLimit  int

	byKey  map[PartitionKey][]ledger.SubscriptionID
	keysOf map[ledger.SubscriptionID][]PartitionKey
}

// PartitionOption configures a partition dispatcher.
type PartitionOption func(*Dispatcher)

// WithPartitions declares the closed set of partition keys.
// Subscriptions may only register declared keys.
func WithPartitions(keys ...PartitionKey) PartitionOption {
	return func(d *Dispatcher) {
		d.declared = append([]PartitionKey(nil), keys...)
	}
}

// WithUnroutable sets the policy for events with no serving subscription.
func WithUnroutable(p UnroutablePolicy) PartitionOption {
	return func(d *Dispatcher) {
		d.unroutable = p
	}
}

// WithHoldLimit caps the events held per partition key. Past the cap the
// oldest held events of that key are evicted. Values <= 0 keep the default.
func WithHoldLimit(n int) PartitionOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.holdLimit = n
		}
	}
}

// NewDemand creates the default dispatcher.
func NewDemand() *Dispatcher {
	return &Dispatcher{kind: KindDemand}
}

// NewBroadcast creates a broadcast dispatcher.
func NewBroadcast() *Dispatcher {
	return &Dispatcher{kind: KindBroadcast}
}

// NewPartition creates a partition dispatcher. hash is required.
func NewPartition(hash HashFunc, opts ...PartitionOption) (*Dispatcher, error) {
	if hash == nil {
		return nil, fmt.Errorf("partition dispatcher requires a hash function")
	}
	d := &Dispatcher{
		kind:      KindPartition,
		hash:      hash,
		holdLimit: DefaultHoldLimit,
		byKey:     make(map[PartitionKey][]ledger.SubscriptionID),
		keysOf:    make(map[ledger.SubscriptionID][]PartitionKey),
	}
	for _, opt := range opts {
		opt(d)
	}
	seen := make(map[PartitionKey]bool, len(d.declared))
	for _, k := range d.declared {
		if seen[k] {
			return nil, fmt.Errorf("duplicate partition %q", k)
		}
		seen[k] = true
	}
	return d, nil
}

// Kind returns the strategy.
func (d *Dispatcher) Kind() Kind {
	return d.kind
}

// Partitions returns the declared partition keys (nil if open-ended).
func (d *Dispatcher) Partitions() []PartitionKey {
	return slices.Clone(d.declared)
}

// Validate checks subscription partition keys against the dispatcher's
// static configuration. It does not touch registration state, so it may be
// called from any goroutine before the subscription reaches the producer.
func (d *Dispatcher) Validate(keys []PartitionKey) error {
	if d.kind != KindPartition {
		if len(keys) > 0 {
			return fmt.Errorf("partitions %v given but dispatcher is %s", keys, d.kind)
		}
		return nil
	}
	if len(keys) == 0 {
		return fmt.Errorf("partition dispatcher requires at least one partition per subscription")
	}
	if d.declared == nil {
		return nil
	}
	for _, k := range keys {
		if !slices.Contains(d.declared, k) {
			return fmt.Errorf("unknown partition %q (declared: %v)", k, d.declared)
		}
	}
	return nil
}

// Register records the keys a subscription serves.
func (d *Dispatcher) Register(id ledger.SubscriptionID, keys []PartitionKey) error {
	if err := d.Validate(keys); err != nil {
		return err
	}
	if d.kind != KindPartition {
		return nil
	}
	if _, ok := d.keysOf[id]; ok {
		return fmt.Errorf("subscription %d already registered", id)
	}
	d.keysOf[id] = slices.Clone(keys)
	for _, k := range keys {
		d.byKey[k] = append(d.byKey[k], id)
	}
	return nil
}

// Unregister forgets a subscription's keys.
func (d *Dispatcher) Unregister(id ledger.SubscriptionID) {
	if d.kind != KindPartition {
		return
	}
	for _, k := range d.keysOf[id] {
		d.byKey[k] = slices.DeleteFunc(d.byKey[k], func(s ledger.SubscriptionID) bool {
			return s == id
		})
		if len(d.byKey[k]) == 0 {
			delete(d.byKey, k)
		}
	}
	delete(d.keysOf, id)
}

// HoldLimit returns the per-key hold cap of a partition dispatcher.
func (d *Dispatcher) HoldLimit() int {
	return d.holdLimit
}

// Demand returns how many events the producer should be asked for, given
// the ledger and the events already buffered.
//
// Under Partition a buffered event only counts against the subscriptions
// serving its key. Events waiting on a key nobody serves count against
// nothing, so a partition whose subscriber is gone cannot starve the rest.
func (d *Dispatcher) Demand(l *ledger.Ledger, buffered []Event) int {
	switch d.kind {
	case KindBroadcast:
		if l.Len() == 0 {
			return 0
		}
		return max(0, l.Min()-len(buffered))
	case KindPartition:
		return d.partitionDemand(l, buffered)
	default:
		return max(0, l.Total()-len(buffered))
	}
}

// partitionDemand sums max(0, outstanding - held for the subscription's keys).
func (d *Dispatcher) partitionDemand(l *ledger.Ledger, buffered []Event) int {
	held := make(map[PartitionKey]int)
	for _, ev := range buffered {
		held[d.hash(ev)]++
	}
	want := 0
	for _, e := range l.Entries() {
		n := e.Outstanding
		for _, k := range d.keysOf[e.ID] {
			n -= held[k]
		}
		want += max(0, n)
	}
	return want
}

// Route proposes routes for events against the ledger's current demand.
// The input slice is not modified.
func (d *Dispatcher) Route(events []Event, l *ledger.Ledger) (Result, error) {
	if len(events) == 0 {
		return Result{}, nil
	}
	switch d.kind {
	case KindBroadcast:
		return d.routeBroadcast(events, l), nil
	case KindPartition:
		return d.routePartition(events, l)
	default:
		return d.routeDemand(events, l), nil
	}
}

func (d *Dispatcher) routeDemand(events []Event, l *ledger.Ledger) Result {
	entries := l.Entries()
	var res Result

	i := 0
	for i < len(events) {
		best := -1
		for j, e := range entries {
			// Strict > keeps the earliest subscription on ties.
			if e.Outstanding > 0 && (best < 0 || e.Outstanding > entries[best].Outstanding) {
				best = j
			}
		}
		if best < 0 {
			break
		}
		n := min(entries[best].Outstanding, len(events)-i)
		res.Routes = append(res.Routes, Route{
			Subscription: entries[best].ID,
			Events:       slices.Clone(events[i : i+n]),
		})
		entries[best].Outstanding -= n
		i += n
	}

	if i < len(events) {
		res.Held = slices.Clone(events[i:])
	}
	return res
}

func (d *Dispatcher) routeBroadcast(events []Event, l *ledger.Ledger) Result {
	var res Result
	if l.Len() == 0 {
		res.Held = slices.Clone(events)
		return res
	}

	n := min(l.Min(), len(events))
	if n > 0 {
		for _, e := range l.Entries() {
			res.Routes = append(res.Routes, Route{
				Subscription: e.ID,
				Events:       slices.Clone(events[:n]),
			})
		}
	}
	if n < len(events) {
		res.Held = slices.Clone(events[n:])
	}
	return res
}

func (d *Dispatcher) routePartition(events []Event, l *ledger.Ledger) (Result, error) {
	var res Result

	remaining := make(map[ledger.SubscriptionID]int, l.Len())
	for _, e := range l.Entries() {
		remaining[e.ID] = e.Outstanding
	}
	batches := make(map[ledger.SubscriptionID][]Event)
	blocked := make(map[PartitionKey]bool)

	for _, ev := range events {
		key := d.hash(ev)
		subs := d.byKey[key]

		if len(subs) == 0 {
			if d.declared != nil && slices.Contains(d.declared, key) {
				blocked[key] = true
				res.Held = append(res.Held, ev)
				continue
			}
			if d.unroutable == UnroutableFail {
				return Result{}, fmt.Errorf("%w: %q", ErrUnroutable, key)
			}
			res.Dropped = append(res.Dropped, ev)
			continue
		}

		if blocked[key] {
			res.Held = append(res.Held, ev)
			continue
		}

		ready := true
		for _, s := range subs {
			if remaining[s] <= 0 {
				ready = false
				break
			}
		}
		if !ready {
			// Later events of this key must wait behind this one.
			blocked[key] = true
			res.Held = append(res.Held, ev)
			continue
		}

		for _, s := range subs {
			remaining[s]--
			batches[s] = append(batches[s], ev)
		}
	}

	for _, e := range l.Entries() {
		if batch := batches[e.ID]; len(batch) > 0 {
			res.Routes = append(res.Routes, Route{Subscription: e.ID, Events: batch})
		}
	}
	res.Held, res.Evicted = d.evictOverLimit(res.Held)
	return res, nil
}

// evictOverLimit drops the oldest held events of every key holding more
// than the hold limit. Order within each list is preserved.
func (d *Dispatcher) evictOverLimit(held []Event) (kept, evicted []Event) {
	count := make(map[PartitionKey]int)
	over := false
	for _, ev := range held {
		k := d.hash(ev)
		count[k]++
		if count[k] > d.holdLimit {
			over = true
		}
	}
	if !over {
		return held, nil
	}

	kept = make([]Event, 0, len(held))
	for _, ev := range held {
		k := d.hash(ev)
		if count[k] > d.holdLimit {
			count[k]--
			evicted = append(evicted, ev)
			continue
		}
		kept = append(kept, ev)
	}
	return kept, evicted
}
