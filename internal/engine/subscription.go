package engine

import (
	"fmt"
	"slices"

	"github.com/roach88/demandflow/internal/dispatch"
	"github.com/roach88/demandflow/internal/ledger"
)

// Default demand window, used when SubscribeOptions leaves MaxDemand at 0.
const (
	DefaultMaxDemand = 1000
	DefaultMinDemand = 750
)

// CancelMode decides whether a producer's termination terminates the consumer.
type CancelMode int

const (
	// CancelPermanent terminates the consumer whenever the producer goes away.
	CancelPermanent CancelMode = iota
	// CancelTransient terminates the consumer only on abnormal termination.
	CancelTransient
	// CancelTemporary never terminates the consumer.
	CancelTemporary
)

// String returns the configuration name.
func (m CancelMode) String() string {
	switch m {
	case CancelPermanent:
		return "permanent"
	case CancelTransient:
		return "transient"
	case CancelTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("cancel(%d)", int(m))
	}
}

// ParseCancelMode parses a configuration name. Empty means permanent.
func ParseCancelMode(s string) (CancelMode, error) {
	switch s {
	case "", "permanent":
		return CancelPermanent, nil
	case "transient":
		return CancelTransient, nil
	case "temporary":
		return CancelTemporary, nil
	default:
		return 0, fmt.Errorf("unknown cancel mode %q (want permanent|transient|temporary)", s)
	}
}

// propagates reports whether a producer terminating with reason terminates
// the consumer.
func (m CancelMode) propagates(reason error) bool {
	switch m {
	case CancelPermanent:
		return true
	case CancelTransient:
		return IsAbnormal(reason)
	default:
		return false
	}
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// MinDemand is the low-water mark: when pending demand falls to it, the
	// consumer tops up to MaxDemand.
	MinDemand int

	// MaxDemand is the high-water mark. 0 selects the defaults
	// (DefaultMaxDemand, and DefaultMinDemand if MinDemand is also 0).
	MaxDemand int

	// Partitions are the keys served under partition dispatch.
	Partitions []dispatch.PartitionKey

	// Cancel is the cancellation mode. Default: permanent.
	Cancel CancelMode

	// Manual disables automatic asks; demand comes only from Pipeline.Ask.
	Manual bool
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxDemand == 0 {
		o.MaxDemand = DefaultMaxDemand
		if o.MinDemand == 0 {
			o.MinDemand = DefaultMinDemand
		}
	}
	return o
}

func (o SubscribeOptions) validate() error {
	if o.MinDemand < 0 {
		return newSubscriptionError("min_demand must be >= 0, got %d", o.MinDemand)
	}
	if o.MinDemand >= o.MaxDemand {
		return newSubscriptionError("min_demand (%d) must be < max_demand (%d)", o.MinDemand, o.MaxDemand)
	}
	return nil
}

// Subscription is the relation between one producer and one consumer.
// It is immutable once returned by Pipeline.Subscribe.
type Subscription struct {
	ID         ledger.SubscriptionID
	Producer   string
	Consumer   string
	MinDemand  int
	MaxDemand  int
	Partitions []dispatch.PartitionKey
	Cancel     CancelMode
	Manual     bool
}

func newSubscription(id ledger.SubscriptionID, consumer, producer string, o SubscribeOptions) *Subscription {
	return &Subscription{
		ID:         id,
		Producer:   producer,
		Consumer:   consumer,
		MinDemand:  o.MinDemand,
		MaxDemand:  o.MaxDemand,
		Partitions: slices.Clone(o.Partitions),
		Cancel:     o.Cancel,
		Manual:     o.Manual,
	}
}

// String identifies the subscription in logs.
func (s *Subscription) String() string {
	return fmt.Sprintf("%s->%s#%d", s.Producer, s.Consumer, s.ID)
}
