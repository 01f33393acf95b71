package engine

import (
	"sync"

	"github.com/roach88/demandflow/internal/ledger"
)

// messageKind distinguishes mailbox messages.
type messageKind int

const (
	// msgSubscribe asks a producer to open a ledger entry for sub.
	msgSubscribe messageKind = iota + 1
	// msgAttach tells a consumer about a subscription it initiated.
	msgAttach
	// msgSubscribed confirms to the consumer that the producer opened sub.
	msgSubscribed
	// msgAsk carries n units of demand to the producer.
	msgAsk
	// msgManualAsk is Pipeline.Ask arriving at the consumer.
	msgManualAsk
	// msgEvents carries a routed batch to the consumer.
	msgEvents
	// msgCancel asks a producer to tear down sub and notify its consumer.
	msgCancel
	// msgUpstreamCancel tells a consumer its producer dropped sub.
	msgUpstreamCancel
	// msgDownstreamCancel tells a producer its consumer dropped sub.
	msgDownstreamCancel
	// msgTick fires a Scheduled stage's periodic callback.
	msgTick
	// msgWake re-runs a producer's demand handling.
	msgWake
	// msgStop terminates the stage with reason.
	msgStop
)

var messageKindNames = map[messageKind]string{
	msgSubscribe:        "subscribe",
	msgAttach:           "attach",
	msgSubscribed:       "subscribed",
	msgAsk:              "ask",
	msgManualAsk:        "manual_ask",
	msgEvents:           "events",
	msgCancel:           "cancel",
	msgUpstreamCancel:   "upstream_cancel",
	msgDownstreamCancel: "downstream_cancel",
	msgTick:             "tick",
	msgWake:             "wake",
	msgStop:             "stop",
}

func (k messageKind) String() string {
	if name, ok := messageKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// message is the unit of cross-stage communication.
// Fields are populated per kind; unused fields stay zero.
type message struct {
	kind   messageKind
	sub    *Subscription
	n      int
	events []Event
	reason error
	reply  chan error
}

func (m message) subID() ledger.SubscriptionID {
	if m.sub == nil {
		return 0
	}
	return m.sub.ID
}

// mailbox is a stage's unbounded FIFO inbox.
//
// Any goroutine may Enqueue; exactly one (the owning stage) dequeues. It is
// unbounded so that a producer delivering a batch never blocks on a slow
// consumer: backpressure comes from demand, not from the queue.
//
// Signalling goes through a 1-buffered channel so the owner can select on
// it together with ctx.Done(). Close closes the channel, waking the owner.
type mailbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		messages: make([]message, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends m. Returns false if the mailbox is closed, meaning the
// owning stage has terminated and m will never be processed.
func (q *mailbox) Enqueue(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.messages = append(q.messages, m)

	// Buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front message without blocking.
func (q *mailbox) TryDequeue() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}

	m := q.messages[0]

	// Clear the slot so batches and replies are collectable.
	q.messages[0] = message{}

	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}

	return m, true
}

// Wait returns a channel that fires when messages may be available, and is
// closed once the mailbox is closed.
func (q *mailbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *mailbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further messages. Already queued messages can still be
// dequeued, which is how a terminating stage drains its inbox.
func (q *mailbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
