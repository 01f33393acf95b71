package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/roach88/demandflow/internal/dispatch"
	"github.com/roach88/demandflow/internal/ledger"
	"github.com/roach88/demandflow/internal/trace"
)

// stage is one unit of execution. Every field below mbox is owned by the
// stage's goroutine and never touched from anywhere else.
type stage struct {
	p      *Pipeline
	name   string
	role   Role
	impl   any
	prod   Producer
	cons   Consumer
	pc     ProducerConsumer
	cfg    stageConfig
	logger *slog.Logger
	mbox   *mailbox

	// Producing side.
	ledger    *ledger.Ledger
	outbound  map[ledger.SubscriptionID]*Subscription
	buffer    []Event
	exhausted bool

	// Consuming side.
	inbound map[ledger.SubscriptionID]*Subscription
	inOrder []ledger.SubscriptionID
	pending map[ledger.SubscriptionID]int
	removed map[ledger.SubscriptionID]bool

	stopTicks  func()
	terminated bool

	// reason is written once before done is closed.
	reason error
	done   chan struct{}
}

func newStage(p *Pipeline, name string, role Role, prod Producer, cons Consumer, pc ProducerConsumer, cfg stageConfig) *stage {
	s := &stage{
		p:      p,
		name:   name,
		role:   role,
		prod:   prod,
		cons:   cons,
		pc:     pc,
		cfg:    cfg,
		logger: p.logger.With("stage", name),
		mbox:   newMailbox(),
		done:   make(chan struct{}),
	}
	switch {
	case pc != nil:
		s.impl = pc
	case prod != nil:
		s.impl = prod
	default:
		s.impl = cons
	}
	if role.produces() {
		s.ledger = ledger.New()
		s.outbound = make(map[ledger.SubscriptionID]*Subscription)
	}
	if role.consumes() {
		s.inbound = make(map[ledger.SubscriptionID]*Subscription)
		s.pending = make(map[ledger.SubscriptionID]int)
		s.removed = make(map[ledger.SubscriptionID]bool)
	}
	return s
}

func (s *stage) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *stage) startTicks() {
	sc, ok := s.impl.(Scheduled)
	if !ok || sc.Interval() <= 0 {
		return
	}
	s.stopTicks = s.p.ticks.Every(sc.Interval(), func() {
		s.p.send(s, message{kind: msgTick})
	})
}

// run drains the mailbox until the stage terminates.
func (s *stage) run(ctx context.Context) {
	s.logger.Debug("stage running", "role", s.role.String())

	for {
		m, ok := s.mbox.TryDequeue()
		if ok {
			s.handle(ctx, m)
			s.p.inflight.Add(-1)
			if s.terminated {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.terminate(ErrShutdown)
			return
		case <-s.mbox.Wait():
		}
	}
}

func (s *stage) handle(ctx context.Context, m message) {
	s.logger.Debug("message", "kind", m.kind.String(), "subscription", int64(m.subID()))

	switch m.kind {
	case msgSubscribe:
		s.onSubscribe(m.sub)
	case msgAttach:
		s.attach(m.sub)
	case msgSubscribed:
		s.onSubscribed(m.sub)
	case msgAsk:
		s.onAsk(ctx, m.sub, m.n)
	case msgManualAsk:
		m.reply <- s.onManualAsk(m.sub, m.n)
	case msgEvents:
		s.onEvents(ctx, m.sub, m.events)
	case msgCancel:
		s.onCancel(ctx, m.sub, m.reason)
	case msgUpstreamCancel:
		s.onUpstreamCancel(m.sub, m.reason)
	case msgDownstreamCancel:
		s.onDownstreamCancel(ctx, m.sub, m.reason)
	case msgTick:
		s.onTick(ctx)
	case msgWake:
		s.pump(ctx)
	case msgStop:
		s.terminate(m.reason)
	}
}

// --- producing side ---

func (s *stage) onSubscribe(sub *Subscription) {
	cons := s.p.lookup(sub.Consumer)

	if err := s.ledger.Open(sub.ID, sub.MaxDemand); err != nil {
		s.logger.Error("open subscription", "subscription", int64(sub.ID), "error", err)
		return
	}
	if err := s.cfg.dispatcher.Register(sub.ID, sub.Partitions); err != nil {
		s.ledger.Close(sub.ID)
		s.logger.Error("register subscription", "subscription", int64(sub.ID), "error", err)
		s.p.send(cons, message{kind: msgUpstreamCancel, sub: sub, reason: newSubscriptionError("%v", err)})
		return
	}
	s.outbound[sub.ID] = sub

	s.p.record(trace.Record{
		Kind:           trace.KindSubscribe,
		Stage:          s.name,
		Peer:           sub.Consumer,
		SubscriptionID: int64(sub.ID),
		Count:          sub.MaxDemand,
	})

	if !s.p.send(cons, message{kind: msgSubscribed, sub: sub}) {
		s.removeOutbound(sub)
	}
}

func (s *stage) onAsk(ctx context.Context, sub *Subscription, n int) {
	if err := s.ledger.Ask(sub.ID, n); err != nil {
		if errors.Is(err, ledger.ErrUnknownSubscription) {
			// Cancelled while the ask was in flight.
			return
		}
		s.terminate(newContractViolation(s.name, int64(sub.ID), "ask of %d: %v", n, err))
		return
	}
	s.pump(ctx)
}

// pump dispatches what is buffered, then asks the producer for as much as
// the dispatcher says subscribers can take.
func (s *stage) pump(ctx context.Context) {
	if s.terminated || !s.role.produces() {
		return
	}

	s.dispatch()
	if s.terminated {
		return
	}

	if !s.exhausted {
		if want := s.cfg.dispatcher.Demand(s.ledger, s.buffer); want > 0 {
			var events []Event
			err := s.guard("HandleDemand", func() (err error) {
				events, err = s.prod.HandleDemand(ctx, want)
				return err
			})
			if len(events) > want {
				s.terminate(newContractViolation(s.name, 0,
					"HandleDemand returned %d events for demand %d", len(events), want))
				return
			}
			switch {
			case errors.Is(err, ErrExhausted):
				s.exhausted = true
				s.p.record(trace.Record{Kind: trace.KindExhausted, Stage: s.name, Count: len(events)})
				s.logger.Info("source exhausted", "last_batch", len(events))
			case err != nil:
				s.terminate(newCollaboratorFailure(s.name, "HandleDemand", err))
				return
			}

			s.buffer = append(s.buffer, events...)
			s.dispatch()
			if s.terminated {
				return
			}
		}
	}

	if s.exhausted && len(s.buffer) == 0 && s.cfg.onExhausted == ExhaustStop {
		s.terminate(ErrNormal)
		return
	}

	if s.role == RoleProducerConsumer {
		s.replenishAll()
	}
}

// dispatch routes buffered events and commits the routes to the ledger.
func (s *stage) dispatch() {
	if len(s.buffer) == 0 || s.ledger.Len() == 0 {
		return
	}

	var res dispatch.Result
	err := s.guard("Route", func() (err error) {
		res, err = s.cfg.dispatcher.Route(s.buffer, s.ledger)
		return err
	})
	if err != nil {
		s.terminate(&RuntimeError{
			Code:    ErrCodeRoutingError,
			Message: s.cfg.dispatcher.Kind().String() + " dispatch failed",
			Stage:   s.name,
			Cause:   err,
		})
		return
	}

	s.buffer = res.Held
	if len(res.Dropped) > 0 {
		s.recordDrop(res.Dropped, "unroutable")
	}
	if len(res.Evicted) > 0 {
		s.recordDrop(res.Evicted, "partition overflow")
	}

	for _, r := range res.Routes {
		sub := s.outbound[r.Subscription]
		if sub == nil {
			s.terminate(newContractViolation(s.name, int64(r.Subscription), "route to unknown subscription"))
			return
		}
		if err := s.ledger.Take(r.Subscription, len(r.Events)); err != nil {
			s.terminate(newContractViolation(s.name, int64(r.Subscription),
				"dispatch of %d events: %v", len(r.Events), err))
			return
		}

		s.p.record(trace.Record{
			Kind:           trace.KindEvents,
			Stage:          s.name,
			Peer:           sub.Consumer,
			SubscriptionID: int64(sub.ID),
			Count:          len(r.Events),
			Events:         r.Events,
		})

		if !s.p.send(s.p.lookup(sub.Consumer), message{kind: msgEvents, sub: sub, events: r.Events}) {
			s.recordDrop(r.Events, "consumer terminated")
			s.removeOutbound(sub)
		}
	}
}

func (s *stage) onCancel(ctx context.Context, sub *Subscription, reason error) {
	if _, ok := s.outbound[sub.ID]; !ok {
		return
	}
	discarded := s.removeOutbound(sub)
	s.recordCancel(sub, discarded, reason)
	s.p.send(s.p.lookup(sub.Consumer), message{kind: msgUpstreamCancel, sub: sub, reason: reason})
	s.p.forget(sub)

	// Removing a subscriber can raise broadcast demand.
	s.pump(ctx)
}

func (s *stage) onDownstreamCancel(ctx context.Context, sub *Subscription, reason error) {
	if _, ok := s.outbound[sub.ID]; !ok {
		return
	}
	discarded := s.removeOutbound(sub)
	s.recordCancel(sub, discarded, reason)
	s.p.forget(sub)
	s.pump(ctx)
}

func (s *stage) removeOutbound(sub *Subscription) int {
	discarded, _ := s.ledger.Close(sub.ID)
	s.cfg.dispatcher.Unregister(sub.ID)
	delete(s.outbound, sub.ID)
	return discarded
}

func (s *stage) onTick(ctx context.Context) {
	sc, ok := s.impl.(Scheduled)
	if !ok || s.terminated {
		return
	}
	s.p.record(trace.Record{Kind: trace.KindTick, Stage: s.name})
	if err := s.guard("HandleTick", func() error { return sc.HandleTick(ctx) }); err != nil {
		s.terminate(newCollaboratorFailure(s.name, "HandleTick", err))
		return
	}
	s.pump(ctx)
}

// guard runs a user callback. A panic is recovered and returned as an
// ErrCallbackPanic error so it fails only this stage.
func (s *stage) guard(callback string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panicked",
				"callback", callback,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		}
	}()
	return fn()
}

// --- consuming side ---

// attach registers an inbound subscription. Idempotent; ignores
// subscriptions already torn down.
func (s *stage) attach(sub *Subscription) {
	if s.removed[sub.ID] {
		return
	}
	if _, ok := s.inbound[sub.ID]; ok {
		return
	}
	s.inbound[sub.ID] = sub
	s.inOrder = append(s.inOrder, sub.ID)
	s.pending[sub.ID] = 0
}

func (s *stage) onSubscribed(sub *Subscription) {
	s.attach(sub)
	if _, ok := s.inbound[sub.ID]; ok {
		s.replenish(sub)
	}
}

func (s *stage) onManualAsk(sub *Subscription, n int) error {
	if _, ok := s.inbound[sub.ID]; !ok {
		return newSubscriptionError("subscription %d is not active on %q", sub.ID, s.name)
	}
	if pending := s.pending[sub.ID]; pending+n > sub.MaxDemand {
		return newSubscriptionError("ask of %d would exceed max_demand %d (pending %d)", n, sub.MaxDemand, pending)
	}
	s.ask(sub, n)
	return nil
}

// replenish tops sub up to MaxDemand once pending demand has fallen to
// MinDemand. A producer-consumer never asks for more than it can hold.
func (s *stage) replenish(sub *Subscription) {
	if sub.Manual || s.terminated {
		return
	}
	pending := s.pending[sub.ID]
	if pending > sub.MinDemand {
		return
	}
	want := sub.MaxDemand - pending
	if s.role == RoleProducerConsumer {
		want = min(want, s.inboundCapacity())
	}
	if want <= 0 {
		return
	}
	s.ask(sub, want)
}

func (s *stage) replenishAll() {
	for _, id := range s.inOrder {
		s.replenish(s.inbound[id])
	}
}

// inboundCapacity is how much more a producer-consumer may ask for across
// all its inbound subscriptions.
func (s *stage) inboundCapacity() int {
	if b, ok := s.pc.(Bounded); ok {
		c := b.Capacity()
		if c == Unbounded {
			return Unbounded
		}
		return c - s.totalPending()
	}
	// Without a declared capacity, hold off while output is still queued.
	if len(s.buffer) > 0 {
		return 0
	}
	return Unbounded
}

func (s *stage) totalPending() int {
	total := 0
	for _, n := range s.pending {
		total += n
	}
	return total
}

func (s *stage) ask(sub *Subscription, n int) {
	s.pending[sub.ID] += n
	s.p.record(trace.Record{
		Kind:           trace.KindAsk,
		Stage:          s.name,
		Peer:           sub.Producer,
		SubscriptionID: int64(sub.ID),
		Count:          n,
	})
	// A dead producer has already sent, or will send, its cancellation.
	s.p.send(s.p.lookup(sub.Producer), message{kind: msgAsk, sub: sub, n: n})
}

func (s *stage) onEvents(ctx context.Context, sub *Subscription, events []Event) {
	if _, ok := s.inbound[sub.ID]; !ok {
		s.recordDrop(events, "subscription cancelled")
		return
	}

	s.pending[sub.ID] -= len(events)
	if over := -s.pending[sub.ID]; over > 0 {
		s.terminate(newContractViolation(s.name, int64(sub.ID),
			"received %d events, %d more than demanded", len(events), over))
		return
	}

	switch s.role {
	case RoleConsumer:
		if err := s.guard("HandleEvents", func() error { return s.cons.HandleEvents(ctx, sub, events) }); err != nil {
			s.terminate(newCollaboratorFailure(s.name, "HandleEvents", err))
			return
		}
	case RoleProducerConsumer:
		var out []Event
		err := s.guard("HandleEvents", func() (err error) {
			out, err = s.pc.HandleEvents(ctx, sub, events)
			return err
		})
		if err != nil {
			s.terminate(newCollaboratorFailure(s.name, "HandleEvents", err))
			return
		}
		s.bufferOutput(out)
	}

	s.replenish(sub)
	s.pump(ctx)
}

// bufferOutput appends producer-consumer output, dropping the oldest
// events past the configured bound.
func (s *stage) bufferOutput(out []Event) {
	s.buffer = append(s.buffer, out...)
	if s.cfg.bufferSize == 0 || len(s.buffer) <= s.cfg.bufferSize {
		return
	}
	over := len(s.buffer) - s.cfg.bufferSize
	dropped := slices.Clone(s.buffer[:over])
	s.buffer = slices.Clone(s.buffer[over:])
	s.recordDrop(dropped, "buffer overflow")
}

func (s *stage) onUpstreamCancel(sub *Subscription, reason error) {
	if s.removed[sub.ID] {
		return
	}
	s.removed[sub.ID] = true
	if _, ok := s.inbound[sub.ID]; ok {
		delete(s.inbound, sub.ID)
		delete(s.pending, sub.ID)
		s.inOrder = slices.DeleteFunc(s.inOrder, func(id ledger.SubscriptionID) bool {
			return id == sub.ID
		})
	}
	s.p.forget(sub)

	if sub.Cancel.propagates(reason) {
		s.terminate(newUpstreamTerminated(s.name, sub.Producer, int64(sub.ID), reason))
		return
	}
	s.logger.Info("subscription cancelled",
		"subscription", int64(sub.ID),
		"producer", sub.Producer,
		"cancel", sub.Cancel.String(),
		"reason", reason.Error(),
	)
}

// --- termination ---

// terminate cancels every subscription, drains the mailbox and records the
// reason. Runs at most once, on the stage's goroutine.
func (s *stage) terminate(reason error) {
	if s.terminated {
		return
	}
	s.terminated = true
	if reason == nil {
		reason = ErrNormal
	}
	if s.stopTicks != nil {
		s.stopTicks()
	}

	if s.role.produces() {
		for _, e := range s.ledger.Entries() {
			sub := s.outbound[e.ID]
			s.recordCancel(sub, e.Outstanding, reason)
			s.p.send(s.p.lookup(sub.Consumer), message{kind: msgUpstreamCancel, sub: sub, reason: reason})
		}
	}
	if s.role.consumes() {
		for _, id := range s.inOrder {
			sub := s.inbound[id]
			s.p.send(s.p.lookup(sub.Producer), message{kind: msgDownstreamCancel, sub: sub, reason: reason})
		}
	}

	s.mbox.Close()
	deadLetters := s.mbox.Len()
	for {
		m, ok := s.mbox.TryDequeue()
		if !ok {
			break
		}
		s.deadLetter(m, reason)
		s.p.inflight.Add(-1)
	}

	if t, ok := s.impl.(Terminator); ok {
		if err := s.guard("Terminate", func() error { t.Terminate(reason); return nil }); err != nil {
			s.logger.Error("terminate hook failed", "error", err)
		}
	}

	s.p.record(trace.Record{
		Kind:   trace.KindTerminate,
		Stage:  s.name,
		Count:  len(s.buffer),
		Reason: reason.Error(),
	})
	attrs := []any{"reason", reason.Error(), "undelivered", len(s.buffer), "dead_letters", deadLetters}
	if IsAbnormal(reason) {
		s.logger.Error("stage terminated", attrs...)
	} else {
		s.logger.Info("stage terminated", attrs...)
	}

	s.reason = reason
	close(s.done)
}

// deadLetter settles a message that arrived for a terminated stage.
func (s *stage) deadLetter(m message, reason error) {
	switch m.kind {
	case msgSubscribe:
		s.p.send(s.p.lookup(m.sub.Consumer), message{kind: msgUpstreamCancel, sub: m.sub, reason: reason})
	case msgAttach, msgSubscribed:
		s.p.send(s.p.lookup(m.sub.Producer), message{kind: msgDownstreamCancel, sub: m.sub, reason: reason})
	case msgManualAsk:
		m.reply <- newStageTerminated(s.name)
	case msgEvents:
		s.recordDrop(m.events, "consumer terminated")
	}
}

func (s *stage) recordCancel(sub *Subscription, discarded int, reason error) {
	s.p.record(trace.Record{
		Kind:           trace.KindCancel,
		Stage:          s.name,
		Peer:           sub.Consumer,
		SubscriptionID: int64(sub.ID),
		Count:          discarded,
		Reason:         reason.Error(),
	})
}

func (s *stage) recordDrop(events []Event, why string) {
	s.p.record(trace.Record{
		Kind:   trace.KindDrop,
		Stage:  s.name,
		Count:  len(events),
		Events: events,
		Reason: why,
	})
	s.logger.Warn("events dropped", "count", len(events), "reason", why)
}
