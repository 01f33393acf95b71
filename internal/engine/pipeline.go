package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/demandflow/internal/dispatch"
	"github.com/roach88/demandflow/internal/ledger"
	"github.com/roach88/demandflow/internal/trace"
)

// Pipeline is the runtime graph of stages connected by subscriptions.
//
// Thread-safety model:
//   - Add*: before Start only
//   - Subscribe, Ask, Cancel, Stop, Wake, Shutdown: safe from any goroutine
//   - each stage's state is touched only by that stage's goroutine
//
// The pipeline holds no lock on the delivery path. Its mutex guards the
// stage and subscription registries, which change only on Add and Subscribe.
type Pipeline struct {
	mu     sync.RWMutex
	stages map[string]*stage
	order  []string
	subs   map[ledger.SubscriptionID]*Subscription
	pairs  map[[2]string]ledger.SubscriptionID

	seq    *Clock
	subIDs *Clock
	runID  string
	tracer trace.Sink
	logger *slog.Logger
	ticks  TickSource

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// inflight counts messages enqueued but not yet processed.
	inflight atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithTracer sets the trace sink. Default: trace.Nop.
func WithTracer(s trace.Sink) Option {
	return func(p *Pipeline) {
		p.tracer = s
	}
}

// WithRunIDGenerator sets the run ID source. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(p *Pipeline) {
		p.runID = g.Generate()
	}
}

// WithTickSource sets the tick source for Scheduled stages. Default: WallTicks.
func WithTickSource(t TickSource) Option {
	return func(p *Pipeline) {
		p.ticks = t
	}
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: make(map[string]*stage),
		subs:   make(map[ledger.SubscriptionID]*Subscription),
		pairs:  make(map[[2]string]ledger.SubscriptionID),
		seq:    NewClock(),
		subIDs: NewClock(),
		tracer: trace.Nop{},
		logger: slog.Default(),
		ticks:  WallTicks{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = UUIDv7Generator{}.Generate()
	}
	return p
}

// RunID returns the run identifier stamped on every trace record.
func (p *Pipeline) RunID() string {
	return p.runID
}

// AddProducer adds a producing stage.
func (p *Pipeline) AddProducer(name string, impl Producer, opts ...StageOption) error {
	if impl == nil {
		return fmt.Errorf("stage %q: nil producer", name)
	}
	return p.add(name, RoleProducer, impl, nil, nil, opts)
}

// AddConsumer adds a consuming stage.
func (p *Pipeline) AddConsumer(name string, impl Consumer, opts ...StageOption) error {
	if impl == nil {
		return fmt.Errorf("stage %q: nil consumer", name)
	}
	return p.add(name, RoleConsumer, nil, impl, nil, opts)
}

// AddProducerConsumer adds a stage that both consumes and produces.
func (p *Pipeline) AddProducerConsumer(name string, impl ProducerConsumer, opts ...StageOption) error {
	if impl == nil {
		return fmt.Errorf("stage %q: nil producer-consumer", name)
	}
	return p.add(name, RoleProducerConsumer, impl, nil, impl, opts)
}

func (p *Pipeline) add(name string, role Role, prod Producer, cons Consumer, pc ProducerConsumer, opts []StageOption) error {
	if name == "" {
		return fmt.Errorf("stage name must not be empty")
	}

	cfg := stageConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bufferSize < 0 {
		return fmt.Errorf("stage %q: buffer size must be >= 0", name)
	}
	if !role.produces() && cfg.dispatcher != nil {
		return fmt.Errorf("stage %q: consumers take no dispatcher", name)
	}
	if role.produces() && cfg.dispatcher == nil {
		cfg.dispatcher = dispatch.NewDemand()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("stage %q: pipeline already started", name)
	}
	if _, exists := p.stages[name]; exists {
		return fmt.Errorf("stage %q already exists", name)
	}

	p.stages[name] = newStage(p, name, role, prod, cons, pc, cfg)
	p.order = append(p.order, name)
	return nil
}

// Stages returns stage names in insertion order.
func (p *Pipeline) Stages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order)
}

func (p *Pipeline) lookup(name string) *stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stages[name]
}

// Subscribe connects consumer to producer.
//
// Validation is synchronous: unknown or terminated endpoints, role
// mismatches, a bad demand window, a duplicate pair, or partitions the
// producer's dispatcher does not accept all return a SubscriptionError.
// The returned subscription becomes active asynchronously; its first ask
// follows once the producer has opened the ledger entry.
func (p *Pipeline) Subscribe(consumer, producer string, opts SubscribeOptions) (*Subscription, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	cons, prod := p.stages[consumer], p.stages[producer]
	switch {
	case cons == nil:
		p.mu.Unlock()
		return nil, newSubscriptionError("unknown consumer %q", consumer)
	case prod == nil:
		p.mu.Unlock()
		return nil, newSubscriptionError("unknown producer %q", producer)
	case consumer == producer:
		p.mu.Unlock()
		return nil, newSubscriptionError("stage %q cannot subscribe to itself", consumer)
	case !cons.role.consumes():
		p.mu.Unlock()
		return nil, newSubscriptionError("stage %q is a %s and cannot consume", consumer, cons.role)
	case !prod.role.produces():
		p.mu.Unlock()
		return nil, newSubscriptionError("stage %q is a %s and cannot produce", producer, prod.role)
	case !cons.alive() || !prod.alive():
		p.mu.Unlock()
		return nil, newSubscriptionError("cannot subscribe %q to %q: endpoint terminated", consumer, producer)
	}
	pair := [2]string{consumer, producer}
	if _, dup := p.pairs[pair]; dup {
		p.mu.Unlock()
		return nil, newSubscriptionError("%q is already subscribed to %q", consumer, producer)
	}
	if err := prod.cfg.dispatcher.Validate(opts.Partitions); err != nil {
		p.mu.Unlock()
		return nil, newSubscriptionError("subscribe %q to %q: %v", consumer, producer, err)
	}

	sub := newSubscription(ledger.SubscriptionID(p.subIDs.Next()), consumer, producer, opts)
	p.subs[sub.ID] = sub
	p.pairs[pair] = sub.ID
	p.mu.Unlock()

	if !p.send(prod, message{kind: msgSubscribe, sub: sub}) {
		p.forget(sub)
		return nil, newSubscriptionError("cannot subscribe %q to %q: producer terminated", consumer, producer)
	}
	if !p.send(cons, message{kind: msgAttach, sub: sub}) {
		p.send(prod, message{kind: msgDownstreamCancel, sub: sub, reason: ErrNormal})
		p.forget(sub)
		return nil, newSubscriptionError("cannot subscribe %q to %q: consumer terminated", consumer, producer)
	}

	p.logger.Debug("subscription requested",
		"subscription", int64(sub.ID),
		"producer", producer,
		"consumer", consumer,
		"min_demand", sub.MinDemand,
		"max_demand", sub.MaxDemand,
		"cancel", sub.Cancel.String(),
	)
	return sub, nil
}

// forget drops a subscription from the registries. The pair becomes free
// again, but the ID is never reused.
func (p *Pipeline) forget(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sub.ID)
	if p.pairs[[2]string{sub.Consumer, sub.Producer}] == sub.ID {
		delete(p.pairs, [2]string{sub.Consumer, sub.Producer})
	}
}

// Subscription returns a subscription by ID.
func (p *Pipeline) Subscription(id ledger.SubscriptionID) (*Subscription, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sub, ok := p.subs[id]
	return sub, ok
}

// Ask raises demand on a subscription by n, on the consumer's behalf.
//
// It blocks until the consumer has accepted or rejected the request.
// Asking beyond MaxDemand is a SubscriptionError and changes nothing.
func (p *Pipeline) Ask(ctx context.Context, id ledger.SubscriptionID, n int) error {
	sub, ok := p.Subscription(id)
	if !ok {
		return newSubscriptionError("unknown subscription %d", id)
	}
	if n <= 0 {
		return newSubscriptionError("ask amount must be > 0, got %d", n)
	}
	cons := p.lookup(sub.Consumer)

	reply := make(chan error, 1)
	if !p.send(cons, message{kind: msgManualAsk, sub: sub, n: n, reply: reply}) {
		return newStageTerminated(sub.Consumer)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel tears down a subscription. The producer drops the ledger entry and
// notifies the consumer, which reacts according to the cancel mode with
// reason. A nil reason means ErrNormal.
func (p *Pipeline) Cancel(id ledger.SubscriptionID, reason error) error {
	sub, ok := p.Subscription(id)
	if !ok {
		return newSubscriptionError("unknown subscription %d", id)
	}
	if reason == nil {
		reason = ErrNormal
	}
	// A terminated producer has already cancelled all its subscriptions.
	p.send(p.lookup(sub.Producer), message{kind: msgCancel, sub: sub, reason: reason})
	return nil
}

// Stop terminates a stage with reason (nil means ErrNormal).
// Stopping a terminated stage is a no-op.
func (p *Pipeline) Stop(name string, reason error) error {
	s := p.lookup(name)
	if s == nil {
		return fmt.Errorf("unknown stage %q", name)
	}
	if reason == nil {
		reason = ErrNormal
	}
	p.send(s, message{kind: msgStop, reason: reason})
	return nil
}

// Wake asks a producer to re-run its demand handling, for sources that
// became ready without a demand change.
func (p *Pipeline) Wake(name string) error {
	s := p.lookup(name)
	if s == nil {
		return fmt.Errorf("unknown stage %q", name)
	}
	if !s.role.produces() {
		return fmt.Errorf("stage %q is a %s and cannot be woken", name, s.role)
	}
	if !p.send(s, message{kind: msgWake}) {
		return newStageTerminated(name)
	}
	return nil
}

// Shutdown stops every stage with ErrShutdown.
func (p *Pipeline) Shutdown() {
	for _, name := range p.Stages() {
		_ = p.Stop(name, ErrShutdown)
	}
}

// Start launches one goroutine per stage.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	if len(p.stages) == 0 {
		p.mu.Unlock()
		return fmt.Errorf("pipeline has no stages")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	stages := make([]*stage, 0, len(p.order))
	for _, name := range p.order {
		stages = append(stages, p.stages[name])
	}
	p.mu.Unlock()

	p.logger.Info("pipeline starting", "run_id", p.runID, "stages", len(stages))

	for _, s := range stages {
		s.startTicks()
		p.wg.Add(1)
		go func(s *stage) {
			defer p.wg.Done()
			s.run(p.ctx)
		}(s)
	}
	return nil
}

// Wait blocks until every stage goroutine has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()

	p.mu.RLock()
	cancel := p.cancel
	p.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Run starts the pipeline and blocks until every stage has terminated or
// ctx is done, in which case the pipeline is shut down first.
//
// The returned error joins the reasons of abnormally terminated stages.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		p.logger.Info("pipeline stopping: context done", "run_id", p.runID)
		p.Shutdown()
		<-finished
	}
	p.Wait()

	p.logger.Info("pipeline stopped", "run_id", p.runID)
	return p.Err()
}

// Err joins the termination reasons of stages that failed abnormally,
// in stage order. nil while no stage has failed.
func (p *Pipeline) Err() error {
	var errs []error
	for _, name := range p.Stages() {
		if reason := p.Reason(name); IsAbnormal(reason) {
			errs = append(errs, fmt.Errorf("stage %s: %w", name, reason))
		}
	}
	return errors.Join(errs...)
}

// Done returns a channel closed when the stage has terminated.
// Unknown stages return nil.
func (p *Pipeline) Done(name string) <-chan struct{} {
	s := p.lookup(name)
	if s == nil {
		return nil
	}
	return s.done
}

// Alive reports whether a stage exists and has not terminated.
func (p *Pipeline) Alive(name string) bool {
	s := p.lookup(name)
	return s != nil && s.alive()
}

// Reason returns a terminated stage's reason, or nil while it is alive.
func (p *Pipeline) Reason(name string) error {
	s := p.lookup(name)
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

// Quiescent reports whether every mailbox is empty and no stage is
// processing a message.
func (p *Pipeline) Quiescent() bool {
	return p.inflight.Load() == 0
}

// Settle blocks until the pipeline is quiescent or ctx is done.
func (p *Pipeline) Settle(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if p.Quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pipeline did not settle: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// send enqueues m on s, keeping the in-flight count.
func (p *Pipeline) send(s *stage, m message) bool {
	if s == nil {
		return false
	}
	p.inflight.Add(1)
	if !s.mbox.Enqueue(m) {
		p.inflight.Add(-1)
		return false
	}
	return true
}

// record stamps and emits a trace record.
func (p *Pipeline) record(r trace.Record) {
	r.Seq = p.seq.Next()
	r.RunID = p.runID
	p.tracer.Record(r)
}
