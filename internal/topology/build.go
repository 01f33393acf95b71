package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/demandflow/internal/dispatch"
	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/ratelimit"
)

// Built is a pipeline assembled from a Spec, with handles on the stages
// that expose state.
type Built struct {
	Spec       *Spec
	Hash       string
	Pipeline   *engine.Pipeline
	Collectors map[string]*Collector
	Limiters   map[string]*ratelimit.Limiter
	Subs       []*engine.Subscription
}

// Collector returns the collect stage named name.
func (b *Built) Collector(name string) (*Collector, bool) {
	c, ok := b.Collectors[name]
	return c, ok
}

// Subscription returns the subscription of consumer to producer.
func (b *Built) Subscription(consumer, producer string) (*engine.Subscription, bool) {
	for _, s := range b.Subs {
		if s.Consumer == consumer && s.Producer == producer {
			return s, true
		}
	}
	return nil, false
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	logger *slog.Logger
	engine []engine.Option
}

// WithLogger sets the logger for the pipeline and for log stages.
func WithLogger(l *slog.Logger) BuildOption {
	return func(c *buildConfig) {
		c.logger = l
	}
}

// WithEngineOptions passes options through to engine.New.
func WithEngineOptions(opts ...engine.Option) BuildOption {
	return func(c *buildConfig) {
		c.engine = append(c.engine, opts...)
	}
}

// Build validates spec and assembles its pipeline. Subscriptions are
// requested in declaration order; the pipeline is not started.
func Build(spec *Spec, opts ...BuildOption) (*Built, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	cfg := buildConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	hash, err := Hash(spec)
	if err != nil {
		return nil, err
	}

	engineOpts := append([]engine.Option{engine.WithLogger(cfg.logger)}, cfg.engine...)
	b := &Built{
		Spec:       spec,
		Hash:       hash,
		Pipeline:   engine.New(engineOpts...),
		Collectors: make(map[string]*Collector),
		Limiters:   make(map[string]*ratelimit.Limiter),
	}

	for _, st := range spec.Stages {
		if err := b.addStage(st, cfg.logger); err != nil {
			return nil, fmt.Errorf("stage %q: %w", st.Name, err)
		}
	}

	for _, ss := range spec.Subscriptions {
		opts, err := subscribeOptions(ss)
		if err != nil {
			return nil, fmt.Errorf("subscription %s->%s: %w", ss.Producer, ss.Consumer, err)
		}
		sub, err := b.Pipeline.Subscribe(ss.Consumer, ss.Producer, opts)
		if err != nil {
			return nil, err
		}
		b.Subs = append(b.Subs, sub)
	}
	return b, nil
}

func (b *Built) addStage(st StageSpec, logger *slog.Logger) error {
	policy, err := engine.ParseExhaustPolicy(st.OnExhausted)
	if err != nil {
		return err
	}
	opts := []engine.StageOption{
		engine.WithBufferSize(st.BufferSize),
		engine.WithOnExhausted(policy),
	}
	if st.Dispatcher != nil {
		d, err := newDispatcher(st.Dispatcher)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithDispatcher(d))
	}

	p := b.Pipeline
	switch st.Kind {
	case "counter":
		return p.AddProducer(st.Name, engine.Counter(st.From), opts...)
	case "range":
		return p.AddProducer(st.Name, engine.Range(st.From, *st.To), opts...)
	case "list":
		return p.AddProducer(st.Name, engine.Slice(st.Items), opts...)
	case "ratelimit":
		interval, err := parseDuration(st.Interval)
		if err != nil {
			return err
		}
		lim, err := ratelimit.New(ratelimit.Config{
			EventsPerInterval: st.EventsPerInterval,
			EventsPerSecond:   st.EventsPerSecond,
			Interval:          interval,
			MaxBuffer:         st.MaxBuffer,
		})
		if err != nil {
			return err
		}
		b.Limiters[st.Name] = lim
		return p.AddProducerConsumer(st.Name, lim, opts...)
	case "passthrough":
		return p.AddProducerConsumer(st.Name, passthrough{}, opts...)
	case "collect":
		delay, err := parseDuration(st.Delay)
		if err != nil {
			return err
		}
		c := &Collector{Delay: delay, FailAfter: st.FailAfter}
		b.Collectors[st.Name] = c
		return p.AddConsumer(st.Name, c, opts...)
	case "log":
		return p.AddConsumer(st.Name, &logSink{logger: logger.With("stage", st.Name)}, opts...)
	default:
		return fmt.Errorf("unknown stage kind %q", st.Kind)
	}
}

func newDispatcher(d *DispatcherSpec) (*dispatch.Dispatcher, error) {
	kind, err := dispatch.ParseKind(d.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case dispatch.KindBroadcast:
		return dispatch.NewBroadcast(), nil
	case dispatch.KindPartition:
		hash, ok := hashes[d.Hash]
		if !ok {
			return nil, fmt.Errorf("unknown hash %q", d.Hash)
		}
		policy, err := dispatch.ParseUnroutable(d.Unroutable)
		if err != nil {
			return nil, err
		}
		return dispatch.NewPartition(hash(d),
			dispatch.WithPartitions(d.Partitions...),
			dispatch.WithUnroutable(policy),
			dispatch.WithHoldLimit(d.HoldLimit),
		)
	default:
		return dispatch.NewDemand(), nil
	}
}

func subscribeOptions(ss SubscriptionSpec) (engine.SubscribeOptions, error) {
	mode, err := engine.ParseCancelMode(ss.Cancel)
	if err != nil {
		return engine.SubscribeOptions{}, err
	}
	return engine.SubscribeOptions{
		MinDemand:  ss.MinDemand,
		MaxDemand:  ss.MaxDemand,
		Partitions: ss.Partitions,
		Cancel:     mode,
		Manual:     ss.Manual,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

type passthrough struct{}

func (passthrough) HandleDemand(context.Context, int) ([]engine.Event, error) { return nil, nil }

func (passthrough) HandleEvents(_ context.Context, _ *engine.Subscription, events []engine.Event) ([]engine.Event, error) {
	return events, nil
}

// logSink is the log stage.
type logSink struct {
	logger *slog.Logger
}

func (l *logSink) HandleEvents(ctx context.Context, from *engine.Subscription, events []engine.Event) error {
	l.logger.InfoContext(ctx, "events received",
		"from", from.Producer,
		"count", len(events),
		"events", events,
	)
	return nil
}
