package topology

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/demandflow/internal/canonical"
)

// Spec is a declared pipeline.
type Spec struct {
	Name          string             `json:"name" yaml:"name"`
	Stages        []StageSpec        `json:"stages" yaml:"stages"`
	Subscriptions []SubscriptionSpec `json:"subscriptions" yaml:"subscriptions"`
}

// StageSpec declares one stage. Which parameters apply depends on Kind.
type StageSpec struct {
	Name        string          `json:"name" yaml:"name"`
	Kind        string          `json:"kind" yaml:"kind"`
	Dispatcher  *DispatcherSpec `json:"dispatcher,omitempty" yaml:"dispatcher,omitempty"`
	BufferSize  int             `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
	OnExhausted string          `json:"on_exhausted,omitempty" yaml:"on_exhausted,omitempty"`

	From  int   `json:"from,omitempty" yaml:"from,omitempty"`
	To    *int  `json:"to,omitempty" yaml:"to,omitempty"`
	Items []any `json:"items,omitempty" yaml:"items,omitempty"`

	EventsPerInterval int    `json:"events_per_interval,omitempty" yaml:"events_per_interval,omitempty"`
	EventsPerSecond   int    `json:"events_per_second,omitempty" yaml:"events_per_second,omitempty"`
	Interval          string `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxBuffer         int    `json:"max_buffer,omitempty" yaml:"max_buffer,omitempty"`

	Delay     string `json:"delay,omitempty" yaml:"delay,omitempty"`
	FailAfter int    `json:"fail_after,omitempty" yaml:"fail_after,omitempty"`
}

// DispatcherSpec selects a producer's dispatch strategy.
type DispatcherSpec struct {
	Kind       string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Hash       string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	Modulo     int      `json:"modulo,omitempty" yaml:"modulo,omitempty"`
	Partitions []string `json:"partitions,omitempty" yaml:"partitions,omitempty"`
	Unroutable string   `json:"unroutable,omitempty" yaml:"unroutable,omitempty"`
	HoldLimit  int      `json:"hold_limit,omitempty" yaml:"hold_limit,omitempty"`
}

// SubscriptionSpec declares a subscription of Consumer to Producer.
type SubscriptionSpec struct {
	Consumer   string   `json:"consumer" yaml:"consumer"`
	Producer   string   `json:"producer" yaml:"producer"`
	MinDemand  int      `json:"min_demand,omitempty" yaml:"min_demand,omitempty"`
	MaxDemand  int      `json:"max_demand,omitempty" yaml:"max_demand,omitempty"`
	Partitions []string `json:"partitions,omitempty" yaml:"partitions,omitempty"`
	Cancel     string   `json:"cancel,omitempty" yaml:"cancel,omitempty"`
	Manual     bool     `json:"manual,omitempty" yaml:"manual,omitempty"`
}

// Stage returns the stage named name.
func (s *Spec) Stage(name string) (StageSpec, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageSpec{}, false
}

// Hash returns the content address of the topology. Two specs that differ
// only in the integer width of list items hash identically.
func Hash(spec *Spec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("hash topology: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("hash topology: %w", err)
	}
	return canonical.ID(canonical.DomainTopology, canonical.NormalizeNumbers(generic))
}

// decodeJSON decodes a topology from JSON, keeping integer items as int64.
func decodeJSON(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, err
	}
	for i := range spec.Stages {
		for j, item := range spec.Stages[i].Items {
			spec.Stages[i].Items[j] = canonical.NormalizeNumbers(item)
		}
	}
	return &spec, nil
}
