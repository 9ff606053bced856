// Package evaluator defines the pluggable scoring strategies that grade game
// master responses. Each evaluator declares its output metric names up front
// so recorded metrics can be reconciled back to it later.
package evaluator

import (
	"context"
	"strings"
)

// Scores are continuous on [1,5]; 3.0 and above counts as a pass.
const (
	ScoreMin      = 1.0
	ScoreMax      = 5.0
	PassThreshold = 3.0
)

// Input carries everything an evaluator may inspect.
type Input struct {
	Instructions string   // effective instructions the agent ran with
	Context      []string // prior conversation turns, chronological
	PlayerInput  string   // the turn being answered
	Output       string   // the generated response under evaluation
}

// Metric is one named score produced by an evaluator.
type Metric struct {
	Name        string
	Score       float64 // 1-5
	Remarks     string
	Diagnostics map[string]any
}

// Evaluator scores a response, producing one or more named metrics.
type Evaluator interface {
	Name() string
	MetricNames() []string
	Evaluate(ctx context.Context, in Input) ([]Metric, error)
}

// Registry stores evaluators by name.
type Registry struct {
	evaluators map[string]Evaluator
	order      []string
}

// NewRegistry creates an empty evaluator registry.
func NewRegistry() *Registry {
	return &Registry{
		evaluators: make(map[string]Evaluator),
	}
}

// Register adds an evaluator to the registry.
func (r *Registry) Register(e Evaluator) {
	if r == nil {
		panic("evaluator: register on nil registry")
	}
	if e == nil {
		panic("evaluator: register nil evaluator")
	}
	name := strings.TrimSpace(e.Name())
	if name == "" {
		panic("evaluator: evaluator has empty name")
	}
	if r.evaluators == nil {
		r.evaluators = make(map[string]Evaluator)
	}
	if _, ok := r.evaluators[name]; !ok {
		r.order = append(r.order, name)
	}
	r.evaluators[name] = e
}

// Get returns a named evaluator if present.
func (r *Registry) Get(name string) (Evaluator, bool) {
	if r == nil || r.evaluators == nil {
		return nil, false
	}
	e, ok := r.evaluators[name]
	return e, ok
}

// All returns the registered evaluators in registration order.
func (r *Registry) All() []Evaluator {
	if r == nil {
		return nil
	}
	out := make([]Evaluator, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.evaluators[name])
	}
	return out
}

// clampScore forces a score into the documented range.
func clampScore(v float64) float64 {
	if v < ScoreMin {
		return ScoreMin
	}
	if v > ScoreMax {
		return ScoreMax
	}
	return v
}
