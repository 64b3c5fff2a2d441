// Package scoring derives clinical score reports from raw questionnaire
// responses. Scorers are pure: the same responses always produce the same
// report and nothing is read from or written to a store.
package scoring

import (
	"math"
	"sort"

	"github.com/spf13/cast"
)

// AxisInterpretation is the reading of a single scored axis.
type AxisInterpretation struct {
	Axis    string  `json:"axis"`
	Raw     float64 `json:"raw"`
	Percent int     `json:"percent"`
	Label   string  `json:"label"`
}

// PlanSlot is one entry of a remediation plan.
type PlanSlot struct {
	Slot int      `json:"slot"`
	Kind string   `json:"kind"`
	Axes []string `json:"axes"`
}

// ScoreReport is derived data and is never persisted as a source of truth.
type ScoreReport struct {
	QuestionnaireType  string               `json:"questionnaireType"`
	RawScores          map[string]float64   `json:"rawScores"`
	NormalizedPercents map[string]int       `json:"normalizedPercents"`
	Interpretations    []AxisInterpretation `json:"interpretations"`
	Completeness       bool                 `json:"completeness"`

	GlobalPercent *int       `json:"globalPercent,omitempty"`
	GlobalScore   *int       `json:"globalScore,omitempty"`
	Band          string     `json:"band,omitempty"`
	WeakAxes      []string   `json:"weakAxes,omitempty"`
	StrongAxes    []string   `json:"strongAxes,omitempty"`
	Plan          []PlanSlot `json:"plan,omitempty"`
}

// Scorer computes a report for one questionnaire type.
type Scorer interface {
	Type() string
	ComputeReport(responses map[string]any) ScoreReport
}

// Registry maps questionnaire categories to scorers.
type Registry struct {
	scorers map[string]Scorer
}

func NewRegistry(scorers ...Scorer) *Registry {
	r := &Registry{scorers: make(map[string]Scorer, len(scorers))}
	for _, s := range scorers {
		r.scorers[s.Type()] = s
	}
	return r
}

// DefaultRegistry holds the three built-in scorers.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewNeurotransmitterScorer(),
		NewLifeSphereScorer(),
		NewBehavioralScorer(),
	)
}

func (r *Registry) Lookup(category string) (Scorer, bool) {
	s, ok := r.scorers[category]
	return s, ok
}

// Types returns the registered categories in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.scorers))
	for t := range r.scorers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// percentOf rounds half away from zero. No clamping is applied.
func percentOf(raw, max float64) int {
	if max == 0 {
		return 0
	}
	return int(math.Round(raw / max * 100))
}

// numeric coerces a stored answer. Null and non-coercible values are absent.
func numeric(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func intPtr(v int) *int { return &v }
