package scoring

import "sort"

const TypeBehavioral = "behavioral"

const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"

	SlotFocus       = "focus"
	SlotMixed       = "mixed"
	SlotMaintenance = "maintenance"

	planSlots    = 7
	focusAxes    = 3
	slotsPerAxis = 2
)

// BehavioralAxes are the five axes whose 0-100 scores are computed upstream
// and stored under the axis name.
var BehavioralAxes = []string{
	"alimentation",
	"activite_physique",
	"sommeil",
	"gestion_stress",
	"hydratation",
}

// BehavioralScorer ranks precomputed axis scores and lays out a 7-slot
// remediation plan.
type BehavioralScorer struct {
	axes []string
}

func NewBehavioralScorer() *BehavioralScorer {
	return &BehavioralScorer{axes: BehavioralAxes}
}

func (s *BehavioralScorer) Type() string { return TypeBehavioral }

func (s *BehavioralScorer) ComputeReport(responses map[string]any) ScoreReport {
	report := ScoreReport{
		QuestionnaireType:  TypeBehavioral,
		RawScores:          make(map[string]float64, len(s.axes)),
		NormalizedPercents: make(map[string]int, len(s.axes)),
		Completeness:       true,
	}

	type ranked struct {
		axis  string
		score float64
	}
	var axes []ranked
	for _, name := range s.axes {
		v, ok := numeric(responses[name])
		if !ok {
			report.Completeness = false
			continue
		}
		axes = append(axes, ranked{axis: name, score: v})
	}
	sort.SliceStable(axes, func(i, j int) bool { return axes[i].score < axes[j].score })

	var needy []string
	for _, a := range axes {
		tier := behavioralTier(a.score)
		pct := percentOf(a.score, 100)
		report.RawScores[a.axis] = a.score
		report.NormalizedPercents[a.axis] = pct
		report.Interpretations = append(report.Interpretations, AxisInterpretation{
			Axis:    a.axis,
			Raw:     a.score,
			Percent: pct,
			Label:   tier,
		})
		switch tier {
		case TierHigh:
			report.WeakAxes = append(report.WeakAxes, a.axis)
		case TierLow:
			report.StrongAxes = append(report.StrongAxes, a.axis)
		}
		if tier != TierLow {
			needy = append(needy, a.axis)
		}
	}
	report.Plan = remediationPlan(needy, report.StrongAxes)
	return report
}

// remediationPlan gives the three lowest non-low axes two consecutive slots
// each and fills the rest with a mixed slot over every non-low axis. When no
// axis needs work the remaining slots are maintenance over the low axes.
func remediationPlan(needy, healthy []string) []PlanSlot {
	plan := make([]PlanSlot, 0, planSlots)
	for i := 0; i < len(needy) && i < focusAxes; i++ {
		for j := 0; j < slotsPerAxis; j++ {
			plan = append(plan, PlanSlot{Slot: len(plan) + 1, Kind: SlotFocus, Axes: []string{needy[i]}})
		}
	}
	for len(plan) < planSlots {
		slot := PlanSlot{Slot: len(plan) + 1, Kind: SlotMixed, Axes: append([]string(nil), needy...)}
		if len(needy) == 0 {
			slot.Kind = SlotMaintenance
			slot.Axes = append([]string(nil), healthy...)
		}
		plan = append(plan, slot)
	}
	return plan
}

func behavioralTier(score float64) string {
	switch {
	case score < 40:
		return TierHigh
	case score < 70:
		return TierMedium
	default:
		return TierLow
	}
}
