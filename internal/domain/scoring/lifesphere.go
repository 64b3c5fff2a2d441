package scoring

import (
	"math"
	"sort"
)

const TypeLifeSpheres = "life-spheres"

const (
	BandExcellent   = "excellent"
	BandTargetedGap = "good, targeted gaps"
	BandMultiSphere = "needs multi-sphere attention"

	sphereWeak     = "weak"
	sphereModerate = "moderate"
	sphereStrong   = "strong"
)

func sphere(name string, items int) AxisDef {
	return AxisDef{Name: name, Items: prefixedItems(name, items), Max: float64(items * likertMax)}
}

// LifeSpheres declares each sphere's items; the max follows from the item
// count (5 items -> 20, 7 items -> 28).
var LifeSpheres = []AxisDef{
	sphere("activite", 5),
	sphere("sante", 7),
	sphere("relations", 6),
	sphere("famille", 6),
	sphere("loisirs", 5),
	sphere("finances", 6),
	sphere("developpement", 7),
}

// LifeSphereScorer normalizes each sphere against its own max and averages
// the percents.
type LifeSphereScorer struct {
	spheres []AxisDef
}

func NewLifeSphereScorer() *LifeSphereScorer {
	return &LifeSphereScorer{spheres: LifeSpheres}
}

func (s *LifeSphereScorer) Type() string { return TypeLifeSpheres }

func (s *LifeSphereScorer) ComputeReport(responses map[string]any) ScoreReport {
	report := ScoreReport{
		QuestionnaireType:  TypeLifeSpheres,
		RawScores:          make(map[string]float64, len(s.spheres)),
		NormalizedPercents: make(map[string]int, len(s.spheres)),
		Completeness:       true,
	}

	type scored struct {
		name string
		pct  int
	}
	var all []scored
	sum := 0
	for _, sp := range s.spheres {
		var raw float64
		for _, item := range sp.Items {
			v, ok := numeric(responses[item])
			if !ok {
				report.Completeness = false
				continue
			}
			raw += v
		}
		pct := percentOf(raw, sp.Max)
		report.RawScores[sp.Name] = raw
		report.NormalizedPercents[sp.Name] = pct
		report.Interpretations = append(report.Interpretations, AxisInterpretation{
			Axis:    sp.Name,
			Raw:     raw,
			Percent: pct,
			Label:   sphereLabel(pct),
		})
		all = append(all, scored{name: sp.Name, pct: pct})
		sum += pct
	}

	global := 0
	if len(all) > 0 {
		global = int(math.Round(float64(sum) / float64(len(all))))
	}
	report.GlobalScore = intPtr(global)
	report.Band = lifeSphereBand(global)

	sort.SliceStable(all, func(i, j int) bool { return all[i].pct < all[j].pct })
	for _, sc := range all {
		if sc.pct < 50 {
			report.WeakAxes = append(report.WeakAxes, sc.name)
		}
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].pct >= 75 {
			report.StrongAxes = append(report.StrongAxes, all[i].name)
		}
	}
	return report
}

func lifeSphereBand(global int) string {
	switch {
	case global >= 75:
		return BandExcellent
	case global >= 50:
		return BandTargetedGap
	default:
		return BandMultiSphere
	}
}

func sphereLabel(pct int) string {
	switch {
	case pct >= 75:
		return sphereStrong
	case pct < 50:
		return sphereWeak
	default:
		return sphereModerate
	}
}
