package scoring

import "strconv"

const (
	TypeNeurotransmitters = "neurotransmitters"

	likertMax         = 4
	itemsPerNeuroAxis = 10
)

const (
	BandNormal              = "normal"
	BandProbableDysfunction = "probable dysfunction"
	BandMarkedDysfunction   = "marked dysfunction"
)

// AxisDef names an axis and the response keys summed into it.
type AxisDef struct {
	Name  string
	Items []string
	Max   float64
}

func prefixedItems(prefix string, n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = prefix + "-" + strconv.Itoa(i+1)
	}
	return items
}

// NeurotransmitterAxes lists the four axes with their item keys (da-1..da-10
// and so on).
var NeurotransmitterAxes = []AxisDef{
	{Name: "dopamine", Items: prefixedItems("da", itemsPerNeuroAxis), Max: itemsPerNeuroAxis * likertMax},
	{Name: "noradrenaline", Items: prefixedItems("na", itemsPerNeuroAxis), Max: itemsPerNeuroAxis * likertMax},
	{Name: "serotonine", Items: prefixedItems("se", itemsPerNeuroAxis), Max: itemsPerNeuroAxis * likertMax},
	{Name: "melatonine", Items: prefixedItems("me", itemsPerNeuroAxis), Max: itemsPerNeuroAxis * likertMax},
}

// NeurotransmitterScorer sums 0-4 Likert items per axis.
type NeurotransmitterScorer struct {
	axes []AxisDef
}

func NewNeurotransmitterScorer() *NeurotransmitterScorer {
	return &NeurotransmitterScorer{axes: NeurotransmitterAxes}
}

func (s *NeurotransmitterScorer) Type() string { return TypeNeurotransmitters }

func (s *NeurotransmitterScorer) ComputeReport(responses map[string]any) ScoreReport {
	report := ScoreReport{
		QuestionnaireType:  TypeNeurotransmitters,
		RawScores:          make(map[string]float64, len(s.axes)),
		NormalizedPercents: make(map[string]int, len(s.axes)),
		Completeness:       true,
	}

	var totalRaw, totalMax float64
	for _, axis := range s.axes {
		var raw float64
		for _, item := range axis.Items {
			v, ok := numeric(responses[item])
			if !ok {
				report.Completeness = false
				continue
			}
			raw += v
		}
		pct := percentOf(raw, axis.Max)
		report.RawScores[axis.Name] = raw
		report.NormalizedPercents[axis.Name] = pct
		report.Interpretations = append(report.Interpretations, AxisInterpretation{
			Axis:    axis.Name,
			Raw:     raw,
			Percent: pct,
			Label:   neurotransmitterBand(raw),
		})
		totalRaw += raw
		totalMax += axis.Max
	}
	report.GlobalPercent = intPtr(percentOf(totalRaw, totalMax))
	return report
}

// Upper bounds are inclusive: 10 is normal, 19 probable, 20 marked.
func neurotransmitterBand(raw float64) string {
	switch {
	case raw <= 10:
		return BandNormal
	case raw < 20:
		return BandProbableDysfunction
	default:
		return BandMarkedDysfunction
	}
}
