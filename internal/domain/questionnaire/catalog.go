package questionnaire

import (
	"sort"

	"github.com/ehr/questionnaires/internal/domain/scoring"
)

// Template is a read-only questionnaire definition used at assignment.
type Template struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Category  string         `json:"category"`
	Questions []QuestionSpec `json:"questions"`
}

// TemplateCatalog looks templates up by id.
type TemplateCatalog interface {
	Template(id string) (Template, bool)
}

type StaticCatalog struct {
	templates map[string]Template
}

func NewStaticCatalog(templates ...Template) *StaticCatalog {
	c := &StaticCatalog{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		c.templates[t.ID] = t
	}
	return c
}

func (c *StaticCatalog) Template(id string) (Template, bool) {
	t, ok := c.templates[id]
	return t, ok
}

// IDs returns the template ids in sorted order.
func (c *StaticCatalog) IDs() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultCatalog seeds one template per scored questionnaire type, built
// from the scorers' axis definitions so item ids always line up.
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog(
		Template{
			ID:        "neurotransmitters-v1",
			Title:     "Neurotransmitter balance",
			Category:  scoring.TypeNeurotransmitters,
			Questions: axisQuestions(scoring.NeurotransmitterAxes, "likert"),
		},
		Template{
			ID:        "life-spheres-v1",
			Title:     "Life spheres",
			Category:  scoring.TypeLifeSpheres,
			Questions: axisQuestions(scoring.LifeSpheres, "likert"),
		},
		Template{
			ID:        "behavioral-v1",
			Title:     "Behavioral habits",
			Category:  scoring.TypeBehavioral,
			Questions: behavioralQuestions(),
		},
	)
}

func axisQuestions(axes []scoring.AxisDef, typ string) []QuestionSpec {
	var qs []QuestionSpec
	for _, a := range axes {
		for _, item := range a.Items {
			qs = append(qs, QuestionSpec{ID: item, Text: item, Type: typ, Axis: a.Name, Required: true})
		}
	}
	return qs
}

func behavioralQuestions() []QuestionSpec {
	qs := make([]QuestionSpec, 0, len(scoring.BehavioralAxes))
	for _, axis := range scoring.BehavioralAxes {
		qs = append(qs, QuestionSpec{ID: axis, Text: axis, Type: "score", Axis: axis, Required: true})
	}
	return qs
}
