// Package questionnaire owns patient questionnaires replicated to a canonical
// location (questionnaires/{id}) and a legacy per-patient location
// (patients/{patientUid}/questionnaires/{id}). The canonical replica is
// authoritative; the Reconciler converges the per-patient one after drift.
package questionnaire

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/ehr/questionnaires/internal/platform/auth"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusCompleted  Status = "completed"
)

// acceptsResponses reports whether patients may still answer.
func (s Status) acceptsResponses() bool {
	return s == StatusPending || s == StatusInProgress
}

type QuestionSpec struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Type     string `json:"type"`
	Axis     string `json:"axis,omitempty"`
	Required bool   `json:"required"`
}

// Replica is the document stored identically in both locations.
type Replica struct {
	ID             string         `json:"id"`
	PatientUID     string         `json:"patientUid"`
	PractitionerID string         `json:"practitionerId,omitempty"`
	TemplateID     string         `json:"templateId,omitempty"`
	Title          string         `json:"title"`
	Category       string         `json:"category,omitempty"`
	Status         Status         `json:"status"`
	AssignedAt     time.Time      `json:"assignedAt"`
	SubmittedAt    *time.Time     `json:"submittedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Responses      map[string]any `json:"responses"`
	Questions      []QuestionSpec `json:"questions"`
}

// Answered counts responses holding a non-null value.
func (r *Replica) Answered() int {
	n := 0
	for _, v := range r.Responses {
		if v != nil {
			n++
		}
	}
	return n
}

func (r *Replica) toDocument() (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func replicaFromDocument(data map[string]any) (*Replica, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var r Replica
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.Responses == nil {
		r.Responses = map[string]any{}
	}
	return &r, nil
}

// Caller is the authenticated identity the guard hands to the core.
type Caller struct {
	SubjectID string
	Roles     []string
}

func (c Caller) Is(role string) bool { return slices.Contains(c.Roles, role) }

func (c Caller) IsAdmin() bool { return c.Is(auth.RoleAdmin) }

// IsStaff is true for practitioners and admins.
func (c Caller) IsStaff() bool { return c.IsAdmin() || c.Is(auth.RolePractitioner) }

// TransitionResult is returned by submit and complete. Replayed is set when
// the result came from the idempotency ledger.
type TransitionResult struct {
	Questionnaire *Replica `json:"questionnaire"`
	Replayed      bool     `json:"replayed"`
}
