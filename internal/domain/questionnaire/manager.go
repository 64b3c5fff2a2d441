package questionnaire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/questionnaires/internal/domain/scoring"
	"github.com/ehr/questionnaires/internal/platform/docstore"
	"github.com/ehr/questionnaires/internal/platform/idempotency"
	"github.com/ehr/questionnaires/internal/platform/metrics"
	"github.com/ehr/questionnaires/internal/platform/notification"
)

const (
	OpSubmit   = "submit"
	OpComplete = "complete"

	DefaultMaxResponseKeys = 500
	maxKeyLength           = 128
)

// immutableKeys are managed by the server and never accepted as responses.
var immutableKeys = map[string]bool{
	"status":         true,
	"patientUid":     true,
	"practitionerId": true,
}

type Options struct {
	// MaxResponseKeys caps keys per request and per questionnaire.
	MaxResponseKeys int
	// RequireSubmittedBeforeComplete rejects complete unless the
	// questionnaire was submitted first.
	RequireSubmittedBeforeComplete bool
}

// Manager applies guarded transitions to replicas and writes them through
// the Replicator.
type Manager struct {
	store    docstore.Store
	writer   *Replicator
	ledger   idempotency.Ledger
	catalog  TemplateCatalog
	scorers  *scoring.Registry
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     Options
	newID    func() string
}

func NewManager(store docstore.Store, ledger idempotency.Ledger, catalog TemplateCatalog, logger zerolog.Logger, opts Options) *Manager {
	if opts.MaxResponseKeys <= 0 {
		opts.MaxResponseKeys = DefaultMaxResponseKeys
	}
	return &Manager{
		store:    store,
		writer:   NewReplicator(store, DefaultSinks(), logger, nil),
		ledger:   ledger,
		catalog:  catalog,
		scorers:  scoring.DefaultRegistry(),
		notifier: notification.NewLogNotifier(logger),
		logger:   logger,
		opts:     opts,
		newID:    uuid.NewString,
	}
}

func (m *Manager) SetNotifier(n notification.Notifier) { m.notifier = n }

func (m *Manager) SetScorers(r *scoring.Registry) { m.scorers = r }

// SetMetrics attaches metrics to the manager and its write path.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
	m.writer.metrics = mt
}

// -- Access --

func requireIDs(id, patientUID string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(patientUID) == "" {
		return validation("questionnaire id and patientUid are required", nil)
	}
	return nil
}

// authorizePatient lets staff through and limits patients to their own data.
func authorizePatient(caller Caller, patientUID string) error {
	if caller.SubjectID == "" {
		return accessDenied("unauthenticated caller")
	}
	if caller.IsStaff() {
		return nil
	}
	if caller.SubjectID == patientUID {
		return nil
	}
	return accessDenied("caller may not access another patient's questionnaires")
}

func authorizeComplete(caller Caller, r *Replica) error {
	if !caller.IsStaff() {
		return accessDenied("only practitioners may complete a questionnaire")
	}
	if !caller.IsAdmin() && r.PractitionerID != "" && r.PractitionerID != caller.SubjectID {
		return accessDenied("questionnaire is assigned to another practitioner")
	}
	return nil
}

// -- Reads --

// ReadOrBackfill returns the canonical replica, falling back to the
// per-patient one and copying it into the canonical location on the way.
func (m *Manager) ReadOrBackfill(ctx context.Context, caller Caller, id, patientUID string) (*Replica, error) {
	if err := requireIDs(id, patientUID); err != nil {
		return nil, err
	}
	if err := authorizePatient(caller, patientUID); err != nil {
		return nil, err
	}
	return m.load(ctx, id, patientUID)
}

func (m *Manager) load(ctx context.Context, id, patientUID string) (*Replica, error) {
	doc, err := m.store.Get(ctx, Canonical.Ref(id, patientUID))
	switch {
	case err == nil:
		r, err := replicaFromDocument(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("decode canonical replica %s: %w", id, err)
		}
		if r.PatientUID != patientUID {
			return nil, notFound(id)
		}
		return r, nil
	case !errors.Is(err, docstore.ErrNotFound):
		return nil, fmt.Errorf("read canonical replica %s: %w", id, err)
	}

	doc, err = m.store.Get(ctx, PerPatient.Ref(id, patientUID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read patient replica %s: %w", id, err)
	}

	data := doc.Data
	data["id"] = id
	data["patientUid"] = patientUID
	r, err := replicaFromDocument(data)
	if err != nil {
		return nil, fmt.Errorf("decode patient replica %s: %w", id, err)
	}

	err = m.store.Create(ctx, Canonical.Ref(id, patientUID), data)
	if err != nil && !errors.Is(err, docstore.ErrAlreadyExists) {
		m.logger.Warn().Err(err).
			Str("questionnaire_id", id).
			Str("patient_uid", patientUID).
			Msg("canonical backfill on read failed")
	}
	return r, nil
}

// ListForPatient returns a patient's canonical replicas, oldest assignment
// first.
func (m *Manager) ListForPatient(ctx context.Context, caller Caller, patientUID string) ([]*Replica, error) {
	if strings.TrimSpace(patientUID) == "" {
		return nil, validation("patientUid is required", nil)
	}
	if err := authorizePatient(caller, patientUID); err != nil {
		return nil, err
	}
	docs, err := m.store.Query(ctx, docstore.Query{
		Collection: CanonicalCollection,
		Where:      []docstore.Filter{{Field: "patientUid", Value: patientUID}},
	})
	if err != nil {
		return nil, fmt.Errorf("list questionnaires for %s: %w", patientUID, err)
	}
	out := make([]*Replica, 0, len(docs))
	for _, d := range docs {
		r, err := replicaFromDocument(d.Data)
		if err != nil {
			return nil, fmt.Errorf("decode replica %s: %w", d.Ref.ID, err)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Score runs the scorer registered for the questionnaire's category.
func (m *Manager) Score(ctx context.Context, caller Caller, id, patientUID string) (*scoring.ScoreReport, error) {
	r, err := m.ReadOrBackfill(ctx, caller, id, patientUID)
	if err != nil {
		return nil, err
	}
	scorer, ok := m.scorers.Lookup(r.Category)
	if !ok {
		return nil, validation("questionnaire category has no scorer", map[string]any{"category": r.Category})
	}
	report := scorer.ComputeReport(r.Responses)
	return &report, nil
}

// -- Writes --

type AssignInput struct {
	PatientUID     string `json:"patientUid"`
	TemplateID     string `json:"templateId"`
	PractitionerID string `json:"practitionerId,omitempty"`
	Title          string `json:"title,omitempty"`
}

// Assign creates a pending replica from a catalog template.
func (m *Manager) Assign(ctx context.Context, caller Caller, in AssignInput) (*Replica, error) {
	if !caller.IsStaff() {
		return nil, accessDenied("only practitioners may assign questionnaires")
	}
	if strings.TrimSpace(in.PatientUID) == "" || strings.TrimSpace(in.TemplateID) == "" {
		return nil, validation("patientUid and templateId are required", nil)
	}
	tpl, ok := m.catalog.Template(in.TemplateID)
	if !ok {
		return nil, validation("unknown template", map[string]any{"templateId": in.TemplateID})
	}

	practitioner := in.PractitionerID
	if practitioner == "" && !caller.IsAdmin() {
		practitioner = caller.SubjectID
	}
	if !caller.IsAdmin() && practitioner != caller.SubjectID {
		return nil, accessDenied("practitioners may only assign on their own behalf")
	}

	now, err := m.store.Now(ctx)
	if err != nil {
		return nil, err
	}
	title := in.Title
	if title == "" {
		title = tpl.Title
	}
	r := &Replica{
		ID:             m.newID(),
		PatientUID:     in.PatientUID,
		PractitionerID: practitioner,
		TemplateID:     tpl.ID,
		Title:          title,
		Category:       tpl.Category,
		Status:         StatusPending,
		AssignedAt:     now,
		UpdatedAt:      now,
		Responses:      map[string]any{},
		Questions:      append([]QuestionSpec{}, tpl.Questions...),
	}
	if err := m.write(ctx, r); err != nil {
		return nil, err
	}
	m.metrics.IncTransition(string(StatusPending))
	m.logger.Info().
		Str("questionnaire_id", r.ID).
		Str("patient_uid", r.PatientUID).
		Str("template_id", r.TemplateID).
		Msg("questionnaire assigned")
	return r, nil
}

// RecordResponses merges partial into the responses map. The first write on
// a pending questionnaire moves it to in_progress.
func (m *Manager) RecordResponses(ctx context.Context, caller Caller, id, patientUID string, partial map[string]any) (*Replica, error) {
	if err := requireIDs(id, patientUID); err != nil {
		return nil, err
	}
	if err := authorizePatient(caller, patientUID); err != nil {
		return nil, err
	}
	if err := m.validateResponses(partial); err != nil {
		return nil, err
	}

	r, err := m.load(ctx, id, patientUID)
	if err != nil {
		return nil, err
	}
	if !r.Status.acceptsResponses() {
		return nil, invalidState(r.Status, "recordResponses")
	}

	total := len(r.Responses)
	for k := range partial {
		if _, ok := r.Responses[k]; !ok {
			total++
		}
	}
	if total > m.opts.MaxResponseKeys {
		return nil, validation("too many response keys", map[string]any{"max": m.opts.MaxResponseKeys, "total": total})
	}

	now, err := m.store.Now(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range partial {
		r.Responses[k] = v
	}
	advanced := r.Status == StatusPending
	if advanced {
		r.Status = StatusInProgress
	}
	r.UpdatedAt = now
	doc, err := r.toDocument()
	if err != nil {
		return nil, fmt.Errorf("encode replica %s: %w", r.ID, err)
	}
	// An unchanged status is left out so a transition that lands between the
	// read and this write is not rolled back.
	if !advanced {
		delete(doc, "status")
	}
	if err := m.writer.Write(ctx, r.ID, r.PatientUID, doc); err != nil {
		return nil, err
	}
	if advanced {
		m.metrics.IncTransition(string(StatusInProgress))
	}
	return r, nil
}

func (m *Manager) validateResponses(partial map[string]any) error {
	if len(partial) == 0 {
		return validation("responses must not be empty", nil)
	}
	if len(partial) > m.opts.MaxResponseKeys {
		return validation("too many response keys", map[string]any{"max": m.opts.MaxResponseKeys, "total": len(partial)})
	}

	keys := make([]string, 0, len(partial))
	var immutable []string
	for k := range partial {
		if immutableKeys[k] {
			immutable = append(immutable, k)
		}
		keys = append(keys, k)
	}
	if len(immutable) > 0 {
		sort.Strings(immutable)
		return &Error{
			Code:    CodeImmutableField,
			Message: "fields managed by the server cannot be written",
			Details: map[string]any{"fields": immutable},
		}
	}

	sort.Strings(keys)
	for _, k := range keys {
		if !validKey(k) {
			return validation("malformed response key", map[string]any{"key": k})
		}
		if !isScalar(partial[k]) {
			return validation("response values must be scalars or null", map[string]any{"key": k})
		}
	}
	return nil
}

// validKey rejects empty, oversized and path-like keys.
func validKey(k string) bool {
	if strings.TrimSpace(k) == "" || len(k) > maxKeyLength {
		return false
	}
	for _, r := range k {
		if r == '.' || r == '/' || unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, json.Number,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// transition describes a guarded status change.
type transition struct {
	op string
	// guard checks the caller against the replica; it also runs on replays.
	guard func(r *Replica) error
	apply func(r *Replica, now time.Time) error
	// done reports that the replica already reflects this transition.
	done func(r *Replica) bool
	// after runs once per real execution, never on replays.
	after func(ctx context.Context, r *Replica)
}

// Submit moves a pending or in_progress questionnaire to submitted.
func (m *Manager) Submit(ctx context.Context, caller Caller, id, patientUID, token string) (*TransitionResult, error) {
	return m.run(ctx, caller, id, patientUID, token, transition{
		op:    OpSubmit,
		guard: func(*Replica) error { return nil },
		apply: func(r *Replica, now time.Time) error {
			if !r.Status.acceptsResponses() {
				return invalidState(r.Status, OpSubmit)
			}
			r.Status = StatusSubmitted
			r.SubmittedAt = &now
			return nil
		},
		done: func(r *Replica) bool { return r.SubmittedAt != nil },
	})
}

// Complete moves a questionnaire to completed and notifies the care team.
// By default any non-completed status may complete.
func (m *Manager) Complete(ctx context.Context, caller Caller, id, patientUID, token string) (*TransitionResult, error) {
	if !caller.IsStaff() {
		return nil, accessDenied("only practitioners may complete a questionnaire")
	}
	return m.run(ctx, caller, id, patientUID, token, transition{
		op:    OpComplete,
		guard: func(r *Replica) error { return authorizeComplete(caller, r) },
		apply: func(r *Replica, now time.Time) error {
			if r.Status == StatusCompleted {
				return invalidState(r.Status, OpComplete)
			}
			if m.opts.RequireSubmittedBeforeComplete && r.Status != StatusSubmitted {
				return invalidState(r.Status, OpComplete)
			}
			r.Status = StatusCompleted
			r.CompletedAt = &now
			return nil
		},
		done:  func(r *Replica) bool { return r.Status == StatusCompleted && r.CompletedAt != nil },
		after: m.notifyCompletion,
	})
}

func (m *Manager) run(ctx context.Context, caller Caller, id, patientUID, token string, t transition) (*TransitionResult, error) {
	if err := requireIDs(id, patientUID); err != nil {
		return nil, err
	}
	if err := authorizePatient(caller, patientUID); err != nil {
		return nil, err
	}
	if token == "" {
		r, err := m.execute(ctx, id, patientUID, t)
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Questionnaire: r}, nil
	}

	key := idempotency.Key{Operation: t.op, QuestionnaireID: id, Token: token}
	out, err := m.ledger.CheckAndReserve(ctx, key)
	if errors.Is(err, idempotency.ErrInFlight) {
		return nil, &Error{Code: CodeInvalidState, Message: "operation in progress", Details: map[string]any{"operation": t.op}}
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency ledger: %w", err)
	}
	if out.AlreadyExecuted {
		return m.replay(t, id, patientUID, out.PriorResult)
	}

	var (
		r         *Replica
		recovered bool
	)
	if out.Reclaimed {
		r, recovered, err = m.resume(ctx, id, patientUID, t)
	} else {
		r, err = m.execute(ctx, id, patientUID, t)
	}
	if err != nil {
		if rerr := m.ledger.Release(context.WithoutCancel(ctx), key); rerr != nil {
			m.logger.Warn().Err(rerr).Str("key", key.String()).Msg("release idempotency reservation")
		}
		return nil, err
	}

	snapshot, err := r.toDocument()
	if err == nil {
		err = m.ledger.RecordResult(context.WithoutCancel(ctx), key, snapshot)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("key", key.String()).Msg("record idempotency result")
	}
	if recovered {
		m.metrics.IncReplay(t.op)
	}
	return &TransitionResult{Questionnaire: r, Replayed: recovered}, nil
}

// resume handles a reservation taken over after its lease expired. If the
// earlier holder already applied the transition, the stored replica is the
// result; otherwise the transition runs now.
func (m *Manager) resume(ctx context.Context, id, patientUID string, t transition) (*Replica, bool, error) {
	r, err := m.load(ctx, id, patientUID)
	if err != nil {
		return nil, false, err
	}
	if err := t.guard(r); err != nil {
		return nil, false, err
	}
	if t.done(r) {
		m.logger.Info().
			Str("questionnaire_id", id).
			Str("operation", t.op).
			Msg("recovered result of abandoned reservation")
		return r, true, nil
	}
	r, err = m.execute(ctx, id, patientUID, t)
	return r, false, err
}

func (m *Manager) replay(t transition, id, patientUID string, prior map[string]any) (*TransitionResult, error) {
	r, err := replicaFromDocument(prior)
	if err != nil {
		return nil, fmt.Errorf("decode recorded %s result: %w", t.op, err)
	}
	if r.ID != id || r.PatientUID != patientUID {
		return nil, notFound(id)
	}
	if err := t.guard(r); err != nil {
		return nil, err
	}
	m.metrics.IncReplay(t.op)
	return &TransitionResult{Questionnaire: r, Replayed: true}, nil
}

func (m *Manager) execute(ctx context.Context, id, patientUID string, t transition) (*Replica, error) {
	r, err := m.load(ctx, id, patientUID)
	if err != nil {
		return nil, err
	}
	if err := t.guard(r); err != nil {
		return nil, err
	}
	now, err := m.store.Now(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.apply(r, now); err != nil {
		return nil, err
	}
	r.UpdatedAt = now
	if err := m.write(ctx, r); err != nil {
		return nil, err
	}
	m.metrics.IncTransition(string(r.Status))
	if t.after != nil {
		t.after(ctx, r)
	}
	return r, nil
}

func (m *Manager) notifyCompletion(ctx context.Context, r *Replica) {
	total := len(r.Questions)
	if total == 0 {
		total = len(r.Responses)
	}
	err := m.notifier.NotifyCompletion(ctx, notification.CompletionNotice{
		PatientID:       r.PatientUID,
		QuestionnaireID: r.ID,
		Title:           r.Title,
		Answered:        r.Answered(),
		Total:           total,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("questionnaire_id", r.ID).Msg("completion notice not delivered")
	}
}

func (m *Manager) write(ctx context.Context, r *Replica) error {
	doc, err := r.toDocument()
	if err != nil {
		return fmt.Errorf("encode replica %s: %w", r.ID, err)
	}
	return m.writer.Write(ctx, r.ID, r.PatientUID, doc)
}
