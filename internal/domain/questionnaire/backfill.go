package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/questionnaires/internal/platform/docstore"
	"github.com/ehr/questionnaires/internal/platform/metrics"
)

// errForeignOwner marks a per-patient replica whose id is taken by another
// patient's canonical replica.
var errForeignOwner = errors.New("questionnaire id owned by another patient")

type BackfillOptions struct {
	// DryRun reports what would change without writing.
	DryRun bool
	// MaxPatients caps how many patients one run processes; 0 means all.
	MaxPatients int
	// StartAfter skips patients up to and including this uid. Feeding a
	// capped run's LastPatient back in continues where it stopped.
	StartAfter string
}

// BackfillReport counts patients processed and documents written.
type BackfillReport struct {
	DryRun      bool     `json:"dryRun"`
	Processed   int      `json:"processed"`
	Created     int      `json:"created"`
	Merged      int      `json:"merged"`
	Repaired    int      `json:"repaired"`
	Errors      []string `json:"errors"`
	LastPatient string   `json:"lastPatient,omitempty"`
	// Remaining is the number of patients the cap left for a later run.
	Remaining int `json:"remaining"`
}

// Reconciler converges per-patient and canonical replicas. Canonical values
// win; canonical only gains fields it is missing.
type Reconciler struct {
	store   docstore.Store
	catalog TemplateCatalog
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewReconciler(store docstore.Store, catalog TemplateCatalog, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, catalog: catalog, logger: logger}
}

func (r *Reconciler) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Run reconciles patients in sorted order. Cancellation is checked between
// patients; the partial report is returned alongside ctx's error.
func (r *Reconciler) Run(ctx context.Context, opts BackfillOptions) (*BackfillReport, error) {
	start := time.Now()
	report := &BackfillReport{DryRun: opts.DryRun, Errors: []string{}}

	patients, err := r.patients(ctx)
	if err != nil {
		return report, err
	}
	if opts.StartAfter != "" {
		i := sort.Search(len(patients), func(i int) bool { return patients[i] > opts.StartAfter })
		patients = patients[i:]
	}
	if opts.MaxPatients > 0 && len(patients) > opts.MaxPatients {
		report.Remaining = len(patients) - opts.MaxPatients
		patients = patients[:opts.MaxPatients]
	}

	for _, uid := range patients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.reconcilePatient(ctx, uid, opts.DryRun, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("patient %s: %v", uid, err))
		}
		report.Processed++
		report.LastPatient = uid
	}

	if !opts.DryRun {
		r.metrics.AddBackfillWrites("created", report.Created)
		r.metrics.AddBackfillWrites("merged", report.Merged)
		r.metrics.AddBackfillWrites("repaired", report.Repaired)
	}
	r.metrics.ObserveBackfill(time.Since(start))
	r.logger.Info().
		Bool("dry_run", opts.DryRun).
		Int("processed", report.Processed).
		Int("created", report.Created).
		Int("merged", report.Merged).
		Int("repaired", report.Repaired).
		Int("errors", len(report.Errors)).
		Str("last_patient", report.LastPatient).
		Int("remaining", report.Remaining).
		Msg("backfill finished")
	return report, nil
}

// patients is the sorted union of patients owning a per-patient collection
// and patients referenced by canonical replicas.
func (r *Reconciler) patients(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	parents, err := r.store.ListParents(ctx, CanonicalCollection)
	if err != nil {
		return nil, fmt.Errorf("list patient collections: %w", err)
	}
	for _, p := range parents {
		if uid, ok := strings.CutPrefix(p, patientsCollection+"/"); ok && uid != "" {
			seen[uid] = true
		}
	}

	docs, err := r.store.Query(ctx, docstore.Query{Collection: CanonicalCollection})
	if err != nil {
		return nil, fmt.Errorf("list canonical replicas: %w", err)
	}
	for _, d := range docs {
		if uid, _ := d.Data["patientUid"].(string); uid != "" {
			seen[uid] = true
		}
	}

	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Reconciler) reconcilePatient(ctx context.Context, uid string, dryRun bool, report *BackfillReport) error {
	perPatient, err := r.byID(ctx, docstore.Query{Collection: PatientCollection(uid)})
	if err != nil {
		return err
	}
	canonical, err := r.byID(ctx, docstore.Query{
		Collection: CanonicalCollection,
		Where:      []docstore.Filter{{Field: "patientUid", Value: uid}},
	})
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(perPatient)+len(canonical))
	for id := range perPatient {
		ids = append(ids, id)
	}
	for id := range canonical {
		if _, ok := perPatient[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := r.reconcileOne(ctx, uid, id, perPatient[id], canonical[id], dryRun, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("questionnaire %s/%s: %v", uid, id, err))
			r.logger.Warn().Err(err).Str("patient_uid", uid).Str("questionnaire_id", id).Msg("backfill failed")
		}
	}
	return nil
}

func (r *Reconciler) byID(ctx context.Context, q docstore.Query) (map[string]map[string]any, error) {
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	out := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		out[d.Ref.ID] = d.Data
	}
	return out, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, uid, id string, perPatient, canonical map[string]any, dryRun bool, report *BackfillReport) error {
	canonicalRef := Canonical.Ref(id, uid)

	if canonical == nil {
		// The canonical query only sees this patient's replicas; the id may
		// still be taken by someone else's.
		existing, err := r.store.Get(ctx, canonicalRef)
		switch {
		case err == nil:
			if owner, _ := existing.Data["patientUid"].(string); owner != uid {
				return errForeignOwner
			}
			canonical = existing.Data
		case !errors.Is(err, docstore.ErrNotFound):
			return fmt.Errorf("read canonical: %w", err)
		}
	}

	if canonical == nil {
		doc := docstore.Clone(perPatient)
		doc["id"] = id
		doc["patientUid"] = uid
		r.fillFromCatalog(doc, doc)
		if !dryRun {
			err := r.store.Create(ctx, canonicalRef, doc)
			if errors.Is(err, docstore.ErrAlreadyExists) {
				// Created concurrently: reconcile against what is there now.
				return r.reconcileOne(ctx, uid, id, perPatient, nil, dryRun, report)
			}
			if err != nil {
				return fmt.Errorf("create canonical: %w", err)
			}
		}
		report.Created++
		canonical = doc
	} else if perPatient != nil {
		patch := missingFields(canonical, perPatient)
		r.fillFromCatalog(patch, docstore.DeepMerge(docstore.Clone(canonical), patch))
		if len(patch) > 0 {
			if !dryRun {
				if err := r.store.Merge(ctx, canonicalRef, patch); err != nil {
					return fmt.Errorf("merge canonical: %w", err)
				}
			}
			report.Merged++
			canonical = docstore.DeepMerge(docstore.Clone(canonical), patch)
		}
	}

	repair := divergentFields(canonical, perPatient)
	if len(repair) == 0 {
		return nil
	}
	if !dryRun {
		if err := r.store.Merge(ctx, PerPatient.Ref(id, uid), repair); err != nil {
			return fmt.Errorf("repair patient replica: %w", err)
		}
	}
	report.Repaired++
	return nil
}

// fillFromCatalog adds template-derived fields to dst for any that view is
// missing.
func (r *Reconciler) fillFromCatalog(dst, view map[string]any) {
	templateID, _ := view["templateId"].(string)
	if templateID == "" || r.catalog == nil {
		return
	}
	tpl, ok := r.catalog.Template(templateID)
	if !ok {
		return
	}
	if isEmpty(view["title"]) && tpl.Title != "" {
		dst["title"] = tpl.Title
	}
	if isEmpty(view["category"]) && tpl.Category != "" {
		dst["category"] = tpl.Category
	}
	if isEmpty(view["questions"]) && len(tpl.Questions) > 0 {
		qs := make([]any, 0, len(tpl.Questions))
		for _, q := range tpl.Questions {
			m := map[string]any{"id": q.ID, "text": q.Text, "type": q.Type, "required": q.Required}
			if q.Axis != "" {
				m["axis"] = q.Axis
			}
			qs = append(qs, m)
		}
		dst["questions"] = qs
	}
}

// missingFields returns the per-patient values canonical lacks. Top-level
// fields are copied only when canonical has no value; response keys are
// copied when canonical has no such key.
func missingFields(canonical, perPatient map[string]any) map[string]any {
	patch := map[string]any{}
	for k, v := range perPatient {
		if k == "responses" {
			continue
		}
		if isEmpty(canonical[k]) && !isEmpty(v) {
			patch[k] = v
		}
	}

	src, _ := perPatient["responses"].(map[string]any)
	dst, _ := canonical["responses"].(map[string]any)
	missing := map[string]any{}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			missing[k] = v
		}
	}
	if len(missing) > 0 {
		patch["responses"] = missing
	}
	return patch
}

// divergentFields returns the canonical values the per-patient replica does
// not already hold.
func divergentFields(canonical, perPatient map[string]any) map[string]any {
	patch := map[string]any{}
	for k, v := range canonical {
		if k == "responses" {
			continue
		}
		if pv, ok := perPatient[k]; !ok || !reflect.DeepEqual(pv, v) {
			patch[k] = v
		}
	}

	src, _ := canonical["responses"].(map[string]any)
	dst, _ := perPatient["responses"].(map[string]any)
	diff := map[string]any{}
	for k, v := range src {
		if dv, ok := dst[k]; !ok || !reflect.DeepEqual(dv, v) {
			diff[k] = v
		}
	}
	if len(diff) > 0 {
		patch["responses"] = diff
	} else if _, ok := perPatient["responses"]; !ok && src != nil {
		patch["responses"] = map[string]any{}
	}
	return patch
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
