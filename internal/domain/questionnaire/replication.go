package questionnaire

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/questionnaires/internal/platform/docstore"
	"github.com/ehr/questionnaires/internal/platform/metrics"
)

const (
	CanonicalCollection = "questionnaires"
	patientsCollection  = "patients"
)

// Sink is one physical location of a replica.
type Sink interface {
	Name() string
	Ref(id, patientUID string) docstore.Ref
}

type canonicalSink struct{}

func (canonicalSink) Name() string { return "canonical" }

func (canonicalSink) Ref(id, _ string) docstore.Ref {
	return docstore.Ref{Collection: CanonicalCollection, ID: id}
}

type patientSink struct{}

func (patientSink) Name() string { return "patient" }

func (patientSink) Ref(id, patientUID string) docstore.Ref {
	return docstore.Ref{Collection: PatientCollection(patientUID), ID: id}
}

// PatientCollection is the per-patient collection path for a patient.
func PatientCollection(patientUID string) string {
	return patientsCollection + "/" + patientUID + "/" + CanonicalCollection
}

var (
	Canonical  Sink = canonicalSink{}
	PerPatient Sink = patientSink{}
)

// DefaultSinks is canonical first, then per-patient.
func DefaultSinks() []Sink { return []Sink{Canonical, PerPatient} }

// Replicator is the single write path for replicas. Every write fans the full
// document out to all sinks concurrently; only the first sink's failure is
// returned.
type Replicator struct {
	store   docstore.Store
	sinks   []Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewReplicator(store docstore.Store, sinks []Sink, logger zerolog.Logger, m *metrics.Metrics) *Replicator {
	return &Replicator{store: store, sinks: sinks, logger: logger, metrics: m}
}

// Write merges doc into every sink. Merge keeps concurrent writers from
// dropping each other's response keys.
func (r *Replicator) Write(ctx context.Context, id, patientUID string, doc map[string]any) error {
	warnings := make([]error, len(r.sinks))
	var g errgroup.Group
	for i, sink := range r.sinks {
		ref := sink.Ref(id, patientUID)
		g.Go(func() error {
			err := r.store.Merge(ctx, ref, doc)
			if err == nil {
				return nil
			}
			if i == 0 {
				return fmt.Errorf("write %s replica %s: %w", sink.Name(), ref, err)
			}
			warnings[i] = &PartialReplicationWarning{Sink: sink.Name(), Ref: ref, Err: err}
			return nil
		})
	}
	err := g.Wait()
	for i, w := range warnings {
		if w == nil {
			continue
		}
		r.metrics.IncPartialReplication(r.sinks[i].Name())
		r.logger.Warn().Err(w).
			Str("questionnaire_id", id).
			Str("patient_uid", patientUID).
			Str("sink", r.sinks[i].Name()).
			Msg("partial replication")
	}
	return err
}
