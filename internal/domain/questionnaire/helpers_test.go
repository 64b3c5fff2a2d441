package questionnaire

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/questionnaires/internal/platform/auth"
	"github.com/ehr/questionnaires/internal/platform/docstore"
	"github.com/ehr/questionnaires/internal/platform/idempotency"
	"github.com/ehr/questionnaires/internal/platform/metrics"
	"github.com/ehr/questionnaires/internal/platform/notification"
)

var errStoreDown = errors.New("store unavailable")

var (
	patient      = Caller{SubjectID: "p-1", Roles: []string{auth.RolePatient}}
	otherPatient = Caller{SubjectID: "p-2", Roles: []string{auth.RolePatient}}
	practitioner = Caller{SubjectID: "prac-1", Roles: []string{auth.RolePractitioner}}
	otherPrac    = Caller{SubjectID: "prac-2", Roles: []string{auth.RolePractitioner}}
	admin        = Caller{SubjectID: "admin-1", Roles: []string{auth.RoleAdmin}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore fails writes whose collection starts with a configured prefix;
// beforeMerge, when set, runs ahead of every Merge.
type faultyStore struct {
	*docstore.MemoryStore
	mu          sync.Mutex
	failures    map[string]error
	beforeMerge func(ref docstore.Ref)
}

func (s *faultyStore) failOn(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = map[string]error{}
	}
	if err == nil {
		delete(s.failures, prefix)
		return
	}
	s.failures[prefix] = err
}

func (s *faultyStore) fault(ref docstore.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, err := range s.failures {
		if strings.HasPrefix(ref.Collection, prefix) {
			return err
		}
	}
	return nil
}

func (s *faultyStore) Merge(ctx context.Context, ref docstore.Ref, data map[string]any) error {
	if err := s.fault(ref); err != nil {
		return err
	}
	if s.beforeMerge != nil {
		s.beforeMerge(ref)
	}
	return s.MemoryStore.Merge(ctx, ref, data)
}

func (s *faultyStore) Create(ctx context.Context, ref docstore.Ref, data map[string]any) error {
	if err := s.fault(ref); err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, ref, data)
}

type fixture struct {
	store    *faultyStore
	clock    *testClock
	ledger   *idempotency.DocstoreLedger
	notifier *notification.MockNotifier
	metrics  *metrics.Metrics
	mgr      *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := newTestClock()
	store := &faultyStore{MemoryStore: docstore.NewMemoryStore()}
	store.SetNowFunc(clock.Now)

	ledger := idempotency.NewDocstoreLedger(store)
	ledger.SetPolling(2, time.Millisecond)

	f := &fixture{
		store:    store,
		clock:    clock,
		ledger:   ledger,
		notifier: &notification.MockNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.mgr = NewManager(store, ledger, DefaultCatalog(), zerolog.Nop(), opts)
	f.mgr.SetNotifier(f.notifier)
	f.mgr.SetMetrics(f.metrics)

	ids := 0
	f.mgr.newID = func() string {
		ids++
		return "q-" + strconv.Itoa(ids)
	}
	return f
}

// seed writes a replica straight into the given sinks.
func (f *fixture) seed(t *testing.T, r *Replica, sinks ...Sink) {
	t.Helper()
	doc, err := r.toDocument()
	require.NoError(t, err)
	for _, s := range sinks {
		require.NoError(t, f.store.MemoryStore.Set(context.Background(), s.Ref(r.ID, r.PatientUID), doc))
	}
}

func (f *fixture) read(t *testing.T, sink Sink, id, patientUID string) *Replica {
	t.Helper()
	doc, err := f.store.Get(context.Background(), sink.Ref(id, patientUID))
	require.NoError(t, err)
	r, err := replicaFromDocument(doc.Data)
	require.NoError(t, err)
	return r
}

func (f *fixture) exists(sink Sink, id, patientUID string) bool {
	_, err := f.store.Get(context.Background(), sink.Ref(id, patientUID))
	return err == nil
}

func pendingReplica(id string) *Replica {
	assigned := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &Replica{
		ID:             id,
		PatientUID:     "p-1",
		PractitionerID: "prac-1",
		TemplateID:     "life-spheres-v1",
		Title:          "Life spheres",
		Category:       "life-spheres",
		Status:         StatusPending,
		AssignedAt:     assigned,
		UpdatedAt:      assigned,
		Responses:      map[string]any{},
		Questions: []QuestionSpec{
			{ID: "a-1", Text: "first", Type: "likert", Required: true},
			{ID: "a-2", Text: "second", Type: "likert", Required: true},
			{ID: "a-3", Text: "third", Type: "likert", Required: true},
		},
	}
}

func requireCode(t *testing.T, err error, sentinel *Error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel, "got %v", err)
}

// recordFailingLedger fails the first n RecordResult calls.
type recordFailingLedger struct {
	idempotency.Ledger
	mu       sync.Mutex
	failures int
}

func (l *recordFailingLedger) RecordResult(ctx context.Context, key idempotency.Key, result map[string]any) error {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return errStoreDown
	}
	l.mu.Unlock()
	return l.Ledger.RecordResult(ctx, key, result)
}
