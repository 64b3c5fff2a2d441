package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/questionnaires/internal/config"
	"github.com/ehr/questionnaires/internal/domain/questionnaire"
	"github.com/ehr/questionnaires/internal/platform/docstore"
	"github.com/ehr/questionnaires/internal/platform/idempotency"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:             "development",
		StoreBackend:    config.StoreMemory,
		LedgerBackend:   config.LedgerDocstore,
		LedgerLease:     30 * time.Second,
		MaxResponseKeys: 500,
		DevSubject:      "prac-1",
		BodyLimit:       "1M",
		RequestTimeout:  5 * time.Second,
		CORSOrigins:     []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func serve(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "backfill": false, "migrate": false, "ledger-gc": false}
	for _, c := range rootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestBackfillCmd_Flags(t *testing.T) {
	cmd := backfillCmd()
	dry := cmd.Flags().Lookup("dry-run")
	if dry == nil || dry.DefValue != "true" {
		t.Errorf("expected --dry-run defaulting to true, got %+v", dry)
	}
	for _, name := range []string{"max-patients", "start-after"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected --%s flag", name)
		}
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	e := newServer(newTestApp(t))

	rec := serve(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	rec = serve(e, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "questionnaire_backfill_duration_seconds") {
		t.Error("expected questionnaire metrics to be exposed")
	}
}

func TestServer_SubmitFlow(t *testing.T) {
	e := newServer(newTestApp(t))

	rec := serve(e, http.MethodPost, "/api/v1/questionnaires", `{"patientUid":"p-1","templateId":"behavioral-v1"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var assigned questionnaire.Replica
	if err := json.Unmarshal(rec.Body.Bytes(), &assigned); err != nil {
		t.Fatalf("decode: %v", err)
	}

	patient := map[string]string{"X-Dev-Subject": "p-1", "X-Dev-Roles": "patient"}
	base := "/api/v1/patients/p-1/questionnaires/" + assigned.ID

	rec = serve(e, http.MethodPatch, base+"/responses", `{"responses":{"sommeil":35,"hydratation":80}}`, patient)
	if rec.Code != http.StatusOK {
		t.Fatalf("record: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	submit := map[string]string{"X-Dev-Subject": "p-1", "X-Dev-Roles": "patient", questionnaire.IdempotencyKeyHeader: "k-1"}
	rec = serve(e, http.MethodPost, base+"/submit", "", submit)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodPost, base+"/submit", "", submit)
	if rec.Header().Get(questionnaire.ReplayedHeader) != "true" {
		t.Errorf("expected replayed submit, got %d %v", rec.Code, rec.Header())
	}

	rec = serve(e, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), `questionnaire_status_transitions_total{status="submitted"} 1`) {
		t.Errorf("expected one submitted transition in metrics:\n%s", rec.Body.String())
	}
}

func TestServer_BodyLimit(t *testing.T) {
	a := newTestApp(t)
	a.cfg.BodyLimit = "16"
	e := newServer(a)

	rec := serve(e, http.MethodPatch, "/api/v1/patients/p-1/questionnaires/q-1/responses",
		`{"responses":{"a":"`+strings.Repeat("x", 64)+`"}}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestRunBackfill(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	err := a.store.Set(ctx, docstore.Ref{Collection: questionnaire.PatientCollection("p-1"), ID: "legacy-1"}, map[string]any{
		"templateId": "neurotransmitters-v1",
		"status":     "submitted",
		"responses":  map[string]any{"da-1": 2},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out bytes.Buffer
	if err := runBackfill(ctx, a, questionnaire.BackfillOptions{DryRun: true}, &out); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out.String(), "dry run") || !strings.Contains(out.String(), "created=1") {
		t.Errorf("unexpected dry run output: %q", out.String())
	}
	if _, err := a.store.Get(ctx, questionnaire.Canonical.Ref("legacy-1", "p-1")); err == nil {
		t.Fatal("dry run must not write")
	}

	out.Reset()
	if err := runBackfill(ctx, a, questionnaire.BackfillOptions{}, &out); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if !strings.Contains(out.String(), "applied") || !strings.Contains(out.String(), "processed=1") {
		t.Errorf("unexpected output: %q", out.String())
	}
	if _, err := a.store.Get(ctx, questionnaire.Canonical.Ref("legacy-1", "p-1")); err != nil {
		t.Errorf("expected canonical replica after backfill: %v", err)
	}
}

func TestRunBackfill_CappedRunPrintsCursor(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	for _, uid := range []string{"p-1", "p-2"} {
		err := a.store.Set(ctx, docstore.Ref{Collection: questionnaire.PatientCollection(uid), ID: "q-" + uid}, map[string]any{"status": "pending"})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var out bytes.Buffer
	if err := runBackfill(ctx, a, questionnaire.BackfillOptions{DryRun: true, MaxPatients: 1}, &out); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if !strings.Contains(out.String(), "1 patients left; continue with --start-after=p-1") {
		t.Errorf("expected continuation hint, got %q", out.String())
	}
}

func TestRunLedgerGC(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	ledger := a.ledger.(*idempotency.DocstoreLedger)

	key := idempotency.Key{Operation: "submit", QuestionnaireID: "q-1", Token: "t-1"}
	if _, err := ledger.CheckAndReserve(ctx, key); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.RecordResult(ctx, key, map[string]any{"status": "submitted"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	var out bytes.Buffer
	if err := runLedgerGC(ctx, a, time.Hour, &out); err != nil {
		t.Fatalf("gc: %v", err)
	}
	if !strings.Contains(out.String(), "Purged 0") {
		t.Errorf("fresh records must survive, got %q", out.String())
	}

	out.Reset()
	if err := runLedgerGC(ctx, a, -time.Hour, &out); err != nil {
		t.Fatalf("gc: %v", err)
	}
	if !strings.Contains(out.String(), "Purged 1") {
		t.Errorf("expected one purged record, got %q", out.String())
	}
}
