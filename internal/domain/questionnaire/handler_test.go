package questionnaire

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/questionnaires/internal/platform/auth"
)

func newTestServer(t *testing.T) (*fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t, Options{})
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware("prac-1", []string{auth.RolePractitioner}))
	NewHandler(f.mgr).RegisterRoutes(api)
	return f, e
}

type requestOpt func(*http.Request)

func as(subject, roles string) requestOpt {
	return func(r *http.Request) {
		r.Header.Set("X-Dev-Subject", subject)
		r.Header.Set("X-Dev-Roles", roles)
	}
}

func withKey(key string) requestOpt {
	return func(r *http.Request) { r.Header.Set(IdempotencyKeyHeader, key) }
}

func do(e *echo.Echo, method, path, body string, opts ...requestOpt) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var body Error
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_Lifecycle(t *testing.T) {
	_, e := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/questionnaires", `{"patientUid":"p-1","templateId":"life-spheres-v1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var assigned Replica
	json.Unmarshal(rec.Body.Bytes(), &assigned)
	if assigned.ID != "q-1" || assigned.Status != StatusPending {
		t.Fatalf("unexpected replica: %+v", assigned)
	}

	base := "/api/v1/patients/p-1/questionnaires/q-1"
	patientOpt := as("p-1", auth.RolePatient)

	rec = do(e, http.MethodPatch, base+"/responses", `{"responses":{"activite-1":3,"sante-2":1}}`, patientOpt)
	if rec.Code != http.StatusOK {
		t.Fatalf("record: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, base+"/submit", "", patientOpt, withKey("submit-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(ReplayedHeader) != "" {
		t.Error("first submit must not be marked as replayed")
	}

	rec = do(e, http.MethodPost, base+"/submit", "", patientOpt, withKey("submit-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(ReplayedHeader) != "true" {
		t.Errorf("expected %s=true, got %q", ReplayedHeader, rec.Header().Get(ReplayedHeader))
	}
	var res TransitionResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Replayed || res.Questionnaire == nil || res.Questionnaire.Status != StatusSubmitted {
		t.Errorf("unexpected replay body: %s", rec.Body.String())
	}

	rec = do(e, http.MethodPost, base+"/submit", "", patientOpt)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second submit: expected 409, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeInvalidState {
		t.Errorf("expected code %s, got %s", CodeInvalidState, body.Code)
	}

	rec = do(e, http.MethodPost, base+"/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, base+"/score", "", patientOpt)
	if rec.Code != http.StatusOK {
		t.Fatalf("score: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report map[string]any
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report["questionnaireType"] != "life-spheres" {
		t.Errorf("unexpected score report: %s", rec.Body.String())
	}
}

func TestHandler_List(t *testing.T) {
	f, e := newTestServer(t)
	f.seed(t, pendingReplica("q-1"), Canonical, PerPatient)
	f.seed(t, pendingReplica("q-2"), Canonical, PerPatient)

	rec := do(e, http.MethodGet, "/api/v1/patients/p-1/questionnaires", "", as("p-1", auth.RolePatient))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Questionnaires []Replica `json:"questionnaires"`
		Total          int       `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Questionnaires) != 2 {
		t.Errorf("expected 2 questionnaires, got %s", rec.Body.String())
	}
}

func TestHandler_OtherPatientDenied(t *testing.T) {
	f, e := newTestServer(t)
	f.seed(t, pendingReplica("q-1"), Canonical, PerPatient)

	rec := do(e, http.MethodGet, "/api/v1/patients/p-1/questionnaires/q-1", "", as("p-2", auth.RolePatient))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeAccessDenied {
		t.Errorf("expected code %s, got %s", CodeAccessDenied, body.Code)
	}
}

func TestHandler_PatientCannotComplete(t *testing.T) {
	f, e := newTestServer(t)
	f.seed(t, pendingReplica("q-1"), Canonical, PerPatient)

	rec := do(e, http.MethodPost, "/api/v1/patients/p-1/questionnaires/q-1/complete", "", as("p-1", auth.RolePatient))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := f.read(t, Canonical, "q-1", "p-1").Status; got != StatusPending {
		t.Errorf("status changed to %s", got)
	}
}

func TestHandler_NotFound(t *testing.T) {
	_, e := newTestServer(t)

	rec := do(e, http.MethodGet, "/api/v1/patients/p-1/questionnaires/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeNotFound {
		t.Errorf("expected code %s, got %s", CodeNotFound, body.Code)
	}
}

func TestHandler_RecordResponsesValidation(t *testing.T) {
	f, e := newTestServer(t)
	f.seed(t, pendingReplica("q-1"), Canonical, PerPatient)
	path := "/api/v1/patients/p-1/questionnaires/q-1/responses"

	tests := []struct {
		name string
		body string
		code Code
	}{
		{"malformed body", `{"responses":`, CodeValidation},
		{"nested value", `{"responses":{"a-1":{"x":1}}}`, CodeValidation},
		{"immutable key", `{"responses":{"status":"completed"}}`, CodeImmutableField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPatch, path, tt.body, as("p-1", auth.RolePatient))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, body.Code)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:       http.StatusNotFound,
		CodeInvalidState:   http.StatusConflict,
		CodeAccessDenied:   http.StatusForbidden,
		CodeValidation:     http.StatusBadRequest,
		CodeImmutableField: http.StatusBadRequest,
		Code("other"):      http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
