package questionnaire

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/questionnaires/internal/platform/auth"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "X-Idempotency-Replayed"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/questionnaires", h.Assign, auth.RequireRole(auth.RolePractitioner))

	// Ownership is enforced by the manager for patients.
	p := api.Group("/patients/:patientUid/questionnaires")
	p.GET("", h.List)
	p.GET("/:id", h.Get)
	p.GET("/:id/score", h.Score)
	p.PATCH("/:id/responses", h.RecordResponses)
	p.POST("/:id/submit", h.Submit)
	p.POST("/:id/complete", h.Complete, auth.RequireRole(auth.RolePractitioner))
}

func callerFrom(c echo.Context) Caller {
	ctx := c.Request().Context()
	return Caller{SubjectID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func (h *Handler) Assign(c echo.Context) error {
	var in AssignInput
	if err := c.Bind(&in); err != nil {
		return writeError(c, validation("invalid request body", nil))
	}
	r, err := h.mgr.Assign(c.Request().Context(), callerFrom(c), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.mgr.ListForPatient(c.Request().Context(), callerFrom(c), c.Param("patientUid"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"questionnaires": items, "total": len(items)})
}

func (h *Handler) Get(c echo.Context) error {
	r, err := h.mgr.ReadOrBackfill(c.Request().Context(), callerFrom(c), c.Param("id"), c.Param("patientUid"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Score(c echo.Context) error {
	report, err := h.mgr.Score(c.Request().Context(), callerFrom(c), c.Param("id"), c.Param("patientUid"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

type recordResponsesRequest struct {
	Responses map[string]any `json:"responses"`
}

func (h *Handler) RecordResponses(c echo.Context) error {
	var req recordResponsesRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return writeError(c, validation("invalid request body", nil))
	}
	r, err := h.mgr.RecordResponses(c.Request().Context(), callerFrom(c), c.Param("id"), c.Param("patientUid"), req.Responses)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Submit(c echo.Context) error {
	res, err := h.mgr.Submit(c.Request().Context(), callerFrom(c), c.Param("id"), c.Param("patientUid"), c.Request().Header.Get(IdempotencyKeyHeader))
	if err != nil {
		return writeError(c, err)
	}
	return writeTransition(c, res)
}

func (h *Handler) Complete(c echo.Context) error {
	res, err := h.mgr.Complete(c.Request().Context(), callerFrom(c), c.Param("id"), c.Param("patientUid"), c.Request().Header.Get(IdempotencyKeyHeader))
	if err != nil {
		return writeError(c, err)
	}
	return writeTransition(c, res)
}

func writeTransition(c echo.Context, res *TransitionResult) error {
	if res.Replayed {
		c.Response().Header().Set(ReplayedHeader, "true")
	}
	return c.JSON(http.StatusOK, res)
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeValidation, CodeImmutableField:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders domain errors as the {code, message, details} envelope
// and hands anything else to echo's error handler.
func writeError(c echo.Context, err error) error {
	if e, ok := AsError(err); ok {
		return c.JSON(StatusFor(e.Code), e)
	}
	return err
}
