// Package server exposes the HTTP API: run triggering and inspection,
// proposal review and the approval endpoint. Built on huma over chi with a
// machine-readable error envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"ledgerline/internal/engine"
	"ledgerline/internal/repo"
)

// Enqueuer hands a freshly created run to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID string) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Dispatch Enqueuer
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"self_approval"`
	Message string         `json:"message" example:"approver cannot approve own proposal"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the uniform error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the API handler.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Ledgerline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Engine, cfg.Dispatch)
	registerLogs(group, cfg.Engine)
	registerObligations(group, cfg.Engine)
	registerProposals(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine sentinels onto status codes and stable machine
// codes so clients can branch without parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrIdempotencyConflict):
		return newAPIError(http.StatusConflict, "idempotency_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrSelfApproval):
		return newAPIError(http.StatusConflict, "self_approval", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateApproval):
		return newAPIError(http.StatusConflict, "duplicate_approval", err.Error(), nil)
	case errors.Is(err, engine.ErrProposalTerminal):
		return newAPIError(http.StatusConflict, "proposal_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrEvidenceAckRequired):
		return newAPIError(http.StatusUnprocessableEntity, "evidence_ack_required", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownRunType), errors.Is(err, engine.ErrInvalidTrigger), errors.Is(err, engine.ErrInvalidDecision):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
