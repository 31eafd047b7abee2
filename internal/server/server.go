package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"batchline/internal/emission"
	"batchline/internal/engine"
	"batchline/internal/engine/auth"
	"batchline/internal/principal"
	"batchline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"batch b-1 is draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"reason\"}"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Batchline API.
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Log
	}

	router := chi.NewRouter()
	router.Use(limitBody(maxBodyBytes))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Batchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRegistry(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerAssessments(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevTokens {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, publicRoutes(basePath, cfg.Auth.DevTokens))

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, principal.ErrMissing):
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrImmutable):
		return newAPIError(http.StatusConflict, "immutable", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, emission.ErrEmergencyUsed):
		return newAPIError(http.StatusConflict, "emergency_used", msg, nil)
	case errors.Is(err, emission.ErrNoIssuer):
		return newAPIError(http.StatusUnprocessableEntity, "no_issuer", msg, nil)
	case emission.IsPermanent(err):
		return newAPIError(http.StatusUnprocessableEntity, "emission_failed", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"), strings.Contains(lowered, "duplicate key"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation_failed",
	http.StatusInternalServerError: "internal_error",
}

func defaultCodeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

const maxBodyBytes = 1 << 20

// limitBody caps request bodies; responses of up to a few hundred answers
// fit well below it.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	op := huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Liveness check"}
	huma.Register(api, op, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type whoAmIOutput struct {
	Body WhoAmIResponse
}

func registerMe(api huma.API) {
	op := huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Principal behind the request credentials",
		Errors:      []int{http.StatusUnauthorized},
	}
	huma.Register(api, op, func(ctx context.Context, _ *struct{}) (*whoAmIOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		source, _ := ctx.Value(sourceKey{}).(string)
		return &whoAmIOutput{Body: WhoAmIResponse{
			SubjectID: p.SubjectID,
			Role:      p.Role,
			ScopeIDs:  nonNilSlice(p.ScopeIDs),
			Source:    source,
		}}, nil
	})
}

type devTokenOutput struct {
	Body DevTokenResponse
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	op := huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "Mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest},
	}
	huma.Register(api, op, func(ctx context.Context, in *struct {
		Body DevTokenRequest
	}) (*devTokenOutput, error) {
		p := principal.Interactive{
			SubjectID: strings.TrimSpace(in.Body.SubjectID),
			Role:      in.Body.Role,
			ScopeIDs:  in.Body.ScopeIDs,
		}
		if err := principal.Validate(p); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		token, err := SignToken(authCfg, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &devTokenOutput{Body: DevTokenResponse{Token: token}}, nil
	})
}
