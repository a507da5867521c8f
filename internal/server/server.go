package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"sitswap/internal/domain"
	"sitswap/internal/engine"
	"sitswap/internal/engine/auth"
	"sitswap/internal/logging"
	"sitswap/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimit
	Log       logrus.FieldLogger
	Metrics   *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"request already accepted or completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the SitSwap API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.InstrumentHandler)
	}
	router.Use(requestLogger(log))
	var limiter *rateLimiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter = newRateLimiter(cfg.RateLimit, log)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine, limiter, log))
	if limiter != nil {
		router.Use(limiter.Handler)
	}
	hcfg := huma.DefaultConfig("SitSwap API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerUsers(group, cfg.Engine, cfg.Auth)
	registerDogsits(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

// handleError maps engine error kinds to HTTP statuses. Errors without a kind
// are logged and reach the client only as internal_error.
func handleError(ctx context.Context, err error) huma.StatusError {
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
	msg := err.Error()
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case engine.KindInvalidTransition:
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case engine.KindInvalidOperation:
		return newAPIError(http.StatusUnprocessableEntity, "invalid_operation", msg, nil)
	case engine.KindInsufficientFunds:
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", msg, nil)
	case engine.KindInvalidInput:
		return newAPIError(http.StatusBadRequest, "invalid_input", msg, nil)
	case engine.KindUnauthorized:
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case engine.KindInternalConsistency:
		return newAPIError(http.StatusInternalServerError, "internal_consistency", msg, nil)
	default:
		loggerFromContext(ctx).WithError(err).Error("unhandled error")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			reqLog := log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})
			next.ServeHTTP(ww, r.WithContext(withLogger(r.Context(), reqLog)))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := reqLog.WithFields(logrus.Fields{
				"status":   status,
				"duration": time.Since(start).String(),
			})
			if status >= http.StatusInternalServerError {
				entry.Error("request failed")
				return
			}
			entry.Debug("request")
		})
	}
}

type loggerKey struct{}

func withLogger(ctx context.Context, log logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

func loggerFromContext(ctx context.Context) logrus.FieldLogger {
	if log, ok := ctx.Value(loggerKey{}).(logrus.FieldLogger); ok {
		return log
	}
	return logging.Discard()
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Map()["ApiError"] = huma.SchemaFromType(oas.Components.Schemas, reflect.TypeOf(apiError{}))
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["basicAuth"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "basic",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"basicAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/login"): true,
	}
	signupPath := path.Join(basePath, "users")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] || (route == signupPath && op == item.Post) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>SitSwap API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; from POST /auth/login, or HTTP Basic.
    </p>
  </body>
</html>`, specURL)
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

func registerUsers(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register a user with the starting balance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		role := domain.Role(input.Body.Role)
		if role == domain.RoleAdmin {
			principal, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := auth.Require(principal.Role, auth.PermUsersCreate); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		u, err := e.CreateUser(ctx, engine.NewUser{
			Username:    input.Body.Username,
			Password:    input.Body.Password,
			DisplayName: input.Body.DisplayName,
			Role:        role,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange a username and password for a bearer token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		u, err := e.Authenticate(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		token, exp, err := issueToken(authCfg.JWTSecret, u, authCfg.TokenTTL, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.Format(time.RFC3339), User: userResponse(u)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		users, err := e.ListUsers(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]UserResponse, 0, len(users))
		for _, u := range users {
			out = append(out, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: out}, nil
	})

	type userPath struct {
		UserID string `path:"user_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-ledger",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/ledger",
		Summary:     "Points journal for a user, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.UserID != input.UserID {
			if err := auth.Require(principal.Role, auth.PermLedgerReadAny); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		entries, err := e.LedgerEntries(ctx, input.UserID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]LedgerEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, ledgerEntryResponse(entry))
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-dogsits",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/dogsits",
		Summary:     "Requests a user owns or has accepted",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body UserDogsitsResponse `json:"body"`
	}, error) {
		res, err := e.RequestsForUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserDogsitsResponse `json:"body"`
		}{Body: UserDogsitsResponse{
			Owned:    dogsitResponses(res.Owned, e.Policy),
			Accepted: dogsitResponses(res.Accepted, e.Policy),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-points",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/points",
		Summary:     "Add or remove points (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Points int64  `query:"points" required:"true" doc:"Signed amount to add"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.Require(principal.Role, auth.PermPointsAdjust); err != nil {
			return nil, handleError(ctx, err)
		}
		u, err := e.AdjustPoints(ctx, input.UserID, input.Points, principal.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerDogsits(api huma.API, e engine.Engine) {
	type dogsitList struct {
		Body []DogsitResponse `json:"body"`
	}
	type dogsitOne struct {
		Body DogsitResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-dogsit",
		Method:        http.MethodPost,
		Path:          "/dogsits",
		Summary:       "Post a dogsit request owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateDogsitRequest `json:"body"`
	}) (*dogsitOne, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		start, err := domain.ParseTimestamp(input.Body.StartTime)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "start_time: "+err.Error(), nil)
		}
		end, err := domain.ParseTimestamp(input.Body.EndTime)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "end_time: "+err.Error(), nil)
		}
		pet := input.Body.Pet
		r, err := e.CreateRequest(ctx, principal.UserID, engine.RequestInput{
			Description: input.Body.Description,
			Location:    input.Body.Location,
			StartTime:   start,
			EndTime:     end,
			Pet:         domain.Pet{Name: pet.Name, Breed: pet.Breed, Size: pet.Size, SpecialNeeds: pet.SpecialNeeds},
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &dogsitOne{Body: dogsitResponse(r, e.Policy)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dogsits",
		Method:      http.MethodGet,
		Path:        "/dogsits",
		Summary:     "List all dogsit requests, newest first",
	}, func(ctx context.Context, _ *struct{}) (*dogsitList, error) {
		items, err := e.AllRequests(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &dogsitList{Body: dogsitResponses(items, e.Policy)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dogsits-by-status",
		Method:      http.MethodGet,
		Path:        "/dogsits/status/{status}",
		Summary:     "List dogsit requests in a status",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `path:"status" doc:"PENDING, ACCEPTED or COMPLETED, any case"`
	}) (*dogsitList, error) {
		items, err := e.RequestsByStatus(ctx, domain.Status(input.Status))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &dogsitList{Body: dogsitResponses(items, e.Policy)}, nil
	})

	type requestPath struct {
		RequestID string `path:"request_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-dogsit",
		Method:      http.MethodGet,
		Path:        "/dogsits/{request_id}",
		Summary:     "Get dogsit request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*dogsitOne, error) {
		r, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &dogsitOne{Body: dogsitResponse(r, e.Policy)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-dogsit",
		Method:      http.MethodPut,
		Path:        "/dogsits/{request_id}/accept/{user_id}",
		Summary:     "Accept a pending request as the sitter",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		UserID    string `path:"user_id"`
	}) (*dogsitOne, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.UserID != input.UserID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "you may only accept requests as yourself", map[string]any{"user_id": input.UserID})
		}
		r, err := e.AcceptRequest(ctx, input.RequestID, input.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &dogsitOne{Body: dogsitResponse(r, e.Policy)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-dogsit",
		Method:      http.MethodPut,
		Path:        "/dogsits/{request_id}/complete",
		Summary:     "Complete an accepted request and settle points",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *requestPath) (*dogsitOne, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.CompleteRequest(ctx, input.RequestID, principal.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &dogsitOne{Body: dogsitResponse(r, e.Policy)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"user,dogsit_request"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.Require(principal.Role, auth.PermEventsRead); err != nil {
			return nil, handleError(ctx, err)
		}
		items, err := e.RecentEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserResponse: userResponse(u), Source: principal.Source}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
