package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/engine/auth"
	"github.com/kgnguhan/agentic-chaser/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition from prepared on case_closed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"prepared\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the case API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" && !cfg.Auth.AllowLegacyActorHeader {
		return nil, errors.New("server: a jwt secret or the legacy actor header is required")
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Log
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

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Chaser API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerCaseActivity(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	registerFactFind(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.DevLogin)

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
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var te *domain.InvalidTransitionError
	if errors.As(err, &te) {
		details := map[string]any{"from": te.From, "event": te.Event}
		if te.Next != "" {
			details["next"] = te.Next
		}
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "case store unavailable", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "cancelled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, devLogin bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, devLogin)
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, devLogin bool) {
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{path.Join("/", basePath, "health"): true}
	if devLogin {
		open[path.Join("/", basePath, "auth/dev/login")] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Chaser API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type casePath struct {
	CaseID string `path:"case_id"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State           string `query:"state"`
		ProviderID      string `query:"provider_id"`
		ClientID        string `query:"client_id"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body caseList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListCases(ctx, repo.CaseFilter{
			State:           domain.State(input.State),
			ProviderID:      input.ProviderID,
			ClientID:        input.ClientID,
			IncludeArchived: input.IncludeArchived,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body caseList `json:"body"`
		}{Body: caseList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-case",
		Method:      http.MethodPost,
		Path:        "/cases",
		Summary:     "Open a case",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermCaseWrite)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ID:            strings.TrimSpace(input.Body.ID),
			ClientID:      input.Body.ClientID,
			ProviderID:    input.Body.ProviderID,
			ClientName:    input.Body.ClientName,
			ClientAge:     input.Body.ClientAge,
			ClientContact: input.Body.ClientContact,
			ClientChannel: domain.Channel(input.Body.ClientChannel),
			State:         domain.State(input.Body.State),
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-case-event",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/events",
		Summary:     "Apply a lifecycle event",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CaseID string           `path:"case_id"`
		Body   CaseEventRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermCaseEvent)
		if err != nil {
			return nil, handleError(err)
		}
		c, change, err := e.ApplyEvent(ctx, engine.EventOptions{
			CaseID:  input.CaseID,
			Type:    domain.EventType(input.Body.Type),
			Next:    domain.State(input.Body.Next),
			Reason:  input.Body.Reason,
			ActorID: p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Case: c, Change: change}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-insight",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/insight",
		Summary:     "Delay assessment and next action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body engine.Insight `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		in, err := e.Insight(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Insight `json:"body"`
		}{Body: in}, nil
	})
}

func registerCaseActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-case-logs",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/logs",
		Summary:     "Communication log of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body logList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.CaseLogs(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body logList `json:"body"`
		}{Body: logList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-inbound",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/inbound",
		Summary:     "Record a client or provider reply",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string         `path:"case_id"`
		Body   InboundRequest `json:"body"`
	}) (*struct {
		Body domain.LogEntry `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermCaseWrite)
		if err != nil {
			return nil, handleError(err)
		}
		entry, err := e.RecordInbound(ctx, engine.InboundOptions{
			CaseID:   input.CaseID,
			Category: domain.ActionCategory(input.Body.Category),
			Channel:  domain.Channel(input.Body.Channel),
			Text:     input.Body.Text,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LogEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-case-documents",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents",
		Summary:     "Documents submitted for a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body documentList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.CaseDocuments(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentList `json:"body"`
		}{Body: documentList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-document",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/documents",
		Summary:     "Register an uploaded document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string                  `path:"case_id"`
		Body   RegisterDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermCaseWrite)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.RegisterDocument(ctx, engine.DocumentOptions{
			ID:       strings.TrimSpace(input.Body.ID),
			CaseID:   input.CaseID,
			Type:     input.Body.Type,
			FilePath: input.Body.FilePath,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: d}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles",
		Summary:     "Run one chase cycle now",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body *RunCycleRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermCycleRun)
		if err != nil {
			return nil, handleError(err)
		}
		batch := 0
		if input.Body != nil {
			batch = input.Body.Batch
		}
		e.Log.Info("cycle requested", "actor_id", p.ActorID, "batch", batch)
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		summary, err := e.RunChaseCycle(ctx, now().UTC(), batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(summary)}, nil
	})
}

func registerFactFind(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fact-find-queue",
		Method:      http.MethodGet,
		Path:        "/fact-find/queue",
		Summary:     "Clients still owing fact-find documents",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body factFindQueue `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermCaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.FactFindQueue(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body factFindQueue `json:"body"`
		}{Body: factFindQueue{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.CaseID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
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
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, role := range input.Body.Roles {
			if !auth.KnownRole(role) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": role})
			}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
