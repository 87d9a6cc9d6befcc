package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"authmatrix/internal/domain"
	"authmatrix/internal/engine"
	"authmatrix/internal/repo"
	"authmatrix/internal/report"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Reporter report.Reporter
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"operation decide not allowed in state approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Authmatrix API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Use(sessionTouchMiddleware(basePath, cfg.Engine))
	hcfg := huma.DefaultConfig("Authmatrix API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerMatrices(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerReports(group, cfg.Reporter)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// sessionTouchMiddleware bumps activity counters for requests that carry a
// tracked session token. Tracking never fails a request.
func sessionTouchMiddleware(basePath string, e engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, basePath) {
				if token := strings.TrimSpace(req.Header.Get("X-Session-Token")); token != "" {
					e.Ledger.Touch(req.Context(), token)
				}
			}
			next.ServeHTTP(w, req)
		})
	}
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

// handleError maps the domain error taxonomy onto HTTP statuses. Raw storage
// errors never reach the client.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var nfe domain.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ae domain.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var se domain.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), map[string]any{"state": se.Current})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "invalid_state"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Authmatrix API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest `json:"body"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTenant(ctx, actor, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TenantResponse `json:"body"`
	}, error) {
		items, err := e.ListTenants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TenantResponse `json:"body"`
		}{Body: mapTenants(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{id}",
		Summary:     "Get tenant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		t, err := e.GetTenant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})
}

func registerMatrices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-matrix",
		Method:        http.MethodPost,
		Path:          "/matrices",
		Summary:       "Create approval matrix",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateMatrixRequest `json:"body"`
	}) (*struct {
		Body MatrixResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m := domain.ApprovalMatrix{
			TenantID:     input.Body.TenantID,
			Name:         input.Body.Name,
			DocumentType: input.Body.DocumentType,
			AmountMin:    input.Body.AmountMin,
			AmountMax:    input.Body.AmountMax,
			Currency:     input.Body.Currency,
		}
		for _, b := range input.Body.Blocks {
			m.Blocks = append(m.Blocks, domain.ApprovalBlock(b))
		}
		res, err := e.Registry.CreateMatrix(ctx, actor, m)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MatrixResponse `json:"body"`
		}{Body: matrixResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-matrices",
		Method:      http.MethodGet,
		Path:        "/matrices",
		Summary:     "List approval matrices",
	}, func(ctx context.Context, input *struct {
		TenantID     string `query:"tenantId"`
		DocumentType string `query:"documentType"`
		Status       string `query:"status" enum:"draft,active,inactive,"`
	}) (*struct {
		Body []MatrixResponse `json:"body"`
	}, error) {
		items, err := e.Registry.List(ctx, repo.MatrixFilters{
			TenantID:     input.TenantID,
			DocumentType: input.DocumentType,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MatrixResponse `json:"body"`
		}{Body: mapMatrices(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-matrix",
		Method:      http.MethodGet,
		Path:        "/matrices/resolve",
		Summary:     "Resolve the matrix governing a submission",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TenantID     string `query:"tenantId" required:"true"`
		DocumentType string `query:"documentType" required:"true"`
		Amount       string `query:"amount"`
	}) (*struct {
		Body MatrixResponse `json:"body"`
	}, error) {
		var amount *int64
		if input.Amount != "" {
			n, err := strconv.ParseInt(input.Amount, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be an integer in minor units", nil)
			}
			amount = &n
		}
		m, err := e.Registry.Resolve(ctx, input.TenantID, input.DocumentType, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MatrixResponse `json:"body"`
		}{Body: matrixResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-matrix",
		Method:      http.MethodGet,
		Path:        "/matrices/{id}",
		Summary:     "Get approval matrix",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MatrixResponse `json:"body"`
	}, error) {
		m, err := e.Registry.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MatrixResponse `json:"body"`
		}{Body: matrixResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-matrix",
		Method:      http.MethodPost,
		Path:        "/matrices/{id}/activate",
		Summary:     "Activate approval matrix",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MatrixResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Registry.ActivateMatrix(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MatrixResponse `json:"body"`
		}{Body: matrixResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-matrix",
		Method:      http.MethodPost,
		Path:        "/matrices/{id}/deactivate",
		Summary:     "Deactivate approval matrix",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MatrixResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Registry.DeactivateMatrix(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MatrixResponse `json:"body"`
		}{Body: matrixResponse(m)}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Create document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := domain.Document{
			TenantID: input.Body.TenantID,
			Type:     input.Body.Type,
			Title:    input.Body.Title,
			Amount:   input.Body.Amount,
			Currency: input.Body.Currency,
		}
		if len(input.Body.Payload) > 0 {
			payload := string(input.Body.Payload)
			d.PayloadJSON = &payload
		}
		res, err := e.CreateDocument(ctx, actor, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenantId"`
		Type     string `query:"type"`
		State    string `query:"state" enum:"draft,pending_approval,approved,revoked,"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		items, err := e.ListDocuments(ctx, repo.DocumentFilters{
			TenantID: input.TenantID,
			Type:     input.Type,
			State:    input.State,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		d, err := e.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-document",
		Method:      http.MethodPatch,
		Path:        "/documents/{id}",
		Summary:     "Update draft document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		update := domain.Document{
			Title:    input.Body.Title,
			Amount:   input.Body.Amount,
			Currency: input.Body.Currency,
		}
		if len(input.Body.Payload) > 0 {
			payload := string(input.Body.Payload)
			update.PayloadJSON = &payload
		}
		d, err := e.UpdateDocument(ctx, actor, input.ID, update)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-document",
		Method:      http.MethodDelete,
		Path:        "/documents/{id}",
		Summary:     "Soft-delete document",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDocument(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/restore",
		Summary:     "Restore soft-deleted document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RestoreDocument(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/submit",
		Summary:     "Submit document for approval",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.SubmitForApproval(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(wf)}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenantId"`
		EntityID string `query:"entityId"`
		Status   string `query:"status" enum:"pending,approved,declined,cancelled,"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		items, err := e.ListWorkflows(ctx, repo.WorkflowFilters{
			TenantID: input.TenantID,
			EntityID: input.EntityID,
			Status:   input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: mapWorkflows(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		wf, err := e.GetWorkflow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(wf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decide-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{id}/decisions",
		Summary:       "Record an approval decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.Decide(ctx, actor, input.ID, input.Body.Decision, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(wf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/cancel",
		Summary:     "Cancel a pending workflow",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body CancelRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.Cancel(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(wf)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-user-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks for a user",
	}, func(ctx context.Context, input *struct {
		Assignee         string `query:"assignee"`
		IncludeCompleted bool   `query:"includeCompleted"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assignee := input.Assignee
		if assignee == "" {
			assignee = actor.ID
		}
		items, err := e.Projector.UserTasks(ctx, assignee, input.IncludeCompleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create manual task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t := domain.Task{
			TenantID:    input.Body.TenantID,
			Assignee:    input.Body.Assignee,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
		}
		if input.Body.DueAt != nil {
			due := fromEpochMillis(*input.Body.DueAt)
			t.DueAt = &due
		}
		res, err := e.Projector.CreateManualTask(ctx, actor, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Projector.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete own task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Projector.CompleteTask(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit/trail",
		Summary:     "Audit trail for a record, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Table    string `query:"table" required:"true"`
		RecordID string `query:"recordId" required:"true"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		items, err := e.Ledger.Trail(ctx, input.Table, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAuditEntries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-activity",
		Method:      http.MethodGet,
		Path:        "/audit/activity",
		Summary:     "Per-action activity counts for one actor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actorId" required:"true"`
		From    int64  `query:"from" required:"true"`
		To      int64  `query:"to" required:"true"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		counts, err := e.Ledger.UserActivity(ctx, input.ActorID, fromEpochMillis(input.From), fromEpochMillis(input.To))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: ActivityResponse{
			ActorID: input.ActorID,
			From:    input.From,
			To:      input.To,
			Counts:  counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-due",
		Method:      http.MethodGet,
		Path:        "/audit/purge-due",
		Summary:     "Soft-deleted records past their retention horizon",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SoftDeleteRecord `json:"body"`
	}, error) {
		items, err := e.Ledger.PurgeDue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.SoftDeleteRecord{}
		}
		return &struct {
			Body []domain.SoftDeleteRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Track session start",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Ledger.StartSession(ctx, actor, input.Body.TenantID, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/sessions/end",
		Summary:     "Track session end",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body EndSessionRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Ledger.EndSession(ctx, actor, input.Body.Token, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-failed-login",
		Method:      http.MethodPost,
		Path:        "/sessions/failed-login",
		Summary:     "Record a failed login attempt",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body FailedLoginRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actorId is required", nil)
		}
		p, _ := principalFromContext(ctx)
		failed := domain.Actor{ID: input.Body.ActorID, IPAddress: p.IPAddress, UserAgent: p.UserAgent}
		if err := e.Ledger.RecordFailedLogin(ctx, failed, input.Body.TenantID, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flag-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{token}/flag",
		Summary:     "Flag session as suspicious",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string             `path:"token"`
		Body  FlagSessionRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.Ledger.FlagSession(ctx, input.Token, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		TenantID   string `query:"tenantId"`
		ActorID    string `query:"actorId"`
		Active     bool   `query:"active"`
		Suspicious bool   `query:"suspicious"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := e.Ledger.Sessions(ctx, repo.SessionFilters{
			TenantID:       input.TenantID,
			ActorID:        input.ActorID,
			ActiveOnly:     input.Active,
			SuspiciousOnly: input.Suspicious,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})
}

func registerReports(api huma.API, rep report.Reporter) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Generate compliance report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body GenerateReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := rep.Generate(ctx, actor, input.Body.TenantID, input.Body.Type,
			fromEpochMillis(input.Body.PeriodStart), fromEpochMillis(input.Body.PeriodEnd))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenantId"`
		Type     string `query:"type" enum:"activity,soc2,gdpr,"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		items, err := rep.List(ctx, repo.ReportFilters{TenantID: input.TenantID, Type: input.Type})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: mapReports(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		res, err := rep.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(res)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plaintext, key, err := repo.NewAPIKey(input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actorId is required", nil)
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		// The plaintext key is shown exactly once.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(stored, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actorId"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := []APIKeyResponse{}
		for _, k := range items {
			res = append(res, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
