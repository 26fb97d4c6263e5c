package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stitchflow/internal/engine"
	"stitchflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid card status transition ready -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stitchflow API.
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
			// Schema-level request validation errors are 400 bad_request;
			// 422 is reserved for engine-level validation failures.
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
	hcfg := huma.DefaultConfig("Stitchflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerStatistics(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps engine/repo error kinds onto the wire envelope. The four
// kinds stay distinguishable so the UI can render the right message.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"card_id": ce.CardID})
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
		return "validation_failed"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stitchflow API Docs</title>
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

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		Description:   "Creates a workflow instance and one card per active stage template, atomically.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkflowCreateOptions{
			SampleRequestID: input.Body.SampleRequestID,
			WorkflowName:    input.Body.WorkflowName,
			ActorID:         actorID,
		}
		if input.Body.WorkflowType != nil {
			opts.WorkflowType = *input.Body.WorkflowType
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		if input.Body.Assignments != nil {
			opts.Assignments = input.Body.Assignments.roleMap()
		}
		w, err := e.CreateWorkflow(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"active,completed,cancelled"`
		Priority        string `query:"priority" enum:"low,medium,high"`
		SampleRequestID string `query:"sample_request_id"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkflows `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListWorkflows(ctx, repo.WorkflowFilters{
			Status:          input.Status,
			Priority:        input.Priority,
			SampleRequestID: input.SampleRequestID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkflows{Items: []WorkflowResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapWorkflows(items)
		return &struct {
			Body paginatedWorkflows `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow with cards",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.GetWorkflowWithCards(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-cards",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/cards",
		Summary:     "List a workflow's cards in stage order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body []CardResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		cards, err := e.Repo.ListWorkflowCards(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CardResponse `json:"body"`
		}{Body: mapCards(cards)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/cancel",
		Summary:     "Cancel workflow",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CancelWorkflow(ctx, input.WorkflowID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-card-status",
		Method:      http.MethodPatch,
		Path:        "/cards/{card_id}/status",
		Summary:     "Update card status",
		Description: "Applies one validated status transition and appends an audit entry. Blocking requires a reason.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardID string                  `path:"card_id"`
		Body   UpdateCardStatusRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CardStatusOptions{
			CardID:  input.CardID,
			Status:  input.Body.Status,
			ActorID: actorID,
			Force:   input.Body.Force,
		}
		if input.Body.Reason != nil {
			opts.Reason = *input.Body.Reason
		}
		c, err := e.UpdateCardStatus(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-card",
		Method:      http.MethodPatch,
		Path:        "/cards/{card_id}/assignee",
		Summary:     "Assign card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string            `path:"card_id"`
		Body   AssignCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.AssignCard(ctx, input.CardID, input.Body.AssignedTo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card-history",
		Method:      http.MethodGet,
		Path:        "/cards/{card_id}/history",
		Summary:     "Card status history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body []HistoryEntryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCard(ctx, input.CardID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.CardHistory(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryEntryResponse `json:"body"`
		}{Body: mapHistory(entries)}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List stage templates",
	}, func(ctx context.Context, input *struct {
		WorkflowType string `query:"workflow_type"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx, input.WorkflowType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: mapTemplates(items)}, nil
	})
}

func registerStatistics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-statistics",
		Method:      http.MethodGet,
		Path:        "/statistics",
		Summary:     "Dashboard rollup",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statisticsResponse `json:"body"`
	}, error) {
		s, err := e.Statistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statisticsResponse `json:"body"`
		}{Body: statisticsResponse(s)}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
