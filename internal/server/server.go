package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"maturion/internal/domain"
	"maturion/internal/engine"
	"maturion/internal/maturity"
	"maturion/internal/policy"
	"maturion/internal/repo"
	"maturion/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"evidence: action confirm not valid from status draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Maturion API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Maturion API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIndices(group, cfg.Engine)
	registerRequirements(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerAnswers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerActors(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)
	registerDownloads(router, basePath, cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe policy.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action.String()})
	}
	var ite workflow.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"machine": ite.Machine, "from": ite.From, "action": ite.Action,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"entity": ce.Entity, "id": ce.ID, "retryable": true,
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
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
    <title>Maturion API Docs</title>
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

func registerIndices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-index",
		Method:        http.MethodPost,
		Path:          "/indices",
		Summary:       "Create index",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateIndexRequest `json:"body"`
	}) (*struct {
		Body IndexResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ix, err := e.CreateIndex(ctx, engine.IndexCreateOptions{
			Code:        input.Body.Code,
			NameAr:      input.Body.NameAr,
			NameEn:      input.Body.NameEn,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			Public:      input.Body.Public,
			StartDate:   input.Body.StartDate,
			EndDate:     input.Body.EndDate,
			OwnerID:     input.Body.OwnerID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IndexResponse `json:"body"`
		}{Body: indexResponse(ix, maturity.StatusNotStarted)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-indices",
		Method:      http.MethodGet,
		Path:        "/indices",
		Summary:     "List indices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IndexResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListIndices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		// Filter to what the actor may view.
		var visible []domain.Index
		for _, ix := range items {
			ok, err := e.Evaluate(ctx, actorID, ix.ID, policy.View)
			if err != nil {
				return nil, handleError(err)
			}
			if ok {
				visible = append(visible, ix)
			}
		}
		return &struct {
			Body []IndexResponse `json:"body"`
		}{Body: mapIndices(visible)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-index",
		Method:      http.MethodGet,
		Path:        "/indices/{index_id}",
		Summary:     "Get index with derived status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string `path:"index_id"`
	}) (*struct {
		Body IndexResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ComputeCompletion(ctx, input.IndexID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		ix, err := e.Repo.GetIndex(ctx, input.IndexID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IndexResponse `json:"body"`
		}{Body: indexResponse(ix, c.DerivedStatus)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-index",
		Method:      http.MethodPatch,
		Path:        "/indices/{index_id}",
		Summary:     "Update index",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string             `path:"index_id"`
		Body    UpdateIndexRequest `json:"body"`
	}) (*struct {
		Body IndexResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ix, err := e.UpdateIndex(ctx, engine.IndexUpdateOptions{
			IndexID:     input.IndexID,
			NameAr:      input.Body.NameAr,
			NameEn:      input.Body.NameEn,
			Description: input.Body.Description,
			Public:      input.Body.Public,
			StartDate:   input.Body.StartDate,
			EndDate:     input.Body.EndDate,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IndexResponse `json:"body"`
		}{Body: IndexResponse{Index: ix}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-index",
		Method:      http.MethodPost,
		Path:        "/indices/{index_id}/archive",
		Summary:     "Archive index",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IndexID string `path:"index_id"`
	}) (*struct {
		Body IndexResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ix, err := e.ArchiveIndex(ctx, input.IndexID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IndexResponse `json:"body"`
		}{Body: indexResponse(ix, maturity.StatusArchived)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "index-completion",
		Method:      http.MethodGet,
		Path:        "/indices/{index_id}/completion",
		Summary:     "Derived completion snapshot",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string `path:"index_id"`
	}) (*struct {
		Body domain.Completion `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ComputeCompletion(ctx, input.IndexID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Completion `json:"body"`
		}{Body: c}, nil
	})
}

func registerRequirements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-requirement",
		Method:        http.MethodPost,
		Path:          "/indices/{index_id}/requirements",
		Summary:       "Create requirement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string                   `path:"index_id"`
		Body    CreateRequirementRequest `json:"body"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rq, err := e.CreateRequirement(ctx, engine.RequirementCreateOptions{
			IndexID:      input.IndexID,
			Code:         input.Body.Code,
			QuestionAr:   input.Body.QuestionAr,
			QuestionEn:   input.Body.QuestionEn,
			MainArea:     input.Body.MainArea,
			SubDomain:    input.Body.SubDomain,
			DisplayOrder: input.Body.DisplayOrder,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: rq}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/indices/{index_id}/requirements",
		Summary:     "List requirements",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string `path:"index_id"`
	}) (*struct {
		Body []domain.Requirement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ix, err := e.Repo.GetIndex(ctx, input.IndexID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.Evaluate(ctx, actorID, ix.ID, policy.View)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(policy.ForbiddenError{Action: policy.View})
		}
		items, err := e.Repo.ListRequirements(ctx, input.IndexID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Requirement `json:"body"`
		}{Body: items}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/indices/{index_id}/members",
		Summary:       "Grant a role in an index",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string               `path:"index_id"`
		Body    SetMembershipRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SetMembership(ctx, input.IndexID, input.Body.ActorID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/indices/{index_id}/members",
		Summary:     "List index members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string `path:"index_id"`
	}) (*struct {
		Body []domain.Membership `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.Evaluate(ctx, actorID, input.IndexID, policy.View)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(policy.ForbiddenError{Action: policy.View})
		}
		items, err := e.Repo.ListMemberships(ctx, input.IndexID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Membership `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-member",
		Method:      http.MethodPatch,
		Path:        "/indices/{index_id}/members/{actor_id}",
		Summary:     "Change a member role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IndexID string                  `path:"index_id"`
		ActorID string                  `path:"actor_id"`
		Body    UpdateMembershipRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		requesterID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMembershipRole(ctx, input.IndexID, input.ActorID, input.Body.ExpectedRole, input.Body.Role, requesterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/indices/{index_id}/members/{actor_id}",
		Summary:     "Remove a member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID string `path:"index_id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		requesterID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveMembership(ctx, input.IndexID, input.ActorID, requesterID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-evidence",
		Method:        http.MethodPost,
		Path:          "/evidence",
		Summary:       "Create evidence",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateEvidenceRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.CreateEvidence(ctx, engine.EvidenceCreateOptions{
			RequirementID: input.Body.RequirementID,
			MaturityLevel: input.Body.MaturityLevel,
			DocumentName:  input.Body.DocumentName,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: EvidenceResponse{Evidence: ev}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/indices/{index_id}/evidence",
		Summary:     "List evidence in an index",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID       string `path:"index_id"`
		RequirementID string `query:"requirement_id"`
		Status        string `query:"status"`
		AssigneeID    string `query:"assignee_id"`
	}) (*struct {
		Body []domain.Evidence `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEvidence(ctx, repo.EvidenceFilters{
			IndexID:       input.IndexID,
			RequirementID: input.RequirementID,
			Status:        input.Status,
			AssigneeID:    input.AssigneeID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Evidence `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-evidence",
		Method:      http.MethodGet,
		Path:        "/evidence/{evidence_id}",
		Summary:     "Get evidence with available actions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EvidenceID string `path:"evidence_id"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Repo.GetEvidence(ctx, input.EvidenceID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.Evaluate(ctx, actorID, ev.IndexID, policy.View)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(policy.ForbiddenError{Action: policy.View})
		}
		actions, err := e.EvidenceActions(ctx, ev.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: EvidenceResponse{Evidence: ev, AvailableActions: actions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evidence-action",
		Method:      http.MethodPost,
		Path:        "/evidence/{evidence_id}/actions",
		Summary:     "Apply a workflow action",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EvidenceID string                `path:"evidence_id"`
		Body       EvidenceActionRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.TransitionEvidence(ctx, engine.EvidenceTransitionOptions{
			EvidenceID:     input.EvidenceID,
			Action:         input.Body.Action,
			ExpectedStatus: input.Body.ExpectedStatus,
			AssigneeID:     input.Body.AssigneeID,
			Comment:        input.Body.Comment,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: EvidenceResponse{Evidence: ev}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-evidence-version",
		Method:        http.MethodPost,
		Path:          "/evidence/{evidence_id}/versions",
		Summary:       "Upload a new content version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EvidenceID string `path:"evidence_id"`
		Filename   string `query:"filename"`
		Comment    string `query:"comment"`
		RawBody    []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body domain.EvidenceVersion `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if max := e.Config.MaxUploadBytes(); int64(len(input.RawBody)) > max {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("upload exceeds %d bytes", max), nil)
		}
		v, err := e.CreateVersion(ctx, engine.VersionCreateOptions{
			EvidenceID: input.EvidenceID,
			Filename:   input.Filename,
			Content:    bytes.NewReader(input.RawBody),
			Comment:    input.Comment,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EvidenceVersion `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence-versions",
		Method:      http.MethodGet,
		Path:        "/evidence/{evidence_id}/versions",
		Summary:     "List content versions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EvidenceID string `path:"evidence_id"`
	}) (*struct {
		Body []domain.EvidenceVersion `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Repo.GetEvidence(ctx, input.EvidenceID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.Evaluate(ctx, actorID, ev.IndexID, policy.View)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(policy.ForbiddenError{Action: policy.View})
		}
		items, err := e.Repo.ListEvidenceVersions(ctx, input.EvidenceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.EvidenceVersion `json:"body"`
		}{Body: items}, nil
	})
}

// registerDownloads serves stored version content directly on the router:
// huma buffers response bodies, and uploads can be large.
func registerDownloads(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "evidence/{evidence_id}/versions/{version}/download"), func(w http.ResponseWriter, req *http.Request) {
		actorID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		versionNumber := 0
		if raw := chi.URLParam(req, "version"); raw != "" && raw != "current" {
			if _, err := fmt.Sscanf(raw, "%d", &versionNumber); err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid version number", nil))
				return
			}
		}
		v, rc, err := e.OpenVersion(req.Context(), chi.URLParam(req, "evidence_id"), versionNumber, actorID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", v.Filename))
		w.Header().Set("X-Content-Sha256", v.SHA256)
		if v.FileSize > 0 {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", v.FileSize))
		}
		io.Copy(w, rc)
	})
}

func registerAnswers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-answer",
		Method:      http.MethodPut,
		Path:        "/requirements/{requirement_id}/answer",
		Summary:     "Save draft answer text",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequirementID string            `path:"requirement_id"`
		Body          SaveAnswerRequest `json:"body"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rq, err := e.SaveAnswer(ctx, input.RequirementID, input.Body.Answer, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: rq}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-action",
		Method:      http.MethodPost,
		Path:        "/requirements/{requirement_id}/answer/actions",
		Summary:     "Apply an answer workflow action",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequirementID string              `path:"requirement_id"`
		Body          AnswerActionRequest `json:"body"`
	}) (*struct {
		Body domain.Requirement `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rq, err := e.TransitionAnswer(ctx, engine.AnswerTransitionOptions{
			RequirementID:  input.RequirementID,
			Action:         input.Body.Action,
			ExpectedStatus: input.Body.ExpectedStatus,
			Comment:        input.Body.Comment,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Requirement `json:"body"`
		}{Body: rq}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Priority:      input.Body.Priority,
			IndexID:       input.Body.IndexID,
			RequirementID: input.Body.RequirementID,
			AssigneeID:    input.Body.AssigneeID,
			DueDate:       input.Body.DueDate,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		IndexID    string `query:"index_id"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			IndexID:    input.IndexID,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.TaskID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			Priority:    input.Body.Priority,
			Assign:      input.Body.AssigneeID,
			DueDate:     input.Body.DueDate,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Page the activity ledger",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IndexID    string `query:"index_id"`
		Action     string `query:"action"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.ActivityRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActivity(ctx, repo.ActivityFilters{
			IndexID:    input.IndexID,
			Action:     input.Action,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActivityRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key for the current actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rawKey := newRandomKey()
		key := domain.APIKey{
			ID:      newRandomKey()[:16],
			ActorID: actorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if err := e.Repo.EnsureActor(ctx, nil, actorID, policy.GlobalNone.String(), time.Now().UTC().Format(time.RFC3339)); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID  string `json:"id"`
				Key string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.ID = key.ID
		out.Body.Key = rawKey
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func newRandomKey() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-global-role",
		Method:      http.MethodPut,
		Path:        "/actors/{actor_id}/global-role",
		Summary:     "Grant or revoke the platform admin role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Body    struct {
			Role string `json:"role" enum:"none,admin"`
		} `json:"body"`
	}) (*struct{}, error) {
		requesterID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetGlobalRole(ctx, input.ActorID, input.Body.Role, requesterID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		role := policy.GlobalNone.String()
		if actor, err := e.Repo.GetActor(ctx, principal.ActorID); err == nil {
			role = actor.GlobalRole
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:    principal.ActorID,
			GlobalRole: role,
			Source:     principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
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
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "jwt secret not configured", nil)
		}
		now := time.Now()
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   actor,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authCfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.EnsureActor(ctx, nil, actor, policy.GlobalNone.String(), now.UTC().Format(time.RFC3339)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
