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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"eleutherios/internal/domain"
	"eleutherios/internal/eleuscript"
	"eleutherios/internal/engine"
	"eleutherios/internal/engine/auth"
	"eleutherios/internal/payments"
	"eleutherios/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"capability post required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"capability\":\"post\"}"`
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

// New returns an HTTP handler exposing the Eleutherios API.
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
	hcfg := huma.DefaultConfig("Eleutherios API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPolicies(group, cfg.Engine)
	registerForums(group, cfg.Engine)
	registerParticipants(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerServices(group, cfg.Engine)
	registerExpansion(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerStream(router, basePath, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	var np auth.NotParticipantError
	if errors.As(err, &np) {
		return newAPIError(http.StatusForbidden, "not_participant", err.Error(), map[string]any{"forum_id": np.ForumID})
	}
	var pe *eleuscript.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "invalid_rule", err.Error(), map[string]any{"errors": pe.Errors})
	}
	var ve payments.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "payment_invalid", err.Error(), nil)
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": it.From, "to": it.To})
	}
	var us engine.UnknownServiceError
	if errors.As(err, &us) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_service", err.Error(), map[string]any{"service": us.Name})
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
    <title>Eleutherios API Docs</title>
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

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-policy",
		Method:        http.MethodPost,
		Path:          "/policies",
		Summary:       "Create policy",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreatePolicyRequest `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreatePolicy(ctx, engine.PolicyCreateOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Description:  desc,
			CreatedBy:    actorID,
			Stakeholders: input.Body.Stakeholders,
			Permissions:  input.Body.Permissions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, input *struct {
		ParentPolicyID string `query:"parent_policy_id"`
		ParentForumID  string `query:"parent_forum_id"`
		RootsOnly      bool   `query:"roots"`
		Limit          int    `query:"limit"`
	}) (*struct {
		Body []domain.Policy `json:"body"`
	}, error) {
		items, err := e.Repo.ListPolicies(ctx, repo.PolicyFilters{
			ParentPolicyID: input.ParentPolicyID,
			ParentForumID:  input.ParentForumID,
			RootsOnly:      input.RootsOnly,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Policy `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policies/{policy_id}",
		Summary:     "Get policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PolicyID string `path:"policy_id"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		p, err := e.Repo.GetPolicy(ctx, input.PolicyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})
}

func registerForums(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-forum",
		Method:        http.MethodPost,
		Path:          "/forums",
		Summary:       "Create forum under a policy",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateForumRequest `json:"body"`
	}) (*struct {
		Body domain.Forum `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateForum(ctx, engine.ForumCreateOptions{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			PolicyID:  input.Body.PolicyID,
			CreatedBy: actorID,
			Services:  input.Body.Services,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Forum `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-forums",
		Method:      http.MethodGet,
		Path:        "/forums",
		Summary:     "List forums",
	}, func(ctx context.Context, input *struct {
		PolicyID string `query:"policy_id"`
	}) (*struct {
		Body []domain.Forum `json:"body"`
	}, error) {
		items, err := e.Repo.ListForums(ctx, input.PolicyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Forum `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-forum",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}",
		Summary:     "Get forum",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
	}) (*struct {
		Body domain.Forum `json:"body"`
	}, error) {
		f, err := e.Repo.GetForum(ctx, input.ForumID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Forum `json:"body"`
		}{Body: f}, nil
	})
}

func registerParticipants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-participant",
		Method:        http.MethodPost,
		Path:          "/forums/{forum_id}/participants",
		Summary:       "Add forum participant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ForumID string                `path:"forum_id"`
		Body    AddParticipantRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.AddParticipant(ctx, input.ForumID, input.Body.UserID, input.Body.Role, input.Body.Permissions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}/participants",
		Summary:     "List forum participants",
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
	}) (*struct {
		Body []domain.Membership `json:"body"`
	}, error) {
		items, err := e.Repo.ListParticipants(ctx, input.ForumID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Membership `json:"body"`
		}{Body: items}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/forums/{forum_id}/messages",
		Summary:       "Post a message; rule statements are executed",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ForumID string             `path:"forum_id"`
		Body    PostMessageRequest `json:"body"`
	}) (*struct {
		Body PostMessageResponse `json:"body"`
	}, error) {
		if input.Body.Content == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.PostMessage(ctx, input.ForumID, actorID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PostMessageResponse `json:"body"`
		}{Body: postMessageResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}/messages",
		Summary:     "Forum transcript, newest first",
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
		Type    string `query:"type" enum:"chat,rule,system"`
		Limit   int    `query:"limit"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body MessagePage `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		filters := repo.MessageFilters{ForumID: input.ForumID, Type: input.Type, Limit: limit}
		if input.Cursor != "" {
			seq, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || seq <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorSeq = seq
		}
		items, err := e.Repo.ListMessages(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		page := MessagePage{Items: items}
		if len(items) == limit {
			page.NextCursor = strconv.FormatInt(items[len(items)-1].Seq, 10)
		}
		return &struct {
			Body MessagePage `json:"body"`
		}{Body: page}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-rule",
		Method:      http.MethodPost,
		Path:        "/forums/{forum_id}/rules",
		Summary:     "Execute a rule statement outside the transcript",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ForumID string             `path:"forum_id"`
		Body    ExecuteRuleRequest `json:"body"`
	}) (*struct {
		Body engine.ExecutionResult `json:"body"`
	}, error) {
		if input.Body.Rule == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "rule is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ExecuteRule(ctx, input.ForumID, actorID, input.Body.Rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecutionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerServices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}/services",
		Summary:     "Service statuses in a forum",
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
	}) (*struct {
		Body []domain.ServiceStatus `json:"body"`
	}, error) {
		items, err := e.Repo.ListServiceStatus(ctx, input.ForumID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ServiceStatus `json:"body"`
		}{Body: items}, nil
	})

	transition := func(opID, pathSuffix, summary string, run func(ctx context.Context, forumID, serviceName, actorID string) (domain.ServiceStatus, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/forums/{forum_id}/services/{service_name}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ForumID     string `path:"forum_id"`
			ServiceName string `path:"service_name"`
		}) (*struct {
			Body domain.ServiceStatus `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := run(ctx, input.ForumID, input.ServiceName, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.ServiceStatus `json:"body"`
			}{Body: s}, nil
		})
	}
	transition("complete-service", "complete", "Mark an activated service completed", e.CompleteService)
	transition("fail-service", "fail", "Mark an activated service failed", e.FailService)
}

func registerExpansion(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "expansion-history",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}/expansion",
		Summary:     "Append-only expansion history of a forum",
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
	}) (*struct {
		Body []domain.ExpansionEvent `json:"body"`
	}, error) {
		items, err := e.Repo.ListExpansionHistory(ctx, input.ForumID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExpansionEvent `json:"body"`
		}{Body: items}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payment-intents",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}/payments",
		Summary:     "Payment intents created in a forum",
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
	}) (*struct {
		Body []domain.PaymentIntent `json:"body"`
	}, error) {
		items, err := e.Repo.ListPaymentIntents(ctx, input.ForumID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PaymentIntent `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/forums/{forum_id}/events",
		Summary:     "Audit events scoped to a forum",
	}, func(ctx context.Context, input *struct {
		ForumID string `path:"forum_id"`
		Limit   int    `query:"limit"`
		Cursor  int64  `query:"cursor"`
		Type    string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.Cursor > 0 {
			items, err = e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ForumID, input.Type, "", "")
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.ForumID, input.Type, "", "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plaintext := "ek_" + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(plaintext),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(stored, plaintext)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete an API key",
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

