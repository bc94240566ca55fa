// Package server exposes the HTTP API: push ingestion, goal-set
// inspection, approval operations, and the change feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"driveline/internal/config"
	"driveline/internal/domain"
	"driveline/internal/engine"
	"driveline/internal/repo"
	"driveline/internal/sign"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	AppCfg   *config.Config
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"goal set not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Driveline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Driveline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPushes(group, cfg.Engine)
	registerGoalSets(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	if cfg.AppCfg != nil {
		startWebhookDispatcher(cfg.Engine, cfg.AppCfg.Webhooks)
	}

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, sign.ErrUnsigned) || errors.Is(err, sign.ErrBadSignature) {
		return newAPIError(http.StatusUnprocessableEntity, "signature_rejected", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"),
		strings.Contains(lowered, "duplicate"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "not waiting"),
		strings.Contains(lowered, "not in an approval state"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "needs"):
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPushes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-push",
		Method:        http.MethodPost,
		Path:          "/pushes",
		Summary:       "Ingest a push and plan its goal-set",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SubmitPushRequest
	}) (*struct {
		Body SubmitPushResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		goals, err := goalsFromDefinitions(input.Body.Goals)
		if err != nil {
			return nil, handleError(err)
		}
		push := domain.Push{
			Provider: input.Body.Provider,
			Owner:    input.Body.Owner,
			Repo:     input.Body.Repo,
			Branch:   input.Body.Branch,
			SHA:      input.Body.SHA,
		}
		gs, current, err := e.PlanGoalSet(ctx, push, goals, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitPushResponse `json:"body"`
		}{Body: SubmitPushResponse{GoalSetID: gs.ID, Goals: current}}, nil
	})
}

func registerGoalSets(api huma.API, e engine.Engine) {
	type goalSetPath struct {
		GoalSetID string `path:"goal_set_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-goal-set",
		Method:      http.MethodGet,
		Path:        "/goalsets/{goal_set_id}",
		Summary:     "Goal-set with current goal states",
	}, func(ctx context.Context, input *goalSetPath) (*struct {
		Body GoalSetResponse `json:"body"`
	}, error) {
		gs, err := e.Repo.GetGoalSet(ctx, input.GoalSetID)
		if err != nil {
			return nil, handleError(err)
		}
		goals, err := e.Repo.FetchGoalsForGoalSet(ctx, gs.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalSetResponse `json:"body"`
		}{Body: GoalSetResponse{GoalSet: gs, Goals: goals}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goal-sets",
		Method:      http.MethodGet,
		Path:        "/goalsets",
		Summary:     "Most recent goal-sets",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"200"`
	}) (*struct {
		Body []domain.GoalSet `json:"body"`
	}, error) {
		sets, err := e.Repo.ListGoalSets(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GoalSet `json:"body"`
		}{Body: sets}, nil
	})
}

type GoalPath struct {
	GoalSetID   string `path:"goal_set_id"`
	Environment string `path:"environment"`
	UniqueName  string `path:"unique_name"`
}

func (p GoalPath) key() domain.GoalKey {
	return domain.GoalKey{Environment: p.Environment, UniqueName: p.UniqueName}
}

func registerApprovals(api huma.API, e engine.Engine) {
	type approvalInput struct {
		GoalPath
		Body ApprovalRequest
	}
	goalOp := func(id, pathSuffix, summary string, run func(ctx context.Context, in *approvalInput, actorID string) (domain.Goal, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/goalsets/{goal_set_id}/goals/{environment}/{unique_name}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *approvalInput) (*struct {
			Body GoalResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			g, err := run(ctx, input, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body GoalResponse `json:"body"`
			}{Body: GoalResponse{Goal: g}}, nil
		})
	}

	goalOp("approve-goal", "approve", "Approve a gated goal", func(ctx context.Context, in *approvalInput, actorID string) (domain.Goal, error) {
		return e.Approve(ctx, in.GoalSetID, in.key(), domain.Stamp{
			UserID:    actorID,
			ChannelID: in.Body.ChannelID,
		})
	})
	goalOp("veto-goal", "veto", "Veto a gated goal", func(ctx context.Context, in *approvalInput, actorID string) (domain.Goal, error) {
		return e.Veto(ctx, in.GoalSetID, in.key(), domain.Stamp{
			UserID:    actorID,
			ChannelID: in.Body.ChannelID,
			TS:        time.Now().UTC().Format(time.RFC3339),
		})
	})
	goalOp("cancel-goal", "cancel", "Cancel a goal", func(ctx context.Context, in *approvalInput, actorID string) (domain.Goal, error) {
		return e.CancelGoal(ctx, in.GoalSetID, in.key(), actorID)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Change feed, cursor-paginated",
	}, func(ctx context.Context, input *struct {
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
		GoalSetID string `query:"goal_set_id"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		events, err := e.Repo.EventsAfter(ctx, input.Limit, input.After, input.GoalSetID)
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if len(events) > 0 {
			cursor = events[len(events)-1].ID
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: events, Cursor: cursor}}, nil
	})
}
