// Package server exposes the HTTP API. Handlers translate between the wire
// format and the engine; all business rules live below.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"printlegion/internal/domain"
	"printlegion/internal/engine"
	"printlegion/internal/geo"
	"printlegion/internal/lifecycle"
	"printlegion/internal/stats"
	"printlegion/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Stats    *stats.Aggregator
	Geocoder *geo.Geocoder
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"too_far"`
	Message string         `json:"message" example:"printer is 31.2 km away, claim limit is 25.0 km"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Print Legion API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Print Legion API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerSearch(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerStats(group, cfg.Engine, cfg.Stats)
	registerGeo(group, cfg.Geocoder)

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

// handleError maps engine failures onto the wire error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var invalid engine.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(invalid.From),
			"to":   string(invalid.To),
		})
	}
	var tooFar engine.TooFarError
	if errors.As(err, &tooFar) {
		return newAPIError(http.StatusUnprocessableEntity, "too_far", err.Error(), map[string]any{
			"distance_km": tooFar.DistanceKm,
			"limit_km":    tooFar.LimitKm,
		})
	}
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAuthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrSelfClaim):
		return newAPIError(http.StatusUnprocessableEntity, "self_claim", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, engine.ErrLocationRequired):
		return newAPIError(http.StatusUnprocessableEntity, "location_required", err.Error(), nil)
	case errors.Is(err, engine.ErrActivePrinterLimit):
		return newAPIError(http.StatusConflict, "active_job_limit", err.Error(), nil)
	case errors.Is(err, engine.ErrNegativeFilament):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
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

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
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
		slackID := strings.TrimSpace(input.Body.SlackID)
		if slackID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "slack_id is required", nil)
		}
		// logging in is the one place a user record gets created
		if _, err := e.EnsureUser(ctx, slackID); err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, slackID, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user profile",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.FindUser(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPatch,
		Path:        "/me/settings",
		Summary:     "Update profile settings",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SettingsRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateSettings(ctx, actor, store.UserUpdate{
			HasPrinter:        input.Body.HasPrinter,
			PrinterType:       input.Body.PrinterType,
			PrinterDetails:    input.Body.PrinterDetails,
			RegionCoordinates: input.Body.RegionCoordinates,
			RegionName:        input.Body.RegionName,
			PreferredRadius:   input.Body.PreferredRadius,
			PreferredTopics:   input.Body.PreferredTopics,
			Onboarded:         input.Body.Onboarded,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

type jobBody struct {
	Body domain.Job `json:"body"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a print job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*jobBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CreateJob(ctx, engine.JobCreateOptions{
			CreatorID:       actor,
			ItemName:        input.Body.ItemName,
			ItemDescription: input.Body.ItemDescription,
			PartCount:       input.Body.PartCount,
			Topic:           input.Body.Topic,
			RefURL:          input.Body.RefURL,
			MainImageID:     input.Body.MainImageID,
			MainModelID:     input.Body.MainModelID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Fetch one job",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*jobBody, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-job",
		Method:      http.MethodPatch,
		Path:        "/jobs/{job_id}",
		Summary:     "Edit job details",
		Errors: []int{
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID string           `path:"job_id"`
		Body  UpdateJobRequest `json:"body"`
	}) (*jobBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.UpdateJobDetails(ctx, input.JobID, actor, store.JobUpdate{
			ItemName:        input.Body.ItemName,
			ItemDescription: input.Body.ItemDescription,
			PartCount:       input.Body.PartCount,
			Topic:           input.Body.Topic,
			RefURL:          input.Body.RefURL,
			MainImageID:     input.Body.MainImageID,
			MainModelID:     input.Body.MainModelID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List your jobs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Role   string `query:"role" enum:"creator,printer" default:"creator"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filter := store.JobFilter{}
		if input.Role == "printer" {
			filter.AssignedPrinterID = actor
		} else {
			filter.CreatorID = actor
		}
		if input.Status != "" {
			st, err := lifecycle.Parse(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filter.Statuses = []lifecycle.Status{st}
		}
		jobs, err := e.ListJobs(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})
}

// registerTransitions wires one POST action per lifecycle edge.
func registerTransitions(api huma.API, e engine.Engine) {
	transitionErrors := []int{
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity,
	}
	action := func(opID, pathSuffix, summary string, run func(ctx context.Context, jobID, actor string) (domain.Job, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/jobs/{job_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      transitionErrors,
		}, func(ctx context.Context, input *struct {
			JobID string `path:"job_id"`
		}) (*jobBody, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			j, err := run(ctx, input.JobID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &jobBody{Body: j}, nil
		})
	}

	action("claim-job", "claim", "Claim an open job", e.Claim)
	action("unclaim-job", "unclaim", "Release a claimed job", e.Unclaim)
	action("start-printing", "start", "Start printing", e.StartPrinting)
	action("confirm-fulfilment", "confirm", "Confirm receipt and finish the job", e.ConfirmFulfillment)
	action("cancel-job", "cancel", "Cancel the job", e.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "complete-printing",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Record the finished print",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		JobID string                  `path:"job_id"`
		Body  CompletePrintingRequest `json:"body"`
	}) (*jobBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CompletePrinting(ctx, input.JobID, actor, input.Body.FilamentUsedGrams, input.Body.PrintingNotes)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fulfil-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/fulfil",
		Summary:     "Record the hand-off to the creator",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		JobID string        `path:"job_id"`
		Body  FulfilRequest `json:"body"`
	}) (*jobBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.MarkFulfilled(ctx, input.JobID, actor, input.Body.FulfilmentNotes, input.Body.FulfilmentPhotoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobBody{Body: j}, nil
	})
}

func registerSearch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/search",
		Summary:     "Open jobs near you",
		Errors: []int{
			http.StatusBadRequest, http.StatusUnauthorized,
			http.StatusNotFound, http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Query  string `query:"q"`
		Radius string `query:"radius"`
	}) (*struct {
		Body []engine.SearchResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := e.Search(ctx, engine.SearchOptions{
			ActorID: actor,
			Query:   input.Query,
			Radius:  input.Radius,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []engine.SearchResult{}
		}
		return &struct {
			Body []engine.SearchResult `json:"body"`
		}{Body: results}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recent-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Your activity from the last hour",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Activity `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		act, err := e.RecentActivity(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if act.Events == nil {
			act.Events = []domain.Event{}
		}
		return &struct {
			Body engine.Activity `json:"body"`
		}{Body: act}, nil
	})
}

type statsBody struct {
	domain.StatsSnapshot
	NearbyPrinters *domain.NearbyPrinters `json:"nearby_printers,omitempty"`
}

func registerStats(api huma.API, e engine.Engine, agg *stats.Aggregator) {
	if agg == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "global-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Global community stats",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statsBody `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := agg.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		nearby, err := e.NearbyPrinters(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statsBody `json:"body"`
		}{Body: statsBody{StatsSnapshot: snap, NearbyPrinters: nearby}}, nil
	})
}

func registerGeo(api huma.API, g *geo.Geocoder) {
	if g == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "geo-search",
		Method:      http.MethodGet,
		Path:        "/geo/search",
		Summary:     "Look up a place name",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Query string `query:"q" required:"true"`
	}) (*struct {
		Body []domain.GeocodeResult `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Query) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "q is required", nil)
		}
		results, err := g.Search(ctx, input.Query)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []domain.GeocodeResult{}
		}
		return &struct {
			Body []domain.GeocodeResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "geo-reverse",
		Method:      http.MethodGet,
		Path:        "/geo/reverse",
		Summary:     "Resolve coordinates to a place name",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Coordinates string `query:"coordinates" example:"48.8566,2.3522" required:"true"`
	}) (*struct {
		Body domain.GeocodeResult `json:"body"`
	}, error) {
		p, err := geo.ParsePoint(input.Coordinates)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		result, err := g.Reverse(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GeocodeResult `json:"body"`
		}{Body: result}, nil
	})
}
