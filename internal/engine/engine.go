// Package engine holds the business rules: job creation, the claim guard
// chain and the status transition executor. Handlers and the CLI call into
// it; it never touches HTTP.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"printlegion/internal/config"
	"printlegion/internal/domain"
	"printlegion/internal/events"
	"printlegion/internal/geo"
	"printlegion/internal/lifecycle"
	"printlegion/internal/metrics"
	"printlegion/internal/store"
)

type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Store:  store.Store{DB: db, Events: events.Writer{}},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// withClock propagates the engine clock into the store so timestamps in
// tests are deterministic.
func (e Engine) store() store.Store {
	s := e.Store
	s.Now = e.Now
	s.Events.Now = e.Now
	return s
}

type JobCreateOptions struct {
	CreatorID       string
	ItemName        string
	ItemDescription string
	PartCount       int
	Topic           string
	RefURL          string
	MainImageID     string
	MainModelID     string
}

// CreateJob validates and inserts a new job in needs_printer, and marks the
// creator as having submitted at least once.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if strings.TrimSpace(opts.ItemName) == "" {
		return domain.Job{}, fmt.Errorf("item_name is required")
	}
	if strings.TrimSpace(opts.ItemDescription) == "" {
		return domain.Job{}, fmt.Errorf("item_description is required")
	}
	if opts.PartCount == 0 {
		opts.PartCount = 1
	}
	if opts.PartCount < 0 {
		return domain.Job{}, fmt.Errorf("part_count must be positive")
	}
	if _, err := e.store().FindUser(ctx, opts.CreatorID); err != nil {
		return domain.Job{}, err
	}
	j := domain.Job{
		ID:              uuid.NewString(),
		CreatorID:       opts.CreatorID,
		Status:          lifecycle.StatusNeedsPrinter,
		ItemName:        strings.TrimSpace(opts.ItemName),
		ItemDescription: strings.TrimSpace(opts.ItemDescription),
		PartCount:       opts.PartCount,
		Topic:           opts.Topic,
		RefURL:          opts.RefURL,
	}
	if opts.MainImageID != "" {
		j.MainImageID = &opts.MainImageID
	}
	if opts.MainModelID != "" {
		j.MainModelID = &opts.MainModelID
	}
	j, err := e.store().CreateJob(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	submitted := true
	if _, err := e.store().UpdateUser(ctx, opts.CreatorID, store.UserUpdate{HasEverSubmitted: &submitted}); err != nil {
		return j, fmt.Errorf("mark creator submitted: %w", err)
	}
	metrics.JobsCreated.Inc()
	return j, nil
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return e.store().GetJob(ctx, id)
}

// Claim assigns an open job to a printer. Guards run in a fixed order so
// the caller always gets the most specific failure:
// own job, open status, location presence, distance cap, active job limit.
func (e Engine) Claim(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	s := e.store()
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.CreatorID == actorID {
		metrics.TransitionsRejected.WithLabelValues("self_claim").Inc()
		return domain.Job{}, ErrSelfClaim
	}
	if job.Status != lifecycle.StatusNeedsPrinter {
		// a cancelled job can still carry its last assigned printer, so the
		// terminal check has to come first
		if !lifecycle.IsTerminal(job.Status) && job.AssignedPrinterID != nil {
			metrics.TransitionsRejected.WithLabelValues("already_claimed").Inc()
			return domain.Job{}, ErrAlreadyClaimed
		}
		metrics.TransitionsRejected.WithLabelValues("invalid_transition").Inc()
		return domain.Job{}, InvalidTransitionError{From: job.Status, To: lifecycle.StatusClaimed}
	}
	printer, err := s.FindUser(ctx, actorID)
	if err != nil {
		return domain.Job{}, err
	}
	creator, err := s.FindUser(ctx, job.CreatorID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job creator: %w", err)
	}
	if !geo.Valid(printer.RegionCoordinates) || !geo.Valid(creator.RegionCoordinates) {
		metrics.TransitionsRejected.WithLabelValues("location_required").Inc()
		return domain.Job{}, ErrLocationRequired
	}
	dist, err := geo.DistanceBetween(printer.RegionCoordinates, creator.RegionCoordinates)
	if err != nil {
		return domain.Job{}, err
	}
	if dist > e.Config.Matching.MaxClaimDistanceKm {
		metrics.TransitionsRejected.WithLabelValues("too_far").Inc()
		return domain.Job{}, TooFarError{DistanceKm: dist, LimitKm: e.Config.Matching.MaxClaimDistanceKm}
	}
	active, err := s.CountActiveJobsForPrinter(ctx, actorID)
	if err != nil {
		return domain.Job{}, err
	}
	if active >= e.Config.Matching.ActiveJobLimit {
		metrics.TransitionsRejected.WithLabelValues("active_job_limit").Inc()
		return domain.Job{}, ErrActivePrinterLimit
	}

	job, err = s.UpdateJobStatus(ctx, store.StatusChange{
		JobID:              jobID,
		From:               lifecycle.StatusNeedsPrinter,
		To:                 lifecycle.StatusClaimed,
		ActorID:            actorID,
		SetAssignedPrinter: true,
		AssignedPrinterID:  &actorID,
		EventType:          events.TypeJobClaimed,
		Payload:            events.Payload{"distance_km": dist},
	})
	if err != nil {
		return domain.Job{}, err
	}
	metrics.Transitions.WithLabelValues(string(lifecycle.StatusNeedsPrinter), string(lifecycle.StatusClaimed)).Inc()
	metrics.ClaimDistance.Observe(dist)
	return job, nil
}

// Unclaim releases a claimed job back to the pool. Only the assigned
// printer may do it, and only while the job is still in claimed; once
// printing started the job stays with its printer.
func (e Engine) Unclaim(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	s := e.store()
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.AssignedPrinterID == nil || *job.AssignedPrinterID != actorID {
		return domain.Job{}, ErrNotAuthorized
	}
	if job.Status != lifecycle.StatusClaimed {
		return domain.Job{}, InvalidTransitionError{From: job.Status, To: lifecycle.StatusNeedsPrinter}
	}
	job, err = s.UpdateJobStatus(ctx, store.StatusChange{
		JobID:              jobID,
		From:               lifecycle.StatusClaimed,
		To:                 lifecycle.StatusNeedsPrinter,
		ActorID:            actorID,
		SetAssignedPrinter: true,
		AssignedPrinterID:  nil,
		EventType:          events.TypeJobUnclaimed,
	})
	if err != nil {
		return domain.Job{}, err
	}
	metrics.Transitions.WithLabelValues(string(lifecycle.StatusClaimed), string(lifecycle.StatusNeedsPrinter)).Inc()
	return job, nil
}

// StartPrinting moves a claimed job to printing_in_progress.
func (e Engine) StartPrinting(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	return e.transition(ctx, jobID, actorID, lifecycle.StatusPrintingInProgress, store.StatusChange{})
}

// CompletePrinting records the finished print. The filament usage is part
// of the transition, not an optional annotation; the move to
// completed_printing does not happen without it.
func (e Engine) CompletePrinting(ctx context.Context, jobID, actorID string, filamentGrams float64, notes *string) (domain.Job, error) {
	if filamentGrams < 0 {
		return domain.Job{}, ErrNegativeFilament
	}
	return e.transition(ctx, jobID, actorID, lifecycle.StatusCompletedPrinting, store.StatusChange{
		FilamentUsedGrams: &filamentGrams,
		PrintingNotes:     notes,
	})
}

// MarkFulfilled records the hand-off, optionally with notes and a photo.
func (e Engine) MarkFulfilled(ctx context.Context, jobID, actorID string, notes, photoID *string) (domain.Job, error) {
	return e.transition(ctx, jobID, actorID, lifecycle.StatusAwaitingConfirm, store.StatusChange{
		FulfilmentNotes:   notes,
		FulfilmentPhotoID: photoID,
	})
}

// ConfirmFulfillment lets the creator close the loop.
func (e Engine) ConfirmFulfillment(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	return e.transition(ctx, jobID, actorID, lifecycle.StatusFinished, store.StatusChange{})
}

// Cancel terminates a job from any non-terminal status. Creator or assigned
// printer may cancel.
func (e Engine) Cancel(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	return e.transition(ctx, jobID, actorID, lifecycle.StatusCancelled, store.StatusChange{})
}

// transition is the single executor behind every status-changing operation:
// it checks the lifecycle edge, the actor's role for that edge, then issues
// the conditional write so concurrent transitions cannot both land.
func (e Engine) transition(ctx context.Context, jobID, actorID string, to lifecycle.Status, extra store.StatusChange) (domain.Job, error) {
	s := e.store()
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !lifecycle.CanTransition(job.Status, to) {
		return domain.Job{}, InvalidTransitionError{From: job.Status, To: to}
	}
	role, ok := lifecycle.AuthorizedRole(job.Status, to)
	if !ok {
		return domain.Job{}, InvalidTransitionError{From: job.Status, To: to}
	}
	if !e.actorHasRole(job, actorID, role) {
		return domain.Job{}, ErrNotAuthorized
	}

	extra.JobID = jobID
	extra.From = job.Status
	extra.To = to
	extra.ActorID = actorID
	job, err = s.UpdateJobStatus(ctx, extra)
	if err != nil {
		return domain.Job{}, err
	}
	metrics.Transitions.WithLabelValues(string(extra.From), string(to)).Inc()
	return job, nil
}

func (e Engine) actorHasRole(job domain.Job, actorID string, role lifecycle.Role) bool {
	isCreator := job.CreatorID == actorID
	isPrinter := job.AssignedPrinterID != nil && *job.AssignedPrinterID == actorID
	switch role {
	case lifecycle.RoleCandidate:
		return !isCreator
	case lifecycle.RoleAssignedPrinter:
		return isPrinter
	case lifecycle.RoleCreator:
		return isCreator
	case lifecycle.RoleParticipant:
		return isCreator || isPrinter
	}
	return false
}

// UpdateJobDetails lets the creator edit job metadata while the job is not
// terminal.
func (e Engine) UpdateJobDetails(ctx context.Context, jobID, actorID string, u store.JobUpdate) (domain.Job, error) {
	s := e.store()
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.CreatorID != actorID {
		return domain.Job{}, ErrNotAuthorized
	}
	if lifecycle.IsTerminal(job.Status) {
		return domain.Job{}, InvalidTransitionError{From: job.Status, To: job.Status}
	}
	if u.PartCount != nil && *u.PartCount <= 0 {
		return domain.Job{}, fmt.Errorf("part_count must be positive")
	}
	return s.UpdateJob(ctx, jobID, actorID, u)
}

// UpdateSettings validates and applies profile changes for the actor.
func (e Engine) UpdateSettings(ctx context.Context, actorID string, u store.UserUpdate) (domain.User, error) {
	if u.RegionCoordinates != nil && *u.RegionCoordinates != "" {
		if _, err := geo.ParsePoint(*u.RegionCoordinates); err != nil {
			return domain.User{}, fmt.Errorf("region_coordinates: %w", err)
		}
	}
	if u.PreferredRadius != nil && *u.PreferredRadius != "" {
		if _, err := geo.ParseViewRadius(*u.PreferredRadius); err != nil {
			return domain.User{}, err
		}
	}
	return e.store().UpdateUser(ctx, actorID, u)
}

// Activity is the caller's recent footprint.
type Activity struct {
	Events       []domain.Event `json:"events"`
	ActiveJobs   int            `json:"active_jobs"`
	FinishedJobs int            `json:"finished_jobs"`
}

// RecentActivity returns the actor's events from the last hour plus live
// job counts.
func (e Engine) RecentActivity(ctx context.Context, actorID string) (Activity, error) {
	s := e.store()
	var act Activity
	evts, err := s.RecentEvents(ctx, actorID, e.now().Add(-time.Hour))
	if err != nil {
		return act, err
	}
	act.Events = evts

	asPrinter, err := s.CountActiveJobsForPrinter(ctx, actorID)
	if err != nil {
		return act, err
	}
	created, err := s.FindJobs(ctx, store.JobFilter{CreatorID: actorID})
	if err != nil {
		return act, err
	}
	act.ActiveJobs = asPrinter
	for _, j := range created {
		switch {
		case j.Status == lifecycle.StatusFinished:
			act.FinishedJobs++
		case !lifecycle.IsTerminal(j.Status):
			act.ActiveJobs++
		}
	}
	assigned, err := s.FindJobs(ctx, store.JobFilter{AssignedPrinterID: actorID, Statuses: []lifecycle.Status{lifecycle.StatusFinished}})
	if err != nil {
		return act, err
	}
	act.FinishedJobs += len(assigned)
	return act, nil
}

// NearbyPrinters counts other printer owners within 5, 25 and 50 km of the
// viewer's region. Returns nil when the viewer has no location on file.
func (e Engine) NearbyPrinters(ctx context.Context, actorID string) (*domain.NearbyPrinters, error) {
	viewer, err := e.store().FindUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	origin, err := geo.ParsePoint(viewer.RegionCoordinates)
	if err != nil {
		return nil, nil
	}
	printers, err := e.store().LocatedPrinters(ctx)
	if err != nil {
		return nil, err
	}
	counts := &domain.NearbyPrinters{}
	for _, p := range printers {
		if p.SlackID == actorID {
			continue
		}
		pt, err := geo.ParsePoint(p.RegionCoordinates)
		if err != nil {
			continue
		}
		d := geo.DistanceKm(origin, pt)
		if d <= 5 {
			counts.Within5Km++
		}
		if d <= 25 {
			counts.Within25Km++
		}
		if d <= 50 {
			counts.Within50Km++
		}
	}
	return counts, nil
}

// FindUser and EnsureUser are deliberately separate operations: reads never
// create records.
func (e Engine) FindUser(ctx context.Context, slackID string) (domain.User, error) {
	return e.store().FindUser(ctx, slackID)
}

func (e Engine) EnsureUser(ctx context.Context, slackID string) (domain.User, error) {
	return e.store().EnsureUser(ctx, slackID)
}

// ListJobs passes the filter through to the store.
func (e Engine) ListJobs(ctx context.Context, f store.JobFilter) ([]domain.Job, error) {
	return e.store().FindJobs(ctx, f)
}
