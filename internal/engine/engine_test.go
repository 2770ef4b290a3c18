package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"printlegion/internal/config"
	"printlegion/internal/db"
	"printlegion/internal/domain"
	"printlegion/internal/engine"
	"printlegion/internal/lifecycle"
	"printlegion/internal/migrate"
	"printlegion/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// Coordinates a short hop apart in central Paris, and one in Lyon well
// beyond the default claim cap.
const (
	coordsCreator = "48.8566,2.3522"
	coordsPrinter = "48.8600,2.3600"
	coordsFar     = "45.7640,4.8357"
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) user(t *testing.T, slackID, coords string, hasPrinter bool) domain.User {
	t.Helper()
	if _, err := env.Engine.EnsureUser(env.Ctx, slackID); err != nil {
		t.Fatalf("ensure %s: %v", slackID, err)
	}
	u, err := env.Engine.UpdateSettings(env.Ctx, slackID, store.UserUpdate{
		HasPrinter:        &hasPrinter,
		RegionCoordinates: &coords,
	})
	if err != nil {
		t.Fatalf("settings %s: %v", slackID, err)
	}
	return u
}

func (env testEnv) job(t *testing.T, creator string) domain.Job {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		CreatorID:       creator,
		ItemName:        "prosthetic hand",
		ItemDescription: "PLA, size M",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func (env testEnv) claimed(t *testing.T) (domain.Job, string, string) {
	t.Helper()
	env.user(t, "creator", coordsCreator, false)
	env.user(t, "printer", coordsPrinter, true)
	j := env.job(t, "creator")
	j, err := env.Engine.Claim(env.Ctx, j.ID, "printer")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return j, "creator", "printer"
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, false)

	if _, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{CreatorID: "creator", ItemDescription: "x"}); err == nil {
		t.Fatal("missing item_name should fail")
	}
	if _, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{CreatorID: "creator", ItemName: "x"}); err == nil {
		t.Fatal("missing item_description should fail")
	}

	j := env.job(t, "creator")
	if j.Status != lifecycle.StatusNeedsPrinter {
		t.Fatalf("new job status = %s", j.Status)
	}
	if j.PartCount != 1 {
		t.Fatalf("part count should default to 1, got %d", j.PartCount)
	}
	u, err := env.Engine.FindUser(env.Ctx, "creator")
	if err != nil {
		t.Fatalf("find creator: %v", err)
	}
	if !u.HasEverSubmitted {
		t.Fatal("creator should be marked as having submitted")
	}
}

func TestClaimHappyPath(t *testing.T) {
	env := newTestEnv(t)
	j, _, printer := env.claimed(t)
	if j.Status != lifecycle.StatusClaimed {
		t.Fatalf("status = %s", j.Status)
	}
	if j.AssignedPrinterID == nil || *j.AssignedPrinterID != printer {
		t.Fatalf("printer not assigned: %+v", j)
	}
}

func TestClaimOwnJobRejected(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, true)
	j := env.job(t, "creator")
	_, err := env.Engine.Claim(env.Ctx, j.ID, "creator")
	if !errors.Is(err, engine.ErrSelfClaim) {
		t.Fatalf("expected ErrSelfClaim, got %v", err)
	}
}

func TestClaimAlreadyClaimed(t *testing.T) {
	env := newTestEnv(t)
	j, _, _ := env.claimed(t)
	env.user(t, "other", coordsPrinter, true)
	_, err := env.Engine.Claim(env.Ctx, j.ID, "other")
	if !errors.Is(err, engine.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimTerminalJobRejected(t *testing.T) {
	env := newTestEnv(t)
	j, _, printer := env.claimed(t)
	j, err := env.Engine.Cancel(env.Ctx, j.ID, printer)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// cancellation keeps the last printer on record for the event history
	if j.AssignedPrinterID == nil {
		t.Fatalf("cancelled job lost its printer: %+v", j)
	}

	env.user(t, "other", coordsPrinter, true)
	_, err = env.Engine.Claim(env.Ctx, j.ID, "other")
	var bad engine.InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if bad.From != lifecycle.StatusCancelled {
		t.Fatalf("rejected from %s, want %s", bad.From, lifecycle.StatusCancelled)
	}
}

func TestClaimRequiresLocations(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, false)
	if _, err := env.Engine.EnsureUser(env.Ctx, "printer"); err != nil {
		t.Fatalf("ensure printer: %v", err)
	}
	j := env.job(t, "creator")
	_, err := env.Engine.Claim(env.Ctx, j.ID, "printer")
	if !errors.Is(err, engine.ErrLocationRequired) {
		t.Fatalf("expected ErrLocationRequired, got %v", err)
	}
}

func TestClaimTooFar(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, false)
	env.user(t, "printer", coordsFar, true)
	j := env.job(t, "creator")
	_, err := env.Engine.Claim(env.Ctx, j.ID, "printer")
	var tooFar engine.TooFarError
	if !errors.As(err, &tooFar) {
		t.Fatalf("expected TooFarError, got %v", err)
	}
	if tooFar.LimitKm != 25 {
		t.Fatalf("limit = %f, want 25", tooFar.LimitKm)
	}
	if tooFar.DistanceKm < 300 {
		t.Fatalf("Paris-Lyon should be far, got %f", tooFar.DistanceKm)
	}
}

func TestClaimActiveJobLimit(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, false)
	env.user(t, "printer", coordsPrinter, true)
	j1 := env.job(t, "creator")
	j2 := env.job(t, "creator")
	if _, err := env.Engine.Claim(env.Ctx, j1.ID, "printer"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Engine.Claim(env.Ctx, j2.ID, "printer")
	if !errors.Is(err, engine.ErrActivePrinterLimit) {
		t.Fatalf("expected ErrActivePrinterLimit, got %v", err)
	}
}

func TestUnclaimOnlyWhileClaimed(t *testing.T) {
	env := newTestEnv(t)
	j, _, printer := env.claimed(t)

	if _, err := env.Engine.Unclaim(env.Ctx, j.ID, "creator"); !errors.Is(err, engine.ErrNotAuthorized) {
		t.Fatalf("creator unclaim should be rejected, got %v", err)
	}

	j, err := env.Engine.Unclaim(env.Ctx, j.ID, printer)
	if err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if j.Status != lifecycle.StatusNeedsPrinter || j.AssignedPrinterID != nil {
		t.Fatalf("unclaim did not reset job: %+v", j)
	}

	// once printing starts the printer is committed
	j, _, printer = env.claimed(t)
	if _, err := env.Engine.StartPrinting(env.Ctx, j.ID, printer); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = env.Engine.Unclaim(env.Ctx, j.ID, printer)
	var bad engine.InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	j, creator, printer := env.claimed(t)

	j, err := env.Engine.StartPrinting(env.Ctx, j.ID, printer)
	if err != nil || j.Status != lifecycle.StatusPrintingInProgress {
		t.Fatalf("start: %v status %s", err, j.Status)
	}
	grams := 42.5
	notes := "two reprints needed"
	j, err = env.Engine.CompletePrinting(env.Ctx, j.ID, printer, grams, &notes)
	if err != nil || j.Status != lifecycle.StatusCompletedPrinting {
		t.Fatalf("complete: %v status %s", err, j.Status)
	}
	if j.FilamentUsedGrams == nil || *j.FilamentUsedGrams != 42.5 {
		t.Fatalf("filament not recorded: %+v", j)
	}
	j, err = env.Engine.MarkFulfilled(env.Ctx, j.ID, printer, nil, nil)
	if err != nil || j.Status != lifecycle.StatusAwaitingConfirm {
		t.Fatalf("fulfil: %v status %s", err, j.Status)
	}
	j, err = env.Engine.ConfirmFulfillment(env.Ctx, j.ID, creator)
	if err != nil || j.Status != lifecycle.StatusFinished {
		t.Fatalf("confirm: %v status %s", err, j.Status)
	}
}

func TestNegativeFilamentRejected(t *testing.T) {
	env := newTestEnv(t)
	j, _, printer := env.claimed(t)
	if _, err := env.Engine.StartPrinting(env.Ctx, j.ID, printer); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := env.Engine.CompletePrinting(env.Ctx, j.ID, printer, -1, nil)
	if !errors.Is(err, engine.ErrNegativeFilament) {
		t.Fatalf("expected ErrNegativeFilament, got %v", err)
	}
	job, err := env.Engine.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != lifecycle.StatusPrintingInProgress || job.FilamentUsedGrams != nil {
		t.Fatalf("rejected completion should leave the job untouched: %+v", job)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	env := newTestEnv(t)
	j, creator, printer := env.claimed(t)

	// creator cannot drive the print stages
	if _, err := env.Engine.StartPrinting(env.Ctx, j.ID, creator); !errors.Is(err, engine.ErrNotAuthorized) {
		t.Fatalf("creator start should be rejected, got %v", err)
	}
	j, err := env.Engine.StartPrinting(env.Ctx, j.ID, printer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	j, err = env.Engine.CompletePrinting(env.Ctx, j.ID, printer, 12, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	j, err = env.Engine.MarkFulfilled(env.Ctx, j.ID, printer, nil, nil)
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	// printer cannot confirm on the creator's behalf
	if _, err := env.Engine.ConfirmFulfillment(env.Ctx, j.ID, printer); !errors.Is(err, engine.ErrNotAuthorized) {
		t.Fatalf("printer confirm should be rejected, got %v", err)
	}
	// a stranger cannot cancel
	env.user(t, "stranger", coordsPrinter, false)
	if _, err := env.Engine.Cancel(env.Ctx, j.ID, "stranger"); !errors.Is(err, engine.ErrNotAuthorized) {
		t.Fatalf("stranger cancel should be rejected, got %v", err)
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, false)
	j := env.job(t, "creator")
	j, err := env.Engine.Cancel(env.Ctx, j.ID, "creator")
	if err != nil || j.Status != lifecycle.StatusCancelled {
		t.Fatalf("cancel open job: %v status %s", err, j.Status)
	}

	j, _, printer := env.claimed(t)
	if _, err := env.Engine.StartPrinting(env.Ctx, j.ID, printer); err != nil {
		t.Fatalf("start: %v", err)
	}
	j, err = env.Engine.Cancel(env.Ctx, j.ID, printer)
	if err != nil || j.Status != lifecycle.StatusCancelled {
		t.Fatalf("printer cancel mid-print: %v status %s", err, j.Status)
	}
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "creator", coordsCreator, false)
	j := env.job(t, "creator")
	j, err := env.Engine.Cancel(env.Ctx, j.ID, "creator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var bad engine.InvalidTransitionError
	if _, err := env.Engine.Cancel(env.Ctx, j.ID, "creator"); !errors.As(err, &bad) {
		t.Fatalf("cancelling a cancelled job should fail, got %v", err)
	}
	name := "edited"
	if _, err := env.Engine.UpdateJobDetails(env.Ctx, j.ID, "creator", store.JobUpdate{ItemName: &name}); !errors.As(err, &bad) {
		t.Fatalf("editing a terminal job should fail, got %v", err)
	}
}

func TestTransitionMissingJob(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "printer", coordsPrinter, true)
	_, err := env.Engine.Claim(env.Ctx, "no-such-job", "printer")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSettingsValidation(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "u1", coordsCreator, false)

	bad := "somewhere nice"
	if _, err := env.Engine.UpdateSettings(env.Ctx, "u1", store.UserUpdate{RegionCoordinates: &bad}); err == nil {
		t.Fatal("free-text coordinates should be rejected")
	}
	badRadius := "30km_bespoke"
	if _, err := env.Engine.UpdateSettings(env.Ctx, "u1", store.UserUpdate{PreferredRadius: &badRadius}); err == nil {
		t.Fatal("unknown radius bucket should be rejected")
	}
	radius := "50km_day_trip"
	u, err := env.Engine.UpdateSettings(env.Ctx, "u1", store.UserUpdate{PreferredRadius: &radius})
	if err != nil || u.PreferredRadius != radius {
		t.Fatalf("valid radius rejected: %v %+v", err, u)
	}
}

func TestRecentActivity(t *testing.T) {
	env := newTestEnv(t)
	j, creator, printer := env.claimed(t)
	_ = j

	act, err := env.Engine.RecentActivity(env.Ctx, printer)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if act.ActiveJobs != 1 {
		t.Fatalf("printer active jobs = %d, want 1", act.ActiveJobs)
	}
	if len(act.Events) == 0 {
		t.Fatal("claim event should show up in recent activity")
	}

	act, err = env.Engine.RecentActivity(env.Ctx, creator)
	if err != nil {
		t.Fatalf("creator activity: %v", err)
	}
	if act.ActiveJobs != 1 {
		t.Fatalf("creator active jobs = %d, want 1", act.ActiveJobs)
	}
}

func TestNearbyPrinters(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "viewer", coordsCreator, true)
	env.user(t, "near", coordsPrinter, true)
	env.user(t, "mid", "49.0500,2.3500", true)
	env.user(t, "far", coordsFar, true)
	env.user(t, "no-printer", coordsPrinter, false)

	counts, err := env.Engine.NearbyPrinters(env.Ctx, "viewer")
	if err != nil {
		t.Fatalf("nearby printers: %v", err)
	}
	if counts == nil {
		t.Fatal("located viewer should get counts")
	}
	if counts.Within5Km != 1 || counts.Within25Km != 2 || counts.Within50Km != 2 {
		t.Fatalf("counts = %+v, want 1/2/2", counts)
	}
}

func TestNearbyPrintersUnlocatedViewer(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureUser(env.Ctx, "drifter"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	env.user(t, "near", coordsPrinter, true)

	counts, err := env.Engine.NearbyPrinters(env.Ctx, "drifter")
	if err != nil {
		t.Fatalf("nearby printers: %v", err)
	}
	if counts != nil {
		t.Fatalf("unlocated viewer should get nil counts, got %+v", counts)
	}
}
