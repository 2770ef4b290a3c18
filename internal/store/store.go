// Package store is the SQLite persistence layer. All job mutations go
// through a transaction that also appends the matching audit event.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"printlegion/internal/domain"
	"printlegion/internal/events"
	"printlegion/internal/lifecycle"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional status write lost the race: the job
	// exists but its status no longer matches the expected value.
	ErrConflict = errors.New("status conflict")
)

type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

const jobColumns = `id,creator_id,assigned_printer_id,status,item_name,item_description,part_count,topic,ref_url,filament_used_grams,printing_notes,fulfilment_notes,fulfilment_photo_id,main_image_id,main_model_id,created_at,updated_at`

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row jobScanner) (domain.Job, error) {
	var (
		j        domain.Job
		printer  sql.NullString
		filament sql.NullFloat64
		pNotes   sql.NullString
		fNotes   sql.NullString
		fPhoto   sql.NullString
		image    sql.NullString
		model    sql.NullString
		status   string
	)
	err := row.Scan(&j.ID, &j.CreatorID, &printer, &status, &j.ItemName, &j.ItemDescription,
		&j.PartCount, &j.Topic, &j.RefURL, &filament, &pNotes, &fNotes, &fPhoto, &image, &model,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Status = lifecycle.Status(status)
	if printer.Valid {
		j.AssignedPrinterID = &printer.String
	}
	if filament.Valid {
		j.FilamentUsedGrams = &filament.Float64
	}
	if pNotes.Valid {
		j.PrintingNotes = &pNotes.String
	}
	if fNotes.Valid {
		j.FulfilmentNotes = &fNotes.String
	}
	if fPhoto.Valid {
		j.FulfilmentPhotoID = &fPhoto.String
	}
	if image.Valid {
		j.MainImageID = &image.String
	}
	if model.Valid {
		j.MainModelID = &model.String
	}
	return j, nil
}

// CreateJob inserts the job and its creation event atomically.
func (s Store) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	now := s.now()
	j.CreatedAt = now
	j.UpdatedAt = now
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.CreatorID, nullableStr(j.AssignedPrinterID), string(j.Status), j.ItemName, j.ItemDescription,
		j.PartCount, j.Topic, j.RefURL, nullableFloat(j.FilamentUsedGrams), nullableStr(j.PrintingNotes),
		nullableStr(j.FulfilmentNotes), nullableStr(j.FulfilmentPhotoID), nullableStr(j.MainImageID),
		nullableStr(j.MainModelID), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	err = s.Events.Append(ctx, tx, events.TypeJobCreated, j.ID, j.CreatorID, events.Payload{
		"item_name":  j.ItemName,
		"part_count": j.PartCount,
	})
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (s Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// JobFilter narrows FindJobs. Zero fields are ignored.
type JobFilter struct {
	Statuses          []lifecycle.Status
	CreatorID         string
	AssignedPrinterID string
	ExcludeCreatorID  string
	Limit             int
}

func (s Store) FindJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.AssignedPrinterID != "" {
		clauses = append(clauses, "assigned_printer_id=?")
		args = append(args, f.AssignedPrinterID)
	}
	if f.ExcludeCreatorID != "" {
		clauses = append(clauses, "creator_id<>?")
		args = append(args, f.ExcludeCreatorID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// CountActiveJobsForPrinter counts jobs the printer currently holds in a
// non-terminal assigned status.
func (s Store) CountActiveJobsForPrinter(ctx context.Context, printerID string) (int, error) {
	active := lifecycle.Active()
	ph := make([]string, len(active))
	args := []any{printerID}
	for i, st := range active {
		ph[i] = "?"
		args = append(args, string(st))
	}
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE assigned_printer_id=? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...).Scan(&n)
	return n, err
}

// StatusChange is one conditional transition write. From is the expected
// current status; the UPDATE only fires when it still matches, so two racing
// writers cannot both win.
type StatusChange struct {
	JobID   string
	From    lifecycle.Status
	To      lifecycle.Status
	ActorID string

	SetAssignedPrinter bool
	AssignedPrinterID  *string

	FilamentUsedGrams *float64
	PrintingNotes     *string
	FulfilmentNotes   *string
	FulfilmentPhotoID *string

	EventType string
	Payload   events.Payload
}

// UpdateJobStatus performs the compare-and-set status write plus any
// side fields, appending the event in the same transaction. Returns
// ErrConflict when the job exists but its status moved, ErrNotFound when
// the job is gone.
func (s Store) UpdateJobStatus(ctx context.Context, c StatusChange) (domain.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(c.To), s.now()}
	if c.SetAssignedPrinter {
		sets = append(sets, "assigned_printer_id=?")
		args = append(args, nullableStr(c.AssignedPrinterID))
	}
	if c.FilamentUsedGrams != nil {
		sets = append(sets, "filament_used_grams=?")
		args = append(args, *c.FilamentUsedGrams)
	}
	if c.PrintingNotes != nil {
		sets = append(sets, "printing_notes=?")
		args = append(args, *c.PrintingNotes)
	}
	if c.FulfilmentNotes != nil {
		sets = append(sets, "fulfilment_notes=?")
		args = append(args, *c.FulfilmentNotes)
	}
	if c.FulfilmentPhotoID != nil {
		sets = append(sets, "fulfilment_photo_id=?")
		args = append(args, *c.FulfilmentPhotoID)
	}
	args = append(args, c.JobID, string(c.From))

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ",")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id=?`, c.JobID).Scan(&exists); err != nil {
			return domain.Job{}, err
		}
		if exists > 0 {
			return domain.Job{}, ErrConflict
		}
		return domain.Job{}, ErrNotFound
	}

	evtType := c.EventType
	if evtType == "" {
		evtType = events.TypeStatusChange
	}
	payload := c.Payload
	if payload == nil {
		payload = events.Payload{}
	}
	payload["from"] = string(c.From)
	payload["to"] = string(c.To)
	if err := s.Events.Append(ctx, tx, evtType, c.JobID, c.ActorID, payload); err != nil {
		return domain.Job{}, err
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, c.JobID))
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// JobUpdate edits job metadata without touching status. Nil fields are left
// unchanged.
type JobUpdate struct {
	ItemName        *string
	ItemDescription *string
	PartCount       *int
	Topic           *string
	RefURL          *string
	MainImageID     *string
	MainModelID     *string
}

func (s Store) UpdateJob(ctx context.Context, id, actorID string, u JobUpdate) (domain.Job, error) {
	var (
		sets []string
		args []any
	)
	if u.ItemName != nil {
		sets = append(sets, "item_name=?")
		args = append(args, *u.ItemName)
	}
	if u.ItemDescription != nil {
		sets = append(sets, "item_description=?")
		args = append(args, *u.ItemDescription)
	}
	if u.PartCount != nil {
		sets = append(sets, "part_count=?")
		args = append(args, *u.PartCount)
	}
	if u.Topic != nil {
		sets = append(sets, "topic=?")
		args = append(args, *u.Topic)
	}
	if u.RefURL != nil {
		sets = append(sets, "ref_url=?")
		args = append(args, *u.RefURL)
	}
	if u.MainImageID != nil {
		sets = append(sets, "main_image_id=?")
		args = append(args, *u.MainImageID)
	}
	if u.MainModelID != nil {
		sets = append(sets, "main_model_id=?")
		args = append(args, *u.MainModelID)
	}
	if len(sets) == 0 {
		return s.GetJob(ctx, id)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, s.now(), id)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ",")+` WHERE id=?`, args...)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, ErrNotFound
	}
	if err := s.Events.Append(ctx, tx, events.TypeJobUpdated, id, actorID, nil); err != nil {
		return domain.Job{}, err
	}
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// RecentEvents returns the actor's events newer than since, newest first.
func (s Store) RecentEvents(ctx context.Context, actorID string, since time.Time) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(job_id,''),actor_id,payload_json FROM events WHERE actor_id=? AND ts>=? ORDER BY ts DESC, id DESC`,
		actorID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
