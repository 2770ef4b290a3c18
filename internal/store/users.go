package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"printlegion/internal/domain"
	"printlegion/internal/events"
)

const userColumns = `slack_id,has_printer,printer_type,printer_details,region_coordinates,region_name,preferred_radius,preferred_topics,onboarded,has_ever_submitted,created_at,updated_at`

func scanUser(row jobScanner) (domain.User, error) {
	var (
		u      domain.User
		topics string
	)
	err := row.Scan(&u.SlackID, &u.HasPrinter, &u.PrinterType, &u.PrinterDetails,
		&u.RegionCoordinates, &u.RegionName, &u.PreferredRadius, &topics,
		&u.Onboarded, &u.HasEverSubmitted, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if topics != "" {
		if err := json.Unmarshal([]byte(topics), &u.PreferredTopics); err != nil {
			return u, fmt.Errorf("decode preferred_topics: %w", err)
		}
	}
	return u, nil
}

// FindUser looks a user up by Slack id. It never creates the record.
func (s Store) FindUser(ctx context.Context, slackID string) (domain.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE slack_id=?`, slackID))
}

// EnsureUser creates the user record if it does not exist yet and returns
// it. This is the only code path that creates users.
func (s Store) EnsureUser(ctx context.Context, slackID string) (domain.User, error) {
	now := s.now()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users(slack_id,created_at,updated_at) VALUES (?,?,?) ON CONFLICT(slack_id) DO NOTHING`,
		slackID, now, now)
	if err != nil {
		return domain.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.FindUser(ctx, slackID)
}

// LocatedPrinters returns every printer owner with a region on file.
func (s Store) LocatedPrinters(ctx context.Context) ([]domain.User, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE has_printer=1 AND region_coordinates<>''`)
	if err != nil {
		return nil, fmt.Errorf("query located printers: %w", err)
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserUpdate edits user settings. Nil fields are left unchanged.
type UserUpdate struct {
	HasPrinter        *bool
	PrinterType       *string
	PrinterDetails    *string
	RegionCoordinates *string
	RegionName        *string
	PreferredRadius   *string
	PreferredTopics   *[]string
	Onboarded         *bool
	HasEverSubmitted  *bool
}

func (s Store) UpdateUser(ctx context.Context, slackID string, u UserUpdate) (domain.User, error) {
	var (
		sets []string
		args []any
	)
	if u.HasPrinter != nil {
		sets = append(sets, "has_printer=?")
		args = append(args, boolInt(*u.HasPrinter))
	}
	if u.PrinterType != nil {
		sets = append(sets, "printer_type=?")
		args = append(args, *u.PrinterType)
	}
	if u.PrinterDetails != nil {
		sets = append(sets, "printer_details=?")
		args = append(args, *u.PrinterDetails)
	}
	if u.RegionCoordinates != nil {
		sets = append(sets, "region_coordinates=?")
		args = append(args, *u.RegionCoordinates)
	}
	if u.RegionName != nil {
		sets = append(sets, "region_name=?")
		args = append(args, *u.RegionName)
	}
	if u.PreferredRadius != nil {
		sets = append(sets, "preferred_radius=?")
		args = append(args, *u.PreferredRadius)
	}
	if u.PreferredTopics != nil {
		data, err := json.Marshal(*u.PreferredTopics)
		if err != nil {
			return domain.User{}, err
		}
		sets = append(sets, "preferred_topics=?")
		args = append(args, string(data))
	}
	if u.Onboarded != nil {
		sets = append(sets, "onboarded=?")
		args = append(args, boolInt(*u.Onboarded))
	}
	if u.HasEverSubmitted != nil {
		sets = append(sets, "has_ever_submitted=?")
		args = append(args, boolInt(*u.HasEverSubmitted))
	}
	if len(sets) == 0 {
		return s.FindUser(ctx, slackID)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, s.now(), slackID)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ",")+` WHERE slack_id=?`, args...)
	if err != nil {
		return domain.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.User{}, ErrNotFound
	}
	if err := s.Events.Append(ctx, tx, events.TypeUserUpdated, "", slackID, nil); err != nil {
		return domain.User{}, err
	}
	user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE slack_id=?`, slackID))
	if err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
