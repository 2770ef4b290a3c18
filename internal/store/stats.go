package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"printlegion/internal/domain"
)

// CountJobsByStatus aggregates job counts per status.
func (s Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Totals returns the raw counters the stats snapshot is built from.
func (s Store) Totals(ctx context.Context) (users, printers, jobs int, filamentGrams float64, err error) {
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		return
	}
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE has_printer=1`).Scan(&printers); err != nil {
		return
	}
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&jobs); err != nil {
		return
	}
	err = s.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(filament_used_grams),0) FROM jobs`).Scan(&filamentGrams)
	return
}

// GetStatsSnapshot returns the cached snapshot, or ErrNotFound when no
// refresh has run yet.
func (s Store) GetStatsSnapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	var (
		snap   domain.StatsSnapshot
		byStat string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_updated,calculating,total_users,total_printers,total_jobs,total_filament_used_grams,jobs_by_status_json FROM stats_snapshot WHERE id=1`).
		Scan(&snap.LastUpdated, &snap.Calculating, &snap.TotalUsers, &snap.TotalPrinters,
			&snap.TotalJobs, &snap.TotalFilamentUsed, &byStat)
	if err == sql.ErrNoRows {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(byStat), &snap.JobsByStatus); err != nil {
		return snap, fmt.Errorf("decode jobs_by_status: %w", err)
	}
	return snap, nil
}

// SaveStatsSnapshot upserts the single snapshot row and clears the
// calculating flag.
func (s Store) SaveStatsSnapshot(ctx context.Context, snap domain.StatsSnapshot) error {
	byStat, err := json.Marshal(snap.JobsByStatus)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO stats_snapshot(id,last_updated,calculating,total_users,total_printers,total_jobs,total_filament_used_grams,jobs_by_status_json)
VALUES (1,?,0,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET last_updated=excluded.last_updated, calculating=0,
total_users=excluded.total_users, total_printers=excluded.total_printers,
total_jobs=excluded.total_jobs, total_filament_used_grams=excluded.total_filament_used_grams,
jobs_by_status_json=excluded.jobs_by_status_json`,
		snap.LastUpdated, snap.TotalUsers, snap.TotalPrinters, snap.TotalJobs,
		snap.TotalFilamentUsed, string(byStat))
	return err
}

// SetStatsCalculating flips the in-progress marker so readers of a stale
// snapshot know a refresh is running.
func (s Store) SetStatsCalculating(ctx context.Context, v bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE stats_snapshot SET calculating=? WHERE id=1`, boolInt(v))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 && v {
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO stats_snapshot(id,last_updated,calculating) VALUES (1,?,1) ON CONFLICT(id) DO UPDATE SET calculating=1`,
			s.now())
	}
	return err
}
