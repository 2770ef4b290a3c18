// Package events appends audit log entries. Writes always happen inside the
// caller's transaction so a job mutation and its event land atomically.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the service.
const (
	TypeJobCreated   = "job_created"
	TypeJobClaimed   = "job_claimed"
	TypeJobUnclaimed = "job_unclaimed"
	TypeStatusChange = "status_change"
	TypeJobUpdated   = "job_updated"
	TypeUserUpdated  = "user_updated"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one event row using the supplied transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, jobID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,job_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(jobID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
