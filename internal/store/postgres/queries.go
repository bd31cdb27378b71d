package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/store"
)

// eventColumns is the column list used for SELECT statements on event_buffer.
const eventColumns = `cursor, event_id, channel, event_type, actor_id,
	criticality, visibility, sensitivity, redact_fields, payload, created_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryMarkSeen(ctx context.Context, db executor, eventID string, seenAt time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO dedup_records (event_id, seen_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, seenAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark seen rows affected: %w", err)
	}
	return n == 1, nil
}

func queryForgetSeen(ctx context.Context, db executor, eventID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM dedup_records WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("forget seen: %w", err)
	}
	return nil
}

func queryPruneDedup(ctx context.Context, db executor, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM dedup_records WHERE seen_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return res.RowsAffected()
}

func queryAppendEvent(ctx context.Context, db executor, ev *model.Event) (int64, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	redact, err := json.Marshal(ev.RedactFields)
	if err != nil {
		return 0, fmt.Errorf("marshal redact fields: %w", err)
	}

	var cursor int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO event_buffer (
			event_id, channel, event_type, actor_id,
			criticality, visibility, sensitivity, redact_fields, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING cursor`,
		ev.ID,
		ev.Channel,
		ev.Type,
		ev.ActorID,
		string(ev.Criticality),
		string(ev.Visibility),
		string(ev.Sensitivity),
		redact,
		payload,
		ev.CreatedAt,
	).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return cursor, nil
}

func queryEventsSince(ctx context.Context, db executor, cursor int64, limit int) ([]store.BufferedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM event_buffer
		WHERE cursor > $1
		ORDER BY cursor ASC
		LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()

	var out []store.BufferedEvent
	for rows.Next() {
		be, err := scanBufferedEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, be)
	}
	return out, rows.Err()
}

func scanBufferedEvent(rows *sql.Rows) (store.BufferedEvent, error) {
	var (
		be          store.BufferedEvent
		ev          model.Event
		sensitivity sql.NullString
		redact      []byte
		payload     []byte
	)
	err := rows.Scan(
		&be.Cursor,
		&ev.ID,
		&ev.Channel,
		&ev.Type,
		&ev.ActorID,
		(*string)(&ev.Criticality),
		(*string)(&ev.Visibility),
		&sensitivity,
		&redact,
		&payload,
		&ev.CreatedAt,
	)
	if err != nil {
		return store.BufferedEvent{}, fmt.Errorf("scan event: %w", err)
	}
	if sensitivity.Valid {
		ev.Sensitivity = model.Sensitivity(sensitivity.String)
	}
	if len(redact) > 0 {
		if err := json.Unmarshal(redact, &ev.RedactFields); err != nil {
			return store.BufferedEvent{}, fmt.Errorf("unmarshal redact fields: %w", err)
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return store.BufferedEvent{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	be.Event = &ev
	return be, nil
}

func queryPruneEvents(ctx context.Context, db executor, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM event_buffer WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func queryRecordDecision(ctx context.Context, db executor, d *model.AuthDecision) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_decisions (
			subject, actor_type, resource, permission, outcome, reason, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.Subject,
		string(d.ActorType),
		d.Resource,
		d.Permission,
		string(d.Outcome),
		d.Reason,
		d.At,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func queryDecisionsSince(ctx context.Context, db executor, since time.Time, limit int) ([]*model.AuthDecision, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.QueryContext(ctx, `
		SELECT subject, actor_type, resource, permission, outcome, reason, decided_at
		FROM audit_decisions
		WHERE decided_at >= $1
		ORDER BY decided_at ASC
		LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("decisions since: %w", err)
	}
	defer rows.Close()

	var out []*model.AuthDecision
	for rows.Next() {
		var d model.AuthDecision
		if err := rows.Scan(
			&d.Subject,
			(*string)(&d.ActorType),
			&d.Resource,
			&d.Permission,
			(*string)(&d.Outcome),
			&d.Reason,
			&d.At,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
