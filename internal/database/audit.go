package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

// SQLiteAuditLog implements pdm.AuditLog on its own table. It shares the
// connection with the store but never takes part in commit transactions.
type SQLiteAuditLog struct {
	db *sql.DB
}

func NewSQLiteAuditLog(db *sql.DB) *SQLiteAuditLog {
	return &SQLiteAuditLog{db: db}
}

// Append records an event. Events are never updated or deleted.
func (a *SQLiteAuditLog) Append(ctx context.Context, event *model.AuditEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}
	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, timestamp, actor, action, target, outcome, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, formatTime(event.Timestamp), event.Actor, event.Action, event.Target, string(event.Outcome), string(raw)); err != nil {
		return unavailable("appending audit event", err)
	}
	return nil
}

// Query returns events matching filter newest-first.
func (a *SQLiteAuditLog) Query(ctx context.Context, filter model.AuditFilter) ([]*model.AuditEvent, error) {
	var where []string
	var args []any
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, formatTime(filter.Until))
	}

	q := `SELECT id, timestamp, actor, action, target, outcome, details FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("querying audit events", err)
	}
	defer rows.Close()

	var out []*model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var ts, outcome, raw string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &outcome, &raw); err != nil {
			return nil, unavailable("scanning audit event", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, unavailable("scanning audit event", err)
		}
		e.Outcome = model.Outcome(outcome)
		if err := json.Unmarshal([]byte(raw), &e.Details); err != nil {
			return nil, fmt.Errorf("decoding audit details of %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating audit events", err)
	}
	return out, nil
}

// Compile-time check that SQLiteAuditLog implements pdm.AuditLog
var _ pdm.AuditLog = (*SQLiteAuditLog)(nil)
