package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout stores UTC timestamps with nanosecond precision so events
// created in quick succession keep their order.
const timeLayout = "2006-01-02 15:04:05.000000000"

// EventLog is one persisted workflow event.
type EventLog struct {
	ID        int64
	SessionID string
	Phase     *string // nullable for session-level events
	Stage     *string
	Iteration *int
	EventType string
	Data      any // JSON marshaled to TEXT
	CreatedAt time.Time
}

// QueryEventsOptions filters Events queries. Zero values mean no filter.
type QueryEventsOptions struct {
	SessionID  string
	EventTypes []string
	Since      *time.Time
	Limit      int
}

// SaveEvent inserts an event into the event_log table.
func (d *DB) SaveEvent(event *EventLog) error {
	var dataJSON *string
	if event.Data != nil {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		s := string(b)
		dataJSON = &s
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := d.db.Exec(`
		INSERT INTO event_log (session_id, phase, stage, iteration, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.SessionID, event.Phase, event.Stage, event.Iteration,
		event.EventType, dataJSON, createdAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get event id: %w", err)
	}
	event.ID = id
	return nil
}

// Events returns matching events in insertion order.
func (d *DB) Events(opts QueryEventsOptions) ([]*EventLog, error) {
	query := `SELECT id, session_id, phase, stage, iteration, event_type, data, created_at FROM event_log`
	var conds []string
	var args []any

	if opts.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(opts.EventTypes) > 0 {
		placeholders := strings.Repeat("?, ", len(opts.EventTypes))
		conds = append(conds, fmt.Sprintf("event_type IN (%s)", strings.TrimSuffix(placeholders, ", ")))
		for _, t := range opts.EventTypes {
			args = append(args, t)
		}
	}
	if opts.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*EventLog
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*EventLog, error) {
	var e EventLog
	var dataJSON sql.NullString
	var createdAt string

	if err := rows.Scan(&e.ID, &e.SessionID, &e.Phase, &e.Stage, &e.Iteration,
		&e.EventType, &dataJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	if dataJSON.Valid {
		var data any
		if err := json.Unmarshal([]byte(dataJSON.String), &data); err != nil {
			return nil, fmt.Errorf("parse event data: %w", err)
		}
		e.Data = data
	}
	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		e.CreatedAt = ts
	}
	return &e, nil
}
