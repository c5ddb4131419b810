package db

import (
	"log/slog"

	"github.com/calderhq/forge/internal/events"
)

// Sink persists published workflow events to the audit database. Auditing
// is best effort: a failed write is logged and never fails the command
// that produced the event.
type Sink struct {
	db  *DB
	log *slog.Logger
}

// NewSink creates an event sink over the audit database.
func NewSink(db *DB, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{db: db, log: log}
}

// Publish implements events.Publisher.
func (s *Sink) Publish(event events.Event) {
	record := &EventLog{
		SessionID: event.SessionID,
		EventType: string(event.Type),
		Data:      event.Data,
		CreatedAt: event.Time,
	}
	if event.Phase != "" {
		phase := string(event.Phase)
		record.Phase = &phase
	}
	if event.Stage != "" {
		stage := string(event.Stage)
		record.Stage = &stage
	}
	if event.Iteration > 0 {
		iteration := event.Iteration
		record.Iteration = &iteration
	}

	if err := s.db.SaveEvent(record); err != nil {
		s.log.Warn("audit event not persisted",
			"event_type", event.Type,
			"session_id", event.SessionID,
			"error", err)
	}
}

var _ events.Publisher = (*Sink)(nil)
