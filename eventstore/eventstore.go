// Package eventstore is the durable, append-only record of payment
// lifecycle CloudEvents that ChannelManager writes through to and that
// SSEBroadcaster and CursorSync replay from. Rows are partitioned by scope
// (payment_stack_id, is_sandbox); ordering across replicas is only
// guaranteed within a scope, and cursor comparisons break created_at ties
// on event_id.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
)

// Scope partitions durable rows by deployment stack and sandbox-ness.
type Scope struct {
	PaymentStackID string
	IsSandbox      bool
}

// CloudEvent is one durable row in the event log.
type CloudEvent struct {
	EventID        string    `db:"event_id"`
	EventType      string    `db:"event_type"`
	EventSource    string    `db:"event_source"`
	EventTimeMS    int64     `db:"event_time_ms"`
	DataJSON       string    `db:"data_json"`
	PaymentStackID string    `db:"payment_stack_id"`
	IsSandbox      bool      `db:"is_sandbox"`
	CreatedAt      time.Time `db:"created_at"`
}

// Store is the SQLite-backed EventStore.
type Store struct {
	db *dbx.DB
}

// New wraps db and ensures the events table exists.
func New(db *dbx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.NewQuery(`
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_source TEXT NOT NULL,
			event_time_ms INTEGER NOT NULL,
			data_json TEXT NOT NULL,
			payment_stack_id TEXT NOT NULL,
			is_sandbox INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`).Execute()
	if err != nil {
		return err
	}
	_, err = s.db.NewQuery(`
		CREATE INDEX IF NOT EXISTS idx_events_scope_created
		ON events (payment_stack_id, is_sandbox, created_at, event_id)
	`).Execute()
	return err
}

// Append records a new event and returns its assigned id.
func (s *Store) Append(ctx context.Context, eventType, eventSource string, data any, scope Scope) (CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return CloudEvent{}, fmt.Errorf("eventstore: marshal event data: %w", err)
	}

	// The driver stores a time.Time as its String() text. Round(0) drops
	// the monotonic clock reading, whose "m=+..." suffix the value read
	// back would lack, and UTC keeps the text order equal to time order;
	// otherwise a cursor row compares greater than its own created_at.
	now := time.Now().UTC().Round(0)
	event := CloudEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		EventSource:    eventSource,
		EventTimeMS:    now.UnixMilli(),
		DataJSON:       string(raw),
		PaymentStackID: scope.PaymentStackID,
		IsSandbox:      scope.IsSandbox,
		CreatedAt:      now,
	}

	// created_at is bound explicitly rather than left to the column
	// default: CURRENT_TIMESTAMP only has second resolution, which would
	// collapse the ordering of events appended in the same second.
	_, err = s.db.WithContext(ctx).Insert("events", dbx.Params{
		"event_id":         event.EventID,
		"event_type":       event.EventType,
		"event_source":     event.EventSource,
		"event_time_ms":    event.EventTimeMS,
		"data_json":        event.DataJSON,
		"payment_stack_id": event.PaymentStackID,
		"is_sandbox":       event.IsSandbox,
		"created_at":       event.CreatedAt,
	}).Execute()
	if err != nil {
		return CloudEvent{}, fmt.Errorf("eventstore: append: %w", err)
	}

	stored, err := s.FindByEventID(ctx, event.EventID, scope)
	if err != nil {
		return CloudEvent{}, err
	}
	return *stored, nil
}

// LastN returns the most recent n events in scope, oldest first.
func (s *Store) LastN(ctx context.Context, scope Scope, n int) ([]CloudEvent, error) {
	var rows []CloudEvent
	err := s.db.WithContext(ctx).
		Select("*").
		From("events").
		Where(dbx.HashExp{
			"payment_stack_id": scope.PaymentStackID,
			"is_sandbox":       scope.IsSandbox,
		}).
		OrderBy("created_at DESC", "event_id DESC").
		Limit(int64(n)).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("eventstore: last_n: %w", err)
	}
	reverse(rows)
	return rows, nil
}

// AfterCursor returns events whose created_at strictly follows the row
// identified by eventID, chronological order. An unknown eventID yields an
// empty slice: the caller treats that as "start fresh".
func (s *Store) AfterCursor(ctx context.Context, eventID string, scope Scope, limit int) ([]CloudEvent, error) {
	cursor, err := s.FindByEventID(ctx, eventID, scope)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, nil
	}

	var rows []CloudEvent
	err = s.db.WithContext(ctx).
		Select("*").
		From("events").
		Where(dbx.NewExp(
			"payment_stack_id = {:stack} AND is_sandbox = {:sandbox} AND "+
				"(created_at > {:created} OR (created_at = {:created} AND event_id > {:event}))",
			dbx.Params{
				"stack":   scope.PaymentStackID,
				"sandbox": scope.IsSandbox,
				"created": cursor.CreatedAt,
				"event":   cursor.EventID,
			},
		)).
		OrderBy("created_at ASC", "event_id ASC").
		Limit(int64(limit)).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("eventstore: after_cursor: %w", err)
	}
	return rows, nil
}

// FindByEventID looks up a single event by id within scope. Returns a nil
// CloudEvent and nil error when not found.
func (s *Store) FindByEventID(ctx context.Context, eventID string, scope Scope) (*CloudEvent, error) {
	var row CloudEvent
	err := s.db.WithContext(ctx).
		Select("*").
		From("events").
		Where(dbx.HashExp{
			"event_id":         eventID,
			"payment_stack_id": scope.PaymentStackID,
			"is_sandbox":       scope.IsSandbox,
		}).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: find_by_event_id: %w", err)
	}
	return &row, nil
}

func reverse(rows []CloudEvent) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
