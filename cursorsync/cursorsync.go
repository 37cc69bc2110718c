// Package cursorsync implements CursorSync: per-stream subscriber cursor
// advancement backed by the same SQLite database as eventstore. Advance is
// called after a subscriber has observed an event, giving at-least-once
// delivery across reconnects; EventStream rows are keyed by
// (stream_id, payment_stack_id, is_sandbox).
package cursorsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"github.com/txtx/moneymq/eventstore"
	"github.com/txtx/moneymq/internal/retry"
)

// ErrConcurrentAdvance names a race on cursor advancement between two
// subscribers of one stream. No function in this package returns it:
// Advance does not detect concurrent advances.
var ErrConcurrentAdvance = errors.New("cursorsync: concurrent advance detected")

// EventStream is one subscriber's advancement state on one stream.
type EventStream struct {
	StreamID       string     `db:"stream_id"`
	PaymentStackID string     `db:"payment_stack_id"`
	IsSandbox      bool       `db:"is_sandbox"`
	LastEventID    *string    `db:"last_event_id"`
	LastEventTime  *time.Time `db:"last_event_time"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Store is the SQLite-backed CursorSync.
type Store struct {
	db *dbx.DB
}

// New wraps db and ensures the event_streams table exists.
func New(db *dbx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("cursorsync: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.NewQuery(`
		CREATE TABLE IF NOT EXISTS event_streams (
			stream_id TEXT NOT NULL,
			payment_stack_id TEXT NOT NULL,
			is_sandbox INTEGER NOT NULL,
			last_event_id TEXT,
			last_event_time DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (stream_id, payment_stack_id, is_sandbox)
		)
	`).Execute()
	return err
}

// FindOrCreate returns the EventStream row for (streamID, scope), creating
// an unpositioned one if none exists.
func (s *Store) FindOrCreate(ctx context.Context, streamID string, scope eventstore.Scope) (EventStream, error) {
	existing, err := s.Lookup(ctx, streamID, scope)
	if err != nil {
		return EventStream{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := time.Now()
	_, err = s.db.WithContext(ctx).Insert("event_streams", dbx.Params{
		"stream_id":        streamID,
		"payment_stack_id": scope.PaymentStackID,
		"is_sandbox":       scope.IsSandbox,
		"created_at":       now,
		"updated_at":       now,
	}).Execute()
	if err != nil {
		// Another writer may have raced us to create the same row; fall
		// back to reading whatever it left behind.
		existing, lookupErr := s.Lookup(ctx, streamID, scope)
		if lookupErr == nil && existing != nil {
			return *existing, nil
		}
		return EventStream{}, fmt.Errorf("cursorsync: find_or_create: %w", err)
	}

	created, err := s.Lookup(ctx, streamID, scope)
	if err != nil || created == nil {
		return EventStream{}, fmt.Errorf("cursorsync: find_or_create: re-read after insert: %w", err)
	}
	return *created, nil
}

// Lookup returns the EventStream row, or nil if none exists.
func (s *Store) Lookup(ctx context.Context, streamID string, scope eventstore.Scope) (*EventStream, error) {
	var row EventStream
	err := s.db.WithContext(ctx).
		Select("*").
		From("event_streams").
		Where(dbx.HashExp{
			"stream_id":        streamID,
			"payment_stack_id": scope.PaymentStackID,
			"is_sandbox":       scope.IsSandbox,
		}).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cursorsync: lookup: %w", err)
	}
	return &row, nil
}

// Advance sets the stream's cursor to (eventID, eventTime). It retries once
// on contention via internal/retry: two subscribers sharing one stream_id
// may race here, which is permitted for single-subscriber stateful streams.
func (s *Store) Advance(ctx context.Context, streamID string, scope eventstore.Scope, eventID string, eventTime time.Time) error {
	_, err := retry.WithRetry(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}, func(error) bool { return true }, func() (struct{}, error) {
		_, execErr := s.db.WithContext(ctx).Update("event_streams", dbx.Params{
			"last_event_id":   eventID,
			"last_event_time": eventTime,
			"updated_at":      time.Now(),
		}, dbx.HashExp{
			"stream_id":        streamID,
			"payment_stack_id": scope.PaymentStackID,
			"is_sandbox":       scope.IsSandbox,
		}).Execute()
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("cursorsync: advance: %w", err)
	}
	return nil
}
