package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pocketbase/dbx"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestAppendAndFindByEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := Scope{PaymentStackID: "stack-1", IsSandbox: true}

	event, err := s.Append(ctx, "payment:verified", "gateway", map[string]any{"payer": "abc"}, scope)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if event.EventID == "" {
		t.Fatalf("expected non-empty event id")
	}

	got, err := s.FindByEventID(ctx, event.EventID, scope)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.EventType != "payment:verified" {
		t.Fatalf("got %+v, want matching event", got)
	}
}

func TestFindByEventIDUnknownReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := Scope{PaymentStackID: "stack-1", IsSandbox: true}

	got, err := s.FindByEventID(ctx, "does-not-exist", scope)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown event id, got %+v", got)
	}
}

func TestLastNReturnsChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := Scope{PaymentStackID: "stack-1", IsSandbox: false}

	var ids []string
	for i := 0; i < 5; i++ {
		event, err := s.Append(ctx, "payment:verified", "gateway", map[string]any{"i": i}, scope)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, event.EventID)
	}

	rows, err := s.LastN(ctx, scope, 3)
	if err != nil {
		t.Fatalf("last_n: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[len(rows)-1].EventID != ids[len(ids)-1] {
		t.Fatalf("expected most recent event last, got %+v", rows)
	}
}

func TestAfterCursorUnknownEventIDReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := Scope{PaymentStackID: "stack-1", IsSandbox: true}

	rows, err := s.AfterCursor(ctx, "unknown", scope, 10)
	if err != nil {
		t.Fatalf("after_cursor: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty result for unknown cursor, got %+v", rows)
	}
}

func TestAfterCursorReturnsOnlyLaterEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := Scope{PaymentStackID: "stack-1", IsSandbox: true}

	first, err := s.Append(ctx, "payment:verified", "gateway", map[string]any{}, scope)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Append(ctx, "payment:settled", "gateway", map[string]any{}, scope)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := s.AfterCursor(ctx, first.EventID, scope, 10)
	if err != nil {
		t.Fatalf("after_cursor: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != second.EventID {
		t.Fatalf("got %+v, want only %+v", rows, second)
	}
}

func TestScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scopeA := Scope{PaymentStackID: "stack-a", IsSandbox: true}
	scopeB := Scope{PaymentStackID: "stack-b", IsSandbox: true}

	if _, err := s.Append(ctx, "payment:verified", "gateway", map[string]any{}, scopeA); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := s.Append(ctx, "payment:verified", "gateway", map[string]any{}, scopeB); err != nil {
		t.Fatalf("append b: %v", err)
	}

	rows, err := s.LastN(ctx, scopeA, 10)
	if err != nil {
		t.Fatalf("last_n: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected scope a to see only its own event, got %d rows", len(rows))
	}
}
