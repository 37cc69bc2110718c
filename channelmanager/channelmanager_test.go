package channelmanager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketbase/dbx"

	_ "modernc.org/sqlite"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/eventstore"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	db, err := dbx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := eventstore.New(db)
	if err != nil {
		t.Fatalf("new eventstore: %v", err)
	}
	scope := eventstore.Scope{PaymentStackID: "stack-1", IsSandbox: true}
	return New(store, scope, opts...)
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "tx-1", Replay{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	if err := m.Publish(ctx, "tx-1", x402.EventPaymentVerified, map[string]any{"payer": "abc"}, nil, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventPaymentVerified {
			t.Fatalf("got type %q, want payment:verified", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive published event")
	}
}

func TestAttachmentMergeCompletesWhenAllHooksAttach(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "tx-2", Replay{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	if err := m.Publish(ctx, "tx-2", x402.EventPaymentSettled, map[string]any{}, []string{"fulfillment", "receipt"}, 5*time.Second); err != nil {
		t.Fatalf("publish settled: %v", err)
	}
	drainUntil(t, sub, x402.EventPaymentSettled)

	if err := m.Publish(ctx, "tx-2", x402.EventTransactionAttach, AttachData{Key: "fulfillment", Value: json.RawMessage(`"ok"`)}, nil, 0); err != nil {
		t.Fatalf("publish attach 1: %v", err)
	}
	drainUntil(t, sub, x402.EventTransactionAttach)

	if err := m.Publish(ctx, "tx-2", x402.EventTransactionAttach, AttachData{Key: "receipt", Value: json.RawMessage(`"sent"`)}, nil, 0); err != nil {
		t.Fatalf("publish attach 2: %v", err)
	}
	drainUntil(t, sub, x402.EventTransactionAttach)

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventTransactionDone {
			t.Fatalf("got type %q, want transaction:completed", event.Type)
		}
		var data struct {
			Attachments map[string]json.RawMessage `json:"attachments"`
		}
		if err := json.Unmarshal(event.Data, &data); err != nil {
			t.Fatalf("unmarshal completed data: %v", err)
		}
		if len(data.Attachments) != 2 {
			t.Fatalf("got %d attachments, want 2", len(data.Attachments))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected transaction:completed after all hooks attached")
	}
}

func TestAttachmentMergeFallsBackToTimeout(t *testing.T) {
	m := newTestManager(t, WithAttachTimeout(50*time.Millisecond))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "tx-3", Replay{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	if err := m.Publish(ctx, "tx-3", x402.EventPaymentSettled, map[string]any{}, []string{"fulfillment"}, 0); err != nil {
		t.Fatalf("publish settled: %v", err)
	}
	drainUntil(t, sub, x402.EventPaymentSettled)

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventTransactionDone {
			t.Fatalf("got type %q, want transaction:completed", event.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected transaction:completed after timeout even with missing hooks")
	}
}

func TestSubscribeReplaysLastN(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Publish(ctx, "tx-4", x402.EventPaymentVerified, map[string]any{}, nil, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := m.Subscribe(ctx, "tx-4", Replay{LastN: 5})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventPaymentVerified {
			t.Fatalf("got replayed type %q, want payment:verified", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected replayed event on subscribe")
	}
}

func TestSubscribeReplaysFromCursor(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Publish(ctx, "tx-5", x402.EventPaymentVerified, map[string]any{"i": 1}, nil, 0); err != nil {
		t.Fatalf("publish 1: %v", err)
	}

	// The cursor is the first event's id; only what follows it replays.
	probe, err := m.Subscribe(ctx, "tx-5", Replay{LastN: 1})
	if err != nil {
		t.Fatalf("probe subscribe: %v", err)
	}
	first := <-probe.Events()
	m.Unsubscribe(probe)

	if err := m.Publish(ctx, "tx-5", x402.EventPaymentSettled, map[string]any{"i": 2}, nil, 0); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	sub, err := m.Subscribe(ctx, "tx-5", Replay{FromCursor: first.ID})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventPaymentSettled {
			t.Fatalf("got replayed type %q, want payment:settled", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected cursor replay to deliver the later event")
	}
}

func TestReplayIsScopedToItsChannel(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Publish(ctx, "tx-a", x402.EventPaymentVerified, map[string]any{}, nil, 0); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if err := m.Publish(ctx, "tx-b", x402.EventPaymentSettled, map[string]any{}, nil, 0); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	sub, err := m.Subscribe(ctx, "tx-a", Replay{LastN: 10})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventPaymentVerified {
			t.Fatalf("replay leaked another channel's event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected tx-a's own event to replay")
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("expected no further replayed events, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func drainUntil(t *testing.T, sub *Subscription, want x402.ChannelEventType) {
	t.Helper()
	select {
	case event := <-sub.Events():
		if event.Type != want {
			t.Fatalf("got type %q, want %q", event.Type, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive expected event %q", want)
	}
}
