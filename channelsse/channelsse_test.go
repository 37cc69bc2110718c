package channelsse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pocketbase/dbx"

	_ "modernc.org/sqlite"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/channelmanager"
	"github.com/txtx/moneymq/eventstore"
)

func newTestServer(t *testing.T) (*channelmanager.Manager, *httptest.Server) {
	t.Helper()
	db, err := dbx.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events, err := eventstore.New(db)
	if err != nil {
		t.Fatalf("new eventstore: %v", err)
	}
	scope := eventstore.Scope{PaymentStackID: "stack-1", IsSandbox: true}
	channels := channelmanager.New(events, scope)

	r := chi.NewRouter()
	r.Handle("/channels/{txID}", New(channels, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return channels, srv
}

func TestGetStreamsPublishedEvents(t *testing.T) {
	channels, srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/channels/tx-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("got content type %q, want text/event-stream", ct)
	}

	// The subscription is registered before ServeHTTP flushes headers, so
	// a publish after the response arrives is guaranteed to be delivered.
	if err := channels.Publish(context.Background(), "tx-1", x402.EventPaymentVerified, map[string]any{"payer": "abc"}, nil, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readFrame(t, bufio.NewReader(resp.Body), 3*time.Second)
	var event x402.ChannelEvent
	if err := json.Unmarshal([]byte(frame), &event); err != nil {
		t.Fatalf("decode frame %q: %v", frame, err)
	}
	if event.Type != x402.EventPaymentVerified {
		t.Fatalf("got event type %q, want payment:verified", event.Type)
	}
}

func TestPutPublishesAttachment(t *testing.T) {
	channels, srv := newTestServer(t)
	ctx := context.Background()

	sub, err := channels.Subscribe(ctx, "tx-2", channelmanager.Replay{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer channels.Unsubscribe(sub)

	body := strings.NewReader(`{"key":"fulfill","value":{"ok":true}}`)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/channels/tx-2", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", resp.StatusCode)
	}

	select {
	case event := <-sub.Events():
		if event.Type != x402.EventTransactionAttach {
			t.Fatalf("got event type %q, want transaction:attach", event.Type)
		}
		var attach channelmanager.AttachData
		if err := json.Unmarshal(event.Data, &attach); err != nil {
			t.Fatalf("decode attach data: %v", err)
		}
		if attach.Key != "fulfill" {
			t.Fatalf("got attach key %q, want fulfill", attach.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not receive the attach published via PUT")
	}
}

func TestPutRejectsMissingKey(t *testing.T) {
	_, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/channels/tx-3", strings.NewReader(`{"value":1}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
}

// readFrame reads one SSE data line from body, failing the test on timeout.
func readFrame(t *testing.T, body *bufio.Reader, timeout time.Duration) string {
	t.Helper()
	ch := make(chan string, 1)
	go func() {
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				ch <- strings.TrimRight(strings.TrimPrefix(line, "data: "), "\n")
				return
			}
		}
	}()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for an SSE frame")
		return ""
	}
}
