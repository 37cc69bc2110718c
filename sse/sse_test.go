package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pocketbase/dbx"

	_ "modernc.org/sqlite"

	"github.com/txtx/moneymq/cursorsync"
	"github.com/txtx/moneymq/eventstore"
)

func testScope() eventstore.Scope {
	return eventstore.Scope{PaymentStackID: "stack-1", IsSandbox: true}
}

type testBackend struct {
	events  *eventstore.Store
	cursors *cursorsync.Store
}

func newTestBackend(t *testing.T) testBackend {
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
	cursors, err := cursorsync.New(db)
	if err != nil {
		t.Fatalf("new cursorsync: %v", err)
	}
	return testBackend{events: events, cursors: cursors}
}

type frame struct {
	id   string
	data string
}

// readFrames reads count SSE event frames (ignoring keep-alive comment
// lines) from body, failing the test if they don't all arrive within
// timeout.
func readFrames(t *testing.T, body *bufio.Reader, count int, timeout time.Duration) []frame {
	t.Helper()
	ch := make(chan frame, count)
	go func() {
		var cur frame
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.id != "":
				sent := cur
				cur = frame{}
				select {
				case ch <- sent:
				default:
					return
				}
			}
		}
	}()

	var got []frame
	deadline := time.After(timeout)
	for len(got) < count {
		select {
		case f := <-ch:
			got = append(got, f)
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d: %+v", count, len(got), got)
		}
	}
	return got
}

func connect(t *testing.T, broadcaster *Broadcaster, query string) (*bufio.Reader, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(broadcaster.ServeHTTP))

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events"+query, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	cleanup := func() {
		cancel()
		resp.Body.Close()
		srv.Close()
	}
	return bufio.NewReader(resp.Body), cleanup
}

func TestServeHTTPWithNoParamsStreamsLiveEvent(t *testing.T) {
	// A connection with no stream_id/cursor/last must still establish an
	// in-memory cursor, or the poll loop never emits anything it sees
	// after connect.
	// Seed one event before connecting so the default branch's "advance
	// past the latest known event" behavior is exercised too: only the
	// event appended after connecting should stream.
	backend := newTestBackend(t)
	ctx := context.Background()
	if _, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"payer": "preexisting"}, testScope()); err != nil {
		t.Fatalf("append preexisting: %v", err)
	}

	b := New(backend.events, backend.cursors, testScope(), nil)
	body, cleanup := connect(t, b, "")
	defer cleanup()

	// Give replayInitial time to run and resolve its in-memory cursor past
	// "preexisting": the client sees response headers as soon as they're
	// flushed, which happens before replayInitial is even called.
	time.Sleep(200 * time.Millisecond)

	event, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"payer": "abc"}, testScope())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	frames := readFrames(t, body, 1, 5*time.Second)
	if frames[0].id != event.EventID {
		t.Fatalf("got frame id %q, want %q", frames[0].id, event.EventID)
	}
	if !strings.Contains(frames[0].data, `"payer":"abc"`) {
		t.Fatalf("frame data missing payload: %q", frames[0].data)
	}
}

func TestServeHTTPWithNoParamsOnEmptyStoreThenStreamsLiveEvent(t *testing.T) {
	// Covers the bootstrap edge case in replayInitial's default branch:
	// the store has nothing to advance past at connect time, so the
	// in-memory cursor starts as "", and the poll loop's cursor == ""
	// branch must use LastN rather than an always-empty AfterCursor("").
	backend := newTestBackend(t)
	b := New(backend.events, backend.cursors, testScope(), nil)

	body, cleanup := connect(t, b, "")
	defer cleanup()
	time.Sleep(200 * time.Millisecond)

	event, err := backend.events.Append(context.Background(), "payment:verified", "test", map[string]any{"payer": "first"}, testScope())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	frames := readFrames(t, body, 1, 5*time.Second)
	if frames[0].id != event.EventID {
		t.Fatalf("got frame id %q, want %q", frames[0].id, event.EventID)
	}
}

func TestServeHTTPCursorReplaysThenStreamsLive(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	first, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"i": 1}, testScope())
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"i": 2}, testScope())
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	b := New(backend.events, backend.cursors, testScope(), nil)
	body, cleanup := connect(t, b, "?cursor="+first.EventID)
	defer cleanup()

	replay := readFrames(t, body, 1, 5*time.Second)
	if replay[0].id != second.EventID {
		t.Fatalf("got replayed frame id %q, want %q", replay[0].id, second.EventID)
	}

	third, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"i": 3}, testScope())
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	live := readFrames(t, body, 1, 5*time.Second)
	if live[0].id != third.EventID {
		t.Fatalf("got live frame id %q, want %q", live[0].id, third.EventID)
	}
}

func TestServeHTTPLastParamReplaysBacklog(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		event, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"i": i}, testScope())
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, event.EventID)
	}

	b := New(backend.events, backend.cursors, testScope(), nil)
	body, cleanup := connect(t, b, "?last=2")
	defer cleanup()

	replay := readFrames(t, body, 2, 5*time.Second)
	if replay[0].id != ids[1] || replay[1].id != ids[2] {
		t.Fatalf("got replayed ids %q, %q; want %q, %q", replay[0].id, replay[1].id, ids[1], ids[2])
	}
}

func TestServeHTTPStreamIDPersistsCursorAcrossReconnect(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	first, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"i": 1}, testScope())
	if err != nil {
		t.Fatalf("append first: %v", err)
	}

	b := New(backend.events, backend.cursors, testScope(), nil)
	_, cleanup := connect(t, b, "?stream_id=worker-1")

	// Nothing to replay on first connect (no cursor, no last); the
	// connection advances to the latest known event and persists it. The
	// client only sees response headers once WriteHeader/Flush runs, ahead
	// of replayInitial's own Advance call, so poll for the persisted
	// cursor rather than asserting immediately.
	deadline := time.Now().Add(5 * time.Second)
	var stream *cursorsync.EventStream
	for time.Now().Before(deadline) {
		s, err := backend.cursors.Lookup(ctx, "worker-1", testScope())
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if s != nil && s.LastEventID != nil {
			stream = s
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cleanup()

	if stream == nil || *stream.LastEventID != first.EventID {
		t.Fatalf("got cursor %+v, want advanced to %q", stream, first.EventID)
	}

	second, err := backend.events.Append(ctx, "payment:verified", "test", map[string]any{"i": 2}, testScope())
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	body2, cleanup2 := connect(t, b, "?stream_id=worker-1")
	defer cleanup2()
	replay := readFrames(t, body2, 1, 5*time.Second)
	if replay[0].id != second.EventID {
		t.Fatalf("got reconnect replay id %q, want %q", replay[0].id, second.EventID)
	}
}

func TestSecondConcurrentReaderOnStreamIDIsConflict(t *testing.T) {
	backend := newTestBackend(t)
	b := New(backend.events, backend.cursors, testScope(), nil)

	_, cleanup := connect(t, b, "?stream_id=worker-dup")
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/events?stream_id=worker-dup")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("got status %d for a duplicate reader, want 409", resp.StatusCode)
	}
}

func TestFrameBodyRendersCloudEventEnvelope(t *testing.T) {
	event := eventstore.CloudEvent{
		EventID:   "event-1",
		EventType: "payment:verified",
		DataJSON:  `{"payer":"abc"}`,
	}
	body, err := frameBody(event)
	if err != nil {
		t.Fatalf("frame body: %v", err)
	}
	want := fmt.Sprintf(`"id":"%s"`, event.EventID)
	if !strings.Contains(string(body), want) {
		t.Fatalf("frame body %q missing %q", body, want)
	}
}
