// Package sse implements SSEBroadcaster: a DB-polled, stateless-host
// friendly long-lived streaming endpoint over the same EventStore the
// protocol package appends to. The loop polls the database rather than
// waiting on an in-process signal, so no subscription state has to survive
// a restart or live on a particular replica.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/txtx/moneymq/cursorsync"
	"github.com/txtx/moneymq/eventstore"
)

// PollInterval is how often the broadcaster probes EventStore for new rows.
const PollInterval = 500 * time.Millisecond

// KeepAliveInterval bounds how long the transport can go without a frame.
const KeepAliveInterval = 30 * time.Second

// maxReplayBatch bounds how many backlog events one AfterCursor probe pulls
// at a time; a slow consumer catches up over several poll ticks rather than
// one unbounded query.
const maxReplayBatch = 500

// Broadcaster serves GET /events as a Server-Sent Events stream.
type Broadcaster struct {
	Events  *eventstore.Store
	Cursors *cursorsync.Store
	Scope   eventstore.Scope
	Logger  *slog.Logger

	// active tracks which stream_ids have a live reader on this replica: a
	// stateful stream admits one concurrent reader, since two readers
	// racing one persisted cursor would silently drop events for both.
	activeMu sync.Mutex
	active   map[string]struct{}
}

// New constructs a Broadcaster.
func New(events *eventstore.Store, cursors *cursorsync.Store, scope eventstore.Scope, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		Events:  events,
		Cursors: cursors,
		Scope:   scope,
		Logger:  logger,
		active:  make(map[string]struct{}),
	}
}

// acquireStream claims streamID for this connection; ok is false when
// another reader already holds it.
func (b *Broadcaster) acquireStream(streamID string) bool {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	if _, taken := b.active[streamID]; taken {
		return false
	}
	b.active[streamID] = struct{}{}
	return true
}

func (b *Broadcaster) releaseStream(streamID string) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	delete(b.active, streamID)
}

// ServeHTTP implements the SSE handshake and poll loop.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	query := r.URL.Query()
	streamID := query.Get("stream_id")
	cursor := query.Get("cursor")
	if cursor == "" {
		// A reconnecting EventSource client resumes via Last-Event-ID.
		cursor = r.Header.Get("Last-Event-ID")
	}

	var stream *cursorsync.EventStream
	if streamID != "" {
		if !b.acquireStream(streamID) {
			http.Error(w, "duplicate reader on stateful stream", http.StatusConflict)
			return
		}
		defer b.releaseStream(streamID)

		s, err := b.Cursors.FindOrCreate(ctx, streamID, b.Scope)
		if err != nil {
			b.Logger.Error("sse: find_or_create cursor failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		stream = &s
		if cursor == "" && stream.LastEventID != nil {
			cursor = *stream.LastEventID
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	localCursor, err := b.replayInitial(ctx, w, flusher, streamID, cursor, query.Get("last"))
	if err != nil {
		b.Logger.Error("sse: initial replay failed", "error", err)
		return
	}

	b.pollLoop(ctx, w, flusher, streamID, localCursor)
}

// replayInitial resolves and emits the initial replay set, returning the
// event id the poll loop should resume after. This is
// tracked in memory independent of whether streamID is set: a connection
// with no stream_id has nothing in CursorSync to read back on the next
// poll tick, so the in-memory value returned here is the only record of
// "only future events from here on" for that connection.
func (b *Broadcaster) replayInitial(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, streamID, cursor, lastParam string) (string, error) {
	switch {
	case cursor != "":
		// An unknown cursor yields an empty slice (EventStore.AfterCursor's
		// contract), and polling after it would never match a row, so a
		// cursor that names no stored event starts fresh from the latest
		// known event, exactly as a connection without a cursor does.
		events, err := b.Events.AfterCursor(ctx, cursor, b.Scope, maxReplayBatch)
		if err != nil {
			return "", err
		}
		if len(events) == 0 {
			known, err := b.Events.FindByEventID(ctx, cursor, b.Scope)
			if err != nil {
				return "", err
			}
			if known == nil {
				return b.replayInitial(ctx, w, flusher, streamID, "", "")
			}
		}
		return b.emitAndAdvance(ctx, w, flusher, streamID, cursor, events)

	case lastParam != "":
		n, err := strconv.Atoi(lastParam)
		if err != nil || n < 0 {
			return "", fmt.Errorf("sse: invalid last param %q", lastParam)
		}
		events, err := b.Events.LastN(ctx, b.Scope, n)
		if err != nil {
			return "", err
		}
		return b.emitAndAdvance(ctx, w, flusher, streamID, cursor, events)

	default:
		// Nothing to replay; advance the cursor to the latest known event
		// so only future events stream. This applies whether or not
		// streamID is set: CursorSync.Advance persists it
		// when there's a stream to persist against, but the in-memory
		// return value is what actually drives this connection's poll loop.
		latest, err := b.Events.LastN(ctx, b.Scope, 1)
		if err != nil {
			return "", err
		}
		if len(latest) == 0 {
			return "", nil
		}
		head := latest[len(latest)-1]
		if streamID != "" {
			if err := b.Cursors.Advance(ctx, streamID, b.Scope, head.EventID, head.CreatedAt); err != nil {
				return "", err
			}
		}
		return head.EventID, nil
	}
}

func (b *Broadcaster) pollLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, streamID, cursor string) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			var (
				events []eventstore.CloudEvent
				err    error
			)
			if cursor == "" {
				// The store was empty when this connection resolved its
				// initial cursor (initial replay had nothing to advance past):
				// AfterCursor treats "" as an unknown cursor and always
				// returns empty, so the only way to pick up the first event
				// that ever lands is to ask for the current backlog
				// directly rather than "after" a cursor that doesn't exist.
				events, err = b.Events.LastN(ctx, b.Scope, maxReplayBatch)
			} else {
				events, err = b.Events.AfterCursor(ctx, cursor, b.Scope, maxReplayBatch)
			}
			if err != nil {
				b.Logger.Error("sse: poll failed", "error", err)
				return
			}
			if len(events) == 0 {
				continue
			}
			next, err := b.emitAndAdvance(ctx, w, flusher, streamID, cursor, events)
			if err != nil {
				return
			}
			cursor = next
		}
	}
}

// frameBody renders event per the event stream wire format: data is the
// full {id, type, data, time} JSON encoding, not just the inner payload.
func frameBody(event eventstore.CloudEvent) ([]byte, error) {
	return json.Marshal(struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
		Time string          `json:"time"`
	}{
		ID:   event.EventID,
		Type: event.EventType,
		Data: json.RawMessage(event.DataJSON),
		Time: event.CreatedAt.Format(time.RFC3339),
	})
}

// emitAndAdvance writes events as SSE frames and advances cursor, both the
// in-memory value this function returns (always) and the persisted
// CursorSync row (only when streamID is set). On a write or store error it
// returns the cursor as it stood after the last successfully processed
// event, so a caller that gives up can still report how far it got.
func (b *Broadcaster) emitAndAdvance(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, streamID, cursor string, events []eventstore.CloudEvent) (string, error) {
	for _, event := range events {
		body, err := frameBody(event)
		if err != nil {
			return cursor, err
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: payment\ndata: %s\n\n", event.EventID, body); err != nil {
			return cursor, err
		}
		flusher.Flush()
		cursor = event.EventID

		if streamID != "" {
			if err := b.Cursors.Advance(ctx, streamID, b.Scope, event.EventID, event.CreatedAt); err != nil {
				return cursor, err
			}
		}
	}
	return cursor, nil
}
