// Package streamhttp exposes StreamStore over the durable stream HTTP
// protocol: PUT creates, POST appends, GET reads (optionally long-polling
// or streaming SSE). Stream paths are mapped through pathenc for storage;
// clients never see the encoded form. Stream-Cursor responses are computed
// via intervalcursor, a CDN cache-busting value distinct from eventstore's
// event_id cursor.
package streamhttp

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/txtx/moneymq/intervalcursor"
	"github.com/txtx/moneymq/offset"
	"github.com/txtx/moneymq/pathenc"
	"github.com/txtx/moneymq/streamstore"
)

// LongPollTimeout bounds how long a live=long-poll GET waits before
// replying 204 Stream-Up-To-Date.
const LongPollTimeout = 30 * time.Second

// Handler serves GET/PUT/POST /stream/<path>.
type Handler struct {
	Store  *streamstore.Store
	Logger *slog.Logger
}

// New constructs a Handler.
func New(store *streamstore.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Logger: logger}
}

// ServeHTTP dispatches by method; the caller mounts this at "/stream/*".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawPath := chi.URLParam(r, "*")
	path := pathenc.EncodePath(rawPath)

	switch r.Method {
	case http.MethodPut:
		h.create(w, r, path)
	case http.MethodPost:
		h.append(w, r, path)
	case http.MethodGet:
		h.read(w, r, path)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	cfg := streamstore.Config{
		ContentType: r.Header.Get("Content-Type"),
		InitialData: body,
	}
	if ttl := r.Header.Get("Stream-TTL"); ttl != "" {
		seconds, err := strconv.Atoi(ttl)
		if err != nil {
			http.Error(w, "invalid Stream-TTL", http.StatusBadRequest)
			return
		}
		cfg.TTLSeconds = &seconds
	}

	stream, err := h.Store.Create(path, cfg)
	if err != nil {
		if err == streamstore.ErrStreamExists {
			http.Error(w, "stream already exists", http.StatusConflict)
			return
		}
		h.Logger.Error("streamhttp: create failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Stream-Next-Offset", stream.CurrentOffset)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) append(w http.ResponseWriter, r *http.Request, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var seq *string
	if s := r.Header.Get("Stream-Seq"); s != "" {
		seq = &s
	}

	nextOffset, _, err := h.Store.Append(path, body, seq)
	if err != nil {
		if err == streamstore.ErrStreamNotFound {
			http.Error(w, "stream not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("streamhttp: append failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Stream-Next-Offset", nextOffset)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request, path string) {
	fromOffset := r.URL.Query().Get("offset")
	if fromOffset == "" {
		fromOffset = offset.Tail
	}
	live := r.URL.Query().Get("live")
	if live == "" {
		live = "none"
	}

	switch live {
	case "none":
		h.readOnce(w, r, path, fromOffset)
	case "long-poll":
		h.readLongPoll(w, r, path, fromOffset)
	case "sse":
		h.readSSE(w, r, path, fromOffset)
	default:
		http.Error(w, "invalid live mode", http.StatusBadRequest)
	}
}

func (h *Handler) readOnce(w http.ResponseWriter, r *http.Request, path, fromOffset string) {
	result, err := h.Store.Read(path, fromOffset)
	if err != nil {
		writeReadError(w, err)
		return
	}
	h.writeResult(w, r, path, result)
}

func (h *Handler) readLongPoll(w http.ResponseWriter, r *http.Request, path, fromOffset string) {
	result, err := h.Store.LongPoll(r.Context(), path, fromOffset, LongPollTimeout)
	if err != nil {
		writeReadError(w, err)
		return
	}
	h.writeResult(w, r, path, result)
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, path string, result streamstore.ReadResult) {
	cursor, err := responseCursor(r)
	if err == nil {
		w.Header().Set("Stream-Cursor", cursor)
	}
	w.Header().Set("Stream-Next-Offset", result.NextOffset)
	w.Header().Set("Stream-Up-To-Date", strconv.FormatBool(result.UpToDate))

	if result.UpToDate && len(result.Messages) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isJSON, err := h.Store.IsJSONStream(path)
	if err != nil {
		writeReadError(w, err)
		return
	}
	if !isJSON {
		// Opaque byte ranges: concatenate the messages as-is.
		w.WriteHeader(http.StatusOK)
		for _, msg := range result.Messages {
			_, _ = w.Write(msg.Data)
		}
		return
	}

	payload, err := streamstore.ReadJSON(result)
	if err != nil {
		h.Logger.Error("streamhttp: marshal read result failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// readSSE streams appends as Server-Sent Events. Unlike SSEBroadcaster
// (which polls EventStore), this fans out over the stream's own
// condition-variable wakeups via repeated LongPoll calls; StreamStore has
// no database backing to poll.
func (h *Handler) readSSE(w http.ResponseWriter, r *http.Request, path, fromOffset string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	cursor := fromOffset
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := h.Store.LongPoll(ctx, path, cursor, LongPollTimeout)
		if err != nil {
			return
		}
		for _, msg := range result.Messages {
			if _, err := w.Write(sseFrame(msg)); err != nil {
				return
			}
			flusher.Flush()
		}
		if result.NextOffset != "" {
			// Offsets are inclusive resume positions; resuming from the
			// last delivered offset would replay it, and pinning the tail
			// sentinel afresh on each poll could skip appends that land
			// between polls.
			cursor = result.NextOffset
		}
		if len(result.Messages) == 0 {
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseFrame(msg streamstore.StreamMessage) []byte {
	return []byte("event: message\ndata: " + string(msg.Data) + "\n\n")
}

func writeReadError(w http.ResponseWriter, err error) {
	switch err {
	case streamstore.ErrStreamNotFound:
		http.Error(w, "stream not found", http.StatusNotFound)
	case streamstore.ErrOffsetExpired:
		http.Error(w, "offset expired", http.StatusGone)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func responseCursor(r *http.Request) (string, error) {
	clientCursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := intervalcursor.Parse(raw)
		if err != nil {
			return "", err
		}
		clientCursor = parsed
	}
	next, err := intervalcursor.GenerateResponseCursor(clientCursor, time.Now())
	if err != nil {
		return "", err
	}
	return intervalcursor.Format(next), nil
}
