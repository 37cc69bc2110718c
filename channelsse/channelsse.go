// Package channelsse exposes ChannelManager's per-transaction channel
// over SSE at /channels/<transaction-id>: the business-processor-facing
// plane, distinct from both SSEBroadcaster's
// durable EventStore replay at /events and StreamStore's generic durable
// byte-log protocol at /stream/<path>. It is kept on its own path segment
// rather than nested under /stream/ so chi's router never has to choose
// between a wildcard and a named param at the same position.
package channelsse

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/channelmanager"
)

// Handler serves GET /channels/<transaction-id> as an SSE channel
// subscription and PUT /channels/<transaction-id> as the processor-side
// attachment write.
type Handler struct {
	Channels *channelmanager.Manager
	Logger   *slog.Logger
}

// New constructs a Handler.
func New(channels *channelmanager.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Channels: channels, Logger: logger}
}

// ServeHTTP dispatches by method: GET subscribes the connection to the
// transaction channel named by the "txID" chi route parameter, replaying
// ?last=n or ?cursor=<event-id> history before streaming live events; PUT
// lets a business processor contribute a keyed attachment to the channel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	if txID == "" {
		http.Error(w, "transaction id required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodPut {
		h.attach(w, r, txID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	replay := channelmanager.Replay{FromCursor: r.URL.Query().Get("cursor")}
	if last := r.URL.Query().Get("last"); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil || n < 0 {
			http.Error(w, "invalid last param", http.StatusBadRequest)
			return
		}
		replay.LastN = n
	}

	sub, err := h.Channels.Subscribe(r.Context(), txID, replay)
	if err != nil {
		h.Logger.Error("channelsse: subscribe failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer h.Channels.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeFrame(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// attach handles PUT: the body is a {key, value} attachment the processor
// contributes toward the channel's eventual transaction:completed merge.
func (h *Handler) attach(w http.ResponseWriter, r *http.Request, txID string) {
	var body channelmanager.AttachData
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed attach body", http.StatusBadRequest)
		return
	}
	if body.Key == "" {
		http.Error(w, "attach key required", http.StatusBadRequest)
		return
	}

	if err := h.Channels.Publish(r.Context(), txID, x402.EventTransactionAttach, body, nil, 0); err != nil {
		h.Logger.Error("channelsse: attach publish failed", "error", err, "transaction_id", txID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeFrame renders event per the event stream wire format: the SSE id
// field is event.ID, and data is the full ChannelEvent JSON encoding
// (id, type, data, time), not just the inner payload.
func writeFrame(w http.ResponseWriter, event x402.ChannelEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("id: " + event.ID + "\nevent: payment\ndata: " + string(body) + "\n\n"))
	return err
}
