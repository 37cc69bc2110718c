// Package httpapi wires PaymentProtocol onto the gateway's plain JSON
// endpoints: /verify, /settle, /supported, /admin/transactions, and
// /healthz. SSE (/events), the durable stream protocol (/stream/<path>),
// the channel subscription (/channels/<transaction-id>), and paid-route
// gating each live in their own package and are mounted alongside this
// one by cmd/gatewayd.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/facilitator"
	"github.com/txtx/moneymq/protocol"
	"github.com/txtx/moneymq/txstore"
	"github.com/txtx/moneymq/validation"
)

// API holds the dependencies the plain JSON endpoints need.
type API struct {
	Protocol     *protocol.Protocol
	Facilitator  facilitator.Interface
	Transactions *txstore.Store
	Logger       *slog.Logger
}

// New constructs an API.
func New(p *protocol.Protocol, f facilitator.Interface, txs *txstore.Store, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{Protocol: p, Facilitator: f, Transactions: txs, Logger: logger}
}

// Verify handles POST /verify. Status is 200 on any decided outcome (valid
// or invalid); 400 on a malformed request body or the network-mismatch
// case PaymentProtocol.Verify reports explicitly.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	var req x402.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := validateShape(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, badRequest, err := a.Protocol.Verify(r.Context(), req)
	if err != nil {
		a.Logger.Error("httpapi: verify failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if badRequest {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Settle handles POST /settle. Status is 200 on success or a decided
// failure, 400 on a malformed request (including the network-mismatch
// case PaymentProtocol.Settle reports explicitly), 500 when
// PaymentProtocol.Settle returns an error (a facilitator or store failure).
func (a *API) Settle(w http.ResponseWriter, r *http.Request) {
	var req x402.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := validateShape(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, badRequest, err := a.Protocol.Settle(r.Context(), req)
	if err != nil {
		a.Logger.Error("httpapi: settle failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if badRequest {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateShape rejects structurally malformed requests before they reach
// the protocol state machine; shape errors are 400s and never persisted.
func validateShape(req x402.VerifyRequest) error {
	if err := validation.ValidatePaymentPayload(req.PaymentPayload); err != nil {
		return err
	}
	return validation.ValidatePaymentRequirements(req.PaymentRequirements)
}

// Supported handles GET /supported.
func (a *API) Supported(w http.ResponseWriter, r *http.Request) {
	resp, err := a.Facilitator.Supported(r.Context())
	if err != nil {
		a.Logger.Error("httpapi: supported failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// adminTransactionsDefaultLimit bounds the page size when ?limit is absent.
const adminTransactionsDefaultLimit = 50

// AdminTransactions handles GET /admin/transactions?limit&starting_after, a
// diagnostic listing over TransactionStore.List, not part of the payment
// protocol's hot path.
func (a *API) AdminTransactions(w http.ResponseWriter, r *http.Request) {
	limit := adminTransactionsDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var startingAfter *int64
	if raw := r.URL.Query().Get("starting_after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid starting_after", http.StatusBadRequest)
			return
		}
		startingAfter = &n
	}

	rows, hasMore, err := a.Transactions.List(r.Context(), limit, startingAfter)
	if err != nil {
		a.Logger.Error("httpapi: admin transactions list failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Transactions []txstore.Transaction `json:"transactions"`
		HasMore      bool                  `json:"hasMore"`
	}{Transactions: rows, HasMore: hasMore})
}

// Healthz handles GET /healthz. It round-trips the transaction store so a
// database outage surfaces as a failed health check rather than a
// misleadingly healthy process.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.Transactions.List(r.Context(), 1, nil); err != nil {
		a.Logger.Error("httpapi: healthz store check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, struct {
			Status string `json:"status"`
		}{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
