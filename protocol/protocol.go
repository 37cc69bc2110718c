// Package protocol implements PaymentProtocol: the verify/settle
// state machine that sits between the HTTP surface (or GatingMiddleware)
// and the facilitator, the durable transaction log, and the two event
// planes (EventStore's per-scope chronological log and ChannelManager's
// per-transaction channel).
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/channelmanager"
	"github.com/txtx/moneymq/eventstore"
	"github.com/txtx/moneymq/facilitator"
	"github.com/txtx/moneymq/txstore"
)

// eventSource tags every row this package appends to EventStore.
const eventSource = "protocol"

// Protocol is PaymentProtocol: it orchestrates a facilitator.Interface, the
// durable transaction store, the chronological event log, and the
// per-transaction channel bus.
type Protocol struct {
	Facilitator  facilitator.Interface
	Transactions *txstore.Store
	Events       *eventstore.Store
	Channels     *channelmanager.Manager
	Scope        eventstore.Scope
	Logger       *slog.Logger
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger overrides the protocol's logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.Logger = l }
}

// New constructs a Protocol.
func New(f facilitator.Interface, txs *txstore.Store, events *eventstore.Store, channels *channelmanager.Manager, scope eventstore.Scope, opts ...Option) *Protocol {
	p := &Protocol{
		Facilitator:  f,
		Transactions: txs,
		Events:       events,
		Channels:     channels,
		Scope:        scope,
		Logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// paymentHash is the exact bytes of the client-submitted transaction
// string, base58 or base64 as received.
func paymentHash(payload x402.PaymentPayload) (string, error) {
	svm, err := payload.DecodeSVM()
	if err != nil {
		return "", fmt.Errorf("protocol: decode payload: %w", err)
	}
	return svm.Transaction, nil
}

func marshalB64(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func extraString(extra map[string]any, key string) *string {
	if extra == nil {
		return nil
	}
	v, ok := extra[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

// Verify runs the verify pipeline. badRequest reports whether the caller
// should respond 400 rather than 200: a network mismatch is rejected
// before anything is persisted or emitted, mirroring Settle's badRequest
// short-circuit. The returned error is non-nil only for server faults
// (facilitator/store errors); a decided invalid outcome is a normal,
// non-error VerifyResponse.
func (p *Protocol) Verify(ctx context.Context, req x402.VerifyRequest) (resp x402.VerifyResponse, badRequest bool, err error) {
	logger := p.Logger

	// Payload/requirements network tags must agree. A requirements.Network
	// with no configured driver is handled by the facilitator dispatch
	// itself (facilitator.Local returns invalid-network for an
	// unregistered network). Unlike every other decided outcome, this
	// mismatch is rejected outright: no TransactionStore row, no
	// EventStore row, no ChannelEvent.
	if req.PaymentPayload.Network != req.PaymentRequirements.Network {
		return x402.InvalidVerifyResponse(x402.ReasonInvalidNetwork, ""), true, nil
	}

	facResp, err := p.Facilitator.Verify(ctx, req)
	if err != nil {
		logger.Error("protocol: verify: facilitator error", "error", err)
		return x402.VerifyResponse{}, false, fmt.Errorf("protocol: verify: %w", err)
	}
	finished, err := p.finishVerify(ctx, req, facResp)
	return finished, false, err
}

// finishVerify persists the audit row and emits the lifecycle events,
// regardless of whether resp is valid or invalid, for audit.
func (p *Protocol) finishVerify(ctx context.Context, req x402.VerifyRequest, resp x402.VerifyResponse) (x402.VerifyResponse, error) {
	logger := p.Logger

	hash, err := paymentHash(req.PaymentPayload)
	if err != nil {
		// The payload couldn't even be decoded for hashing; this is a
		// protocol-shape concern the HTTP layer's validation pass should
		// already have rejected, but we don't persist an unhashable row.
		logger.Warn("protocol: verify: no payment hash, skipping persistence", "error", err)
		return resp, nil
	}

	reqB64, err := marshalB64(req.PaymentRequirements)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("protocol: marshal requirements: %w", err)
	}
	verifyReqB64, err := marshalB64(req)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("protocol: marshal verify request: %w", err)
	}
	verifyRespB64, err := marshalB64(resp)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("protocol: marshal verify response: %w", err)
	}

	extra := req.PaymentRequirements.Extra
	if _, err := p.Transactions.Insert(ctx, txstore.InsertParams{
		PaymentHash:           hash,
		Product:               extraString(extra, "product"),
		CustomerID:            extraString(extra, "customerId"),
		CustomerAddress:       extraString(extra, "customerAddress"),
		CustomerLabel:         extraString(extra, "customerLabel"),
		Amount:                req.PaymentRequirements.MaxAmountRequired,
		Currency:              extraString(extra, "currency"),
		PaymentRequirementB64: reqB64,
		VerifyRequestB64:      verifyReqB64,
		VerifyResponseB64:     verifyRespB64,
	}, p.Scope); err != nil {
		logger.Error("protocol: verify: insert transaction failed", "error", err)
		return x402.VerifyResponse{}, fmt.Errorf("protocol: insert transaction: %w", err)
	}

	eventType := "payment:verified"
	if !resp.Valid() {
		eventType = "payment:verification_failed"
	}
	eventData := map[string]any{"payer": resp.Payer, "network": req.PaymentRequirements.Network}
	if resp.Reason != nil {
		eventData["reason"] = resp.Reason.String()
	}
	if _, err := p.Events.Append(ctx, eventType, eventSource, eventData, p.Scope); err != nil {
		logger.Error("protocol: verify: append event failed", "error", err)
	}

	if txID, ok := req.PaymentRequirements.TransactionID(); ok && txID != "" {
		channelType := x402.EventPaymentVerified
		if !resp.Valid() {
			channelType = x402.EventPaymentFailed
		}
		if err := p.Channels.Publish(ctx, txID, channelType, eventData, nil, 0); err != nil {
			logger.Error("protocol: verify: publish channel event failed", "error", err, "transaction_id", txID)
		}
	}

	return resp, nil
}

// Settle runs the settle pipeline. badRequest reports whether the caller
// should respond 400 rather than 200: a network mismatch is malformed
// input, not a decided outcome.
func (p *Protocol) Settle(ctx context.Context, req x402.SettleRequest) (resp x402.SettleResponse, badRequest bool, err error) {
	logger := p.Logger

	if req.PaymentPayload.Network != req.PaymentRequirements.Network {
		reason := x402.ReasonInvalidNetwork
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: &reason,
			Payer:       req.PaymentRequirements.PayTo,
			Network:     req.PaymentRequirements.Network,
		}, true, nil
	}

	settleResp, err := p.Facilitator.Settle(ctx, req)
	if err != nil {
		logger.Error("protocol: settle: facilitator error", "error", err)
		return x402.SettleResponse{}, false, fmt.Errorf("protocol: settle: %w", err)
	}

	hash, hashErr := paymentHash(req.PaymentPayload)
	if hashErr != nil {
		logger.Warn("protocol: settle: no payment hash, skipping persistence", "error", hashErr)
		return settleResp, false, nil
	}

	rowID, found, err := p.Transactions.FindIDByPaymentHash(ctx, hash, p.Scope)
	if err != nil {
		return x402.SettleResponse{}, false, fmt.Errorf("protocol: find transaction: %w", err)
	}

	switch {
	case found:
		// Completed and failed are terminal: a repeat settle on a closed
		// hash rewrites nothing and emits no events, and still returns the
		// driver's own answer.
		alreadySettled, err := p.Transactions.IsAlreadySettled(ctx, hash, p.Scope)
		if err != nil {
			return x402.SettleResponse{}, false, fmt.Errorf("protocol: check already settled: %w", err)
		}
		if alreadySettled {
			return settleResp, false, nil
		}
		status := txstore.StatusCompleted
		if !settleResp.Success {
			status = txstore.StatusFailed
		}
		var signature *string
		if settleResp.Transaction != "" {
			sig := settleResp.Transaction
			signature = &sig
		}
		settleReqB64, err := marshalB64(req)
		if err != nil {
			return x402.SettleResponse{}, false, fmt.Errorf("protocol: marshal settle request: %w", err)
		}
		settleRespB64, err := marshalB64(settleResp)
		if err != nil {
			return x402.SettleResponse{}, false, fmt.Errorf("protocol: marshal settle response: %w", err)
		}
		if err := p.Transactions.UpdateAfterSettlement(ctx, rowID, status, signature, &settleReqB64, &settleRespB64); err != nil {
			return x402.SettleResponse{}, false, fmt.Errorf("protocol: update transaction: %w", err)
		}

	case !found:
		alreadySettled, err := p.Transactions.IsAlreadySettled(ctx, hash, p.Scope)
		if err != nil {
			return x402.SettleResponse{}, false, fmt.Errorf("protocol: check already settled: %w", err)
		}
		if alreadySettled {
			// No-op: a prior settle already closed this hash. The response
			// the caller sees is still the driver's own answer, never a
			// fabricated one.
			break
		}
		logger.Error("protocol: settle: no transaction row for payment hash; verify should have inserted one", "payment_hash", hash)
	}

	p.emitSettleEvents(ctx, req, settleResp)
	return settleResp, false, nil
}

func (p *Protocol) emitSettleEvents(ctx context.Context, req x402.SettleRequest, resp x402.SettleResponse) {
	logger := p.Logger

	eventType := "payment:settlement_succeeded"
	if !resp.Success {
		eventType = "payment:settlement_failed"
	}
	eventData := map[string]any{"payer": resp.Payer, "network": resp.Network, "transaction": resp.Transaction}
	if resp.ErrorReason != nil {
		eventData["reason"] = resp.ErrorReason.String()
	}
	if _, err := p.Events.Append(ctx, eventType, eventSource, eventData, p.Scope); err != nil {
		logger.Error("protocol: settle: append event failed", "error", err)
	}

	txID, ok := req.PaymentRequirements.TransactionID()
	if !ok || txID == "" {
		return
	}

	channelData := map[string]any{"payer": resp.Payer, "transaction": resp.Transaction}
	if currency := extraString(req.PaymentRequirements.Extra, "currency"); currency != nil {
		channelData["currency"] = *currency
	}
	if product := extraString(req.PaymentRequirements.Extra, "product"); product != nil {
		channelData["product"] = *product
	}

	channelType := x402.EventPaymentSettled
	if !resp.Success {
		channelType = x402.EventPaymentFailed
	}
	maxTimeout := time.Duration(req.PaymentRequirements.MaxTimeoutSeconds) * time.Second
	if err := p.Channels.Publish(ctx, txID, channelType, channelData, req.PaymentRequirements.Hooks(), maxTimeout); err != nil {
		logger.Error("protocol: settle: publish channel event failed", "error", err, "transaction_id", txID)
	}
}
