// Package x402 provides the wire types for the x402 payment protocol as
// brokered by this gateway: payment requirements, the signed payment
// payload a client resubmits, and the verify/settle request/response
// shapes exchanged with the facilitator.
package x402

import (
	"encoding/json"
	"fmt"
)

// Scheme identifies a payment scheme. Only "exact" is defined by the
// protocol today.
type Scheme string

// SchemeExact is the only payment scheme this gateway advertises or accepts.
const SchemeExact Scheme = "exact"

// NetworkType identifies a network tag understood by FacilitatorConfig and
// the network driver registry.
type NetworkType string

const (
	NetworkSolanaMainnet NetworkType = "solana"
	NetworkSolanaSurfnet NetworkType = "solana-surfnet"
)

// X402Version is the protocol version this gateway speaks.
const X402Version = 1

// PaymentRequirements describes one acceptable way to pay for a resource.
// extra is an untyped bag that carries transactionId, product, currency,
// fee_payer, customer fields, and the attach hook list.
type PaymentRequirements struct {
	Scheme            Scheme         `json:"scheme"`
	Network           NetworkType    `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType,omitempty"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// TransactionID returns extra["transactionId"], if present, as a string.
func (pr *PaymentRequirements) TransactionID() (string, bool) {
	return extraString(pr.Extra, "transactionId")
}

// Hooks returns extra["hooks"], the list of processor keys ChannelManager
// must see a transaction:attach for before it merges transaction:completed
// without waiting for the timeout.
func (pr *PaymentRequirements) Hooks() []string {
	raw, ok := pr.Extra["hooks"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	hooks := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			hooks = append(hooks, s)
		}
	}
	return hooks
}

func extraString(extra map[string]any, key string) (string, bool) {
	if extra == nil {
		return "", false
	}
	v, ok := extra[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PaymentRequirementsResponse is the 402 response body GatingMiddleware
// sends on challenge.
type PaymentRequirementsResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SVMPayload is the single supported scheme payload: an opaque Solana
// transaction, serialized as base58 or base64 at the client's discretion.
type SVMPayload struct {
	Transaction string `json:"transaction"`
}

// Validate reports whether p carries a non-empty transaction blob. Full
// decoding and signer extraction is the network driver's job.
func (p *SVMPayload) Validate() error {
	if p.Transaction == "" {
		return fmt.Errorf("transaction is required")
	}
	return nil
}

// PaymentPayload is the signed authorization a client resubmits after
// receiving a 402 challenge.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     NetworkType     `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// DecodeSVM unmarshals Payload as an SVMPayload.
func (p *PaymentPayload) DecodeSVM() (*SVMPayload, error) {
	var out SVMPayload
	if err := json.Unmarshal(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode svm payload: %w", err)
	}
	return &out, nil
}

// VerifyRequest and SettleRequest share an identical wire shape.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is identical in shape to VerifyRequest.
type SettleRequest = VerifyRequest

// FacilitatorErrorReason enumerates the typed outcomes a network driver or
// the protocol layer may report. A free-form reason is the escape hatch for
// driver errors that don't fit the enum; consumers must treat it as fatal
// and non-retriable to avoid retry storms on structural failures.
type FacilitatorErrorReason struct {
	code     string
	freeForm string
}

func (r FacilitatorErrorReason) String() string {
	if r.code == reasonFreeForm {
		return r.freeForm
	}
	return r.code
}

// MarshalJSON renders the reason as its code, or the free-form text when
// the reason doesn't match one of the fixed enum values.
func (r FacilitatorErrorReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *FacilitatorErrorReason) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = ParseFacilitatorErrorReason(s)
	return nil
}

const (
	reasonInsufficientFunds = "insufficient-funds"
	reasonInvalidSignature  = "invalid-signature"
	reasonInvalidNetwork    = "invalid-network"
	reasonInvalidAsset      = "invalid-asset"
	reasonTimeout           = "timeout"
	reasonUnknownError      = "unknown-error"
	reasonFreeForm          = "free-form"
)

var (
	ReasonInsufficientFunds = FacilitatorErrorReason{code: reasonInsufficientFunds}
	ReasonInvalidSignature  = FacilitatorErrorReason{code: reasonInvalidSignature}
	ReasonInvalidNetwork    = FacilitatorErrorReason{code: reasonInvalidNetwork}
	ReasonInvalidAsset      = FacilitatorErrorReason{code: reasonInvalidAsset}
	ReasonTimeout           = FacilitatorErrorReason{code: reasonTimeout}
	ReasonUnknownError      = FacilitatorErrorReason{code: reasonUnknownError}
)

// FreeFormReason wraps an arbitrary driver error message. Per design note,
// callers must treat it as fatal and non-retriable.
func FreeFormReason(text string) FacilitatorErrorReason {
	return FacilitatorErrorReason{code: reasonFreeForm, freeForm: text}
}

// ParseFacilitatorErrorReason maps a wire string back to the typed reason.
func ParseFacilitatorErrorReason(s string) FacilitatorErrorReason {
	switch s {
	case reasonInsufficientFunds:
		return ReasonInsufficientFunds
	case reasonInvalidSignature:
		return ReasonInvalidSignature
	case reasonInvalidNetwork:
		return ReasonInvalidNetwork
	case reasonInvalidAsset:
		return ReasonInvalidAsset
	case reasonTimeout:
		return ReasonTimeout
	case reasonUnknownError:
		return ReasonUnknownError
	default:
		return FreeFormReason(s)
	}
}

// VerifyResponse is the outcome of PaymentProtocol.Verify.
type VerifyResponse struct {
	Status string                  `json:"status"` // "valid" | "invalid"
	Payer  string                  `json:"payer,omitempty"`
	Reason *FacilitatorErrorReason `json:"reason,omitempty"`
}

// Valid reports whether the response indicates a valid payment.
func (v VerifyResponse) Valid() bool { return v.Status == "valid" }

// ValidVerifyResponse builds a VerifyResponse with status "valid".
func ValidVerifyResponse(payer string) VerifyResponse {
	return VerifyResponse{Status: "valid", Payer: payer}
}

// InvalidVerifyResponse builds a VerifyResponse with status "invalid".
func InvalidVerifyResponse(reason FacilitatorErrorReason, payer string) VerifyResponse {
	return VerifyResponse{Status: "invalid", Reason: &reason, Payer: payer}
}

// SettleResponse is the outcome of PaymentProtocol.Settle.
type SettleResponse struct {
	Success     bool                    `json:"success"`
	ErrorReason *FacilitatorErrorReason `json:"errorReason,omitempty"`
	Payer       string                  `json:"payer"`
	Transaction string                  `json:"transaction,omitempty"`
	Network     NetworkType             `json:"network"`
}

// SupportedPaymentKind is one entry of the /supported response.
type SupportedPaymentKind struct {
	X402Version int            `json:"x402Version"`
	Scheme      Scheme         `json:"scheme"`
	Network     NetworkType    `json:"network"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedPaymentKind `json:"kinds"`
}

// ChannelEventType is the recognized transaction life-cycle vocabulary
// published on a transaction channel (see ChannelManager).
type ChannelEventType string

const (
	EventPaymentVerified    ChannelEventType = "payment:verified"
	EventPaymentSettled     ChannelEventType = "payment:settled"
	EventPaymentFailed      ChannelEventType = "payment:failed"
	EventTransactionAttach  ChannelEventType = "transaction:attach"
	EventTransactionDone    ChannelEventType = "transaction:completed"
)

// ChannelEvent is one entry on a transaction channel.
type ChannelEvent struct {
	ID   string           `json:"id"`
	Type ChannelEventType `json:"type"`
	Data json.RawMessage  `json:"data"`
	Time string           `json:"time"` // RFC3339
}
