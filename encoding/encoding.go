// Package encoding is the base64(JSON) transport codec for the x402
// header exchange: PaymentPayload rides in on X-Payment, SettleResponse
// rides out on X-Payment-Response, and PaymentRequirementsResponse is the
// challenge body shape some clients also carry header-encoded.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/txtx/moneymq"
)

func encode(v any, what string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding: marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode[T any](encoded, what string) (T, error) {
	var out T
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return out, fmt.Errorf("encoding: decode %s base64: %w", what, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("encoding: unmarshal %s: %w", what, err)
	}
	return out, nil
}

// EncodePayment renders a PaymentPayload for the X-Payment header.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	return encode(payment, "payment")
}

// DecodePayment parses an X-Payment header value.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	return decode[x402.PaymentPayload](encoded, "payment")
}

// EncodeSettlement renders a SettleResponse for the X-Payment-Response
// header.
func EncodeSettlement(settlement x402.SettleResponse) (string, error) {
	return encode(settlement, "settlement")
}

// DecodeSettlement parses an X-Payment-Response header value.
func DecodeSettlement(encoded string) (x402.SettleResponse, error) {
	return decode[x402.SettleResponse](encoded, "settlement")
}

// EncodeRequirements renders a challenge body for header transport.
func EncodeRequirements(requirements x402.PaymentRequirementsResponse) (string, error) {
	return encode(requirements, "requirements")
}

// DecodeRequirements parses a header-encoded challenge body.
func DecodeRequirements(encoded string) (x402.PaymentRequirementsResponse, error) {
	return decode[x402.PaymentRequirementsResponse](encoded, "requirements")
}
