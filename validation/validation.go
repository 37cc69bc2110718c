// Package validation performs structural validation of PaymentRequirements
// and PaymentPayload before they reach the PaymentProtocol state machine.
// Shape errors caught here are reported as 400s and never persisted.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	x402 "github.com/txtx/moneymq"
)

// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset).
var solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidateAmount validates that an amount string is a valid positive integer.
// Returns an error if the amount is empty, malformed, or not greater than zero.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt := new(big.Int)
	amt, ok := amt.SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateNetwork reports whether network is one of the two Solana
// variants this gateway speaks.
func ValidateNetwork(network x402.NetworkType) error {
	switch network {
	case x402.NetworkSolanaMainnet, x402.NetworkSolanaSurfnet:
		return nil
	default:
		return fmt.Errorf("%w: %s", x402.ErrUnsupportedNetwork, network)
	}
}

// ValidateAddress validates a Solana base58 address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !solanaAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
	}
	return nil
}

// ValidatePaymentRequirements performs comprehensive validation of a
// PaymentRequirements: amount, network, addresses, scheme, and timeout.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if req.Network == "" {
		return fmt.Errorf("invalid requirement: network cannot be empty")
	}
	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirement: asset address cannot be empty")
	}
	if err := ValidateAddress(req.Asset); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirement: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirement: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirement: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	return nil
}

// ValidatePaymentPayload validates a payment payload's protocol version,
// scheme, network, and payload presence.
func ValidatePaymentPayload(payment x402.PaymentPayload) error {
	if payment.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, payment.X402Version)
	}

	if payment.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}
	if payment.Scheme != x402.SchemeExact {
		return fmt.Errorf("%w: %s", x402.ErrUnsupportedScheme, payment.Scheme)
	}

	if payment.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}
	if err := ValidateNetwork(payment.Network); err != nil {
		return fmt.Errorf("invalid network: %w", err)
	}

	if len(payment.Payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", x402.ErrMalformedHeader)
	}

	return nil
}
