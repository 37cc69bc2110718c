package x402

import "errors"

// Sentinel errors shared across the gateway's packages. Policy outcomes
// that travel on the wire use FacilitatorErrorReason instead; these cover
// the protocol-shape failures callers branch on with errors.Is.

var (
	// ErrMalformedHeader indicates that the X-Payment header is malformed.
	ErrMalformedHeader = errors.New("malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("unsupported x402 version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("unsupported payment scheme")

	// ErrUnsupportedNetwork indicates a network tag no configured driver
	// answers for.
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrInvalidPayment indicates that the provided payment is invalid.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("verification failed")
)
