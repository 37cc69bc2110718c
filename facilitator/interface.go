// Package facilitator defines the contract PaymentProtocol delegates to
// for the actual decide/submit work: verify a client-supplied transaction
// against a requirement, settle it on-chain, and advertise which
// network/scheme pairs are supported. Local, in this package, is the one
// implementation this gateway ships, routing by network tag to a
// network/solana driver.
package facilitator

import (
	"context"

	x402 "github.com/txtx/moneymq"
)

// Interface is the facilitator contract PaymentProtocol delegates to. A
// remote HTTP facilitator client could satisfy this same interface, but
// this gateway only ever wires up Local.
type Interface interface {
	// Verify checks a payment payload against a requirement without
	// broadcasting anything.
	Verify(ctx context.Context, req x402.VerifyRequest) (x402.VerifyResponse, error)

	// Settle submits the payment and returns the on-chain outcome.
	Settle(ctx context.Context, req x402.SettleRequest) (x402.SettleResponse, error)

	// Supported lists the network/scheme pairs this facilitator accepts.
	Supported(ctx context.Context) (x402.SupportedResponse, error)
}
