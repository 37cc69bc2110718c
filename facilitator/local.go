package facilitator

import (
	"context"
	"fmt"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/config"
	"github.com/txtx/moneymq/network/solana"
)

// driver is the network driver contract a network package must satisfy to
// be registered in Local. Solana is the one driver shipped today; adding a
// network means implementing this pair and registering it per tag.
type driver interface {
	Verify(ctx context.Context, req x402.VerifyRequest) (x402.VerifyResponse, error)
	Settle(ctx context.Context, req x402.SettleRequest) (x402.SettleResponse, error)
}

// Local is the in-process facilitator this gateway ships: it dispatches to
// a network/solana.Driver per configured network rather than calling out
// to a remote facilitator HTTP API. A second driver is added by satisfying
// driver and registering it in drivers.
type Local struct {
	drivers map[x402.NetworkType]driver
	cfg     config.Facilitator
}

// NewLocal builds a Local facilitator from cfg, constructing one
// network/solana.Driver per configured network.
func NewLocal(cfg config.Facilitator) *Local {
	drivers := make(map[x402.NetworkType]driver, len(cfg.Networks))
	for network, nc := range cfg.Networks {
		drivers[network] = solana.New(nc.RPCURL, nc.PayerKeypair, network)
	}
	return &Local{drivers: drivers, cfg: cfg}
}

// Verify resolves req.PaymentRequirements.Network to a driver and delegates.
// A network with no registered driver reports invalid-network, matching
// PaymentProtocol.Verify step 1.
func (l *Local) Verify(ctx context.Context, req x402.VerifyRequest) (x402.VerifyResponse, error) {
	d, ok := l.drivers[req.PaymentRequirements.Network]
	if !ok {
		return x402.InvalidVerifyResponse(x402.ReasonInvalidNetwork, ""), nil
	}
	return d.Verify(ctx, req)
}

// Settle resolves req.PaymentRequirements.Network to a driver and delegates.
func (l *Local) Settle(ctx context.Context, req x402.SettleRequest) (x402.SettleResponse, error) {
	d, ok := l.drivers[req.PaymentRequirements.Network]
	if !ok {
		reason := x402.ReasonInvalidNetwork
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: &reason,
			Payer:       req.PaymentRequirements.PayTo,
			Network:     req.PaymentRequirements.Network,
		}, nil
	}
	resp, err := d.Settle(ctx, req)
	if err != nil {
		return x402.SettleResponse{}, fmt.Errorf("facilitator: settle: %w", err)
	}
	return resp, nil
}

// Supported lists every configured network/scheme pair.
func (l *Local) Supported(_ context.Context) (x402.SupportedResponse, error) {
	return l.cfg.Supported(), nil
}
