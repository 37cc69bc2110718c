// Package solana implements the one network driver this gateway ships:
// Solana mainnet and its surfnet (ephemeral devnet-like) sibling, speaking
// the "exact" SPL-token transfer scheme.
//
// Verify never touches the network: it decodes the client's transaction
// locally and checks it against the advertised PaymentRequirements. Settle
// adds the gateway's fee-payer signature and submits the transaction.
package solana

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/internal/retry"
)

// Driver implements the network driver contract consumed by
// facilitator.Local: Verify decodes and checks, Settle signs and submits.
type Driver struct {
	rpcClient *rpc.Client
	feePayer  solana.PrivateKey
	network   x402.NetworkType
}

// rpcRetryConfig bounds the retries around the driver's RPC round trips.
var rpcRetryConfig = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
}

func retryAnyRPCError(error) bool { return true }

// New returns a Driver that talks to rpcURL and signs settlements with
// feePayer.
func New(rpcURL string, feePayer solana.PrivateKey, network x402.NetworkType) *Driver {
	return &Driver{
		rpcClient: rpc.New(rpcURL),
		feePayer:  feePayer,
		network:   network,
	}
}

// FeePayerAddress returns the base58 public key this driver signs
// settlements with.
func (d *Driver) FeePayerAddress() string {
	return d.feePayer.PublicKey().String()
}

// transferDetails is what Verify and Settle both need out of the client's
// transaction: who is paying, into which mint/account, and how much.
type transferDetails struct {
	payer       string
	mint        string // empty when the instruction didn't carry a checked mint
	destination solana.PublicKey
	amount      uint64
}

// extractTransfer walks tx's instructions looking for a System or Token
// program transfer, pulling out the destination and amount so Verify can
// check them against PaymentRequirements.
func extractTransfer(tx *solana.Transaction) (*transferDetails, error) {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			continue
		}

		switch {
		case prog.Equals(solana.SystemProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				continue
			}
			ix, err := system.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			t, ok := ix.Impl.(*system.Transfer)
			if !ok {
				continue
			}
			return &transferDetails{
				payer:       t.GetFundingAccount().PublicKey.String(),
				destination: t.GetRecipientAccount().PublicKey,
				amount:      derefUint64(t.Lamports),
			}, nil

		case prog.Equals(solana.TokenProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				continue
			}
			ix, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			switch t := ix.Impl.(type) {
			case *token.TransferChecked:
				return &transferDetails{
					payer:       t.GetOwnerAccount().PublicKey.String(),
					mint:        t.GetMintAccount().PublicKey.String(),
					destination: t.GetDestinationAccount().PublicKey,
					amount:      derefUint64(t.Amount),
				}, nil
			case *token.Transfer:
				return &transferDetails{
					payer:       t.GetOwnerAccount().PublicKey.String(),
					destination: t.GetDestinationAccount().PublicKey,
					amount:      derefUint64(t.Amount),
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("no recognized transfer instruction found")
}

func derefUint64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func decodeTransaction(payment x402.PaymentPayload) (*solana.Transaction, error) {
	svm, err := payment.DecodeSVM()
	if err != nil {
		return nil, err
	}
	if err := svm.Validate(); err != nil {
		return nil, err
	}

	if tx, err := solana.TransactionFromBase64(svm.Transaction); err == nil {
		return tx, nil
	}

	raw, err := base58.Decode(svm.Transaction)
	if err != nil {
		return nil, fmt.Errorf("transaction is neither valid base64 nor base58")
	}
	var tx solana.Transaction
	if err := tx.UnmarshalWithDecoder(bin.NewBinDecoder(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode base58 transaction: %w", err)
	}
	return &tx, nil
}

// Verify checks the client's transaction against req.PaymentRequirements
// without broadcasting anything.
func (d *Driver) Verify(_ context.Context, req x402.VerifyRequest) (x402.VerifyResponse, error) {
	logger := slog.Default()

	tx, err := decodeTransaction(req.PaymentPayload)
	if err != nil {
		logger.Warn("verify: failed to decode transaction", "error", err)
		reason := x402.ReasonInvalidSignature
		return x402.InvalidVerifyResponse(reason, ""), nil
	}

	details, err := extractTransfer(tx)
	if err != nil {
		logger.Warn("verify: no transfer instruction", "error", err)
		reason := x402.ReasonInvalidSignature
		return x402.InvalidVerifyResponse(reason, ""), nil
	}

	if details.mint != "" && details.mint != req.PaymentRequirements.Asset {
		reason := x402.ReasonInvalidAsset
		return x402.InvalidVerifyResponse(reason, details.payer), nil
	}

	payTo, err := solana.PublicKeyFromBase58(req.PaymentRequirements.PayTo)
	if err != nil {
		reason := x402.ReasonInvalidAsset
		return x402.InvalidVerifyResponse(reason, details.payer), nil
	}
	expectedDestination := payTo
	if details.mint != "" {
		mint, err := solana.PublicKeyFromBase58(req.PaymentRequirements.Asset)
		if err != nil {
			reason := x402.ReasonInvalidAsset
			return x402.InvalidVerifyResponse(reason, details.payer), nil
		}
		ata, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
		if err != nil {
			reason := x402.ReasonInvalidAsset
			return x402.InvalidVerifyResponse(reason, details.payer), nil
		}
		expectedDestination = ata
	}
	if !details.destination.Equals(expectedDestination) {
		reason := x402.ReasonInvalidSignature
		return x402.InvalidVerifyResponse(reason, details.payer), nil
	}

	required, ok := new(big.Int).SetString(req.PaymentRequirements.MaxAmountRequired, 10)
	if !ok {
		reason := x402.ReasonUnknownError
		return x402.InvalidVerifyResponse(reason, details.payer), nil
	}
	amount := new(big.Int).SetUint64(details.amount)
	if amount.Cmp(required) < 0 {
		reason := x402.ReasonInsufficientFunds
		return x402.InvalidVerifyResponse(reason, details.payer), nil
	}

	return x402.ValidVerifyResponse(details.payer), nil
}

// Settle adds the gateway's fee-payer signature to the client's transaction
// and submits it, returning the base58-encoded transaction signature.
func (d *Driver) Settle(ctx context.Context, req x402.SettleRequest) (x402.SettleResponse, error) {
	logger := slog.Default()

	verifyResp, err := d.Verify(ctx, req)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verifyResp.Valid() {
		reason := x402.ReasonUnknownError
		if verifyResp.Reason != nil {
			reason = *verifyResp.Reason
		}
		return x402.SettleResponse{Success: false, ErrorReason: &reason, Payer: verifyResp.Payer, Network: d.network}, nil
	}

	tx, err := decodeTransaction(req.PaymentPayload)
	if err != nil {
		reason := x402.ReasonInvalidSignature
		return x402.SettleResponse{Success: false, ErrorReason: &reason, Network: d.network}, nil
	}

	if tx.Message.RecentBlockhash.IsZero() {
		recent, err := retry.WithRetry(ctx, rpcRetryConfig, retryAnyRPCError,
			func() (*rpc.GetLatestBlockhashResult, error) {
				return d.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
			})
		if err != nil {
			return x402.SettleResponse{}, fmt.Errorf("fetch blockhash: %w", err)
		}
		tx.Message.RecentBlockhash = recent.Value.Blockhash
	}

	feePayerPub := d.feePayer.PublicKey()
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(feePayerPub) {
			return &d.feePayer
		}
		return nil
	}); err != nil {
		return x402.SettleResponse{}, fmt.Errorf("fee payer signature: %w", err)
	}

	// Resubmitting the same fully-signed transaction is safe: the cluster
	// dedupes on the transaction signature, so a retry after a transport
	// failure cannot double-settle.
	sig, err := retry.WithRetry(ctx, rpcRetryConfig, retryAnyRPCError,
		func() (solana.Signature, error) {
			return d.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
				SkipPreflight:       false,
				PreflightCommitment: rpc.CommitmentConfirmed,
			})
		})
	if err != nil {
		logger.Error("settle: transaction submission failed", "error", err)
		reason := x402.ReasonUnknownError
		return x402.SettleResponse{Success: false, ErrorReason: &reason, Payer: verifyResp.Payer, Network: d.network}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Payer:       verifyResp.Payer,
		Transaction: base58.Encode(sig[:]),
		Network:     d.network,
	}, nil
}
