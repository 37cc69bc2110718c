// Package sandbox provisions local-development accounts against a surfnet
// (ephemeral local validator): it generates fresh managed keypairs, funds
// them with SOL and USDC via the surfnet's balance-setting RPCs, and
// publishes the resulting addresses on /sandbox/accounts. The gateway
// itself manages every sandbox account; nothing here runs outside sandbox
// mode.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/txtx/moneymq/config"
)

// Account is one provisioned sandbox slot: a fresh keypair, its lamports
// balance, and (when a mint was configured) its USDC associated token
// account.
type Account struct {
	Label                  string `json:"label"`
	PublicKey              string `json:"publicKey"`
	LamportsFunded         uint64 `json:"lamportsFunded"`
	AssociatedTokenAccount string `json:"associatedTokenAccount,omitempty"`
	TokenAmountFunded      uint64 `json:"tokenAmountFunded,omitempty"`
}

// Registry holds every account SandboxInit provisioned and serves them on
// GET /sandbox/accounts.
type Registry struct {
	mu       sync.RWMutex
	operator Account
	users    []Account
}

// Accounts returns a snapshot of every provisioned account, operator first.
func (r *Registry) Accounts() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.users)+1)
	out = append(out, r.operator)
	out = append(out, r.users...)
	return out
}

// ServeHTTP implements GET /sandbox/accounts.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Accounts []Account `json:"accounts"`
	}{Accounts: r.Accounts()})
}

// DefaultLamportsFunding is the SOL balance (in lamports) seeded into every
// provisioned account so it can pay transaction fees.
const DefaultLamportsFunding = 5_000_000_000 // 5 SOL

// DefaultTokenFunding is the USDC amount (in the mint's base units) seeded
// into every provisioned account's associated token account.
const DefaultTokenFunding = 1_000_000_000 // 1,000 USDC at 6 decimals

// Init provisions one managed keypair for the operator plus one per
// configured user label, funds each with SOL, and, when usdcMint is set,
// derives and funds each account's USDC associated token account via the
// surfnet's account-mutation RPCs. It never touches a mainnet validator:
// callers are expected to gate this behind Scope.IsSandbox.
func Init(ctx context.Context, rpcURL string, cfg *config.SandboxConfig, usdcMint solana.PublicKey) (*Registry, error) {
	client := &rpcClient{baseURL: rpcURL}

	operatorKey, err := provisionAccount(ctx, client, "operator", usdcMint)
	if err != nil {
		return nil, fmt.Errorf("sandbox: provision operator: %w", err)
	}

	users := make([]Account, 0, len(cfg.UserAccounts))
	for _, label := range cfg.UserAccounts {
		account, err := provisionAccount(ctx, client, label, usdcMint)
		if err != nil {
			return nil, fmt.Errorf("sandbox: provision %s: %w", label, err)
		}
		users = append(users, account)
	}

	return &Registry{operator: operatorKey, users: users}, nil
}

// provisionAccount generates a fresh managed keypair under a named slot,
// funds it with SOL, and, when a mint is configured, funds its USDC
// associated token account.
func provisionAccount(ctx context.Context, client *rpcClient, label string, usdcMint solana.PublicKey) (Account, error) {
	wallet := solana.NewWallet()
	pub := wallet.PublicKey()

	if err := client.setAccountBalance(ctx, pub, DefaultLamportsFunding); err != nil {
		return Account{}, fmt.Errorf("set account balance: %w", err)
	}

	account := Account{
		Label:          label,
		PublicKey:      pub.String(),
		LamportsFunded: DefaultLamportsFunding,
	}

	if usdcMint == (solana.PublicKey{}) {
		return account, nil
	}

	ata, _, err := solana.FindAssociatedTokenAddress(pub, usdcMint)
	if err != nil {
		return Account{}, fmt.Errorf("derive associated token account: %w", err)
	}
	if err := client.setTokenAccount(ctx, ata, pub, usdcMint, DefaultTokenFunding); err != nil {
		return Account{}, fmt.Errorf("set token account: %w", err)
	}

	account.AssociatedTokenAccount = ata.String()
	account.TokenAmountFunded = DefaultTokenFunding
	return account, nil
}

// rpcClient speaks the surfnet's non-standard "set account balance"/"set
// token account" JSON-RPC extensions. These node-specific calls have no
// equivalent in gagliardetto/solana-go/rpc, so a minimal raw JSON-RPC POST
// is used instead of the library's typed client.
type rpcClient struct {
	baseURL string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Error *rpcError `json:"error"`
}

func (c *rpcClient) call(ctx context.Context, method string, params []any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	return nil
}

func (c *rpcClient) setAccountBalance(ctx context.Context, account solana.PublicKey, lamports uint64) error {
	return c.call(ctx, "surfnet_setAccount", []any{
		account.String(),
		map[string]any{"lamports": lamports},
	})
}

func (c *rpcClient) setTokenAccount(ctx context.Context, ata, owner, mint solana.PublicKey, amount uint64) error {
	return c.call(ctx, "surfnet_setTokenAccount", []any{
		ata.String(),
		map[string]any{
			"mint":   mint.String(),
			"owner":  owner.String(),
			"amount": amount,
		},
	})
}
