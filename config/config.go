// Package config assembles FacilitatorConfig, the (payment_stack_id,
// is_sandbox) scope every durable store partitions on, and the store/bind
// locations the rest of the gateway needs, from environment variables with
// functional-option overrides for tests. Manifest/YAML parsing belongs to
// the host application; this package's surface is a plain Go struct.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/eventstore"
)

// NetworkConfig binds one network tag to an RPC endpoint and the
// gateway-held fee-payer keypair that signs settlements on it. The mainnet
// and surfnet variants differ only in NetworkTag; both speak the same
// Solana RPC surface.
type NetworkConfig struct {
	NetworkTag   x402.NetworkType
	RPCURL       string
	PayerKeypair solana.PrivateKey
}

// Network returns the network tag this config answers for.
func (c NetworkConfig) Network() x402.NetworkType { return c.NetworkTag }

// Extra advertises the fee payer, as surfaced on GET /supported.
func (c NetworkConfig) Extra() map[string]any {
	return map[string]any{"feePayer": c.PayerKeypair.PublicKey().String()}
}

// NewSolanaMainnetConfig builds the mainnet network variant.
func NewSolanaMainnetConfig(rpcURL string, payer solana.PrivateKey) NetworkConfig {
	return NetworkConfig{NetworkTag: x402.NetworkSolanaMainnet, RPCURL: rpcURL, PayerKeypair: payer}
}

// NewSolanaSurfnetConfig builds the surfnet (local ephemeral validator)
// network variant.
func NewSolanaSurfnetConfig(rpcURL string, payer solana.PrivateKey) NetworkConfig {
	return NetworkConfig{NetworkTag: x402.NetworkSolanaSurfnet, RPCURL: rpcURL, PayerKeypair: payer}
}

// Facilitator is the network-tag-to-driver-handle mapping FacilitatorConfig
// describes, plus the public base URL clients can use to reach it.
type Facilitator struct {
	Networks map[x402.NetworkType]NetworkConfig
	BaseURL  string
}

// Supported renders one SupportedPaymentKind per configured network, sorted
// by network tag for a deterministic response body.
func (f Facilitator) Supported() x402.SupportedResponse {
	kinds := make([]x402.SupportedPaymentKind, 0, len(f.Networks))
	for _, nc := range f.Networks {
		kinds = append(kinds, x402.SupportedPaymentKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     nc.Network(),
			Extra:       nc.Extra(),
		})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return x402.SupportedResponse{Kinds: kinds}
}

// SandboxConfig carries the local-development-only toggles SandboxInit
// needs: the ephemeral validator's RPC/WS ports, accounts to pre-fund, and
// where to find (or generate) the fee-payer keypair.
type SandboxConfig struct {
	RPCBindingPort   int
	WSBindingPort    int
	UserAccounts     []string
	PayerKeypairPath string
	USDCMint         string
}

// Config is the assembled configuration surface the gateway consumes.
type Config struct {
	Scope        eventstore.Scope
	Facilitator  Facilitator
	DatabasePath string
	CatalogPath  string
	BindAddress  string
	BindPort     int
	Sandbox      *SandboxConfig
}

// Option overrides a field of Config, applied after environment loading.
// Primarily for tests that want a deterministic scope or an in-memory
// database without touching the process environment.
type Option func(*Config)

// WithScope overrides the (payment_stack_id, is_sandbox) scope.
func WithScope(scope eventstore.Scope) Option {
	return func(c *Config) { c.Scope = scope }
}

// WithDatabasePath overrides the SQLite DSN (e.g. ":memory:" for tests).
func WithDatabasePath(path string) Option {
	return func(c *Config) { c.DatabasePath = path }
}

// WithFacilitator overrides the assembled Facilitator entirely.
func WithFacilitator(f Facilitator) Option {
	return func(c *Config) { c.Facilitator = f }
}

// WithBindAddress overrides the HTTP bind address and port.
func WithBindAddress(addr string, port int) Option {
	return func(c *Config) { c.BindAddress = addr; c.BindPort = port }
}

// Load assembles a Config from the process environment, then applies opts.
//
// Recognized variables: PAYMENT_STACK_ID, IS_SANDBOX, DATABASE_PATH,
// CATALOG_PATH,
// BIND_ADDRESS, BIND_PORT, FACILITATOR_BASE_URL, FEE_PAYER_KEYPAIR (base58
// private key), SOLANA_MAINNET_RPC_URL, SOLANA_SURFNET_RPC_URL,
// SANDBOX_RPC_BINDING_PORT, SANDBOX_WS_BINDING_PORT,
// SANDBOX_USER_ACCOUNTS (comma-separated), SANDBOX_PAYER_KEYPAIR_PATH,
// SANDBOX_USDC_MINT.
func Load(opts ...Option) (*Config, error) {
	isSandbox, err := parseBool(os.Getenv("IS_SANDBOX"))
	if err != nil {
		return nil, fmt.Errorf("config: IS_SANDBOX: %w", err)
	}

	cfg := &Config{
		Scope: eventstore.Scope{
			PaymentStackID: envOr("PAYMENT_STACK_ID", "default"),
			IsSandbox:      isSandbox,
		},
		DatabasePath: envOr("DATABASE_PATH", "gatewayd.db"),
		CatalogPath:  os.Getenv("CATALOG_PATH"),
		BindAddress:  envOr("BIND_ADDRESS", "0.0.0.0"),
		BindPort:     envIntOr("BIND_PORT", 8080),
	}

	payer, err := loadPayerKeypair()
	if err != nil {
		return nil, err
	}

	networks := make(map[x402.NetworkType]NetworkConfig)
	if rpcURL := os.Getenv("SOLANA_MAINNET_RPC_URL"); rpcURL != "" {
		networks[x402.NetworkSolanaMainnet] = NewSolanaMainnetConfig(rpcURL, payer)
	}
	if rpcURL := os.Getenv("SOLANA_SURFNET_RPC_URL"); rpcURL != "" {
		networks[x402.NetworkSolanaSurfnet] = NewSolanaSurfnetConfig(rpcURL, payer)
	}
	cfg.Facilitator = Facilitator{
		Networks: networks,
		BaseURL:  os.Getenv("FACILITATOR_BASE_URL"),
	}

	if cfg.Scope.IsSandbox {
		cfg.Sandbox = &SandboxConfig{
			RPCBindingPort:   envIntOr("SANDBOX_RPC_BINDING_PORT", 8899),
			WSBindingPort:    envIntOr("SANDBOX_WS_BINDING_PORT", 8900),
			UserAccounts:     splitNonEmpty(os.Getenv("SANDBOX_USER_ACCOUNTS"), ","),
			PayerKeypairPath: os.Getenv("SANDBOX_PAYER_KEYPAIR_PATH"),
			USDCMint:         envOr("SANDBOX_USDC_MINT", ""),
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

func loadPayerKeypair() (solana.PrivateKey, error) {
	if key := os.Getenv("FEE_PAYER_KEYPAIR"); key != "" {
		payer, err := solana.PrivateKeyFromBase58(key)
		if err != nil {
			return nil, fmt.Errorf("config: FEE_PAYER_KEYPAIR: %w", err)
		}
		return payer, nil
	}
	// No fee payer configured: a fresh throwaway keypair keeps
	// NetworkConfig well formed. Nothing replaces it later; sandbox.Init
	// provisions separate accounts and leaves the fee payer as is.
	return solana.NewWallet().PrivateKey, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
