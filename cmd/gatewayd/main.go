// Command gatewayd is the gateway server process: it loads Config, opens
// the SQLite-backed durable stores, wires PaymentProtocol and its
// collaborators, and mounts every HTTP surface onto a chi router. Flag-free:
// every knob comes from the environment via config.Load.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pocketbase/dbx"

	_ "modernc.org/sqlite"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/catalog"
	"github.com/txtx/moneymq/channelmanager"
	"github.com/txtx/moneymq/channelsse"
	"github.com/txtx/moneymq/config"
	"github.com/txtx/moneymq/cursorsync"
	"github.com/txtx/moneymq/eventstore"
	"github.com/txtx/moneymq/facilitator"
	"github.com/txtx/moneymq/gating"
	"github.com/txtx/moneymq/httpapi"
	"github.com/txtx/moneymq/protocol"
	"github.com/txtx/moneymq/sandbox"
	"github.com/txtx/moneymq/sse"
	"github.com/txtx/moneymq/streamhttp"
	"github.com/txtx/moneymq/streamstore"
	"github.com/txtx/moneymq/txstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gatewayd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := dbx.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := eventstore.New(db)
	if err != nil {
		return err
	}
	cursors, err := cursorsync.New(db)
	if err != nil {
		return err
	}
	txs, err := txstore.New(db)
	if err != nil {
		return err
	}

	channels := channelmanager.New(events, cfg.Scope)
	streams := streamstore.New(streamstore.WithLogger(logger))
	defer streams.Close()

	fac := facilitator.NewLocal(cfg.Facilitator)
	proto := protocol.New(fac, txs, events, channels, cfg.Scope, protocol.WithLogger(logger))

	api := httpapi.New(proto, fac, txs, logger)
	broadcaster := sse.New(events, cursors, cfg.Scope, logger)
	streamHandler := streamhttp.New(streams, logger)
	channelHandler := channelsse.New(channels, logger)

	var sandboxRegistry *sandbox.Registry
	if cfg.Scope.IsSandbox && cfg.Sandbox != nil {
		sandboxRegistry, err = initSandbox(context.Background(), logger, cfg)
		if err != nil {
			logger.Error("gatewayd: sandbox init failed", "error", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.Healthz)
	r.Get("/supported", api.Supported)
	r.Post("/verify", api.Verify)
	r.Post("/settle", api.Settle)
	r.Get("/admin/transactions", api.AdminTransactions)
	r.Get("/events", broadcaster.ServeHTTP)
	r.Handle("/stream/*", streamHandler)
	r.Handle("/channels/{txID}", channelHandler)
	if sandboxRegistry != nil {
		r.Get("/sandbox/accounts", sandboxRegistry.ServeHTTP)
	}

	mountPaidRoutes(r, proto, cfg, logger)

	srv := &http.Server{
		Addr:              cfg.BindAddress + ":" + strconv.Itoa(cfg.BindPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatewayd: listening", "addr", srv.Addr, "sandbox", cfg.Scope.IsSandbox)
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("gatewayd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// mountPaidRoutes wires the illustrative gated /premium route. When
// CATALOG_PATH is set, that route offers one payment requirement per
// catalog product; otherwise, or when the catalog yields none, it offers a
// single fallback requirement, so the 402 handshake is exercised end to
// end either way. The
// Stripe-shaped read-only catalog endpoints belong to the host
// application; only the requirements derived from the catalog live here.
func mountPaidRoutes(r chi.Router, proto *protocol.Protocol, cfg *config.Config, logger *slog.Logger) {
	requirements := fallbackRequirements()
	if cfg.CatalogPath != "" {
		cat, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			logger.Error("gatewayd: catalog load failed, using fallback route", "error", err)
		} else if reqs := catalogRequirements(cat, cfg.Scope.IsSandbox); len(reqs) > 0 {
			requirements = reqs
		}
	}

	r.Group(func(r chi.Router) {
		r.Use(gating.Middleware(gating.Config{
			Protocol:     proto,
			Logger:       logger,
			Requirements: requirements,
		}))
		r.Get("/premium", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"premium":true}`))
		})
	})
}

// catalogRequirements derives one payment requirement per active product
// with an active price, carrying the product's resolved external id and
// currency in extra.
func catalogRequirements(cat *catalog.Catalog, isSandbox bool) []x402.PaymentRequirements {
	var out []x402.PaymentRequirements
	for i := range cat.Products {
		product := &cat.Products[i]
		if !product.Active {
			continue
		}
		price, ok := product.ActivePrice()
		if !ok || price.UnitAmount == nil {
			continue
		}
		description := "Payment required"
		if product.Name != nil {
			description = "Access to " + *product.Name
		}
		out = append(out, x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           x402.NetworkSolanaMainnet,
			MaxAmountRequired: strconv.FormatInt(*price.UnitAmount, 10),
			Description:       description,
			MimeType:          "application/json",
			PayTo:             payToFromEnv(),
			Asset:             usdcMintFromEnv(),
			MaxTimeoutSeconds: 60,
			Extra: map[string]any{
				"product":  product.ExternalID(product.ID, isSandbox),
				"currency": price.Currency,
			},
		})
	}
	return out
}

func fallbackRequirements() []x402.PaymentRequirements {
	return []x402.PaymentRequirements{
		{
			Scheme:            x402.SchemeExact,
			Network:           x402.NetworkSolanaMainnet,
			MaxAmountRequired: "1000000",
			Description:       "Access to paywalled content",
			MimeType:          "application/json",
			PayTo:             payToFromEnv(),
			Asset:             usdcMintFromEnv(),
			MaxTimeoutSeconds: 60,
		},
	}
}

// payToFromEnv and usdcMintFromEnv resolve the sample gated route's
// recipient and accepted asset from the environment; a real deployment
// would source these per-product from the catalog collaborator.
func payToFromEnv() string {
	if v := os.Getenv("GATEWAYD_SAMPLE_PAY_TO"); v != "" {
		return v
	}
	return solana.SystemProgramID.String()
}

func usdcMintFromEnv() string {
	if v := os.Getenv("GATEWAYD_SAMPLE_ASSET"); v != "" {
		return v
	}
	return solana.SystemProgramID.String()
}

// initSandbox provisions local test accounts against the configured
// surfnet network. It is a best-effort step: a failure here (e.g. the
// local validator isn't up yet) is logged, not fatal, since sandbox mode
// is a development convenience, not the payment protocol's critical path.
func initSandbox(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*sandbox.Registry, error) {
	nc, ok := cfg.Facilitator.Networks[x402.NetworkSolanaSurfnet]
	if !ok {
		logger.Warn("gatewayd: sandbox requested but no surfnet network configured")
		return nil, nil
	}

	var usdcMint solana.PublicKey
	if cfg.Sandbox.USDCMint != "" {
		mint, err := solana.PublicKeyFromBase58(cfg.Sandbox.USDCMint)
		if err != nil {
			return nil, err
		}
		usdcMint = mint
	}

	registry, err := sandbox.Init(ctx, nc.RPCURL, cfg.Sandbox, usdcMint)
	if err != nil {
		return nil, err
	}
	logger.Info("gatewayd: sandbox accounts provisioned", "count", len(registry.Accounts()))
	return registry, nil
}
