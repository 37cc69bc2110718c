// Package gating implements the HTTP-402 challenge/response handshake
// wrapping any route marked "paid". Settlement is deferred behind a
// http.ResponseWriter wrapper until the wrapped handler commits a
// non-error status, and verify/settle are direct in-process calls into
// protocol.Protocol: this server is the facilitator, not a client of one.
package gating

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"

	x402 "github.com/txtx/moneymq"
	"github.com/txtx/moneymq/encoding"
	"github.com/txtx/moneymq/protocol"
	"github.com/txtx/moneymq/validation"
)

type contextKey string

// PaymentContextKey is the context key GatingMiddleware stores the decided
// x402.VerifyResponse under, for the wrapped handler to read.
const PaymentContextKey = contextKey("x402_payment")

// TestForceChallengeOnce forces every request through the 402 challenge,
// regardless of whether X-Payment is present, for end-to-end test
// harnesses. Only _test.go files in this package may set it to true;
// cmd/gatewayd never references it.
var TestForceChallengeOnce = false

// Config configures one gated route.
type Config struct {
	// Protocol runs verify/settle against the in-process facilitator.
	Protocol *protocol.Protocol
	// Requirements are the accepted payment templates for this route.
	// Resource and Extra.transactionId are stamped in per request.
	Requirements []x402.PaymentRequirements
	// VerifyOnly skips settlement when true (verify-only deployments).
	VerifyOnly bool
	Logger     *slog.Logger
}

// Middleware wraps next with the x402 challenge/response handshake.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requirements := stampRequirements(cfg.Requirements, r)

			paymentHeader := r.Header.Get("X-Payment")
			if paymentHeader == "" || TestForceChallengeOnce {
				logger.Info("gating: no payment header, issuing challenge", "path", r.URL.Path)
				sendChallenge(w, requirements, "")
				return
			}

			payment, err := encoding.DecodePayment(paymentHeader)
			if err != nil {
				logger.Warn("gating: malformed payment header", "error", err)
				http.Error(w, "invalid payment header", http.StatusBadRequest)
				return
			}
			if err := validation.ValidatePaymentPayload(payment); err != nil {
				logger.Warn("gating: invalid payment payload", "error", err)
				http.Error(w, "invalid payment payload", http.StatusBadRequest)
				return
			}

			requirement, ok := matchRequirement(payment, requirements)
			if !ok {
				logger.Warn("gating: no matching requirement", "scheme", payment.Scheme, "network", payment.Network)
				sendChallenge(w, requirements, "no matching payment requirement")
				return
			}

			verifyReq := x402.VerifyRequest{
				X402Version:         x402.X402Version,
				PaymentPayload:      payment,
				PaymentRequirements: requirement,
			}
			verifyResp, badRequest, err := cfg.Protocol.Verify(r.Context(), verifyReq)
			if err != nil {
				logger.Error("gating: verify failed", "error", err)
				http.Error(w, "payment verification failed", http.StatusServiceUnavailable)
				return
			}
			if badRequest || !verifyResp.Valid() {
				reason := ""
				if verifyResp.Reason != nil {
					reason = verifyResp.Reason.String()
				}
				logger.Warn("gating: payment invalid", "reason", reason)
				sendChallenge(w, requirements, reason)
				return
			}

			logger.Info("gating: payment verified", "payer", verifyResp.Payer)
			ctx := context.WithValue(r.Context(), PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if cfg.VerifyOnly {
						return true
					}
					settleResp, _, err := cfg.Protocol.Settle(r.Context(), verifyReq)
					if err != nil {
						logger.Error("gating: settle failed", "error", err)
						http.Error(w, "payment settlement failed", http.StatusServiceUnavailable)
						return false
					}
					if !settleResp.Success {
						logger.Warn("gating: settlement unsuccessful")
						sendChallenge(w, requirements, "settlement unsuccessful")
						return false
					}
					logger.Info("gating: payment settled", "transaction", settleResp.Transaction)
					if err := addSettleResponseHeader(w, settleResp); err != nil {
						logger.Warn("gating: failed to add settle response header", "error", err)
					}
					return true
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// stampRequirements copies templates, filling Resource from the inbound
// request and a fresh transactionId when one isn't already present.
func stampRequirements(templates []x402.PaymentRequirements, r *http.Request) []x402.PaymentRequirements {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	resourceURL := scheme + "://" + r.Host + r.URL.RequestURI()

	out := make([]x402.PaymentRequirements, len(templates))
	for i, tpl := range templates {
		req := tpl
		req.Resource = resourceURL
		if req.Description == "" {
			req.Description = "Payment required for " + r.URL.Path
		}
		extra := make(map[string]any, len(tpl.Extra)+1)
		for k, v := range tpl.Extra {
			extra[k] = v
		}
		if _, ok := extra["transactionId"]; !ok {
			extra["transactionId"] = uuid.NewString()
		}
		req.Extra = extra
		out[i] = req
	}
	return out
}

func matchRequirement(payment x402.PaymentPayload, requirements []x402.PaymentRequirements) (x402.PaymentRequirements, bool) {
	for _, req := range requirements {
		if req.Scheme == payment.Scheme && req.Network == payment.Network {
			return req, true
		}
	}
	return x402.PaymentRequirements{}, false
}

func sendChallenge(w http.ResponseWriter, requirements []x402.PaymentRequirements, errMsg string) {
	resp := x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       errMsg,
		Accepts:     requirements,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(resp)
}

func addSettleResponseHeader(w http.ResponseWriter, resp x402.SettleResponse) error {
	encoded, err := encoding.EncodeSettlement(resp)
	if err != nil {
		return err
	}
	w.Header().Set("X-Payment-Response", encoded)
	return nil
}

// settlementInterceptor defers settlement until the wrapped handler
// commits a status code, so that a handler error (>=400) never triggers
// settlement.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func() bool
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header { return i.w.Header() }

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.hijacked {
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	if statusCode >= 400 {
		i.w.WriteHeader(statusCode)
		return
	}
	if !i.settleFunc() {
		i.hijacked = true
		return
	}
	i.w.WriteHeader(statusCode)
}

func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("gating: hijacking not supported")
}

func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
