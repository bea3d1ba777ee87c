// Package webhook validates inbound marketplace webhooks. Each
// marketplace carries its own signature scheme behind the Verifier
// interface; all signature comparisons are constant-time.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

// Validation failure reasons. A verification never silently passes: a
// missing header or missing server-side secret yields a specific reason.
const (
	ReasonMissingSignature  = "missing signature header"
	ReasonMissingSecret     = "webhook secret not configured"
	ReasonMalformedSig      = "malformed signature"
	ReasonSignatureMismatch = "signature mismatch"
	ReasonMissingTimestamp  = "missing timestamp header"
	ReasonStaleTimestamp    = "timestamp outside freshness window"
	ReasonMissingNonce      = "missing nonce header"
	ReasonMissingMessageID  = "missing message id header"
	ReasonMissingToken      = "missing verification token header"
	ReasonTokenMismatch     = "verification token mismatch"
	ReasonUnknownScheme     = "unknown marketplace"
)

// freshnessWindow bounds how far a signed timestamp may drift from now.
const freshnessWindow = 300 * time.Second

// ErrUnknownMarketplace is returned when no verifier is registered for a
// marketplace.
var ErrUnknownMarketplace = errors.New("no verifier registered for marketplace")

// Result is the uniform outcome of a verification.
type Result struct {
	Valid    bool              `json:"valid"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func invalid(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

func valid() Result {
	return Result{Valid: true}
}

// SecretSource supplies the per-marketplace webhook secret (or, for eBay,
// the verification token).
type SecretSource interface {
	WebhookSecret(ctx context.Context, m model.Marketplace) (string, error)
}

// Verifier validates one marketplace's webhook scheme.
type Verifier interface {
	Marketplace() model.Marketplace
	Verify(ctx context.Context, headers http.Header, body []byte) Result
}

// Registry selects the verifier for a marketplace.
type Registry struct {
	logger    *zap.Logger
	verifiers map[model.Marketplace]Verifier
}

// NewRegistry creates a registry with the given verifiers.
func NewRegistry(logger *zap.Logger, verifiers ...Verifier) *Registry {
	r := &Registry{
		logger:    logger.Named("webhook"),
		verifiers: make(map[model.Marketplace]Verifier, len(verifiers)),
	}
	for _, v := range verifiers {
		r.verifiers[v.Marketplace()] = v
	}
	return r
}

// DefaultRegistry wires all six marketplace verifiers against the given
// secret source.
func DefaultRegistry(secrets SecretSource, client *http.Client, logger *zap.Logger) *Registry {
	return NewRegistry(logger,
		NewTrendyolVerifier(secrets),
		NewN11Verifier(secrets),
		NewAmazonVerifier(client, logger),
		NewHepsiburadaVerifier(secrets),
		NewEbayVerifier(secrets),
		NewOzonVerifier(secrets),
	)
}

// Verify runs the marketplace's scheme against the request.
func (r *Registry) Verify(ctx context.Context, m model.Marketplace, headers http.Header, body []byte) (Result, error) {
	v, ok := r.verifiers[m]
	if !ok {
		return invalid(ReasonUnknownScheme), fmt.Errorf("%w: %s", ErrUnknownMarketplace, m)
	}

	result := v.Verify(ctx, headers, body)
	if !result.Valid {
		r.logger.Warn("Webhook rejected",
			zap.String("marketplace", string(m)),
			zap.String("reason", result.Reason))
	}
	return result, nil
}

// hmacSHA256 computes the HMAC-SHA256 of msg under secret.
func hmacSHA256(secret string, msg []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}

// checkFreshness validates a unix-seconds timestamp against the freshness
// window. Returns the failure reason, or empty when fresh.
func checkFreshness(raw string, now time.Time) string {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ReasonStaleTimestamp
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > freshnessWindow {
		return ReasonStaleTimestamp
	}
	return ""
}
