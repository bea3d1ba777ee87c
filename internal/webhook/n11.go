package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/meschain/sync-core/internal/model"
)

const (
	n11SignatureHeader = "X-N11-Signature"
	n11TimestampHeader = "X-N11-Timestamp"
	n11NonceHeader     = "X-N11-Nonce"
)

// N11Verifier checks an HMAC-SHA256 over timestamp + nonce + body and
// enforces the 300 second freshness window.
type N11Verifier struct {
	secrets SecretSource
	now     func() time.Time
}

// NewN11Verifier creates the N11 scheme verifier.
func NewN11Verifier(secrets SecretSource) *N11Verifier {
	return &N11Verifier{secrets: secrets, now: time.Now}
}

func (v *N11Verifier) Marketplace() model.Marketplace {
	return model.MarketplaceN11
}

func (v *N11Verifier) Verify(ctx context.Context, headers http.Header, body []byte) Result {
	sig := headers.Get(n11SignatureHeader)
	if sig == "" {
		return invalid(ReasonMissingSignature)
	}
	timestamp := headers.Get(n11TimestampHeader)
	if timestamp == "" {
		return invalid(ReasonMissingTimestamp)
	}
	nonce := headers.Get(n11NonceHeader)
	if nonce == "" {
		return invalid(ReasonMissingNonce)
	}

	if reason := checkFreshness(timestamp, v.now()); reason != "" {
		return invalid(reason)
	}

	secret, err := v.secrets.WebhookSecret(ctx, model.MarketplaceN11)
	if err != nil || secret == "" {
		return invalid(ReasonMissingSecret)
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return invalid(ReasonMalformedSig)
	}

	signed := make([]byte, 0, len(timestamp)+len(nonce)+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, nonce...)
	signed = append(signed, body...)

	if !hmac.Equal(provided, hmacSHA256(secret, signed)) {
		return invalid(ReasonSignatureMismatch)
	}
	return valid()
}
