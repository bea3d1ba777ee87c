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
	ozonSignatureHeader = "X-Ozon-Signature"
	ozonTimestampHeader = "X-Ozon-Timestamp"
)

// OzonVerifier checks an HMAC-SHA256 over timestamp + body with the same
// freshness window as N11.
type OzonVerifier struct {
	secrets SecretSource
	now     func() time.Time
}

// NewOzonVerifier creates the Ozon scheme verifier.
func NewOzonVerifier(secrets SecretSource) *OzonVerifier {
	return &OzonVerifier{secrets: secrets, now: time.Now}
}

func (v *OzonVerifier) Marketplace() model.Marketplace {
	return model.MarketplaceOzon
}

func (v *OzonVerifier) Verify(ctx context.Context, headers http.Header, body []byte) Result {
	sig := headers.Get(ozonSignatureHeader)
	if sig == "" {
		return invalid(ReasonMissingSignature)
	}
	timestamp := headers.Get(ozonTimestampHeader)
	if timestamp == "" {
		return invalid(ReasonMissingTimestamp)
	}

	if reason := checkFreshness(timestamp, v.now()); reason != "" {
		return invalid(reason)
	}

	secret, err := v.secrets.WebhookSecret(ctx, model.MarketplaceOzon)
	if err != nil || secret == "" {
		return invalid(ReasonMissingSecret)
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return invalid(ReasonMalformedSig)
	}

	signed := make([]byte, 0, len(timestamp)+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, body...)

	if !hmac.Equal(provided, hmacSHA256(secret, signed)) {
		return invalid(ReasonSignatureMismatch)
	}
	return valid()
}
