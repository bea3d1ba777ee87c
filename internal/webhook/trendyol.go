package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const trendyolSignatureHeader = "X-Trendyol-Signature"

// TrendyolVerifier checks the hex-encoded HMAC-SHA256 of the raw body.
type TrendyolVerifier struct {
	secrets SecretSource
}

// NewTrendyolVerifier creates the Trendyol scheme verifier.
func NewTrendyolVerifier(secrets SecretSource) *TrendyolVerifier {
	return &TrendyolVerifier{secrets: secrets}
}

func (v *TrendyolVerifier) Marketplace() model.Marketplace {
	return model.MarketplaceTrendyol
}

func (v *TrendyolVerifier) Verify(ctx context.Context, headers http.Header, body []byte) Result {
	sig := headers.Get(trendyolSignatureHeader)
	if sig == "" {
		return invalid(ReasonMissingSignature)
	}

	secret, err := v.secrets.WebhookSecret(ctx, model.MarketplaceTrendyol)
	if err != nil || secret == "" {
		return invalid(ReasonMissingSecret)
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return invalid(ReasonMalformedSig)
	}

	if !hmac.Equal(provided, hmacSHA256(secret, body)) {
		return invalid(ReasonSignatureMismatch)
	}
	return valid()
}
