package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const hepsiburadaSignatureHeader = "X-Hepsiburada-Signature"

// HepsiburadaVerifier checks the base64-encoded HMAC-SHA256 of the raw body.
type HepsiburadaVerifier struct {
	secrets SecretSource
}

// NewHepsiburadaVerifier creates the Hepsiburada scheme verifier.
func NewHepsiburadaVerifier(secrets SecretSource) *HepsiburadaVerifier {
	return &HepsiburadaVerifier{secrets: secrets}
}

func (v *HepsiburadaVerifier) Marketplace() model.Marketplace {
	return model.MarketplaceHepsiburada
}

func (v *HepsiburadaVerifier) Verify(ctx context.Context, headers http.Header, body []byte) Result {
	sig := headers.Get(hepsiburadaSignatureHeader)
	if sig == "" {
		return invalid(ReasonMissingSignature)
	}

	secret, err := v.secrets.WebhookSecret(ctx, model.MarketplaceHepsiburada)
	if err != nil || secret == "" {
		return invalid(ReasonMissingSecret)
	}

	provided, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return invalid(ReasonMalformedSig)
	}

	if !hmac.Equal(provided, hmacSHA256(secret, body)) {
		return invalid(ReasonSignatureMismatch)
	}
	return valid()
}
