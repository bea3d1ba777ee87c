package webhook

import (
	"context"
	"crypto/hmac"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const (
	ebayChallengeHeader = "X-EBAY-SOA-CHALLENGE"
	ebayMessageIDHeader = "X-EBAY-SOA-MESSAGE-ID"
	ebayTokenHeader     = "X-EBAY-SOA-VERIFICATION-TOKEN"
)

// EbayVerifier accepts challenge-response probes outright and otherwise
// requires the configured verification token alongside a message id.
type EbayVerifier struct {
	secrets SecretSource
}

// NewEbayVerifier creates the eBay scheme verifier.
func NewEbayVerifier(secrets SecretSource) *EbayVerifier {
	return &EbayVerifier{secrets: secrets}
}

func (v *EbayVerifier) Marketplace() model.Marketplace {
	return model.MarketplaceEbay
}

func (v *EbayVerifier) Verify(ctx context.Context, headers http.Header, body []byte) Result {
	if challenge := headers.Get(ebayChallengeHeader); challenge != "" {
		return Result{Valid: true, Metadata: map[string]string{"challenge": challenge}}
	}

	messageID := headers.Get(ebayMessageIDHeader)
	if messageID == "" {
		return invalid(ReasonMissingMessageID)
	}
	token := headers.Get(ebayTokenHeader)
	if token == "" {
		return invalid(ReasonMissingToken)
	}

	expected, err := v.secrets.WebhookSecret(ctx, model.MarketplaceEbay)
	if err != nil || expected == "" {
		return invalid(ReasonMissingSecret)
	}

	if !hmac.Equal([]byte(token), []byte(expected)) {
		return invalid(ReasonTokenMismatch)
	}
	return Result{Valid: true, Metadata: map[string]string{"message_id": messageID}}
}
