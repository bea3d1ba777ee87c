package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meschain/sync-core/internal/model"
)

// amazonDriver speaks the SP-API with an LWA access token. Listings come
// back in one large page; webhook payloads are SNS envelopes whose inner
// message carries the notification type.
type amazonDriver struct{}

func (d *amazonDriver) marketplace() model.Marketplace { return model.MarketplaceAmazon }

func (d *amazonDriver) defaultBaseURL() string { return "https://sellingpartnerapi-eu.amazon.com" }

func (d *amazonDriver) decorate(req *http.Request, creds credentials) {
	req.Header.Set("x-amz-access-token", creds.Token)
}

func (d *amazonDriver) listPath(creds credentials, entity string, _ int) string {
	if entity == EntityOrders {
		since := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
		return "/orders/v0/orders?MaxResultsPerPage=100&CreatedAfter=" + since
	}
	return fmt.Sprintf("/listings/2021-08-01/items/%s?pageSize=20", creds.AccountID)
}

func (d *amazonDriver) healthPath(credentials) string {
	return "/sellers/v1/marketplaceParticipations"
}

func (d *amazonDriver) parseList(entity string, body []byte) (int, bool, error) {
	if entity == EntityOrders {
		var resp struct {
			Payload struct {
				Orders []json.RawMessage `json:"Orders"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, false, fmt.Errorf("malformed orders listing: %w", err)
		}
		return len(resp.Payload.Orders), false, nil
	}

	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("malformed products listing: %w", err)
	}
	return len(resp.Items), false, nil
}

func (d *amazonDriver) webhookEvent(receipt *model.WebhookReceipt) (string, error) {
	var envelope struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(receipt.Payload, &envelope); err != nil {
		return "", fmt.Errorf("malformed webhook payload: %w", err)
	}
	if envelope.Type != "Notification" || envelope.Message == "" {
		return "webhook.amazon.received", nil
	}
	return webhookEventName(d.marketplace(), []byte(envelope.Message), "notificationType")
}
