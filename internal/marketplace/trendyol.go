package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const trendyolPageSize = 100

// trendyolDriver speaks the Trendyol supplier API: basic auth with the
// API key pair, supplier ID in the path, page/size pagination.
type trendyolDriver struct{}

func (d *trendyolDriver) marketplace() model.Marketplace { return model.MarketplaceTrendyol }

func (d *trendyolDriver) defaultBaseURL() string { return "https://api.trendyol.com/sapigw" }

func (d *trendyolDriver) decorate(req *http.Request, creds credentials) {
	req.SetBasicAuth(creds.APIKey, creds.APISecret)
	req.Header.Set("User-Agent", creds.AccountID+" - SelfIntegration")
}

func (d *trendyolDriver) listPath(creds credentials, entity string, page int) string {
	return fmt.Sprintf("/suppliers/%s/%s?page=%d&size=%d", creds.AccountID, entity, page, trendyolPageSize)
}

func (d *trendyolDriver) healthPath(creds credentials) string {
	return fmt.Sprintf("/suppliers/%s/addresses", creds.AccountID)
}

func (d *trendyolDriver) parseList(entity string, body []byte) (int, bool, error) {
	var resp struct {
		Content    []json.RawMessage `json:"content"`
		Page       int               `json:"page"`
		TotalPages int               `json:"totalPages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("malformed %s listing: %w", entity, err)
	}
	return len(resp.Content), resp.Page+1 < resp.TotalPages, nil
}

func (d *trendyolDriver) webhookEvent(receipt *model.WebhookReceipt) (string, error) {
	return webhookEventName(d.marketplace(), receipt.Payload, "status")
}
