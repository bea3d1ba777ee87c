package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const n11PageSize = 100

// n11Driver speaks the N11 marketplace service API: app key pair in
// headers, page-indexed listings.
type n11Driver struct{}

func (d *n11Driver) marketplace() model.Marketplace { return model.MarketplaceN11 }

func (d *n11Driver) defaultBaseURL() string { return "https://api.n11.com/ms" }

func (d *n11Driver) decorate(req *http.Request, creds credentials) {
	req.Header.Set("appkey", creds.APIKey)
	req.Header.Set("appsecret", creds.APISecret)
}

func (d *n11Driver) listPath(_ credentials, entity string, page int) string {
	return fmt.Sprintf("/%s?currentPage=%d&pageSize=%d", entity, page, n11PageSize)
}

func (d *n11Driver) healthPath(credentials) string { return "/categories" }

func (d *n11Driver) parseList(entity string, body []byte) (int, bool, error) {
	var resp struct {
		Content   []json.RawMessage `json:"content"`
		PageCount int               `json:"pageCount"`
		Page      int               `json:"currentPage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("malformed %s listing: %w", entity, err)
	}
	return len(resp.Content), resp.Page+1 < resp.PageCount, nil
}

func (d *n11Driver) webhookEvent(receipt *model.WebhookReceipt) (string, error) {
	return webhookEventName(d.marketplace(), receipt.Payload, "eventType")
}
