package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const ozonPageSize = 100

// ozonDriver speaks the Ozon seller API: client ID and API key headers,
// page-indexed listings.
type ozonDriver struct{}

func (d *ozonDriver) marketplace() model.Marketplace { return model.MarketplaceOzon }

func (d *ozonDriver) defaultBaseURL() string { return "https://api-seller.ozon.ru" }

func (d *ozonDriver) decorate(req *http.Request, creds credentials) {
	req.Header.Set("Client-Id", creds.AccountID)
	req.Header.Set("Api-Key", creds.APIKey)
}

func (d *ozonDriver) listPath(_ credentials, entity string, page int) string {
	if entity == EntityOrders {
		return fmt.Sprintf("/v3/posting/fbs/list?page=%d&page_size=%d", page+1, ozonPageSize)
	}
	return fmt.Sprintf("/v2/product/list?page=%d&page_size=%d", page+1, ozonPageSize)
}

func (d *ozonDriver) healthPath(credentials) string { return "/v1/warehouse/list" }

func (d *ozonDriver) parseList(entity string, body []byte) (int, bool, error) {
	var resp struct {
		Result struct {
			Items []json.RawMessage `json:"items"`
			Total int               `json:"total"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("malformed %s listing: %w", entity, err)
	}
	// A short page means the listing is exhausted.
	items := len(resp.Result.Items)
	return items, items == ozonPageSize, nil
}

func (d *ozonDriver) webhookEvent(receipt *model.WebhookReceipt) (string, error) {
	return webhookEventName(d.marketplace(), receipt.Payload, "message_type")
}
