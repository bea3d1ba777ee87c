package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const hepsiburadaPageSize = 100

// hepsiburadaDriver speaks the Hepsiburada MPOP API: basic auth with the
// merchant ID as username, offset/limit pagination.
type hepsiburadaDriver struct{}

func (d *hepsiburadaDriver) marketplace() model.Marketplace { return model.MarketplaceHepsiburada }

func (d *hepsiburadaDriver) defaultBaseURL() string { return "https://mpop.hepsiburada.com" }

func (d *hepsiburadaDriver) decorate(req *http.Request, creds credentials) {
	req.SetBasicAuth(creds.AccountID, creds.APISecret)
	req.Header.Set("User-Agent", creds.AccountID)
}

func (d *hepsiburadaDriver) listPath(_ credentials, entity string, page int) string {
	return fmt.Sprintf("/%s/api/%s?offset=%d&limit=%d",
		entity, entity, page*hepsiburadaPageSize, hepsiburadaPageSize)
}

func (d *hepsiburadaDriver) healthPath(creds credentials) string {
	return "/product/api/products/status?merchantId=" + creds.AccountID
}

func (d *hepsiburadaDriver) parseList(entity string, body []byte) (int, bool, error) {
	var resp struct {
		Listings   []json.RawMessage `json:"listings"`
		TotalCount int               `json:"totalCount"`
		Offset     int               `json:"offset"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("malformed %s listing: %w", entity, err)
	}
	return len(resp.Listings), resp.Offset+len(resp.Listings) < resp.TotalCount, nil
}

func (d *hepsiburadaDriver) webhookEvent(receipt *model.WebhookReceipt) (string, error) {
	return webhookEventName(d.marketplace(), receipt.Payload, "event")
}
