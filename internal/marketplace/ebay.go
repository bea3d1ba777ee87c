package marketplace

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meschain/sync-core/internal/model"
)

const ebayPageSize = 100

// ebayDriver speaks the eBay Sell APIs with an OAuth bearer token and
// limit/offset pagination. Webhook payloads carry the topic in their
// notification metadata.
type ebayDriver struct{}

func (d *ebayDriver) marketplace() model.Marketplace { return model.MarketplaceEbay }

func (d *ebayDriver) defaultBaseURL() string { return "https://api.ebay.com" }

func (d *ebayDriver) decorate(req *http.Request, creds credentials) {
	req.Header.Set("Authorization", "Bearer "+creds.Token)
}

func (d *ebayDriver) listPath(_ credentials, entity string, page int) string {
	offset := page * ebayPageSize
	if entity == EntityOrders {
		return fmt.Sprintf("/sell/fulfillment/v1/order?limit=%d&offset=%d", ebayPageSize, offset)
	}
	return fmt.Sprintf("/sell/inventory/v1/inventory_item?limit=%d&offset=%d", ebayPageSize, offset)
}

func (d *ebayDriver) healthPath(credentials) string { return "/sell/account/v1/privilege" }

func (d *ebayDriver) parseList(entity string, body []byte) (int, bool, error) {
	var resp struct {
		Orders         []json.RawMessage `json:"orders"`
		InventoryItems []json.RawMessage `json:"inventoryItems"`
		Total          int               `json:"total"`
		Offset         int               `json:"offset"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("malformed %s listing: %w", entity, err)
	}

	items := len(resp.InventoryItems)
	if entity == EntityOrders {
		items = len(resp.Orders)
	}
	return items, resp.Offset+items < resp.Total, nil
}

func (d *ebayDriver) webhookEvent(receipt *model.WebhookReceipt) (string, error) {
	var envelope struct {
		Metadata struct {
			Topic string `json:"topic"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(receipt.Payload, &envelope); err != nil {
		return "", fmt.Errorf("malformed webhook payload: %w", err)
	}
	if envelope.Metadata.Topic == "" {
		return "webhook.ebay.received", nil
	}
	return "webhook.ebay." + envelope.Metadata.Topic, nil
}
