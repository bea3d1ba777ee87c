package model

import "time"

// Marketplace identifies an external sales channel.
type Marketplace string

const (
	MarketplaceTrendyol    Marketplace = "trendyol"
	MarketplaceN11         Marketplace = "n11"
	MarketplaceAmazon      Marketplace = "amazon"
	MarketplaceHepsiburada Marketplace = "hepsiburada"
	MarketplaceEbay        Marketplace = "ebay"
	MarketplaceOzon        Marketplace = "ozon"
)

// Marketplaces lists every supported channel in a stable order.
func Marketplaces() []Marketplace {
	return []Marketplace{
		MarketplaceTrendyol,
		MarketplaceN11,
		MarketplaceAmazon,
		MarketplaceHepsiburada,
		MarketplaceEbay,
		MarketplaceOzon,
	}
}

// IsValid reports whether m names a supported marketplace.
func (m Marketplace) IsValid() bool {
	switch m {
	case MarketplaceTrendyol, MarketplaceN11, MarketplaceAmazon,
		MarketplaceHepsiburada, MarketplaceEbay, MarketplaceOzon:
		return true
	}
	return false
}

// SyncResult summarizes one product or order synchronization pass.
type SyncResult struct {
	Marketplace Marketplace   `json:"marketplace"`
	Entity      string        `json:"entity"`
	ItemsSynced int           `json:"items_synced"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}
