// Package marketplace holds the per-channel sync helpers. Each
// marketplace contributes a thin driver (endpoints, auth decoration,
// response parsing) while the shared helper owns pagination, rate limit
// gating, result recording and event announcements.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/config"
	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/ratelimit"
)

const (
	// EntityProducts and EntityOrders name the two sync surfaces.
	EntityProducts = "products"
	EntityOrders   = "orders"

	maxSyncPages = 50
)

// ErrNotConfigured is returned when a marketplace has no credentials.
var ErrNotConfigured = errors.New("marketplace credentials not configured")

// Helper is one marketplace's sync surface.
type Helper interface {
	Marketplace() model.Marketplace
	HealthCheck(ctx context.Context) model.CheckResult
	SyncProducts(ctx context.Context, tenantID string) (*model.SyncResult, error)
	SyncOrders(ctx context.Context, tenantID string) (*model.SyncResult, error)
	ProcessWebhook(ctx context.Context, receipt *model.WebhookReceipt) error
}

// credentials are resolved per tenant from configuration under
// marketplace.<name>.<field>.
type credentials struct {
	BaseURL   string
	APIKey    string
	APISecret string
	AccountID string
	Token     string
}

func (c credentials) empty() bool {
	return c.APIKey == "" && c.Token == ""
}

// driver supplies the marketplace-specific pieces of a helper.
type driver interface {
	marketplace() model.Marketplace
	// defaultBaseURL is used when configuration carries no override.
	defaultBaseURL() string
	// decorate applies the marketplace's authentication to a request.
	decorate(req *http.Request, creds credentials)
	// listPath builds the request path for one page of an entity listing.
	listPath(creds credentials, entity string, page int) string
	// healthPath is a cheap authenticated endpoint for liveness probing.
	healthPath(creds credentials) string
	// parseList extracts the item count and whether more pages remain.
	parseList(entity string, body []byte) (items int, more bool, err error)
	// webhookEvent maps a verified webhook payload to a bus event name.
	webhookEvent(receipt *model.WebhookReceipt) (string, error)
}

// helper implements Helper over a driver.
type helper struct {
	drv     driver
	logger  *zap.Logger
	cfg     *config.Service
	limiter *ratelimit.Limiter
	bus     *event.Bus
	client  *Client
}

func newHelper(drv driver, cfg *config.Service, limiter *ratelimit.Limiter, bus *event.Bus, client *Client, logger *zap.Logger) *helper {
	return &helper{
		drv:     drv,
		logger:  logger.Named(string(drv.marketplace())),
		cfg:     cfg,
		limiter: limiter,
		bus:     bus,
		client:  client,
	}
}

func (h *helper) Marketplace() model.Marketplace {
	return h.drv.marketplace()
}

// HealthCheck probes the marketplace API with a cheap authenticated call.
func (h *helper) HealthCheck(ctx context.Context) model.CheckResult {
	name := "marketplace:" + string(h.Marketplace())

	creds, err := h.credentials(ctx, "")
	if err != nil {
		return model.CheckResult{
			Name:    name,
			Status:  model.HealthStatusWarning,
			Message: err.Error(),
		}
	}

	started := time.Now()
	status, _, err := h.client.GetJSON(ctx, creds.BaseURL+h.drv.healthPath(creds), func(req *http.Request) {
		h.drv.decorate(req, creds)
	})
	latency := time.Since(started)

	switch {
	case err != nil:
		return model.CheckResult{
			Name:    name,
			Status:  model.HealthStatusError,
			Message: err.Error(),
			Latency: latency,
		}
	case status >= http.StatusBadRequest:
		return model.CheckResult{
			Name:    name,
			Status:  model.HealthStatusWarning,
			Message: fmt.Sprintf("upstream returned %d", status),
			Latency: latency,
		}
	default:
		return model.CheckResult{Name: name, Status: model.HealthStatusHealthy, Latency: latency}
	}
}

func (h *helper) SyncProducts(ctx context.Context, tenantID string) (*model.SyncResult, error) {
	return h.sync(ctx, EntityProducts, tenantID)
}

func (h *helper) SyncOrders(ctx context.Context, tenantID string) (*model.SyncResult, error) {
	return h.sync(ctx, EntityOrders, tenantID)
}

// sync walks the entity listing page by page, gating every request on
// the marketplace quota.
func (h *helper) sync(ctx context.Context, entity, tenantID string) (*model.SyncResult, error) {
	creds, err := h.credentials(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	total := 0

	for page := 0; page < maxSyncPages; page++ {
		if err := h.limiter.CheckAndConsume(ctx, h.Marketplace(), entity); err != nil {
			return nil, err
		}

		status, body, err := h.client.GetJSON(ctx, creds.BaseURL+h.drv.listPath(creds, entity, page), func(req *http.Request) {
			h.drv.decorate(req, creds)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %s sync: %w", h.Marketplace(), entity, err)
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("%s %s sync: upstream returned %d", h.Marketplace(), entity, status)
		}

		items, more, err := h.drv.parseList(entity, body)
		if err != nil {
			return nil, fmt.Errorf("%s %s sync: %w", h.Marketplace(), entity, err)
		}
		total += items
		if !more {
			break
		}
	}

	result := &model.SyncResult{
		Marketplace: h.Marketplace(),
		Entity:      entity,
		ItemsSynced: total,
		Duration:    time.Since(started),
		CompletedAt: time.Now().UTC(),
	}

	h.logger.Info("Sync completed",
		zap.String("entity", entity),
		zap.Int("items", total),
		zap.Duration("duration", result.Duration))

	h.announce(ctx, "sync.completed", result)
	return result, nil
}

// ProcessWebhook turns a verified webhook into a bus event. Verification
// happens before this is called; an invalid receipt is rejected here as a
// safety net.
func (h *helper) ProcessWebhook(ctx context.Context, receipt *model.WebhookReceipt) error {
	if !receipt.Valid {
		return fmt.Errorf("refusing to process unverified webhook from %s", receipt.Marketplace)
	}

	name, err := h.drv.webhookEvent(receipt)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", h.Marketplace(), err)
	}

	payload := map[string]interface{}{
		"marketplace": h.Marketplace(),
		"receipt_id":  receipt.ID,
		"payload":     string(receipt.Payload),
	}
	return h.bus.Publish(ctx, name, payload, event.WithAsync(), event.WithPriority(model.EventPriorityHigh))
}

func (h *helper) credentials(ctx context.Context, tenantID string) (credentials, error) {
	m := string(h.Marketplace())
	get := func(field, def string) string {
		return h.cfg.GetString(ctx, fmt.Sprintf("marketplace.%s.%s", m, field), def, tenantID)
	}

	creds := credentials{
		BaseURL:   get("base_url", h.drv.defaultBaseURL()),
		APIKey:    get("api_key", ""),
		APISecret: get("api_secret", ""),
		AccountID: get("account_id", ""),
		Token:     get("token", ""),
	}
	if creds.empty() {
		return credentials{}, fmt.Errorf("%s: %w", m, ErrNotConfigured)
	}
	return creds, nil
}

func (h *helper) announce(ctx context.Context, name string, payload interface{}) {
	if err := h.bus.Publish(ctx, name, payload, event.WithAsync()); err != nil {
		h.logger.Error("Failed to publish event", zap.String("event", name), zap.Error(err))
	}
}

// webhookEventName maps a webhook payload to a namespaced bus event,
// using field as the payload's type discriminator. Payloads without the
// field still produce the generic received event.
func webhookEventName(m model.Marketplace, payload []byte, field string) (string, error) {
	base := "webhook." + string(m)

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("malformed webhook payload: %w", err)
	}

	kind, _ := body[field].(string)
	if kind == "" {
		return base + ".received", nil
	}
	kind = strings.ToLower(strings.ReplaceAll(kind, " ", "_"))
	return base + "." + kind, nil
}

// Registry holds the configured helpers keyed by marketplace.
type Registry struct {
	helpers map[model.Marketplace]Helper
}

// NewRegistry wires every supported marketplace helper.
func NewRegistry(cfg *config.Service, limiter *ratelimit.Limiter, bus *event.Bus, client *Client, logger *zap.Logger) *Registry {
	drivers := []driver{
		&trendyolDriver{},
		&n11Driver{},
		&amazonDriver{},
		&hepsiburadaDriver{},
		&ebayDriver{},
		&ozonDriver{},
	}

	r := &Registry{helpers: make(map[model.Marketplace]Helper, len(drivers))}
	for _, drv := range drivers {
		r.helpers[drv.marketplace()] = newHelper(drv, cfg, limiter, bus, client, logger)
	}
	return r
}

// Helper returns the helper for a marketplace.
func (r *Registry) Helper(m model.Marketplace) (Helper, error) {
	h, ok := r.helpers[m]
	if !ok {
		return nil, fmt.Errorf("unsupported marketplace %q", m)
	}
	return h, nil
}

// All returns every helper in the stable marketplace order.
func (r *Registry) All() []Helper {
	all := make([]Helper, 0, len(r.helpers))
	for _, m := range model.Marketplaces() {
		if h, ok := r.helpers[m]; ok {
			all = append(all, h)
		}
	}
	return all
}
