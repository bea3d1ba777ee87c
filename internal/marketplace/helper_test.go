package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/config"
	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/ratelimit"
	"github.com/meschain/sync-core/internal/storage"
	"github.com/meschain/sync-core/internal/testutil"
)

type env struct {
	cfg      *config.Service
	bus      *event.Bus
	limiter  *ratelimit.Limiter
	registry *Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	db := testutil.OpenDB(t)

	cfg, err := config.NewService(storage.NewConfigStore(db, logger), config.Options{Environment: "test"}, logger)
	require.NoError(t, err)

	bus := event.NewBus(storage.NewEventStore(db, logger), nil, logger)
	limiter := ratelimit.NewLimiter(bus, ratelimit.Quota{Requests: 1000, Period: time.Minute}, logger)
	client := NewClient(&http.Client{Timeout: 5 * time.Second}, logger)

	return &env{
		cfg:      cfg,
		bus:      bus,
		limiter:  limiter,
		registry: NewRegistry(cfg, limiter, bus, client, logger),
	}
}

func (e *env) configure(t *testing.T, m model.Marketplace, baseURL string) {
	t.Helper()
	ctx := context.Background()
	set := func(field, value string) {
		require.NoError(t, e.cfg.Set(ctx, "marketplace."+string(m)+"."+field, value,
			config.SetOptions{Type: model.ConfigTypeMarketplace}))
	}
	set("base_url", baseURL)
	set("api_key", "key")
	set("api_secret", "secret")
	set("account_id", "12345")
	set("token", "tok")
}

func TestSyncProductsPaginates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic auth from the Trendyol driver must be present.
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key", user)
		require.Equal(t, "secret", pass)

		page := r.URL.Query().Get("page")
		pages.Add(1)
		if page == "0" {
			w.Write([]byte(`{"content":[{},{},{}],"page":0,"totalPages":2}`))
			return
		}
		w.Write([]byte(`{"content":[{}],"page":1,"totalPages":2}`))
	}))
	defer server.Close()

	e.configure(t, model.MarketplaceTrendyol, server.URL)

	helper, err := e.registry.Helper(model.MarketplaceTrendyol)
	require.NoError(t, err)

	result, err := helper.SyncProducts(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 4, result.ItemsSynced)
	require.Equal(t, model.MarketplaceTrendyol, result.Marketplace)
	require.Equal(t, EntityProducts, result.Entity)
	require.EqualValues(t, 2, pages.Load())
}

func TestSyncFailsClosedOnRateLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[],"page":0,"totalPages":1}`))
	}))
	defer server.Close()

	e.configure(t, model.MarketplaceTrendyol, server.URL)
	e.limiter.SetQuota(model.MarketplaceTrendyol, EntityOrders, ratelimit.Quota{Requests: 0, Period: time.Minute})

	helper, err := e.registry.Helper(model.MarketplaceTrendyol)
	require.NoError(t, err)

	_, err = helper.SyncOrders(ctx, "")
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
}

func TestSyncRequiresCredentials(t *testing.T) {
	e := newEnv(t)

	helper, err := e.registry.Helper(model.MarketplaceOzon)
	require.NoError(t, err)

	_, err = helper.SyncProducts(context.Background(), "")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestProcessWebhookPublishesEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.configure(t, model.MarketplaceTrendyol, "http://unused.example")

	var got *model.Event
	e.bus.Subscribe("webhook.trendyol.created", func(ctx context.Context, evt *model.Event) error {
		got = evt
		return nil
	})

	helper, err := e.registry.Helper(model.MarketplaceTrendyol)
	require.NoError(t, err)

	receipt := &model.WebhookReceipt{
		ID:          "r-1",
		Marketplace: model.MarketplaceTrendyol,
		Payload:     []byte(`{"orderNumber":"TY-9","status":"Created"}`),
		Valid:       true,
		ReceivedAt:  time.Now().UTC(),
	}
	require.NoError(t, helper.ProcessWebhook(ctx, receipt))

	delivered, _, err := e.bus.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.NotNil(t, got)
	require.Contains(t, string(got.Payload), "r-1")
}

func TestProcessWebhookRejectsUnverified(t *testing.T) {
	e := newEnv(t)
	e.configure(t, model.MarketplaceTrendyol, "http://unused.example")

	helper, err := e.registry.Helper(model.MarketplaceTrendyol)
	require.NoError(t, err)

	err = helper.ProcessWebhook(context.Background(), &model.WebhookReceipt{
		Marketplace: model.MarketplaceTrendyol,
		Payload:     []byte(`{}`),
		Valid:       false,
	})
	require.Error(t, err)
}

func TestWebhookEventNames(t *testing.T) {
	name, err := webhookEventName(model.MarketplaceTrendyol, []byte(`{"status":"Order Shipped"}`), "status")
	require.NoError(t, err)
	require.Equal(t, "webhook.trendyol.order_shipped", name)

	name, err = webhookEventName(model.MarketplaceOzon, []byte(`{"other":"x"}`), "message_type")
	require.NoError(t, err)
	require.Equal(t, "webhook.ozon.received", name)

	_, err = webhookEventName(model.MarketplaceN11, []byte(`not json`), "eventType")
	require.Error(t, err)
}

func TestRegistryCoversAllMarketplaces(t *testing.T) {
	e := newEnv(t)

	require.Len(t, e.registry.All(), len(model.Marketplaces()))
	for _, m := range model.Marketplaces() {
		h, err := e.registry.Helper(m)
		require.NoError(t, err)
		require.Equal(t, m, h.Marketplace())
	}

	_, err := e.registry.Helper("etsy")
	require.Error(t, err)
}
