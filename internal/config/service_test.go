package config

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
	"github.com/meschain/sync-core/internal/testutil"
)

func newService(t *testing.T, opts Options) (*Service, *sql.DB) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	db := testutil.OpenDB(t)
	if opts.Environment == "" {
		opts.Environment = "test"
	}
	svc, err := NewService(storage.NewConfigStore(db, logger), opts, logger)
	require.NoError(t, err)
	return svc, db
}

func TestSetGetRoundTrip(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "sync.batch_size", 250, SetOptions{Type: model.ConfigTypeSystem}))

	value, err := svc.Get(ctx, "sync.batch_size", nil, "")
	require.NoError(t, err)
	// JSON decoding yields float64 for numbers.
	require.Equal(t, float64(250), value)

	structured := map[string]interface{}{
		"enabled":  true,
		"channels": []interface{}{"trendyol", "n11"},
	}
	require.NoError(t, svc.Set(ctx, "sync.options", structured, SetOptions{}))

	value, err = svc.Get(ctx, "sync.options", nil, "")
	require.NoError(t, err)
	require.Equal(t, structured, value)
}

func TestGetReturnsDefaultWhenAbsent(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	value, err := svc.Get(ctx, "never.set", "fallback", "")
	require.NoError(t, err)
	require.Equal(t, "fallback", value)

	require.Equal(t, "dft", svc.GetString(ctx, "never.set", "dft", ""))
}

func TestTenantFallback(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "api.timeout", "30s", SetOptions{}))
	require.NoError(t, svc.Set(ctx, "api.timeout", "10s", SetOptions{TenantID: "tenant-1"}))

	// The tenant override wins for its tenant only.
	require.Equal(t, "10s", svc.GetString(ctx, "api.timeout", "", "tenant-1"))
	require.Equal(t, "30s", svc.GetString(ctx, "api.timeout", "", "tenant-2"))
	require.Equal(t, "30s", svc.GetString(ctx, "api.timeout", "", ""))
}

func TestEncryptionAtRest(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	svc, db := newService(t, Options{EncryptionKey: key})
	ctx := context.Background()

	secret := "trendyol-api-key-value"
	require.NoError(t, svc.Set(ctx, "marketplace.trendyol.api_key", secret, SetOptions{
		Type:    model.ConfigTypeMarketplace,
		Encrypt: true,
	}))

	// The stored row never contains the plaintext.
	var stored string
	require.NoError(t, db.QueryRow(
		"SELECT config_value FROM config_entries WHERE config_key = ?",
		"marketplace.trendyol.api_key").Scan(&stored))
	require.NotContains(t, stored, secret)

	// Reads decrypt transparently.
	value, err := svc.Get(ctx, "marketplace.trendyol.api_key", nil, "")
	require.NoError(t, err)
	require.Equal(t, secret, value)
}

func TestEncryptWithoutKeyFails(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	err := svc.Set(ctx, "secret.value", "x", SetOptions{Encrypt: true})
	require.ErrorIs(t, err, ErrNoEncryptionKey)
}

func TestValidationRejectsEntirely(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	min, max := 1.0, 100.0
	rules := &model.ValidationRules{Required: true, Type: "number", Min: &min, Max: &max}

	require.NoError(t, svc.Set(ctx, "sync.workers", 8, SetOptions{Rules: rules}))

	err := svc.Set(ctx, "sync.workers", 500, SetOptions{Rules: rules})
	require.ErrorIs(t, err, ErrValidation)

	err = svc.Set(ctx, "sync.workers", "eight", SetOptions{Rules: rules})
	require.ErrorIs(t, err, ErrValidation)

	// A rejected write leaves the previous value untouched.
	value, err := svc.Get(ctx, "sync.workers", nil, "")
	require.NoError(t, err)
	require.Equal(t, float64(8), value)

	enum := &model.ValidationRules{In: []string{"hourly", "daily"}}
	require.NoError(t, svc.Set(ctx, "sync.cadence", "daily", SetOptions{Rules: enum}))
	require.ErrorIs(t, svc.Set(ctx, "sync.cadence", "yearly", SetOptions{Rules: enum}), ErrValidation)
}

func TestHistoryRecordsChanges(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "feature.flag", "v1", SetOptions{}))
	require.NoError(t, svc.Set(ctx, "feature.flag", "v2", SetOptions{}))
	require.NoError(t, svc.Set(ctx, "feature.flag", "v3", SetOptions{}))

	history, err := svc.History(ctx, "feature.flag", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestWebhookSecretLookup(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "marketplace.ebay.webhook_secret", "tok-123", SetOptions{}))

	secret, err := svc.WebhookSecret(ctx, model.MarketplaceEbay)
	require.NoError(t, err)
	require.Equal(t, "tok-123", secret)

	secret, err = svc.WebhookSecret(ctx, model.MarketplaceOzon)
	require.NoError(t, err)
	require.Empty(t, secret)
}
