// Package config is the tenant-scoped typed configuration service.
// Lookups resolve tenant overrides before falling back to global entries;
// values are stored as JSON and decoded opportunistically on read.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
)

// ErrValidation is returned when a write violates its validation rules.
// The write is rejected entirely.
var ErrValidation = errors.New("config validation failed")

// Service reads and writes configuration entries.
type Service struct {
	logger *zap.Logger
	store  *storage.ConfigStore
	sealer *sealer
	env    string
}

// Options configure a Service.
type Options struct {
	// Environment scopes every read and write (e.g. "production").
	Environment string
	// EncryptionKey enables encryption-at-rest when non-empty. Must be
	// 16, 24 or 32 bytes.
	EncryptionKey []byte
}

// NewService creates a config service.
func NewService(store *storage.ConfigStore, opts Options, logger *zap.Logger) (*Service, error) {
	s := &Service{
		logger: logger.Named("config"),
		store:  store,
		env:    opts.Environment,
	}
	if len(opts.EncryptionKey) > 0 {
		sealer, err := newSealer(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		s.sealer = sealer
	}
	return s, nil
}

// Get resolves key for the tenant, falling back to the global entry and
// then to def. Encrypted entries are transparently decrypted.
func (s *Service) Get(ctx context.Context, key string, def interface{}, tenantID string) (interface{}, error) {
	entry, err := s.store.Get(ctx, key, s.env, tenantID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return def, nil
	}

	raw := []byte(entry.Value)
	if entry.Encrypted {
		if s.sealer == nil {
			return nil, fmt.Errorf("%s: %w", key, ErrNoEncryptionKey)
		}
		raw, err = s.sealer.Open(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		// Not JSON; legacy rows hold bare strings.
		return string(raw), nil
	}
	return value, nil
}

// GetString resolves key as a string, returning def when absent or not a
// string.
func (s *Service) GetString(ctx context.Context, key, def, tenantID string) string {
	value, err := s.Get(ctx, key, def, tenantID)
	if err != nil {
		s.logger.Warn("Config lookup failed", zap.String("key", key), zap.Error(err))
		return def
	}
	if str, ok := value.(string); ok {
		return str
	}
	return def
}

// SetOptions control a config write.
type SetOptions struct {
	Type        model.ConfigType
	TenantID    string
	Encrypt     bool
	Description string
	Rules       *model.ValidationRules
}

// Set validates and persists a value. The entry update and its history
// row commit in one transaction; a validation failure writes nothing.
func (s *Service) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	if opts.Rules != nil {
		if err := validate(value, opts.Rules); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode config value: %w", err)
	}

	stored := string(data)
	if opts.Encrypt {
		if s.sealer == nil {
			return fmt.Errorf("%s: %w", key, ErrNoEncryptionKey)
		}
		stored, err = s.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt config value: %w", err)
		}
	}

	cfgType := opts.Type
	if cfgType == "" {
		cfgType = model.ConfigTypeSystem
	}

	entry := &model.ConfigEntry{
		Key:         key,
		Value:       stored,
		Type:        cfgType,
		Environment: s.env,
		TenantID:    opts.TenantID,
		Encrypted:   opts.Encrypt,
		Description: opts.Description,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if err := s.store.Set(ctx, entry); err != nil {
		return err
	}

	s.logger.Debug("Config updated",
		zap.String("key", key),
		zap.String("tenant_id", opts.TenantID),
		zap.Bool("encrypted", opts.Encrypt))
	return nil
}

// History returns the change records for a key, most recent first.
func (s *Service) History(ctx context.Context, key string, limit int) ([]*model.ConfigHistory, error) {
	return s.store.History(ctx, key, limit)
}

// WebhookSecret implements webhook.SecretSource against the conventional
// per-marketplace key.
func (s *Service) WebhookSecret(ctx context.Context, m model.Marketplace) (string, error) {
	value, err := s.Get(ctx, fmt.Sprintf("marketplace.%s.webhook_secret", m), "", "")
	if err != nil {
		return "", err
	}
	secret, _ := value.(string)
	return secret, nil
}

func validate(value interface{}, rules *model.ValidationRules) error {
	if rules.Required && isEmpty(value) {
		return fmt.Errorf("%w: value is required", ErrValidation)
	}
	if value == nil {
		return nil
	}

	if rules.Type != "" {
		if err := checkType(value, rules.Type); err != nil {
			return err
		}
	}

	if num, ok := asNumber(value); ok {
		if rules.Min != nil && num < *rules.Min {
			return fmt.Errorf("%w: value %v below minimum %v", ErrValidation, num, *rules.Min)
		}
		if rules.Max != nil && num > *rules.Max {
			return fmt.Errorf("%w: value %v above maximum %v", ErrValidation, num, *rules.Max)
		}
	} else if str, ok := value.(string); ok {
		length := float64(len(str))
		if rules.Min != nil && length < *rules.Min {
			return fmt.Errorf("%w: length %d below minimum %v", ErrValidation, len(str), *rules.Min)
		}
		if rules.Max != nil && length > *rules.Max {
			return fmt.Errorf("%w: length %d above maximum %v", ErrValidation, len(str), *rules.Max)
		}
	}

	if len(rules.In) > 0 {
		str := fmt.Sprintf("%v", value)
		for _, allowed := range rules.In {
			if str == allowed {
				return nil
			}
		}
		return fmt.Errorf("%w: value %q not in allowed set", ErrValidation, str)
	}

	return nil
}

func checkType(value interface{}, want string) error {
	ok := false
	switch want {
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = asNumber(value)
	case "bool":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]interface{})
	case "object":
		_, ok = value.(map[string]interface{})
	default:
		return fmt.Errorf("%w: unknown type rule %q", ErrValidation, want)
	}
	if !ok {
		return fmt.Errorf("%w: value is not a %s", ErrValidation, want)
	}
	return nil
}

func asNumber(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	if str, ok := value.(string); ok {
		return str == ""
	}
	return false
}
