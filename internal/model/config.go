package model

import "time"

// ConfigType groups configuration entries by concern.
type ConfigType string

const (
	ConfigTypeSystem      ConfigType = "system"
	ConfigTypeMarketplace ConfigType = "marketplace"
	ConfigTypeAPI         ConfigType = "api"
	ConfigTypeWebhook     ConfigType = "webhook"
	ConfigTypeTenant      ConfigType = "tenant"
)

// ConfigEntry is one persisted configuration row. The tuple
// (key, environment, tenant_id) is unique; an empty tenant ID means the
// entry is global and serves as the fallback for tenant-scoped lookups.
type ConfigEntry struct {
	Key         string     `json:"config_key"`
	Value       string     `json:"config_value"`
	Type        ConfigType `json:"config_type"`
	Environment string     `json:"environment"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Encrypted   bool       `json:"encrypted"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ConfigHistory captures the previous and new value of a config write.
type ConfigHistory struct {
	ID          int64     `json:"id"`
	Key         string    `json:"config_key"`
	Environment string    `json:"environment"`
	TenantID    string    `json:"tenant_id,omitempty"`
	OldValue    string    `json:"old_value,omitempty"`
	NewValue    string    `json:"new_value"`
	ChangedAt   time.Time `json:"changed_at"`
}

// ValidationRules constrain values accepted by a config write.
type ValidationRules struct {
	Required bool     `json:"required,omitempty"`
	Type     string   `json:"type,omitempty"` // string|number|bool|array|object
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	In       []string `json:"in,omitempty"`
}
