package model

import "time"

// Metric is one recorded measurement.
type Metric struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertCondition compares a metric value against a rule threshold.
type AlertCondition string

const (
	ConditionGreaterThan AlertCondition = "greater_than"
	ConditionLessThan    AlertCondition = "less_than"
	ConditionEquals      AlertCondition = "equals"
	ConditionNotEquals   AlertCondition = "not_equals"
)

// Met reports whether value satisfies the condition against threshold.
func (c AlertCondition) Met(value, threshold float64) bool {
	switch c {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionEquals:
		return value == threshold
	case ConditionNotEquals:
		return value != threshold
	}
	return false
}

// AlertRule binds a threshold condition to a metric name.
type AlertRule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Metric    string         `json:"metric"`
	Condition AlertCondition `json:"condition"`
	Threshold float64        `json:"threshold"`
	Severity  AlertSeverity  `json:"severity"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID         string        `json:"id"`
	RuleID     string        `json:"rule_id"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// HealthStatus is the outcome of a health check, ordered by severity.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusError    HealthStatus = "error"
	HealthStatusCritical HealthStatus = "critical"
)

var healthRank = map[HealthStatus]int{
	HealthStatusHealthy:  0,
	HealthStatusWarning:  1,
	HealthStatusError:    2,
	HealthStatusCritical: 3,
}

// Worse returns the more severe of the two statuses.
func (s HealthStatus) Worse(other HealthStatus) HealthStatus {
	if healthRank[other] > healthRank[s] {
		return other
	}
	return s
}

// CheckResult is one entry in a health report.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  HealthStatus  `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// HealthReport aggregates a battery of checks into one overall status.
type HealthReport struct {
	Status      HealthStatus  `json:"status"`
	Checks      []CheckResult `json:"checks"`
	GeneratedAt time.Time     `json:"generated_at"`
}
