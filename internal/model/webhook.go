package model

import "time"

// WebhookReceipt is the immutable audit record of one inbound webhook.
type WebhookReceipt struct {
	ID               string            `json:"id"`
	Marketplace      Marketplace       `json:"marketplace"`
	Headers          map[string]string `json:"headers"`
	Payload          []byte            `json:"payload"`
	Valid            bool              `json:"valid"`
	Reason           string            `json:"reason,omitempty"`
	ProcessingResult string            `json:"processing_result,omitempty"`
	ReceivedAt       time.Time         `json:"received_at"`
}
