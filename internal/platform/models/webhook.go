package models

import "encoding/json"

// WebhookEvent is the audit and dedup row for one inbound delivery.
type WebhookEvent struct {
	ID            string          `json:"id"`
	Provider      Provider        `json:"provider"`
	IntegrationID string          `json:"integration_id"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action,omitempty"`
	ExternalID    string          `json:"external_id,omitempty"`
	DeliveryID    string          `json:"delivery_id"`
	Payload       json.RawMessage `json:"payload"`
	Processed     bool            `json:"processed"`
	ProcessedAt   int64           `json:"processed_at,omitempty"`
	ReceivedAt    int64           `json:"received_at"`
}

// Notification is an outbound event posted to the configured notify URL.
type Notification struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	UserID    string      `json:"user_id"`
	Data      interface{} `json:"data"`
}
