package models

import "time"

// Record is the provider-agnostic shape every adapter produces. ExternalID is
// provider qualified, e.g. "linear:<issue id>".
type Record struct {
	Provider   Provider
	ExternalID string
	Type       string
	Content    string
	SourceURL  string
	SourceName string
	Metadata   map[string]interface{}
	Timestamp  time.Time
	Author     string
	Channel    string
	Tags       []string
}

// Activity is the stored projection of a Record in the user's activity log.
type Activity struct {
	ID            string                 `json:"id"`
	UserID        string                 `json:"user_id"`
	IntegrationID string                 `json:"integration_id"`
	Source        Provider               `json:"source"`
	ExternalID    string                 `json:"external_id"`
	RecordType    string                 `json:"record_type"`
	Content       string                 `json:"content"`
	Summarized    bool                   `json:"summarized"`
	SourceURL     string                 `json:"source_url,omitempty"`
	SourceName    string                 `json:"source_name"`
	Author        string                 `json:"author,omitempty"`
	Channel       string                 `json:"channel,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Tags          []string               `json:"tags"`
	OccurredAt    int64                  `json:"occurred_at"`
	CreatedAt     int64                  `json:"created_at"`
}
