package models

type JobType string

const (
	JobFullSync        JobType = "full_sync"
	JobIncrementalSync JobType = "incremental_sync"
	JobWebhookEvent    JobType = "webhook_event"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type JobPayload struct {
	Recurring       bool   `json:"recurring,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	WebhookEventID  string `json:"webhook_event_id,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
}

type SyncJob struct {
	ID             string     `json:"id"`
	IntegrationID  string     `json:"integration_id"`
	Type           JobType    `json:"job_type"`
	Status         JobStatus  `json:"status"`
	Payload        JobPayload `json:"payload"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	// Cursor is the page this job resumes from after an interruption.
	Cursor         string     `json:"cursor,omitempty"`
	ScheduledAt    int64      `json:"scheduled_at"`
	StartedAt      int64      `json:"started_at,omitempty"`
	CompletedAt    int64      `json:"completed_at,omitempty"`
	LockedBy       string     `json:"-"`
	LeaseExpiresAt int64      `json:"-"`
	Version        int64      `json:"-"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}
