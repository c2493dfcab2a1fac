// Package jobs holds the SyncJob state machine: retry decisions, backoff and recurrence.
package jobs

import (
	"time"

	"actsync/internal/engine/syncerr"
	"actsync/internal/platform/models"
)

const DefaultIntervalMinutes = 60

// Backoff returns 2^retryCount minutes, capped at max when max > 0.
func Backoff(retryCount int, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		if max > 0 {
			return max
		}
		retryCount = 30
	}
	d := time.Minute << uint(retryCount)
	if max > 0 && d > max {
		return max
	}
	return d
}

// Decision is the transition a failed job takes.
type Decision struct {
	Status      models.JobStatus
	RetryCount  int
	ScheduledAt time.Time
	Error       string
}

// OnFailure decides whether a failed job retries or fails. Fatal errors fail
// immediately without consuming a retry; otherwise the retry count grows by one
// and the job fails once it reaches max_retries.
func OnFailure(job *models.SyncJob, err error, now time.Time, maxBackoff time.Duration) Decision {
	msg := err.Error()
	if syncerr.IsFatal(err) {
		return Decision{Status: models.JobFailed, RetryCount: job.RetryCount, Error: msg}
	}

	n := job.RetryCount + 1
	if n >= job.MaxRetries {
		return Decision{Status: models.JobFailed, RetryCount: n, Error: msg}
	}

	delay := Backoff(n, maxBackoff)
	if ra := syncerr.RetryAfter(err); ra > delay {
		delay = ra
	}
	return Decision{Status: models.JobRetrying, RetryCount: n, ScheduledAt: now.Add(delay), Error: msg}
}

// NextOccurrence returns the follow-up of a completed recurring incremental job, or nil.
func NextOccurrence(job *models.SyncJob, now time.Time) *models.SyncJob {
	if job.Type != models.JobIncrementalSync || !job.Payload.Recurring {
		return nil
	}
	interval := job.Payload.IntervalMinutes
	if interval <= 0 {
		interval = DefaultIntervalMinutes
	}
	return &models.SyncJob{
		IntegrationID: job.IntegrationID,
		Type:          models.JobIncrementalSync,
		Payload:       models.JobPayload{Recurring: true, IntervalMinutes: interval, Trigger: "schedule"},
		MaxRetries:    job.MaxRetries,
		ScheduledAt:   now.Add(time.Duration(interval) * time.Minute).Unix(),
	}
}

// Recurring builds the first job of a recurring incremental schedule.
func Recurring(integrationID string, interval time.Duration, maxRetries int, at time.Time) *models.SyncJob {
	minutes := int(interval / time.Minute)
	if minutes <= 0 {
		minutes = DefaultIntervalMinutes
	}
	return &models.SyncJob{
		IntegrationID: integrationID,
		Type:          models.JobIncrementalSync,
		Payload:       models.JobPayload{Recurring: true, IntervalMinutes: minutes, Trigger: "schedule"},
		MaxRetries:    maxRetries,
		ScheduledAt:   at.Unix(),
	}
}
