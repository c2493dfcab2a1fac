package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"actsync/internal/platform/database"
	"actsync/internal/platform/database/dbtest"
	"actsync/internal/platform/models"
)

var jobRowColumns = []string{"id", "integration_id", "job_type", "status", "payload", "error_message", "retry_count", "max_retries",
	"resume_cursor", "scheduled_at", "started_at", "completed_at", "locked_by", "lease_expires_at", "version", "created_at", "updated_at"}

func TestSyncJobRepository_ClaimNextSkipsLostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewSyncJobRepository(database.Wrap(db, database.DriverSQLite))
	now := time.Unix(1700000000, 0)

	mock.ExpectQuery("SELECT id, status, version FROM sync_jobs").
		WithArgs(now.Unix(), now.Unix(), claimBatchSize).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).
			AddRow("job_a", "pending", 0).
			AddRow("job_b", "retrying", 2))

	// Another worker already took job_a.
	mock.ExpectExec("UPDATE sync_jobs").
		WithArgs("worker-1", now.Unix(), now.Add(time.Minute).Unix(), now.Unix(), "job_a", "pending", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE sync_jobs").
		WithArgs("worker-1", now.Unix(), now.Add(time.Minute).Unix(), now.Unix(), "job_b", "retrying", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT (.+) FROM sync_jobs WHERE id = ?").
		WithArgs("job_b").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("job_b", "int_1", "incremental_sync", "processing", `{"recurring":true}`, "boom", 1, 3, "c1",
				now.Unix()-60, now.Unix(), 0, "worker-1", now.Add(time.Minute).Unix(), 3, now.Unix()-600, now.Unix()))

	job, err := repo.ClaimNext(context.Background(), "worker-1", now, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if job == nil || job.ID != "job_b" {
		t.Fatalf("expected job_b to be claimed, got %+v", job)
	}
	if job.Status != models.JobProcessing || job.LockedBy != "worker-1" {
		t.Errorf("unexpected claimed state: status=%s locked_by=%s", job.Status, job.LockedBy)
	}
	if !job.Payload.Recurring || job.Cursor != "c1" {
		t.Errorf("expected payload and cursor to be decoded, got %+v", job)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSyncJobRepository_CompleteRequiresOwnership(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewSyncJobRepository(database.Wrap(db, database.DriverSQLite))

	mock.ExpectExec("UPDATE sync_jobs").
		WithArgs(int64(100), int64(100), "job_a", "worker-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Complete(context.Background(), "job_a", "worker-2", 100)
	if !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost, got %v", err)
	}
}

func seedIntegration(t *testing.T, db *database.DB, userID string) string {
	t.Helper()
	id, err := NewIntegrationRepository(db).Upsert(context.Background(), &models.Integration{
		UserID:      userID,
		Provider:    models.ProviderLinear,
		TeamID:      "org_" + userID,
		AccessToken: "token",
	}, 1000)
	if err != nil {
		t.Fatalf("Failed to seed integration: %v", err)
	}
	return id
}

func TestSyncJobRepository_ConcurrentClaimSingleWinner(t *testing.T) {
	db := dbtest.New(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	integrationID := seedIntegration(t, db, "user_1")

	job := &models.SyncJob{IntegrationID: integrationID, Type: models.JobFullSync, MaxRetries: 3}
	if err := repo.Enqueue(ctx, job, 1000); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	now := time.Unix(2000, 0)
	var wg sync.WaitGroup
	claimed := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			j, err := repo.ClaimNext(ctx, "worker-"+string(rune('a'+worker)), now, time.Minute)
			if err != nil {
				t.Errorf("ClaimNext() error = %v", err)
				return
			}
			if j != nil {
				claimed <- j.LockedBy
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	var winners []string
	for w := range claimed {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one claim, got %d (%v)", len(winners), winners)
	}
}

func TestSyncJobRepository_NotDueAndLeaseReclaim(t *testing.T) {
	db := dbtest.New(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	integrationID := seedIntegration(t, db, "user_1")

	future := &models.SyncJob{IntegrationID: integrationID, Type: models.JobIncrementalSync, MaxRetries: 3, ScheduledAt: 5000}
	if err := repo.Enqueue(ctx, future, 1000); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	t.Run("Scheduled in the future", func(t *testing.T) {
		j, err := repo.ClaimNext(ctx, "worker-a", time.Unix(4999, 0), time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		if j != nil {
			t.Fatalf("expected no due job, got %s", j.ID)
		}
	})

	t.Run("Claimed then held", func(t *testing.T) {
		j, err := repo.ClaimNext(ctx, "worker-a", time.Unix(5000, 0), time.Minute)
		if err != nil || j == nil {
			t.Fatalf("expected claim, got %v, %v", j, err)
		}
		again, err := repo.ClaimNext(ctx, "worker-b", time.Unix(5030, 0), time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext() error = %v", err)
		}
		if again != nil {
			t.Fatalf("job with a live lease must not be reclaimed")
		}
	})

	t.Run("Reclaimed after lease expiry", func(t *testing.T) {
		j, err := repo.ClaimNext(ctx, "worker-b", time.Unix(5061, 0), time.Minute)
		if err != nil || j == nil {
			t.Fatalf("expected reclaim, got %v, %v", j, err)
		}
		if j.LockedBy != "worker-b" {
			t.Errorf("expected worker-b to hold the job, got %s", j.LockedBy)
		}

		if err := repo.Complete(ctx, j.ID, "worker-a", 5070); !errors.Is(err, ErrLeaseLost) {
			t.Errorf("stale worker must not complete the job, got %v", err)
		}
		if err := repo.Complete(ctx, j.ID, "worker-b", 5070); err != nil {
			t.Errorf("Complete() error = %v", err)
		}

		done, _ := repo.GetByID(ctx, j.ID)
		if done.Status != models.JobCompleted || done.CompletedAt != 5070 {
			t.Errorf("unexpected final state: %+v", done)
		}
	})
}

func TestSyncJobRepository_EnqueueOnce(t *testing.T) {
	db := dbtest.New(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	integrationID := seedIntegration(t, db, "user_1")

	var wg sync.WaitGroup
	added := make(chan bool, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.EnqueueOnce(ctx, &models.SyncJob{IntegrationID: integrationID, Type: models.JobIncrementalSync, MaxRetries: 3}, 1000)
			if err != nil {
				t.Errorf("EnqueueOnce() error = %v", err)
			}
			added <- ok
		}()
	}
	wg.Wait()
	close(added)

	wins := 0
	for ok := range added {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one open incremental job, %d inserted", wins)
	}

	list, err := repo.ListByIntegration(ctx, integrationID, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one stored job, got %d, %v", len(list), err)
	}

	t.Run("Plain enqueue hits the open job index", func(t *testing.T) {
		err := repo.Enqueue(ctx, &models.SyncJob{IntegrationID: integrationID, Type: models.JobIncrementalSync, MaxRetries: 3}, 1000)
		if err == nil {
			t.Fatal("expected a unique violation for a second open incremental job")
		}
	})

	t.Run("Other types and webhook events are independent", func(t *testing.T) {
		ok, err := repo.EnqueueOnce(ctx, &models.SyncJob{IntegrationID: integrationID, Type: models.JobFullSync, MaxRetries: 3}, 1000)
		if err != nil || !ok {
			t.Fatalf("full sync must be accepted next to an incremental one, got %v, %v", ok, err)
		}
		for i := 0; i < 2; i++ {
			evt := &models.SyncJob{IntegrationID: integrationID, Type: models.JobWebhookEvent, MaxRetries: 3}
			if err := repo.Enqueue(ctx, evt, 1000); err != nil {
				t.Fatalf("webhook job %d rejected: %v", i, err)
			}
		}
	})
}

func TestSyncJobRepository_CheckpointKeepsCursorAcrossRetry(t *testing.T) {
	db := dbtest.New(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	integrationID := seedIntegration(t, db, "user_1")

	job := &models.SyncJob{IntegrationID: integrationID, Type: models.JobFullSync, MaxRetries: 3}
	repo.Enqueue(ctx, job, 1000)
	claimed, err := repo.ClaimNext(ctx, "worker-a", time.Unix(1000, 0), time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("expected claim, got %v, %v", claimed, err)
	}

	if err := repo.Checkpoint(ctx, job.ID, "worker-b", "c1", 2000, 1001); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("only the lease holder may checkpoint, got %v", err)
	}
	if err := repo.Checkpoint(ctx, job.ID, "worker-a", "c1", 2000, 1001); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if err := repo.Retry(ctx, job.ID, "worker-a", 1, 1100, "boom", 1002); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, job.ID)
	if got.Cursor != "c1" || got.LeaseExpiresAt != 0 {
		t.Errorf("retry must keep the cursor and drop the lease: %+v", got)
	}

	repo.ClaimNext(ctx, "worker-a", time.Unix(1100, 0), time.Minute)
	if err := repo.Complete(ctx, job.ID, "worker-a", 1200); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.GetByID(ctx, job.ID); got.Cursor != "" {
		t.Errorf("completed job still holds cursor %q", got.Cursor)
	}
}

func TestSyncJobRepository_CorruptPayload(t *testing.T) {
	db := dbtest.New(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	integrationID := seedIntegration(t, db, "user_1")

	job := &models.SyncJob{IntegrationID: integrationID, Type: models.JobWebhookEvent, MaxRetries: 3}
	repo.Enqueue(ctx, job, 1000)
	if _, err := db.ExecContext(ctx, `UPDATE sync_jobs SET payload = ? WHERE id = ?`, `{"webhook_event_id":`, job.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.GetByID(ctx, job.ID); !errors.Is(err, ErrCorruptPayload) {
		t.Errorf("expected ErrCorruptPayload, got %v", err)
	}

	claimed, err := repo.ClaimNext(ctx, "worker-a", time.Unix(1000, 0), time.Minute)
	if err != nil || claimed != nil {
		t.Fatalf("corrupt job must not be handed out, got %v, %v", claimed, err)
	}
	var status, msg string
	db.QueryRowContext(ctx, `SELECT status, error_message FROM sync_jobs WHERE id = ?`, job.ID).Scan(&status, &msg)
	if status != string(models.JobFailed) || msg == "" {
		t.Errorf("corrupt job not failed: status=%s error=%q", status, msg)
	}
}
