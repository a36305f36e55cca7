package database

import (
	"context"
	"dft-job-queue/internal/models"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var testParams = models.Parameters{
	Dielectric: 78.5,
	Functional: models.FunctionalM062X,
	Basis:      models.BasisDef2SVPD,
	Charge:     0,
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func stageName(jobID int64) (string, error) {
	return fmt.Sprintf("job%d.sdf", jobID), nil
}

func createJob(t *testing.T, db *DB, user string, at time.Time) *models.Job {
	t.Helper()
	job, err := db.CreateJob(context.Background(), NewJob{UserID: user, Parameters: testParams, CreatedAt: at}, 5, stageName)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateJobAssignsMonotonicIDsAndInputPath(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	a := createJob(t, db, "alice", now)
	b := createJob(t, db, "alice", now)
	if b.ID <= a.ID {
		t.Fatalf("expected increasing ids, got %d then %d", a.ID, b.ID)
	}
	got, err := db.GetJob(context.Background(), a.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InputFilePath != fmt.Sprintf("job%d.sdf", a.ID) || got.Status != models.StatusPending {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Parameters != testParams {
		t.Fatalf("parameters changed: %+v", got.Parameters)
	}
	if got.CompletedAt != nil || got.Energy != nil {
		t.Fatalf("pending job must not carry results: %+v", got)
	}
}

func TestCreateJobEnforcesPendingQuota(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createJob(t, db, "alice", time.Now())
	}
	_, err := db.CreateJob(ctx, NewJob{UserID: "alice", Parameters: testParams}, 5, stageName)
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	// other users are unaffected
	createJob(t, db, "bob", time.Now())

	n, err := db.CountPending(ctx, "alice")
	if err != nil || n != 5 {
		t.Fatalf("expected 5 pending, got %d (%v)", n, err)
	}
}

func TestCreateJobConcurrentSubmissionsRespectQuota(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.CreateJob(ctx, NewJob{UserID: "carol", Parameters: testParams}, 5, stageName)
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Fatalf("expected exactly 5 admitted, got %d", admitted)
	}
}

func TestCreateJobRollsBackWhenStagingFails(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.CreateJob(ctx, NewJob{UserID: "alice", Parameters: testParams}, 5, func(int64) (string, error) {
		return "", errors.New("disk full")
	})
	if err == nil {
		t.Fatalf("expected staging error")
	}
	jobs, err := db.ListJobsByUser(ctx, "alice", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no rows after rollback, got %d", len(jobs))
	}
}

func TestClaimNextPendingIsFIFOAndSingleRunning(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	late := createJob(t, db, "alice", base.Add(2*time.Second))
	early := createJob(t, db, "bob", base)

	claimed, err := db.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != early.ID || claimed.Status != models.StatusRunning || claimed.StartedAt == nil {
		t.Fatalf("expected earliest job running, got %+v", claimed)
	}

	if _, err := db.ClaimNextPending(ctx); !errors.Is(err, models.ErrNoPendingJob) {
		t.Fatalf("second claim while one is running should find nothing, got %v", err)
	}

	if err := db.MarkCompleted(ctx, claimed.ID, "job1.xyz", -1.5); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, err := db.ClaimNextPending(ctx)
	if err != nil || next.ID != late.ID {
		t.Fatalf("expected later job next, got %+v (%v)", next, err)
	}
}

func TestClaimNextPendingEmptyQueue(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.ClaimNextPending(context.Background()); !errors.Is(err, models.ErrNoPendingJob) {
		t.Fatalf("expected ErrNoPendingJob, got %v", err)
	}
}

func TestRequeueKeepsCreatedAtAndRespectsBound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := createJob(t, db, "alice", time.Now().Add(-time.Hour))

	for i := 1; i <= 2; i++ {
		if _, err := db.ClaimNextPending(ctx); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := db.Requeue(ctx, job.ID, 2, "exit status 1"); err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
	}
	got, _ := db.GetJobByID(ctx, job.ID)
	if got.RetryCount != 2 || got.Status != models.StatusPending {
		t.Fatalf("unexpected job after retries: %+v", got)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("created_at rewritten: %v vs %v", got.CreatedAt, job.CreatedAt)
	}
	if got.Diagnostic != "exit status 1" {
		t.Fatalf("diagnostic not recorded: %q", got.Diagnostic)
	}

	if _, err := db.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.Requeue(ctx, job.ID, 2, "again"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("requeue past bound should fail, got %v", err)
	}
}

func TestTerminalStatesNeverTransition(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := createJob(t, db, "alice", time.Now())
	if _, err := db.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.MarkFailed(ctx, job.ID, "no output"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// replaying the same terminal write is harmless
	if err := db.MarkFailed(ctx, job.ID, "no output"); err != nil {
		t.Fatalf("replayed fail: %v", err)
	}
	if err := db.MarkCompleted(ctx, job.ID, "x.xyz", 1); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("failed job must not complete, got %v", err)
	}
	if err := db.Requeue(ctx, job.ID, 2, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("failed job must not requeue, got %v", err)
	}
	got, _ := db.GetJobByID(ctx, job.ID)
	if got.Status != models.StatusFailed || got.CompletedAt == nil || got.Energy != nil || got.ResultFilePath != "" {
		t.Fatalf("unexpected failed job: %+v", got)
	}
}

func TestPendingJobCannotBeCompletedDirectly(t *testing.T) {
	db := openTestDB(t)
	job := createJob(t, db, "alice", time.Now())
	if err := db.MarkCompleted(context.Background(), job.ID, "x.xyz", 1); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestGetJobScopesByOwner(t *testing.T) {
	db := openTestDB(t)
	job := createJob(t, db, "alice", time.Now())
	if _, err := db.GetJob(context.Background(), job.ID, "mallory"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
}

func TestListJobsByUserFiltersStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	first := createJob(t, db, "alice", time.Now().Add(-time.Minute))
	createJob(t, db, "alice", time.Now())
	createJob(t, db, "bob", time.Now())
	if _, err := db.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	all, err := db.ListJobsByUser(ctx, "alice", "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d (%v)", len(all), err)
	}
	if all[1].ID != first.ID {
		t.Fatalf("expected newest first ordering")
	}
	running, err := db.ListJobsByUser(ctx, "alice", models.StatusRunning, 10)
	if err != nil || len(running) != 1 || running[0].ID != first.ID {
		t.Fatalf("expected first job running, got %+v (%v)", running, err)
	}
}

func TestGetMetrics(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := createJob(t, db, "alice", time.Now().Add(-time.Minute))
	createJob(t, db, "bob", time.Now())
	if _, err := db.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.Requeue(ctx, a.ID, 2, ""); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, err := db.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.MarkCompleted(ctx, a.ID, "a.xyz", -3); err != nil {
		t.Fatalf("complete: %v", err)
	}

	m, err := db.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalJobs != 2 || m.PendingJobs != 1 || m.CompletedJobs != 1 || m.TotalRetries != 1 || m.Users != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
