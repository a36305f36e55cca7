// Package worker runs the single-consumer dispatcher that drives queued jobs
// through the compute engine.
package worker

import (
	"bytes"
	"context"
	"dft-job-queue/internal/blob"
	"dft-job-queue/internal/compute"
	"dft-job-queue/internal/events"
	"dft-job-queue/internal/extract"
	"dft-job-queue/internal/models"
	"dft-job-queue/internal/observability"
	"dft-job-queue/internal/retry"
	"errors"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultErrorBackoff = 5 * time.Second

	maxDiagnostic = 4 << 10
)

// Store is the part of the job store the dispatcher drives
type Store interface {
	ClaimNextPending(ctx context.Context) (*models.Job, error)
	Requeue(ctx context.Context, jobID int64, maxRetries int, diagnostic string) error
	MarkFailed(ctx context.Context, jobID int64, diagnostic string) error
	MarkCompleted(ctx context.Context, jobID int64, resultPath string, energy float64) error
	ListRunning(ctx context.Context) ([]models.Job, error)
	GetJobByID(ctx context.Context, jobID int64) (*models.Job, error)
}

// Options tunes the dispatcher
type Options struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	// ComputeTimeout bounds one engine run; zero means no limit.
	ComputeTimeout time.Duration
	// TimeoutRetryable makes an expired run consume retry budget instead of
	// failing the job outright.
	TimeoutRetryable bool
	Retry            retry.Policy
	Archive          blob.Archiver
	Events           events.Publisher
}

// Dispatcher claims one job at a time and runs it to a terminal or
// re-queued state. Only one job is ever in flight.
type Dispatcher struct {
	store  Store
	engine compute.Engine
	blobs  blob.Store
	opts   Options
}

// New creates a new Dispatcher
func New(store Store, engine compute.Engine, blobs blob.Store, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Dispatcher{store: store, engine: engine, blobs: blobs, opts: opts}
}

// Start reconciles jobs left running by a previous process, then loops until
// ctx is cancelled. Only a failed reconciliation is returned as an error.
func (d *Dispatcher) Start(ctx context.Context) error {
	log.Printf("[WORKER] Started PollInterval=%v MaxRetries=%d ComputeTimeout=%v",
		d.opts.PollInterval, d.opts.Retry.MaxRetries, d.opts.ComputeTimeout)

	if err := d.Recover(ctx); err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}

	for {
		if ctx.Err() != nil {
			log.Printf("[WORKER] Shutting down")
			return nil
		}

		processed, err := d.safeRunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[ERROR] Dispatcher iteration failed: %v", err)
			d.wait(ctx, d.opts.ErrorBackoff)
			// Nothing is in flight between iterations, so a job still running
			// here was abandoned by the failed iteration.
			if err := d.reconcile(ctx, "interrupted: "+firstLine(err.Error())); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] Failed to reconcile running jobs: %v", err)
			}
		case !processed:
			d.wait(ctx, d.opts.PollInterval)
		}
	}
}

// RunOnce claims the oldest pending job and processes it. It reports false
// when there was nothing to claim.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.store.ClaimNextPending(ctx)
	if errors.Is(err, models.ErrNoPendingJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return true, d.process(ctx, job)
}

// Recover treats every job still marked running as a failed attempt and
// routes it through the retry policy.
func (d *Dispatcher) Recover(ctx context.Context) error {
	return d.reconcile(ctx, "interrupted: dispatcher restarted while job was running")
}

// reconcile charges every running job one attempt, recording reason
func (d *Dispatcher) reconcile(ctx context.Context, reason string) error {
	jobs, err := d.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		job := &jobs[i]
		log.Printf("[RECOVER] JobID=%d UserID=%s RetryCount=%d left running Reason=%q",
			job.ID, job.UserID, job.RetryCount, reason)
		if err := d.fail(ctx, job, reason, true); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) safeRunOnce(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return d.RunOnce(ctx)
}

func (d *Dispatcher) process(ctx context.Context, job *models.Job) error {
	ctx, span := observability.StartSpan(ctx, "dispatcher.process",
		attribute.Int64("job.id", job.ID),
		attribute.String("user.id", job.UserID),
		attribute.Int("job.retry_count", job.RetryCount),
	)
	defer span.End()

	log.Printf("[START] JobID=%d UserID=%s Attempt=%d/%d Status=running",
		job.ID, job.UserID, job.RetryCount+1, d.opts.Retry.Attempts())
	d.publish(ctx, events.New(events.JobStarted, job))

	inputPath, err := d.blobs.LocalPath(job.InputFilePath)
	if err != nil {
		return d.fail(ctx, job, fmt.Sprintf("resolve input %s: %v", job.InputFilePath, err), false)
	}
	outputDir := filepath.Dir(inputPath)
	artifactKey := path.Join(path.Dir(job.InputFilePath), compute.ArtifactName(job.InputFilePath))

	runCtx := ctx
	if d.opts.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.opts.ComputeTimeout)
		defer cancel()
	}

	started := time.Now()
	res, runErr := d.engine.Run(runCtx, compute.Request{
		InputPath:  inputPath,
		Parameters: job.Parameters,
		OutputDir:  outputDir,
	})
	d.saveAttemptLog(job, res, runErr, time.Since(started))

	if runErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-run; the job stays running and is reconciled on restart.
			return ctx.Err()
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "compute failed")
		retryable := !errors.Is(runErr, compute.ErrTimeout) || d.opts.TimeoutRetryable
		return d.fail(ctx, job, diagnostic(runErr, res), retryable)
	}

	if !d.blobs.Exists(artifactKey) {
		span.SetStatus(codes.Error, "missing artifact")
		return d.fail(ctx, job, fmt.Sprintf("%v: %s not written", models.ErrOutputContract, artifactKey), false)
	}
	artifact, err := d.blobs.Read(artifactKey)
	if err != nil {
		return d.fail(ctx, job, fmt.Sprintf("%v: read %s: %v", models.ErrOutputContract, artifactKey, err), false)
	}

	energy, ok := extract.Energy(string(artifact), res.Stdout)
	if !ok {
		span.SetStatus(codes.Error, "no energy")
		return d.fail(ctx, job, fmt.Sprintf("%v: no energy found in %s or stdout", models.ErrOutputContract, artifactKey), false)
	}

	err = d.persist(ctx, job, "complete", func() error {
		return d.store.MarkCompleted(ctx, job.ID, artifactKey, energy)
	})
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	span.SetAttributes(attribute.Float64("job.energy", energy))
	log.Printf("[FINISH] JobID=%d UserID=%s Energy=%g Result=%s Status=completed",
		job.ID, job.UserID, energy, artifactKey)

	if d.opts.Archive != nil {
		if err := d.opts.Archive.Archive(ctx, job.ID, artifactKey, artifact); err != nil {
			log.Printf("[ERROR] Failed to archive result of JobID=%d: %v", job.ID, err)
		}
	}
	d.publishLatest(ctx, events.JobCompleted, job.ID)
	return nil
}

// fail re-queues the job when retryable and budget remains, otherwise marks it
// failed
func (d *Dispatcher) fail(ctx context.Context, job *models.Job, reason string, retryable bool) error {
	if retryable && d.opts.Retry.ShouldRetry(job) {
		err := d.persist(ctx, job, "requeue", func() error {
			return d.store.Requeue(ctx, job.ID, d.opts.Retry.MaxRetries, reason)
		})
		if err != nil {
			return fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		log.Printf("[RETRY] JobID=%d UserID=%s RetryCount=%d/%d Reason=%q",
			job.ID, job.UserID, job.RetryCount+1, d.opts.Retry.MaxRetries, firstLine(reason))
		d.publishLatest(ctx, events.JobRetrying, job.ID)
		return nil
	}

	err := d.persist(ctx, job, "fail", func() error {
		return d.store.MarkFailed(ctx, job.ID, reason)
	})
	if err != nil {
		return fmt.Errorf("fail job %d: %w", job.ID, err)
	}
	log.Printf("[FAILED] JobID=%d UserID=%s RetryCount=%d Reason=%q Status=failed",
		job.ID, job.UserID, job.RetryCount, firstLine(reason))
	d.publishLatest(ctx, events.JobFailed, job.ID)
	return nil
}

// persist retries a job's state write with the error back-off until it lands,
// ctx ends, or the row has already left running. It never touches the job's
// retry count.
func (d *Dispatcher) persist(ctx context.Context, job *models.Job, op string, write func() error) error {
	for {
		err := write()
		if err == nil || errors.Is(err, models.ErrInvalidTransition) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		log.Printf("[ERROR] Failed to %s JobID=%d, retrying in %v: %v", op, job.ID, d.opts.ErrorBackoff, err)
		d.wait(ctx, d.opts.ErrorBackoff)
	}
}

func (d *Dispatcher) saveAttemptLog(job *models.Job, res compute.Result, runErr error, took time.Duration) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "job %d attempt %d\nexit code: %d\nduration: %v\n",
		job.ID, job.RetryCount+1, res.ExitCode, took.Round(time.Millisecond))
	if runErr != nil {
		fmt.Fprintf(&buf, "error: %v\n", runErr)
	}
	fmt.Fprintf(&buf, "\n--- stdout ---\n%s\n--- stderr ---\n%s", res.Stdout, res.Stderr)

	key := fmt.Sprintf("logs/job%d-attempt%d.log", job.ID, job.RetryCount+1)
	if err := d.blobs.Write(key, &buf); err != nil {
		log.Printf("[ERROR] Failed to store log for JobID=%d: %v", job.ID, err)
	}
}

func (d *Dispatcher) publishLatest(ctx context.Context, t events.Type, jobID int64) {
	job, err := d.store.GetJobByID(ctx, jobID)
	if err != nil {
		log.Printf("[ERROR] Failed to reload JobID=%d for %s event: %v", jobID, t, err)
		return
	}
	d.publish(ctx, events.New(t, job))
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if err := d.opts.Events.Publish(ctx, ev); err != nil {
		log.Printf("[ERROR] Failed to publish %s for JobID=%d: %v", ev.Type, ev.JobID, err)
	}
}

func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// diagnostic keeps the error and the tail of stderr
func diagnostic(err error, res compute.Result) string {
	msg := err.Error()
	if res.Stderr != "" {
		stderr := res.Stderr
		if len(stderr) > maxDiagnostic {
			stderr = stderr[len(stderr)-maxDiagnostic:]
		}
		msg += "\n" + stderr
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
