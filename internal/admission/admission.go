// Package admission validates submissions and admits them into the job store.
package admission

import (
	"bytes"
	"context"
	"dft-job-queue/internal/blob"
	"dft-job-queue/internal/compute"
	"dft-job-queue/internal/database"
	"dft-job-queue/internal/models"
	"dft-job-queue/internal/observability"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultMaxPending is the per-user cap on pending jobs
	DefaultMaxPending = 5
	// DefaultMaxUploadBytes is the largest accepted structure file
	DefaultMaxUploadBytes = 10 << 20
)

// Store is the part of the job store admission needs
type Store interface {
	CreateJob(ctx context.Context, nj database.NewJob, maxPending int, stage database.StageFunc) (*models.Job, error)
}

// Upload is a submitted structure file
type Upload struct {
	Filename string
	Data     []byte
}

// Options tunes admission limits
type Options struct {
	MaxPending     int
	MaxUploadBytes int64
}

// Controller admits jobs into the queue
type Controller struct {
	store      Store
	blobs      blob.Store
	validator  compute.Validator
	maxPending int
	maxBytes   int64
	now        func() time.Time
}

// New creates a new Controller
func New(store Store, blobs blob.Store, validator compute.Validator, opts Options) *Controller {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Controller{
		store:      store,
		blobs:      blobs,
		validator:  validator,
		maxPending: opts.MaxPending,
		maxBytes:   opts.MaxUploadBytes,
		now:        time.Now,
	}
}

// Submit validates the upload and parameters, checks the file with the
// format validator, and creates a pending job. Validation, format and quota
// failures never create a job row.
func (c *Controller) Submit(ctx context.Context, userID string, up Upload, raw RawParameters) (*models.Job, error) {
	ctx, span := observability.StartSpan(ctx, "admission.submit", attribute.String("user.id", userID))
	defer span.End()

	if userID == "" {
		return nil, models.Invalid("user", "identity required")
	}
	if err := ValidateUpload(up, c.maxBytes); err != nil {
		return nil, err
	}
	params, err := ValidateParameters(raw)
	if err != nil {
		return nil, err
	}
	if err := c.checkFormat(ctx, up.Data); err != nil {
		return nil, err
	}

	var staged string
	job, err := c.store.CreateJob(ctx, database.NewJob{
		UserID:     userID,
		Parameters: params,
		CreatedAt:  c.now(),
	}, c.maxPending, func(jobID int64) (string, error) {
		key := fmt.Sprintf("job%d.sdf", jobID)
		if err := c.blobs.Write(key, bytes.NewReader(up.Data)); err != nil {
			return "", err
		}
		staged = key
		return key, nil
	})
	if err != nil {
		if staged != "" {
			if rmErr := c.blobs.Remove(staged); rmErr != nil {
				log.Printf("[ERROR] Failed to remove orphaned input %s: %v", staged, rmErr)
			}
		}
		if errors.Is(err, models.ErrQuotaExceeded) {
			log.Printf("[QUOTA] User %s reached the pending job limit (%d)", userID, c.maxPending)
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	span.SetAttributes(attribute.Int64("job.id", job.ID))
	log.Printf("[SUBMIT] JobID=%d UserID=%s Functional=%s Basis=%s Status=pending",
		job.ID, userID, params.Functional, params.Basis)
	return job, nil
}

// checkFormat runs the validator on a scratch copy that is always removed
func (c *Controller) checkFormat(ctx context.Context, data []byte) error {
	key := "tmp/validate-" + uuid.NewString() + ".sdf"
	if err := c.blobs.Write(key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write scratch copy: %w", err)
	}
	defer func() {
		if err := c.blobs.Remove(key); err != nil {
			log.Printf("[ERROR] Failed to remove scratch copy %s: %v", key, err)
		}
	}()

	path, err := c.blobs.LocalPath(key)
	if err != nil {
		return err
	}
	return c.validator.Validate(ctx, path)
}
