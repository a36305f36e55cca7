// Package events carries job lifecycle notifications to subscribers.
package events

import (
	"context"
	"dft-job-queue/internal/models"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	JobSubmitted Type = "job.submitted"
	JobStarted   Type = "job.started"
	JobRetrying  Type = "job.retrying"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
)

// Event is one state change of a job
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	JobID      int64     `json:"jobId"`
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retryCount"`
	Energy     *float64  `json:"energy,omitempty"`
	At         time.Time `json:"at"`
}

// New builds an event from a job snapshot
func New(t Type, job *models.Job) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		Energy:     job.Energy,
		At:         time.Now().UTC(),
	}
}

// Publisher delivers events somewhere
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every member and joins their errors
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
