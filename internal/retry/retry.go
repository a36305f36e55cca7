// Package retry decides whether a failed compute attempt is re-queued.
package retry

import "dft-job-queue/internal/models"

// DefaultMaxRetries allows two retries beyond the first attempt.
const DefaultMaxRetries = 2

// Policy bounds the number of re-queues per job. Only compute invocation
// failures consult it; missing or unparsable output is never retried.
type Policy struct {
	MaxRetries int
}

// New returns a Policy, falling back to DefaultMaxRetries for negative bounds
func New(maxRetries int) Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return Policy{MaxRetries: maxRetries}
}

// ShouldRetry reports whether job still has retry budget
func (p Policy) ShouldRetry(job *models.Job) bool {
	return job.RetryCount < p.MaxRetries
}

// Attempts returns the total number of attempts a job may receive
func (p Policy) Attempts() int {
	return p.MaxRetries + 1
}
