package models

import (
	"encoding/json"
	"time"
)

// Job represents one geometry optimization request in the queue
type Job struct {
	ID             int64      `json:"jobId"`
	UserID         string     `json:"userId"`
	InputFilePath  string     `json:"inputFilePath"`
	Parameters     Parameters `json:"parameters"`
	Status         string     `json:"status"` // pending, running, completed, failed
	RetryCount     int        `json:"retryCount"`
	ResultFilePath string     `json:"resultFilePath,omitempty"`
	Energy         *float64   `json:"energy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	// Diagnostic holds the last failure reason for operators only.
	Diagnostic string `json:"-"`
}

// Terminal reports whether the job can no longer change state
func (j *Job) Terminal() bool {
	return IsTerminal(j.Status)
}

// Functional is one of the supported exchange-correlation functionals
type Functional string

// Basis is one of the supported basis sets
type Basis string

const (
	FunctionalM062X Functional = "M06-2X"
	FunctionalB3LYP Functional = "B3LYP"
	FunctionalPBE   Functional = "PBE"

	BasisDef2SVPD Basis = "def2-svpd"
	Basis631G     Basis = "6-31G"
	BasisCCPVDZ   Basis = "cc-pVDZ"
)

// Functionals lists the accepted functionals in display order
var Functionals = []Functional{FunctionalM062X, FunctionalB3LYP, FunctionalPBE}

// Bases lists the accepted basis sets in display order
var Bases = []Basis{BasisDef2SVPD, Basis631G, BasisCCPVDZ}

// Parameters is the validated chemistry input of a job. It is decoded once at
// submission and stored as an immutable JSON blob.
type Parameters struct {
	Dielectric float64    `json:"dielectric"`
	Functional Functional `json:"functional"`
	Basis      Basis      `json:"basis"`
	Charge     int        `json:"charge"`
}

// Encode serializes the parameters for storage
func (p Parameters) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeParameters parses a stored parameter blob
func DecodeParameters(raw string) (Parameters, error) {
	var p Parameters
	err := json.Unmarshal([]byte(raw), &p)
	return p, err
}

// Metrics holds queue-wide counters
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	TotalRetries  int64 `json:"total_retries"`
	Users         int64 `json:"users"`
}

// Status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ValidStatus reports whether s names a job status
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed or failed
func IsTerminal(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}
