// Package jobs describes per-institution extraction jobs and the queue and
// store contracts the worker pool is built on.
package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeExtractInstitution extracts every requested account of one institution.
	JobTypeExtractInstitution JobType = "extract_institution"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	// JobStatusPartial means some account types failed but others produced data.
	JobStatusPartial  JobStatus = "partial"
	JobStatusFailed   JobStatus = "failed"
	JobStatusRetrying JobStatus = "retrying"
)

// Terminal reports whether no further transitions will happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartial || s == JobStatusFailed
}

// ExtractionJob is one institution's share of a run.
type ExtractionJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// RunID groups the jobs of one pipeline run.
	RunID string `json:"run_id"`

	InstitutionID string   `json:"institution_id"`
	AccountTypes  []string `json:"account_types"`

	// StartDate and EndDate bound the half-open extraction window (YYYY-MM-DD).
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed or partially failed.
	Error string `json:"error,omitempty"`

	// Records is the number of raw rows downloaded.
	Records int `json:"records"`

	// RetryCount is the number of times the whole job has been re-run.
	RetryCount int `json:"retry_count"`

	// MaxRetries caps whole-job re-runs. Session-level retries happen inside
	// a single attempt, so this is normally zero: re-running a job means a
	// fresh login and possibly a fresh MFA prompt.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *ExtractionJob) GetID() string        { return j.JobID }
func (j *ExtractionJob) GetType() JobType     { return JobTypeExtractInstitution }
func (j *ExtractionJob) GetStatus() JobStatus { return j.Status }

// Publisher enqueues jobs.
type Publisher interface {
	PublishExtraction(ctx context.Context, job *ExtractionJob) error
	Close() error
}

// Consumer runs queued jobs on a bounded set of workers.
type Consumer interface {
	// Start launches the workers. The handler is called once per attempt.
	Start(ctx context.Context, handler JobHandler) error

	// Wait blocks until every published job reached a terminal status.
	Wait(ctx context.Context) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. It returns the status the job ends in and an
// error describing any failure. A JobStatusFailed result may be retried.
type JobHandler func(ctx context.Context, job Job) (JobStatus, error)

// JobStore keeps job state for status queries.
type JobStore interface {
	SaveJob(ctx context.Context, job *ExtractionJob) error
	GetJob(ctx context.Context, jobID string) (*ExtractionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*ExtractionJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	RunID         string
	InstitutionID string
	Status        JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
