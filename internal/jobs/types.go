package jobs

import (
	"context"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/ledger"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeReconcile runs the reconciliation pipeline over one input batch.
	JobTypeReconcile JobType = "reconcile"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// DefaultMaxRetries applies when a job does not set MaxRetries.
const DefaultMaxRetries = 3

// ReconcileJob is a request to reconcile one batch of raw records.
type ReconcileJob struct {
	JobID string `json:"job_id"`

	// Source is the gs:// URI of the batch, or "inline" when Raws is set.
	Source string `json:"source"`

	// Raws carries an inline batch submitted through the API.
	Raws []ledger.RawRecord `json:"-"`

	// RunID is assigned once the pipeline has run.
	RunID string `json:"run_id,omitempty"`

	// OutputURI points at the uploaded enriched ledger, when uploaded.
	OutputURI string `json:"output_uri,omitempty"`

	Accepted    int `json:"accepted"`
	Quarantined int `json:"quarantined"`
	ReviewItems int `json:"review_items"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// SourceInline marks jobs whose batch travels with the job.
const SourceInline = "inline"

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *ReconcileJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *ReconcileJob) GetType() JobType {
	return JobTypeReconcile
}

// GetStatus implements the Job interface.
func (j *ReconcileJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher defines the interface for publishing jobs to a queue.
// The in-memory queue and the AMQP publisher both implement it.
type Publisher interface {
	// PublishReconcile publishes a reconciliation job.
	PublishReconcile(ctx context.Context, job *ReconcileJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *ReconcileJob) error

	// GetJob retrieves a job by ID. Unknown ids wrap domain.ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*ReconcileJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*ReconcileJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Source string
	Status JobStatus
	Limit  int
	Offset int
}
