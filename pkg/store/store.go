package store

import (
	"errors"
	"time"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// ErrNotFound is returned when a job, checkpoint, or result does not exist
var ErrNotFound = errors.New("not found")

// Checkpoint is the persisted state of one job, written after every
// successfully aggregated round. It is sufficient to resume the job at
// its last completed round after a restart.
type Checkpoint struct {
	JobID           string                  `json:"job_id"`
	RoundsCompleted int                     `json:"rounds_completed"`
	State           models.GlobalModelState `json:"state"`
	Records         []models.RoundRecord    `json:"records"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// Store is the interface for coordinator persistence: submitted jobs,
// per-round checkpoints, and terminal results.
type Store interface {
	// Job operations
	SaveJob(job *models.TrainingJob) error
	GetJob(id string) (*models.TrainingJob, error)
	ListJobs() ([]*models.TrainingJob, error)
	UpdateJobStatus(id string, status models.JobStatus) error

	// Checkpoint operations
	SaveCheckpoint(cp *Checkpoint) error
	GetCheckpoint(jobID string) (*Checkpoint, error)

	// Result operations
	SaveResult(result *models.JobResult) error
	GetResult(jobID string) (*models.JobResult, error)

	Close() error
}
