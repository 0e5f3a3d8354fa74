package sandbox

import (
	"context"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// Task is one sandbox invocation: one worker running the compiled
// program against the current global state for one round. The
// constraints are the compile-time ResourceConstraints, threaded
// unchanged into every call for the job.
type Task struct {
	JobID        string                     `json:"job_id"`
	WorkerID     string                     `json:"worker_id"`
	Round        int                        `json:"round"`
	Epochs       int                        `json:"epochs"`
	Weight       int                        `json:"weight"`
	Instructions models.InstructionList     `json:"instructions"`
	Constraints  models.ResourceConstraints `json:"constraints"`
	State        models.GlobalModelState    `json:"state"`
}

// Runner executes compiled instructions under the declared resource
// limits and returns a parameter update or a failure. Implementations
// must block until completion, failure, or ctx cancellation; the
// sandbox, not the caller, enforces the declared limits.
//
// A non-nil error means the sandbox itself could not be reached;
// execution failures inside the sandbox come back as a WorkerUpdate
// with status failed.
type Runner interface {
	Run(ctx context.Context, task Task) (*models.WorkerUpdate, error)
}
