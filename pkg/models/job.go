package models

import "time"

// JobStatus represents the current lifecycle status of a training job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusCompiling JobStatus = "compiling"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Machine-readable failure reasons carried by a failed JobResult
const (
	FailureCompileError = "compile_error"
	FailureQuorumNotMet = "quorum_not_met"
	FailureCancelled    = "cancelled"
)

// ResourceEnvelope declares the resources a job is allowed to consume.
// The compiler rejects envelopes that exceed the configured ceiling, and
// the ledger charges a penalty for gas consumed beyond GasBudget.
type ResourceEnvelope struct {
	MilliCPU         int64  `json:"milli_cpu"`
	MemoryBytes      uint64 `json:"memory_bytes"`
	GPUMemoryBytes   uint64 `json:"gpu_memory_bytes"`
	WallClockSeconds int64  `json:"wall_clock_seconds"`
	GasBudget        uint64 `json:"gas_budget"`
}

// Fits reports whether the envelope fits within a worker capability or ceiling.
func (e ResourceEnvelope) Fits(cap ResourceEnvelope) bool {
	return e.MilliCPU <= cap.MilliCPU &&
		e.MemoryBytes <= cap.MemoryBytes &&
		e.GPUMemoryBytes <= cap.GPUMemoryBytes
}

// RoundConfig controls the round-by-round training lifecycle of one job
type RoundConfig struct {
	Rounds         int `json:"rounds"`
	LocalEpochs    int `json:"local_epochs"`
	MinWorkers     int `json:"min_workers"`
	TargetWorkers  int `json:"target_workers,omitempty"`
	RetryBudget    int `json:"retry_budget"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// RoundTimeout returns the per-round collection deadline
func (c RoundConfig) RoundTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrainingJob is a unit of federated training work. Immutable once compiled.
type TrainingJob struct {
	ID           string           `json:"job_id"`
	Name         string           `json:"name"`
	Owner        string           `json:"owner"`
	Source       string           `json:"source"`
	Requirements []string         `json:"requirements,omitempty"`
	Envelope     ResourceEnvelope `json:"envelope"`
	RewardBudget uint64           `json:"reward_budget"`
	Rounds       RoundConfig      `json:"rounds"`
	Schedule     string           `json:"schedule,omitempty"`
	Status       JobStatus        `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
}

// JobSubmissionRequest is the submission surface payload for a new job
type JobSubmissionRequest struct {
	Name         string           `json:"name"`
	Owner        string           `json:"owner"`
	Source       string           `json:"source"`
	Requirements []string         `json:"requirements,omitempty"`
	Envelope     ResourceEnvelope `json:"envelope"`
	RewardBudget uint64           `json:"reward_budget"`
	Rounds       RoundConfig      `json:"rounds"`
	Schedule     string           `json:"schedule,omitempty"`
}

// JobResult is the terminal record of a job. Created exactly once,
// when the round scheduler terminates.
type JobResult struct {
	JobID           string             `json:"job_id"`
	Success         bool               `json:"success"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	FinalChecksum   string             `json:"final_checksum,omitempty"`
	FinalState      GlobalModelState   `json:"final_state,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	RoundsCompleted int                `json:"rounds_completed"`
	GasConsumed     uint64             `json:"gas_consumed"`
	RewardPaid      uint64             `json:"reward_paid"`
	CompletedAt     time.Time          `json:"completed_at"`
}
