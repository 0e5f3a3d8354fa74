package models

import "time"

// UpdateStatus is the outcome of one worker's local training for one round
type UpdateStatus string

const (
	UpdateStatusOK      UpdateStatus = "ok"
	UpdateStatusTimeout UpdateStatus = "timeout"
	UpdateStatusFailed  UpdateStatus = "failed"
)

// UpdateMetrics carries optional training metrics reported by a worker
type UpdateMetrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// WorkerUpdate is the result of one worker's local training for one round.
// Weight is the worker's sample count, used for weighted averaging.
// Only updates with status ok are consumed by aggregation; timeout and
// failed updates are counted for quorum and ledger accounting.
type WorkerUpdate struct {
	WorkerID string           `json:"worker_id"`
	Round    int              `json:"round"`
	Params   GlobalModelState `json:"params,omitempty"`
	Weight   int              `json:"weight"`
	Status   UpdateStatus     `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Metrics  UpdateMetrics    `json:"metrics"`
	GasUsed  uint64           `json:"gas_used"`
}

// RoundRecord is one append-only audit log entry per completed round
type RoundRecord struct {
	JobID         string                  `json:"job_id"`
	Index         int                     `json:"index"`
	Statuses      map[string]UpdateStatus `json:"statuses"`
	OKCount       int                     `json:"ok_count"`
	TimeoutCount  int                     `json:"timeout_count"`
	FailedCount   int                     `json:"failed_count"`
	StateChecksum string                  `json:"state_checksum"`
	GasUsed       uint64                  `json:"gas_used"`
	Duration      time.Duration           `json:"duration"`
	Convergence   float64                 `json:"convergence"`
	CompletedAt   time.Time               `json:"completed_at"`
}
