package aggregate

import (
	"fmt"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// AggregationError reasons
const (
	ReasonQuorumNotMet  = "quorum_not_met"
	ReasonShapeMismatch = "shape_mismatch"
	ReasonInvalidWeight = "invalid_weight"
)

// AggregationError reports why a round could not be aggregated. Quorum
// failures are retryable by the scheduler up to its retry budget.
type AggregationError struct {
	Reason string
	Detail string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation error (%s): %s", e.Reason, e.Detail)
}

// Engine combines per-worker parameter updates into one global update
// via sample-count-weighted federated averaging.
type Engine struct{}

// NewEngine creates an aggregation engine
func NewEngine() *Engine {
	return &Engine{}
}

// Aggregate computes, for each parameter key, the sample-count-weighted
// mean of that key's value across all ok updates:
//
//	new[k] = Σ(weight_i * update_i[k]) / Σ(weight_i)
//
// Updates with status timeout or failed are ignored here; they count
// toward quorum bookkeeping only. Fails when fewer than minWorkers ok
// updates are present, or when any ok update's parameter topology does
// not match current.
func (e *Engine) Aggregate(updates []models.WorkerUpdate, current models.GlobalModelState, minWorkers int) (models.GlobalModelState, error) {
	ok := make([]models.WorkerUpdate, 0, len(updates))
	for _, u := range updates {
		if u.Status == models.UpdateStatusOK {
			ok = append(ok, u)
		}
	}

	if len(ok) < minWorkers {
		return nil, &AggregationError{
			Reason: ReasonQuorumNotMet,
			Detail: fmt.Sprintf("need %d ok updates, have %d of %d", minWorkers, len(ok), len(updates)),
		}
	}

	var totalWeight float64
	for _, u := range ok {
		if u.Weight <= 0 {
			return nil, &AggregationError{
				Reason: ReasonInvalidWeight,
				Detail: fmt.Sprintf("worker %s reported non-positive weight %d", u.WorkerID, u.Weight),
			}
		}
		if !current.SameShape(u.Params) {
			return nil, &AggregationError{
				Reason: ReasonShapeMismatch,
				Detail: fmt.Sprintf("worker %s update does not match the global parameter topology", u.WorkerID),
			}
		}
		totalWeight += float64(u.Weight)
	}

	next := make(models.GlobalModelState, len(current))
	for key := range current {
		acc := make([]float64, len(current[key]))
		for _, u := range ok {
			w := float64(u.Weight)
			for i, v := range u.Params[key] {
				acc[i] += w * v
			}
		}
		for i := range acc {
			acc[i] /= totalWeight
		}
		next[key] = acc
	}
	return next, nil
}
