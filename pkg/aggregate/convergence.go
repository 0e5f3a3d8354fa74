package aggregate

import (
	"gonum.org/v1/gonum/stat"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// ConvergenceScore measures agreement between ok updates as the mean
// per-element variance across workers, mapped into (0, 1] where higher
// means better convergence. A round with fewer than two ok updates
// scores 1.
func ConvergenceScore(updates []models.WorkerUpdate) float64 {
	ok := make([]models.WorkerUpdate, 0, len(updates))
	for _, u := range updates {
		if u.Status == models.UpdateStatusOK {
			ok = append(ok, u)
		}
	}
	if len(ok) < 2 {
		return 1.0
	}

	values := make([]float64, len(ok))
	var varianceSum float64
	var elements int

	for _, key := range ok[0].Params.Keys() {
		for i := range ok[0].Params[key] {
			for j, u := range ok {
				values[j] = u.Params[key][i]
			}
			varianceSum += stat.Variance(values, nil)
			elements++
		}
	}
	if elements == 0 {
		return 1.0
	}
	return 1.0 / (1.0 + varianceSum/float64(elements))
}
