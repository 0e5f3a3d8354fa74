package scheduler

import (
	"sort"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// selectWorkers builds the round assignment in two stages: filter the
// pool down to workers that can run the job at all, then rank the
// survivors and take the best. The ranking is deterministic so repeated
// rounds over an unchanged pool pick the same workers.
func (s *Scheduler) selectWorkers() []*models.WorkerInfo {
	candidates := s.filterWorkers(s.deps.Registry.Ready())
	s.scoreWorkers(candidates)

	target := s.job.Rounds.TargetWorkers
	if target <= 0 || target > len(candidates) {
		target = len(candidates)
	}
	if s.deps.MaxWorkers > 0 && target > s.deps.MaxWorkers {
		target = s.deps.MaxWorkers
	}
	return candidates[:target]
}

// filterWorkers drops workers that cannot host the job's envelope
func (s *Scheduler) filterWorkers(pool []*models.WorkerInfo) []*models.WorkerInfo {
	out := make([]*models.WorkerInfo, 0, len(pool))
	for _, w := range pool {
		if !s.job.Envelope.Fits(w.Capability) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// scoreWorkers orders candidates least-loaded first, ties broken by ID
func (s *Scheduler) scoreWorkers(candidates []*models.WorkerInfo) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].InFlight != candidates[j].InFlight {
			return candidates[i].InFlight < candidates[j].InFlight
		}
		return candidates[i].ID < candidates[j].ID
	})
}
