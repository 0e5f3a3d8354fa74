package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and the devnet
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.TrainingJob
	checkpoints map[string]*Checkpoint
	results     map[string]*models.JobResult
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.TrainingJob),
		checkpoints: make(map[string]*Checkpoint),
		results:     make(map[string]*models.JobResult),
	}
}

func (s *MemoryStore) SaveJob(job *models.TrainingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(id string) (*models.TrainingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListJobs() ([]*models.TrainingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*models.TrainingJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatus(id string, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.Status = status
	return nil
}

func (s *MemoryStore) SaveCheckpoint(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cp
	stored.State = cp.State.Clone()
	stored.Records = append([]models.RoundRecord(nil), cp.Records...)
	s.checkpoints[cp.JobID] = &stored
	return nil
}

func (s *MemoryStore) GetCheckpoint(jobID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, fmt.Errorf("checkpoint for job %s: %w", jobID, ErrNotFound)
	}
	out := *cp
	out.State = cp.State.Clone()
	out.Records = append([]models.RoundRecord(nil), cp.Records...)
	return &out, nil
}

func (s *MemoryStore) SaveResult(result *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results[result.JobID] = &cp
	return nil
}

func (s *MemoryStore) GetResult(jobID string) (*models.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return nil, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	cp := *result
	return &cp, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
