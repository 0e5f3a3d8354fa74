package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bcai-network/bcai-go/pkg/models"
)

var ErrUnknownWorker = errors.New("unknown worker")

// Registry tracks the worker pool: registration, heartbeats, declared
// capability, and per-worker in-flight dispatch counts. Workers whose
// heartbeat is older than the TTL are reported offline.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*models.WorkerInfo
	ttl     time.Duration
	now     func() time.Time
}

// New creates a registry with the given heartbeat TTL
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		workers: make(map[string]*models.WorkerInfo),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register adds or refreshes a worker. Re-registration updates the
// declared capability and resets the heartbeat.
func (r *Registry) Register(info *models.WorkerInfo) error {
	if info.ID == "" {
		return fmt.Errorf("register worker: empty worker id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *info
	cp.State = models.WorkerReady
	cp.LastHeartbeat = r.now()
	if cp.SampleCount <= 0 {
		cp.SampleCount = 1
	}
	if existing, ok := r.workers[cp.ID]; ok {
		cp.InFlight = existing.InFlight
	}
	r.workers[cp.ID] = &cp
	return nil
}

// Heartbeat refreshes a worker's liveness
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrUnknownWorker)
	}
	w.LastHeartbeat = r.now()
	w.State = models.WorkerReady
	return nil
}

// Get returns a snapshot of one worker
func (r *Registry) Get(id string) (*models.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, ErrUnknownWorker)
	}
	return r.snapshot(w), nil
}

// List returns snapshots of all workers in stable ID order
func (r *Registry) List() []*models.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, r.snapshot(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ready returns snapshots of workers with a fresh heartbeat
func (r *Registry) Ready() []*models.WorkerInfo {
	all := r.List()
	ready := all[:0]
	for _, w := range all {
		if w.State == models.WorkerReady {
			ready = append(ready, w)
		}
	}
	return ready
}

// AddInFlight adjusts a worker's in-flight dispatch count
func (r *Registry) AddInFlight(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.InFlight += delta
		if w.InFlight < 0 {
			w.InFlight = 0
		}
	}
}

// Remove deletes a worker from the pool
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

func (r *Registry) snapshot(w *models.WorkerInfo) *models.WorkerInfo {
	cp := *w
	if r.now().Sub(w.LastHeartbeat) > r.ttl {
		cp.State = models.WorkerOffline
	}
	return &cp
}
