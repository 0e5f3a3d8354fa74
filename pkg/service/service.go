package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/bcai-network/bcai-go/pkg/aggregate"
	"github.com/bcai-network/bcai-go/pkg/compiler"
	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/logging"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/sandbox"
	"github.com/bcai-network/bcai-go/pkg/scheduler"
	"github.com/bcai-network/bcai-go/pkg/store"
)

// Deps wires the service to its collaborators
type Deps struct {
	Compiler   *compiler.Compiler
	Runner     sandbox.Runner
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Store      store.Store
	Logger     *logging.Logger
	MaxWorkers int
}

// activeJob is one job currently owned by a scheduler goroutine
type activeJob struct {
	sched *scheduler.Scheduler
	done  chan struct{}
}

// Service is the coordinator facade: it accepts job submissions, runs
// each accepted job on its own scheduler goroutine, and exposes
// results, round logs, and cancellation. Jobs with a cron schedule are
// resubmitted on every trigger for periodic retraining.
type Service struct {
	deps Deps
	log  *logging.Logger
	cron *cron.Cron

	mu     sync.Mutex
	active map[string]*activeJob

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped service
func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   deps,
		log:    log.WithComponent("service"),
		cron:   cron.New(),
		active: make(map[string]*activeJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the cron runner and resumes jobs that were running
// when the coordinator last stopped.
func (s *Service) Start() {
	s.cron.Start()
	s.recoverJobs()
}

// Stop cancels all running jobs and waits for their schedulers to
// finish, up to the context deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop service: %w", ctx.Err())
	}
}

// Submit validates and launches a new training job. Compile errors are
// reported synchronously; an accepted job runs asynchronously and is
// observable through Result, Await, and Rounds.
func (s *Service) Submit(req *models.JobSubmissionRequest) (*models.TrainingJob, error) {
	job := &models.TrainingJob{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Owner:        req.Owner,
		Source:       req.Source,
		Requirements: req.Requirements,
		Envelope:     req.Envelope,
		RewardBudget: req.RewardBudget,
		Rounds:       req.Rounds,
		Schedule:     req.Schedule,
		Status:       models.JobStatusQueued,
		SubmittedAt:  time.Now().UTC(),
	}

	// reject before any money moves
	if _, err := s.deps.Compiler.Compile(job); err != nil {
		return nil, err
	}
	if job.Schedule != "" {
		if _, err := cron.ParseStandard(job.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
		}
	}
	if err := s.deps.Ledger.OpenJob(job.ID, job.Owner, job.RewardBudget, job.Envelope.GasBudget, job.Rounds.Rounds); err != nil {
		return nil, err
	}
	if err := s.deps.Store.SaveJob(job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	if job.Schedule != "" {
		s.scheduleRetraining(job)
	}
	s.launch(job)
	s.log.Info("job submitted", map[string]any{"job": job.ID, "name": job.Name, "owner": job.Owner})
	return job, nil
}

// Job returns one submitted job
func (s *Service) Job(id string) (*models.TrainingJob, error) {
	return s.deps.Store.GetJob(id)
}

// Jobs lists all submitted jobs, newest first
func (s *Service) Jobs() ([]*models.TrainingJob, error) {
	return s.deps.Store.ListJobs()
}

// Result returns a job's terminal result, or store.ErrNotFound while
// the job is still running.
func (s *Service) Result(jobID string) (*models.JobResult, error) {
	return s.deps.Store.GetResult(jobID)
}

// Await blocks until the job terminates or ctx expires, then returns
// its result.
func (s *Service) Await(ctx context.Context, jobID string) (*models.JobResult, error) {
	s.mu.Lock()
	aj := s.active[jobID]
	s.mu.Unlock()

	if aj != nil {
		select {
		case <-aj.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("await job %s: %w", jobID, ctx.Err())
		}
	}
	return s.deps.Store.GetResult(jobID)
}

// Cancel requests termination of a running job
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	aj := s.active[jobID]
	s.mu.Unlock()
	if aj == nil {
		return fmt.Errorf("cancel job %s: %w", jobID, store.ErrNotFound)
	}
	aj.sched.Cancel()
	return nil
}

// Rounds returns a job's per-round audit log
func (s *Service) Rounds(jobID string) ([]models.RoundRecord, error) {
	s.mu.Lock()
	aj := s.active[jobID]
	s.mu.Unlock()
	if aj != nil {
		return aj.sched.Records(), nil
	}
	cp, err := s.deps.Store.GetCheckpoint(jobID)
	if err != nil {
		return nil, err
	}
	return cp.Records, nil
}

// launch hands the job to its own scheduler goroutine
func (s *Service) launch(job *models.TrainingJob) {
	sched := scheduler.New(job, scheduler.Deps{
		Compiler:   s.deps.Compiler,
		Runner:     s.deps.Runner,
		Engine:     aggregate.NewEngine(),
		Ledger:     s.deps.Ledger,
		Registry:   s.deps.Registry,
		Store:      s.deps.Store,
		Logger:     s.log,
		MaxWorkers: s.deps.MaxWorkers,
	})
	aj := &activeJob{sched: sched, done: make(chan struct{})}

	s.mu.Lock()
	s.active[job.ID] = aj
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sched.Run(s.ctx)
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
		close(aj.done)
	}()
}

// scheduleRetraining registers a cron entry that resubmits the job on
// every trigger. Each run is a fresh job with its own ID, escrow, and
// result; the schedule is dropped from the clone so triggers do not
// multiply.
func (s *Service) scheduleRetraining(job *models.TrainingJob) {
	template := *job
	_, err := s.cron.AddFunc(job.Schedule, func() {
		req := &models.JobSubmissionRequest{
			Name:         template.Name + "-retrain",
			Owner:        template.Owner,
			Source:       template.Source,
			Requirements: template.Requirements,
			Envelope:     template.Envelope,
			RewardBudget: template.RewardBudget,
			Rounds:       template.Rounds,
		}
		if _, err := s.Submit(req); err != nil {
			s.log.Warn("scheduled retraining failed", map[string]any{
				"name":  template.Name,
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		// Submit already validated the expression, so this only fires
		// on a cron runner fault; the job itself still runs once
		s.log.Warn("retraining schedule registration failed", map[string]any{
			"job":   job.ID,
			"error": err.Error(),
		})
	}
}

// recoverJobs relaunches jobs that were interrupted mid-run; each
// resumes from its last checkpoint. The in-memory ledger starts empty
// after a restart, so recovered jobs run without an escrow account and
// settle at zero.
func (s *Service) recoverJobs() {
	jobs, err := s.deps.Store.ListJobs()
	if err != nil {
		s.log.Warn("job recovery scan failed", map[string]any{"error": err.Error()})
		return
	}
	for _, job := range jobs {
		switch job.Status {
		case models.JobStatusQueued, models.JobStatusCompiling, models.JobStatusRunning:
			s.log.Info("recovering interrupted job", map[string]any{"job": job.ID, "status": string(job.Status)})
			s.launch(job)
		}
	}
}
