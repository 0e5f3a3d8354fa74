package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bcai-network/bcai-go/pkg/aggregate"
	"github.com/bcai-network/bcai-go/pkg/compiler"
	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/logging"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/sandbox"
	"github.com/bcai-network/bcai-go/pkg/store"
)

var (
	errCancelled = errors.New("job cancelled")
	errShutdown  = errors.New("coordinator shutting down")
)

// DefaultRetryBudget is the number of same-index retries after a
// quorum failure before the job terminates.
const DefaultRetryBudget = 1

// Deps wires the scheduler to its collaborators
type Deps struct {
	Compiler   *compiler.Compiler
	Runner     sandbox.Runner
	Engine     *aggregate.Engine
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Store      store.Store
	Logger     *logging.Logger
	MaxWorkers int // cap on workers assigned per round; 0 means the whole pool
}

// Scheduler owns the round-by-round lifecycle of one training job:
// compile, dispatch, collect under a hard round deadline, aggregate,
// account, terminate. Rounds are strictly sequential; workers within a
// round run concurrently. Exactly one JobResult is produced per job.
type Scheduler struct {
	job  *models.TrainingJob
	deps Deps
	log  *logging.Logger

	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu      sync.Mutex
	records []models.RoundRecord
}

// New creates a scheduler for one job
func New(job *models.TrainingJob, deps Deps) *Scheduler {
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Scheduler{
		job:      job,
		deps:     deps,
		log:      log.WithComponent("scheduler"),
		cancelCh: make(chan struct{}),
	}
}

// Cancel requests job termination. Observed at the start of dispatch
// and at the collection deadline; in-flight sandbox calls are cancelled
// best-effort and late returns are discarded.
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Records returns the append-only audit log of completed rounds
func (s *Scheduler) Records() []models.RoundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RoundRecord(nil), s.records...)
}

// Run drives the job to termination and returns its JobResult. It
// never escapes with an error: every terminal path produces a result
// with a machine-readable failure reason. The one exception is
// coordinator shutdown (ctx cancellation): Run returns nil without
// persisting anything terminal, so the job stays resumable from its
// last checkpoint on the next start.
func (s *Scheduler) Run(ctx context.Context) *models.JobResult {
	s.setStatus(models.JobStatusCompiling)
	s.log.Info("compiling job", map[string]any{"job": s.job.ID})

	compiled, err := s.deps.Compiler.Compile(s.job)
	if err != nil {
		s.log.Error("compile failed", map[string]any{"job": s.job.ID, "error": err.Error()})
		return s.fail(models.FailureCompileError)
	}

	state := compiled.InitialState
	startRound := 0
	if cp, err := s.deps.Store.GetCheckpoint(s.job.ID); err == nil {
		// resume at the last completed round
		state = cp.State
		startRound = cp.RoundsCompleted
		s.mu.Lock()
		s.records = append([]models.RoundRecord(nil), cp.Records...)
		s.mu.Unlock()
		s.log.Info("resuming from checkpoint", map[string]any{"job": s.job.ID, "round": startRound})
	}

	rounds := s.job.Rounds.Rounds
	if rounds == 0 {
		// compile-only job: terminate immediately with the compiled
		// state unchanged, never dispatched
		return s.finish(state)
	}
	s.setStatus(models.JobStatusRunning)

	retryBudget := s.job.Rounds.RetryBudget
	if retryBudget <= 0 {
		retryBudget = DefaultRetryBudget
	}

	for round := startRound; round < rounds; round++ {
		retries := retryBudget
		for {
			rec, next, err := s.runRound(ctx, round, compiled, state)
			if err == nil {
				s.commitRound(rec, next)
				state = next
				break
			}
			if errors.Is(err, errShutdown) {
				s.log.Info("shutdown interrupted job, leaving it resumable", map[string]any{
					"job":   s.job.ID,
					"round": round,
				})
				return nil
			}
			if errors.Is(err, errCancelled) {
				s.log.Warn("job cancelled", map[string]any{"job": s.job.ID, "round": round})
				return s.fail(models.FailureCancelled)
			}
			var aggErr *aggregate.AggregationError
			if errors.As(err, &aggErr) && retries > 0 {
				retries--
				s.log.Warn("round failed, retrying", map[string]any{
					"job":   s.job.ID,
					"round": round,
					"error": aggErr.Error(),
				})
				continue
			}
			s.log.Error("round failed, retry budget exhausted", map[string]any{
				"job":   s.job.ID,
				"round": round,
				"error": err.Error(),
			})
			reason := models.FailureQuorumNotMet
			if aggErr != nil && aggErr.Reason != aggregate.ReasonQuorumNotMet {
				// a topology or weight fault is not a quorum problem
				reason = aggErr.Reason
			}
			return s.fail(reason)
		}
	}

	return s.finish(state)
}

// runRound executes one dispatch/collect/aggregate cycle. The returned
// state is the aggregation output; the caller must not begin the next
// round with anything else.
func (s *Scheduler) runRound(ctx context.Context, round int, compiled *compiler.Compiled, state models.GlobalModelState) (*models.RoundRecord, models.GlobalModelState, error) {
	if err := s.interrupted(ctx); err != nil {
		return nil, nil, err
	}

	minWorkers := s.job.Rounds.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 1
	}
	workers := s.selectWorkers()
	if len(workers) < minWorkers {
		return nil, nil, &aggregate.AggregationError{
			Reason: aggregate.ReasonQuorumNotMet,
			Detail: "assignable worker pool is smaller than the quorum",
		}
	}

	start := time.Now()
	roundCtx, cancelRound := context.WithTimeout(ctx, s.job.Rounds.RoundTimeout())
	defer cancelRound()

	// buffered: a call returning after the deadline parks its result
	// here and is never read, so late updates cannot leak into a
	// later round's state
	results := make(chan dispatchResult, len(workers))

	for _, w := range workers {
		s.deps.Registry.AddInFlight(w.ID, 1)
		go func(w *models.WorkerInfo) {
			defer s.deps.Registry.AddInFlight(w.ID, -1)
			update, err := s.deps.Runner.Run(roundCtx, sandbox.Task{
				JobID:        s.job.ID,
				WorkerID:     w.ID,
				Round:        round,
				Epochs:       s.job.Rounds.LocalEpochs,
				Weight:       w.SampleCount,
				Instructions: compiled.Instructions,
				Constraints:  compiled.Constraints,
				State:        state,
			})
			results <- dispatchResult{workerID: w.ID, update: update, err: err}
		}(w)
	}

	pending := make(map[string]bool, len(workers))
	for _, w := range workers {
		pending[w.ID] = true
	}
	updates := s.collect(roundCtx, round, pending, results)

	if err := s.interrupted(ctx); err != nil {
		return nil, nil, err
	}

	next, err := s.deps.Engine.Aggregate(updates, state, minWorkers)
	if err != nil {
		return nil, nil, err
	}

	rec := buildRecord(s.job.ID, round, updates, next, time.Since(start))
	s.log.Info("round aggregated", map[string]any{
		"job":      s.job.ID,
		"round":    round,
		"ok":       rec.OKCount,
		"timeout":  rec.TimeoutCount,
		"failed":   rec.FailedCount,
		"checksum": rec.StateChecksum[:12],
	})
	return rec, next, nil
}

// toUpdate normalizes one dispatch outcome into a WorkerUpdate
func (s *Scheduler) toUpdate(round int, workerID string, update *models.WorkerUpdate, err error) models.WorkerUpdate {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return models.WorkerUpdate{WorkerID: workerID, Round: round, Status: models.UpdateStatusTimeout}
	case err != nil:
		return models.WorkerUpdate{WorkerID: workerID, Round: round, Status: models.UpdateStatusFailed, Reason: err.Error()}
	default:
		u := *update
		u.WorkerID = workerID
		u.Round = round
		return u
	}
}

// commitRound charges the ledger, appends the audit record, and
// persists the checkpoint for one successfully aggregated round
func (s *Scheduler) commitRound(rec *models.RoundRecord, state models.GlobalModelState) {
	if err := s.deps.Ledger.Charge(s.job.ID, *rec); err != nil {
		s.log.Warn("ledger charge failed", map[string]any{"job": s.job.ID, "error": err.Error()})
	}

	s.mu.Lock()
	s.records = append(s.records, *rec)
	records := append([]models.RoundRecord(nil), s.records...)
	s.mu.Unlock()

	cp := &store.Checkpoint{
		JobID:           s.job.ID,
		RoundsCompleted: rec.Index + 1,
		State:           state,
		Records:         records,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.deps.Store.SaveCheckpoint(cp); err != nil {
		s.log.Warn("checkpoint save failed", map[string]any{"job": s.job.ID, "error": err.Error()})
	}
}

// finish settles the ledger and emits the success result
func (s *Scheduler) finish(state models.GlobalModelState) *models.JobResult {
	reward, err := s.deps.Ledger.Settle(s.job.ID)
	if err != nil {
		s.log.Warn("ledger settle failed", map[string]any{"job": s.job.ID, "error": err.Error()})
	}
	gas, _ := s.deps.Ledger.GasConsumed(s.job.ID)

	result := &models.JobResult{
		JobID:           s.job.ID,
		Success:         true,
		FinalState:      state,
		FinalChecksum:   state.Checksum(),
		Metrics:         s.resultMetrics(),
		RoundsCompleted: len(s.Records()),
		GasConsumed:     gas,
		RewardPaid:      reward,
		CompletedAt:     time.Now().UTC(),
	}
	s.persistResult(result, models.JobStatusCompleted)
	s.log.Info("job completed", map[string]any{"job": s.job.ID, "rounds": result.RoundsCompleted, "reward": reward})
	return result
}

// fail settles whatever was earned and emits the failure result
func (s *Scheduler) fail(reason string) *models.JobResult {
	var reward, gas uint64
	if reason != models.FailureCompileError {
		// compile failures never opened a ledger account
		if r, err := s.deps.Ledger.Settle(s.job.ID); err == nil {
			reward = r
		}
		gas, _ = s.deps.Ledger.GasConsumed(s.job.ID)
	}

	result := &models.JobResult{
		JobID:           s.job.ID,
		Success:         false,
		FailureReason:   reason,
		Metrics:         s.resultMetrics(),
		RoundsCompleted: len(s.Records()),
		GasConsumed:     gas,
		RewardPaid:      reward,
		CompletedAt:     time.Now().UTC(),
	}
	s.persistResult(result, models.JobStatusFailed)
	return result
}

func (s *Scheduler) persistResult(result *models.JobResult, status models.JobStatus) {
	if err := s.deps.Store.SaveResult(result); err != nil {
		s.log.Error("result save failed", map[string]any{"job": s.job.ID, "error": err.Error()})
	}
	s.setStatus(status)
}

func (s *Scheduler) setStatus(status models.JobStatus) {
	if err := s.deps.Store.UpdateJobStatus(s.job.ID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("status update failed", map[string]any{"job": s.job.ID, "error": err.Error()})
	}
}

func (s *Scheduler) resultMetrics() map[string]float64 {
	records := s.Records()
	if len(records) == 0 {
		return nil
	}
	var ok, timeout, failed int
	for _, rec := range records {
		ok += rec.OKCount
		timeout += rec.TimeoutCount
		failed += rec.FailedCount
	}
	return map[string]float64{
		"convergence":     records[len(records)-1].Convergence,
		"ok_updates":      float64(ok),
		"timeout_updates": float64(timeout),
		"failed_updates":  float64(failed),
	}
}

// interrupted distinguishes a job-level cancel from a coordinator
// shutdown. Cancel wins when both are pending: the caller asked for a
// terminal cancelled result and must get one.
func (s *Scheduler) interrupted(ctx context.Context) error {
	select {
	case <-s.cancelCh:
		return errCancelled
	default:
	}
	if ctx.Err() != nil {
		return errShutdown
	}
	return nil
}

// dispatchResult carries one worker's sandbox outcome back to the
// collecting round
type dispatchResult struct {
	workerID string
	update   *models.WorkerUpdate
	err      error
}

// collect receives worker outcomes until every assigned worker has
// reported or the round deadline fires. Results already buffered when
// the deadline fires are still honored; only workers with nothing
// delivered are stamped as timeouts.
func (s *Scheduler) collect(ctx context.Context, round int, pending map[string]bool, results <-chan dispatchResult) []models.WorkerUpdate {
	updates := make([]models.WorkerUpdate, 0, len(pending))

receive:
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.workerID)
			updates = append(updates, s.toUpdate(round, res.workerID, res.update, res.err))
		case <-ctx.Done():
			break receive
		}
	}

drain:
	for len(pending) > 0 {
		select {
		case res := <-results:
			delete(pending, res.workerID)
			updates = append(updates, s.toUpdate(round, res.workerID, res.update, res.err))
		default:
			break drain
		}
	}

	// anything still outstanding at the deadline is a timeout
	for workerID := range pending {
		updates = append(updates, models.WorkerUpdate{
			WorkerID: workerID,
			Round:    round,
			Status:   models.UpdateStatusTimeout,
		})
	}
	return updates
}

func buildRecord(jobID string, round int, updates []models.WorkerUpdate, next models.GlobalModelState, elapsed time.Duration) *models.RoundRecord {
	rec := &models.RoundRecord{
		JobID:         jobID,
		Index:         round,
		Statuses:      make(map[string]models.UpdateStatus, len(updates)),
		StateChecksum: next.Checksum(),
		Duration:      elapsed,
		Convergence:   aggregate.ConvergenceScore(updates),
		CompletedAt:   time.Now().UTC(),
	}
	for _, u := range updates {
		rec.Statuses[u.WorkerID] = u.Status
		rec.GasUsed += u.GasUsed
		switch u.Status {
		case models.UpdateStatusOK:
			rec.OKCount++
		case models.UpdateStatusTimeout:
			rec.TimeoutCount++
		case models.UpdateStatusFailed:
			rec.FailedCount++
		}
	}
	return rec
}
