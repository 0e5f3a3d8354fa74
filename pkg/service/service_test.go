package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcai-network/bcai-go/pkg/compiler"
	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/sandbox"
	"github.com/bcai-network/bcai-go/pkg/store"
)

// echoRunner returns the incoming state unchanged as a successful update
type echoRunner struct{}

func (echoRunner) Run(_ context.Context, task sandbox.Task) (*models.WorkerUpdate, error) {
	return &models.WorkerUpdate{
		WorkerID: task.WorkerID,
		Round:    task.Round,
		Params:   task.State.Clone(),
		Weight:   task.Weight,
		Status:   models.UpdateStatusOK,
		GasUsed:  5,
	}, nil
}

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	led := ledger.New()
	led.Mint("alice", 500)
	mem := store.NewMemoryStore()
	reg := registry.New(time.Minute)
	require.NoError(t, reg.Register(&models.WorkerInfo{ID: "w1"}))

	svc := New(Deps{
		Compiler: compiler.New(compiler.DefaultConfig()),
		Runner:   echoRunner{},
		Ledger:   led,
		Registry: reg,
		Store:    mem,
	})
	svc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, led, mem
}

func submission() *models.JobSubmissionRequest {
	return &models.JobSubmissionRequest{
		Name:         "mnist",
		Owner:        "alice",
		Source:       "param w 2 1.5\nload w\nstore w",
		RewardBudget: 100,
		Envelope:     models.ResourceEnvelope{GasBudget: 10_000},
		Rounds:       models.RoundConfig{Rounds: 2, MinWorkers: 1, TimeoutSeconds: 5},
	}
}

func TestSubmitAndAwait(t *testing.T) {
	svc, led, _ := newTestService(t)

	job, err := svc.Submit(submission())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	// the reward budget is escrowed at submission
	assert.Equal(t, uint64(400), led.Balance("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.Await(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.RoundsCompleted)
	assert.Equal(t, []float64{1.5, 1.5}, result.FinalState["w"])
	// the only contributor earns the full reward
	assert.Equal(t, uint64(100), led.Balance("w1"))
}

func TestSubmitCompileError(t *testing.T) {
	svc, led, mem := newTestService(t)

	req := submission()
	req.Source = "bogus w"
	_, err := svc.Submit(req)
	require.Error(t, err)

	var compileErr *compiler.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, compiler.ReasonSyntax, compileErr.Reason)

	// nothing was persisted and no money moved
	jobs, err := mem.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, uint64(500), led.Balance("alice"))
}

func TestSubmitInsufficientBalance(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := submission()
	req.RewardBudget = 10_000
	_, err := svc.Submit(req)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestSubmitInvalidSchedule(t *testing.T) {
	svc, led, _ := newTestService(t)

	req := submission()
	req.Schedule = "not-a-cron-spec"
	_, err := svc.Submit(req)
	require.Error(t, err)
	assert.Equal(t, uint64(500), led.Balance("alice"))
}

func TestCancelUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ErrorIs(t, svc.Cancel("missing"), store.ErrNotFound)
}

func TestRoundsAfterCompletion(t *testing.T) {
	svc, _, _ := newTestService(t)

	job, err := svc.Submit(submission())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = svc.Await(ctx, job.ID)
	require.NoError(t, err)

	records, err := svc.Rounds(job.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, 1, records[1].Index)
}

func TestResultWhileRunning(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Result("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// gateRunner signals that work started, then blocks until the round
// context is cancelled
type gateRunner struct {
	started chan struct{}
	once    sync.Once
}

func (g *gateRunner) Run(ctx context.Context, _ sandbox.Task) (*models.WorkerUpdate, error) {
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGracefulStopKeepsJobResumable(t *testing.T) {
	led := ledger.New()
	led.Mint("alice", 500)
	mem := store.NewMemoryStore()
	reg := registry.New(time.Minute)
	require.NoError(t, reg.Register(&models.WorkerInfo{ID: "w1"}))

	gate := &gateRunner{started: make(chan struct{})}
	svc := New(Deps{
		Compiler: compiler.New(compiler.DefaultConfig()),
		Runner:   gate,
		Ledger:   led,
		Registry: reg,
		Store:    mem,
	})
	svc.Start()

	job, err := svc.Submit(submission())
	require.NoError(t, err)

	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the sandbox")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	// a graceful stop is not a job-level cancel: no terminal result, and
	// the job stays marked running so the next start picks it up
	_, err = mem.GetResult(job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	saved, err := mem.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, saved.Status)

	// same store and ledger, as if the coordinator process restarted
	svc2 := New(Deps{
		Compiler: compiler.New(compiler.DefaultConfig()),
		Runner:   echoRunner{},
		Ledger:   led,
		Registry: reg,
		Store:    mem,
	})
	svc2.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc2.Stop(ctx)
	}()

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer awaitCancel()
	result, err := svc2.Await(awaitCtx, job.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.RoundsCompleted)
	// the escrow opened at submission survives and pays out in full
	assert.Equal(t, uint64(100), led.Balance("w1"))
}

func TestRecoverInterruptedJob(t *testing.T) {
	led := ledger.New()
	mem := store.NewMemoryStore()
	reg := registry.New(time.Minute)
	require.NoError(t, reg.Register(&models.WorkerInfo{ID: "w1"}))

	// a job left in running state by a previous coordinator process
	interrupted := &models.TrainingJob{
		ID:          "job-interrupted",
		Name:        "mnist",
		Owner:       "alice",
		Source:      "param w 1 3.0\nload w\nstore w",
		Rounds:      models.RoundConfig{Rounds: 2, MinWorkers: 1, TimeoutSeconds: 5},
		Status:      models.JobStatusRunning,
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, mem.SaveJob(interrupted))
	require.NoError(t, mem.SaveCheckpoint(&store.Checkpoint{
		JobID:           interrupted.ID,
		RoundsCompleted: 1,
		State:           models.GlobalModelState{"w": {9.0}},
		Records:         []models.RoundRecord{{JobID: interrupted.ID, Index: 0, OKCount: 1}},
		UpdatedAt:       time.Now().UTC(),
	}))

	svc := New(Deps{
		Compiler: compiler.New(compiler.DefaultConfig()),
		Runner:   echoRunner{},
		Ledger:   led,
		Registry: reg,
		Store:    mem,
	})
	svc.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.Await(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.RoundsCompleted)
	// resumed from the checkpoint state, not the compiled initial state
	assert.Equal(t, []float64{9.0}, result.FinalState["w"])
}
