package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcai-network/bcai-go/pkg/compiler"
	"github.com/bcai-network/bcai-go/pkg/ledger"
	"github.com/bcai-network/bcai-go/pkg/models"
	"github.com/bcai-network/bcai-go/pkg/registry"
	"github.com/bcai-network/bcai-go/pkg/sandbox"
	"github.com/bcai-network/bcai-go/pkg/service"
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

type apiFixture struct {
	ts     *httptest.Server
	ledger *ledger.Ledger
	reg    *registry.Registry
}

func newAPIFixture(t *testing.T, auth *AuthManager) *apiFixture {
	t.Helper()
	led := ledger.New()
	led.Mint("alice", 1_000)
	reg := registry.New(time.Minute)
	require.NoError(t, reg.Register(&models.WorkerInfo{ID: "w1"}))

	svc := service.New(service.Deps{
		Compiler: compiler.New(compiler.DefaultConfig()),
		Runner:   echoRunner{},
		Ledger:   led,
		Registry: reg,
		Store:    store.NewMemoryStore(),
	})
	svc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	server := NewServer(Options{
		Service:  svc,
		Registry: reg,
		Ledger:   led,
		Auth:     auth,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, ledger: led, reg: reg}
}

func (f *apiFixture) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func jobRequest() *models.JobSubmissionRequest {
	return &models.JobSubmissionRequest{
		Name:         "mnist",
		Owner:        "alice",
		Source:       "param w 2 1.0\nload w\nstore w",
		RewardBudget: 100,
		Envelope:     models.ResourceEnvelope{GasBudget: 10_000},
		Rounds:       models.RoundConfig{Rounds: 1, MinWorkers: 1, TimeoutSeconds: 5},
	}
}

func TestSubmitAndPollResult(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.postJSON(t, "/api/v1/jobs", jobRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job models.TrainingJob
	decodeBody(t, resp, &job)
	require.NotEmpty(t, job.ID)

	// poll until the scheduler terminates the job
	var result models.JobResult
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%s/result", f.ts.URL, job.ID))
		require.NoError(t, err)
		if resp.StatusCode == http.StatusOK {
			decodeBody(t, resp, &result)
			break
		}
		resp.Body.Close()
		require.True(t, time.Now().Before(deadline), "job did not terminate in time")
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RoundsCompleted)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%s/rounds", f.ts.URL, job.ID))
	require.NoError(t, err)
	var rounds struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &rounds)
	assert.Equal(t, 1, rounds.Count)
}

func TestSubmitCompileRejected(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := jobRequest()
	req.Source = "bogus w"
	resp := f.postJSON(t, "/api/v1/jobs", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Reason string `json:"reason"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, compiler.ReasonSyntax, body.Reason)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := jobRequest()
	req.RewardBudget = 100_000
	resp := f.postJSON(t, "/api/v1/jobs", req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestWorkerLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.postJSON(t, "/api/v1/workers", &models.WorkerInfo{ID: "w2", SampleCount: 40})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(f.ts.URL + "/api/v1/workers")
	require.NoError(t, err)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &list)
	assert.Equal(t, 2, list.Count)

	resp = f.postJSON(t, "/api/v1/workers/w2/heartbeat", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/api/v1/workers/unknown/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/v1/workers/w2", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestLedgerBalance(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/v1/ledger/alice")
	require.NoError(t, err)
	var body struct {
		Balance uint64 `json:"balance"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, uint64(1_000), body.Balance)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newAPIFixture(t, nil)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/v1/jobs/missing", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/ready")
	require.NoError(t, err)
	var ready struct {
		Ready bool `json:"ready"`
	}
	decodeBody(t, resp, &ready)
	assert.True(t, ready.Ready)
}

func TestAuthRequired(t *testing.T) {
	auth := NewAuthManager("test-secret", time.Hour)
	f := newAPIFixture(t, auth)

	// health stays open, the API does not
	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/api/v1/workers")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	token, err := auth.GenerateToken("alice", []string{"owner"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/workers", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// a token signed with a different secret is rejected
	other := NewAuthManager("other-secret", time.Hour)
	badToken, err := other.GenerateToken("mallory", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+badToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
