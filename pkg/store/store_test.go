package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcai-network/bcai-go/pkg/models"
)

// storeImpls runs each test against both backends
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bcai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func testJob(id string) *models.TrainingJob {
	return &models.TrainingJob{
		ID:          id,
		Name:        "mnist",
		Owner:       "alice",
		Source:      "param w 4\nload w\nstore w",
		Status:      models.JobStatusQueued,
		SubmittedAt: time.Now().UTC().Truncate(time.Second),
		Rounds:      models.RoundConfig{Rounds: 3, MinWorkers: 2},
	}
}

func TestJobRoundTrip(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveJob(testJob("job-1")))

			got, err := s.GetJob("job-1")
			require.NoError(t, err)
			assert.Equal(t, "mnist", got.Name)
			assert.Equal(t, models.JobStatusQueued, got.Status)

			_, err = s.GetJob("missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateJobStatus(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveJob(testJob("job-1")))
			require.NoError(t, s.UpdateJobStatus("job-1", models.JobStatusRunning))

			got, err := s.GetJob("job-1")
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusRunning, got.Status)

			assert.ErrorIs(t, s.UpdateJobStatus("missing", models.JobStatusFailed), ErrNotFound)
		})
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			older := testJob("job-old")
			older.SubmittedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
			require.NoError(t, s.SaveJob(older))
			require.NoError(t, s.SaveJob(testJob("job-new")))

			jobs, err := s.ListJobs()
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			assert.Equal(t, "job-new", jobs[0].ID)
		})
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveJob(testJob("job-1")))

			cp := &Checkpoint{
				JobID:           "job-1",
				RoundsCompleted: 2,
				State:           models.GlobalModelState{"w": {1.5, 2.5}},
				Records: []models.RoundRecord{
					{JobID: "job-1", Index: 0, OKCount: 3, StateChecksum: "abc"},
					{JobID: "job-1", Index: 1, OKCount: 2, StateChecksum: "def"},
				},
				UpdatedAt: time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, s.SaveCheckpoint(cp))

			got, err := s.GetCheckpoint("job-1")
			require.NoError(t, err)
			assert.Equal(t, 2, got.RoundsCompleted)
			assert.Equal(t, []float64{1.5, 2.5}, got.State["w"])
			require.Len(t, got.Records, 2)
			assert.Equal(t, "def", got.Records[1].StateChecksum)

			// a later checkpoint replaces the earlier one
			cp.RoundsCompleted = 3
			require.NoError(t, s.SaveCheckpoint(cp))
			got, err = s.GetCheckpoint("job-1")
			require.NoError(t, err)
			assert.Equal(t, 3, got.RoundsCompleted)

			_, err = s.GetCheckpoint("missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestResultRoundTrip(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveJob(testJob("job-1")))

			result := &models.JobResult{
				JobID:           "job-1",
				Success:         true,
				FinalChecksum:   "abc123",
				RoundsCompleted: 3,
				RewardPaid:      42,
				CompletedAt:     time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, s.SaveResult(result))

			got, err := s.GetResult("job-1")
			require.NoError(t, err)
			assert.True(t, got.Success)
			assert.Equal(t, uint64(42), got.RewardPaid)

			_, err = s.GetResult("missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
