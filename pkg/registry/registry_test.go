package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcai-network/bcai-go/pkg/models"
)

func TestRegisterAndList(t *testing.T) {
	r := New(time.Minute)

	require.NoError(t, r.Register(&models.WorkerInfo{ID: "w2"}))
	require.NoError(t, r.Register(&models.WorkerInfo{ID: "w1", SampleCount: 5}))
	require.Error(t, r.Register(&models.WorkerInfo{}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "w1", list[0].ID, "listing is in stable ID order")
	assert.Equal(t, 5, list[0].SampleCount)
	assert.Equal(t, 1, list[1].SampleCount, "sample count defaults to 1")
	assert.Equal(t, models.WorkerReady, list[0].State)
}

func TestOfflineDetection(t *testing.T) {
	r := New(10 * time.Second)
	base := time.Now()
	r.now = func() time.Time { return base }

	require.NoError(t, r.Register(&models.WorkerInfo{ID: "w1"}))

	r.now = func() time.Time { return base.Add(11 * time.Second) }
	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOffline, w.State)
	assert.Empty(t, r.Ready())

	require.NoError(t, r.Heartbeat("w1"))
	assert.Len(t, r.Ready(), 1)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := New(time.Minute)
	assert.ErrorIs(t, r.Heartbeat("ghost"), ErrUnknownWorker)
}

func TestInFlightTracking(t *testing.T) {
	r := New(time.Minute)
	require.NoError(t, r.Register(&models.WorkerInfo{ID: "w1"}))

	r.AddInFlight("w1", 2)
	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 2, w.InFlight)

	r.AddInFlight("w1", -5)
	w, _ = r.Get("w1")
	assert.Equal(t, 0, w.InFlight, "in-flight count never goes negative")
}

func TestReRegisterKeepsInFlight(t *testing.T) {
	r := New(time.Minute)
	require.NoError(t, r.Register(&models.WorkerInfo{ID: "w1"}))
	r.AddInFlight("w1", 1)

	require.NoError(t, r.Register(&models.WorkerInfo{ID: "w1", SampleCount: 3}))
	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.InFlight)
	assert.Equal(t, 3, w.SampleCount)
}
