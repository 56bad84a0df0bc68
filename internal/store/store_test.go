package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ps-research/M-Heath-Annotator/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedWorker(t *testing.T, st *Store, a int, domain string, target int) model.Key {
	t.Helper()
	require.NoError(t, st.InitializeWorkers([]WorkerConfig{
		{AnnotatorID: a, Domain: domain, Enabled: true, TargetCount: target},
	}))
	return model.Key{AnnotatorID: a, Domain: domain}
}

func TestInitializeWorkersPreservesProgress(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 1, "urgency", 10)

	require.NoError(t, st.AddCompletedSample(key, "s1", "LEVEL_2", false))

	// Re-init with a new target count; progress must survive.
	require.NoError(t, st.InitializeWorkers([]WorkerConfig{
		{AnnotatorID: 1, Domain: "urgency", Enabled: false, TargetCount: 25},
	}))

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Equal(t, 25, w.TargetCount)
	assert.False(t, w.Enabled)
	assert.Equal(t, 1, w.TotalCompleted)
}

func TestAddCompletedSampleIdempotent(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 1, "urgency", 10)

	require.NoError(t, st.AddCompletedSample(key, "s1", "LEVEL_1", false))
	require.NoError(t, st.AddCompletedSample(key, "s1", "LEVEL_3", false)) // duplicate absorbed
	require.NoError(t, st.AddCompletedSample(key, "s2", "MALFORMED", true))

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Equal(t, 1, w.TotalCompleted)
	assert.Equal(t, 1, w.TotalMalformed)

	// Invariant 1: completed + malformed == count(CompletedSample).
	var count int64
	require.NoError(t, st.DB().Model(&model.CompletedSample{}).Where("worker_id = ?", w.ID).Count(&count).Error)
	assert.Equal(t, int64(w.TotalCompleted+w.TotalMalformed), count)

	// Invariant 2: the duplicate insert kept the first label.
	var cs model.CompletedSample
	require.NoError(t, st.DB().Where("worker_id = ? AND sample_id = ?", w.ID, "s1").First(&cs).Error)
	assert.Equal(t, "LEVEL_1", cs.Label)
}

func TestUpdateWorkerStatusTransitions(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 2, "intensity", 5)

	pid := 12345
	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusRunning, &pid))
	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	require.NotNil(t, w.Pid)
	assert.Equal(t, 12345, *w.Pid)
	assert.NotNil(t, w.StartedAt)
	assert.Nil(t, w.StoppedAt)

	// Pause clears the pid claim but not stopped_at.
	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusPaused, nil))
	w, err = st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Nil(t, w.Pid)
	assert.Nil(t, w.StoppedAt)

	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusStopped, nil))
	w, err = st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Nil(t, w.Pid)
	assert.NotNil(t, w.StoppedAt)

	// Every transition logged an event.
	events, err := st.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for _, ev := range events {
		assert.NotEmpty(t, ev.EventID)
	}
}

func TestDerivedStatusFlipsToCrashed(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 1, "urgency", 5)

	// Register as running with a pid that cannot be a live worker.
	deadPid := 1 << 22
	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusRunning, &deadPid))

	snap, err := st.GetWorkerStatus(key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, snap.Status)
	assert.Nil(t, snap.Pid)

	// The flip persisted.
	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, w.Status)
}

func TestGetAllRunningWorkersReconciles(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 3, "modality", 5)

	deadPid := 1 << 22
	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusRunning, &deadPid))

	running, err := st.GetAllRunningWorkers()
	require.NoError(t, err)
	assert.Empty(t, running)

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, w.Status)
}

func TestHeartbeatUpsertAndStuck(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 1, "urgency", 5)
	pid := 999

	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusRunning, &pid))
	require.NoError(t, st.SendHeartbeat(key, pid, 1, model.StatusRunning))
	require.NoError(t, st.SendHeartbeat(key, pid, 7, model.StatusRunning))

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	var hb model.Heartbeat
	require.NoError(t, st.DB().Where("worker_id = ?", w.ID).First(&hb).Error)
	assert.Equal(t, 7, hb.Iteration)

	stuck, err := st.GetStuckWorkers()
	require.NoError(t, err)
	assert.Empty(t, stuck, "fresh heartbeat is not stuck")

	// Age the heartbeat past H_timeout.
	old := time.Now().UTC().Add(-HeartbeatTimeout - time.Minute)
	require.NoError(t, st.DB().Model(&model.Heartbeat{}).Where("worker_id = ?", w.ID).Update("heartbeat_time", old).Error)

	stuck, err = st.GetStuckWorkers()
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, key.AnnotatorID, stuck[0].AnnotatorID)

	require.NoError(t, st.CleanupHeartbeat(key))
	stuck, err = st.GetStuckWorkers()
	require.NoError(t, err)
	require.Len(t, stuck, 1, "no heartbeat row at all also counts as stuck")
}

func TestSaveAnnotationAllowsDuplicates(t *testing.T) {
	st := newStore(t)
	key := seedWorker(t, st, 1, "urgency", 5)

	rec := AnnotationRecord{SampleID: "s2", SampleText: "t2", Label: "LEVEL_1", Response: "<<LEVEL_1>>"}
	require.NoError(t, st.SaveAnnotation(key, rec))
	require.NoError(t, st.SaveAnnotation(key, rec))

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	var count int64
	require.NoError(t, st.DB().Model(&model.Annotation{}).Where("worker_id = ? AND sample_id = ?", w.ID, "s2").Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestFactoryResetPreservesConfiguration(t *testing.T) {
	st := newStore(t)
	key1 := seedWorker(t, st, 1, "urgency", 10)
	require.NoError(t, st.InitializeWorkers([]WorkerConfig{
		{AnnotatorID: 2, Domain: "intensity", Enabled: false, TargetCount: 7},
	}))

	pid := 999
	require.NoError(t, st.UpdateWorkerStatus(key1, model.StatusRunning, &pid))
	require.NoError(t, st.SendHeartbeat(key1, pid, 1, model.StatusRunning))
	require.NoError(t, st.AddCompletedSample(key1, "s1", "LEVEL_1", false))
	require.NoError(t, st.SaveAnnotation(key1, AnnotationRecord{SampleID: "s1"}))

	require.NoError(t, st.FactoryReset())

	w1, err := st.WorkerByKey(key1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotStarted, w1.Status)
	assert.True(t, w1.Enabled)
	assert.Equal(t, 10, w1.TargetCount)
	assert.Zero(t, w1.TotalCompleted)
	assert.Nil(t, w1.Pid)
	assert.Nil(t, w1.StartedAt)

	w2, err := st.WorkerByKey(model.Key{AnnotatorID: 2, Domain: "intensity"})
	require.NoError(t, err)
	assert.False(t, w2.Enabled)
	assert.Equal(t, 7, w2.TargetCount)

	var count int64
	st.DB().Model(&model.CompletedSample{}).Count(&count)
	assert.Zero(t, count)
	st.DB().Model(&model.Annotation{}).Count(&count)
	assert.Zero(t, count)
	st.DB().Model(&model.Heartbeat{}).Count(&count)
	assert.Zero(t, count)

	var sys model.SystemState
	require.NoError(t, st.DB().Where("key = ?", "last_factory_reset").First(&sys).Error)
	assert.NotEmpty(t, sys.Value)
}

func TestResetWorkerIsScoped(t *testing.T) {
	st := newStore(t)
	key1 := seedWorker(t, st, 1, "urgency", 10)
	key2 := seedWorker(t, st, 2, "urgency", 10)

	require.NoError(t, st.AddCompletedSample(key1, "s1", "LEVEL_1", false))
	require.NoError(t, st.AddCompletedSample(key2, "s1", "LEVEL_2", false))

	require.NoError(t, st.ResetWorker(key1))

	w1, err := st.WorkerByKey(key1)
	require.NoError(t, err)
	assert.Zero(t, w1.TotalCompleted)
	assert.Equal(t, model.StatusNotStarted, w1.Status)

	w2, err := st.WorkerByKey(key2)
	require.NoError(t, err)
	assert.Equal(t, 1, w2.TotalCompleted)
}

func TestSystemOverview(t *testing.T) {
	st := newStore(t)
	key1 := seedWorker(t, st, 1, "urgency", 10)
	seedWorker(t, st, 2, "intensity", 5)

	require.NoError(t, st.AddCompletedSample(key1, "s1", "LEVEL_1", false))
	require.NoError(t, st.AddCompletedSample(key1, "s2", "MALFORMED", true))

	sum, err := st.SystemOverview()
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalWorkers)
	assert.Equal(t, 0, sum.RunningWorkers)
	assert.Equal(t, 1, sum.TotalCompleted)
	assert.Equal(t, 1, sum.TotalMalformed)
}
