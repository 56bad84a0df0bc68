package boundary

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
	"github.com/ps-research/M-Heath-Annotator/internal/supervisor"
)

func newTestAPI(t *testing.T) (*API, *Router, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.InitializeWorkers([]store.WorkerConfig{
		{AnnotatorID: 1, Domain: "urgency", Enabled: true, TargetCount: 5},
		{AnnotatorID: 2, Domain: "intensity", Enabled: false, TargetCount: 3},
	}))

	cfg := &config.Config{
		Annotators: map[string]map[string]config.DomainSettings{
			"1": {"urgency": {Enabled: true, TargetCount: 5}},
			"2": {"intensity": {Enabled: false, TargetCount: 3}},
		},
	}
	cfg.Paths.Control = filepath.Join(dir, "control")
	cfg.Global.MaxConcurrentWorkers = 10

	sup := supervisor.New(st, cfg, filepath.Join(dir, "no-such-worker-bin"), dir)

	metrics := NewMetricsCollector()
	api := NewAPI(sup, st, cfg, filepath.Join(dir, "settings.json"), metrics)
	router := NewRouter()
	api.Routes(router, NewHub(sup, st))
	return api, router, st
}

func doJSON(t *testing.T, router *Router, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, reqBody))

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	_, router, _ := newTestAPI(t)
	rec, body := doJSON(t, router, "GET", "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListWorkers(t *testing.T) {
	_, router, _ := newTestAPI(t)
	rec, body := doJSON(t, router, "GET", "/api/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	workers := body["workers"].([]interface{})
	assert.Len(t, workers, 2)
}

func TestWorkerStatusEndpoint(t *testing.T) {
	_, router, _ := newTestAPI(t)

	rec, body := doJSON(t, router, "GET", "/api/workers/1/urgency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_started", body["status"])

	rec, _ = doJSON(t, router, "GET", "/api/workers/zero/urgency", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, "GET", "/api/workers/9/urgency", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerActionValidation(t *testing.T) {
	_, router, _ := newTestAPI(t)

	// Disabled pair is rejected at the supervisor boundary.
	rec, _ := doJSON(t, router, "POST", "/api/workers/2/intensity/start", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unknown action 404s.
	rec, _ = doJSON(t, router, "POST", "/api/workers/1/urgency/explode", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Stopping a worker that isn't running reports not_running.
	rec, body := doJSON(t, router, "POST", "/api/workers/1/urgency/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(supervisor.OutcomeNotRunning), body["outcome"])

	// A spawn failure surfaces as error without corrupting store state.
	rec, _ = doJSON(t, router, "POST", "/api/workers/1/urgency/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPauseResumeWriteControlFiles(t *testing.T) {
	api, router, _ := newTestAPI(t)

	rec, _ := doJSON(t, router, "POST", "/api/workers/1/urgency/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// The control file landed where the worker will look for it.
	controlFile := filepath.Join(api.cfg.Paths.Control, "annotator_1_urgency.json")
	assert.FileExists(t, controlFile)
}

func TestFactoryResetRequiresConfirmation(t *testing.T) {
	_, router, st := newTestAPI(t)

	key := model.Key{AnnotatorID: 1, Domain: "urgency"}
	require.NoError(t, st.AddCompletedSample(key, "s1", "LEVEL_1", false))

	rec, _ := doJSON(t, router, "POST", "/api/system/factory-reset", `{"confirm": "yes please"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Equal(t, 1, w.TotalCompleted, "refused reset must not touch progress")

	rec, body := doJSON(t, router, "POST", "/api/system/factory-reset", `{"confirm": "FACTORY_RESET"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "factory_reset_complete", body["status"])

	w, err = st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Zero(t, w.TotalCompleted)
	assert.Equal(t, 5, w.TargetCount)
}

func TestResetWorkerAction(t *testing.T) {
	_, router, st := newTestAPI(t)

	key := model.Key{AnnotatorID: 1, Domain: "urgency"}
	require.NoError(t, st.AddCompletedSample(key, "s1", "LEVEL_1", false))

	rec, _ := doJSON(t, router, "POST", "/api/workers/1/urgency/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	w, err := st.WorkerByKey(key)
	require.NoError(t, err)
	assert.Zero(t, w.TotalCompleted)
}

func TestOverviewAndEvents(t *testing.T) {
	_, router, st := newTestAPI(t)

	key := model.Key{AnnotatorID: 1, Domain: "urgency"}
	require.NoError(t, st.UpdateWorkerStatus(key, model.StatusStopped, nil))

	rec, body := doJSON(t, router, "GET", "/api/system/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total_workers"])

	rec, body = doJSON(t, router, "GET", "/api/system/events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]interface{})
	assert.NotEmpty(t, events)
}

func TestUpdateConfigPersistsAndReinitializes(t *testing.T) {
	api, router, st := newTestAPI(t)

	payload := `{
		"global": {"model_name": "m2", "request_delay_seconds": 2, "max_concurrent_workers": 4},
		"annotators": {
			"1": {"urgency": {"enabled": true, "target_count": 42}},
			"3": {"modality": {"enabled": true, "target_count": 9}}
		}
	}`
	rec, _ := doJSON(t, router, "PUT", "/api/config", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.FileExists(t, api.configPath)

	w, err := st.WorkerByKey(model.Key{AnnotatorID: 1, Domain: "urgency"})
	require.NoError(t, err)
	assert.Equal(t, 42, w.TargetCount)

	// The new pair got a row.
	_, err = st.WorkerByKey(model.Key{AnnotatorID: 3, Domain: "modality"})
	assert.NoError(t, err)

	rec, _ = doJSON(t, router, "PUT", "/api/config", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, router, _ := newTestAPI(t)
	doJSON(t, router, "GET", "/api/health", "")

	rec, body := doJSON(t, router, "GET", "/api/system/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, hasRoutes := body["routes"]
	assert.True(t, hasRoutes)
}
