package boundary

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/fsutil"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
	"github.com/ps-research/M-Heath-Annotator/internal/supervisor"
)

// DefaultStopTimeout is the graceful-stop window handed to the
// supervisor for REST-initiated stops.
const DefaultStopTimeout = 30 * time.Second

// API holds the handler set for the REST surface.
type API struct {
	sup        *supervisor.Supervisor
	store      *store.Store
	cfg        *config.Config
	configPath string
	metrics    *MetricsCollector
	started    time.Time
}

func NewAPI(sup *supervisor.Supervisor, st *store.Store, cfg *config.Config, configPath string, metrics *MetricsCollector) *API {
	return &API{
		sup:        sup,
		store:      st,
		cfg:        cfg,
		configPath: configPath,
		metrics:    metrics,
		started:    time.Now(),
	}
}

// Routes registers every REST route plus the WebSocket endpoint.
func (a *API) Routes(r *Router, hub *Hub) {
	r.Handle("GET", "/api/health", a.health)
	r.Handle("GET", "/api/config", a.getConfig)
	r.Handle("PUT", "/api/config", a.updateConfig)
	r.Handle("GET", "/api/workers", a.listWorkers)
	r.Handle("GET", "/api/workers/:annotator/:domain", a.workerStatus)
	r.Handle("POST", "/api/workers/:annotator/:domain/:action", a.workerAction)
	r.Handle("POST", "/api/workers/start-all", a.startAll)
	r.Handle("POST", "/api/workers/stop-all", a.stopAll)
	r.Handle("GET", "/api/system/overview", a.overview)
	r.Handle("GET", "/api/system/events", a.events)
	r.Handle("GET", "/api/system/metrics", a.metricsSummary)
	r.Handle("POST", "/api/system/factory-reset", a.factoryReset)
	r.Handle("GET", "/ws", hub.ServeWS)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request, _ Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(a.started).Seconds()),
	})
}

func (a *API) getConfig(w http.ResponseWriter, _ *http.Request, _ Params) {
	writeJSON(w, http.StatusOK, a.cfg)
}

// updateConfig replaces the annotators table and global tunables,
// persists the file atomically, and re-runs worker initialization so
// new pairs get rows and changed target counts take effect. Running
// workers are not restarted; they pick up nothing until their next
// start (config is resolved once at worker start).
func (a *API) updateConfig(w http.ResponseWriter, r *http.Request, _ Params) {
	var incoming config.Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config payload: "+err.Error())
		return
	}
	if err := incoming.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.cfg.Global = incoming.Global
	a.cfg.RateLimit = incoming.RateLimit
	a.cfg.Annotators = incoming.Annotators

	if err := fsutil.AtomicWriteJSON(a.configPath, a.cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "persist config: "+err.Error())
		return
	}

	var workerCfgs []store.WorkerConfig
	for _, pair := range a.cfg.Pairs() {
		workerCfgs = append(workerCfgs, store.WorkerConfig{
			AnnotatorID: pair.AnnotatorID,
			Domain:      pair.Domain,
			Enabled:     pair.Settings.Enabled,
			TargetCount: pair.Settings.TargetCount,
		})
	}
	if err := a.store.InitializeWorkers(workerCfgs); err != nil {
		writeError(w, http.StatusInternalServerError, "reinitialize workers: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a.cfg)
}

func (a *API) listWorkers(w http.ResponseWriter, _ *http.Request, _ Params) {
	statuses, err := a.sup.GetAllStatuses()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": statuses})
}

func parseWorkerKey(p Params) (int, string, bool) {
	annotator, err := strconv.Atoi(p["annotator"])
	if err != nil || annotator < 1 {
		return 0, "", false
	}
	domain := p["domain"]
	if domain == "" {
		return 0, "", false
	}
	return annotator, domain, true
}

func (a *API) workerStatus(w http.ResponseWriter, _ *http.Request, p Params) {
	annotator, domain, ok := parseWorkerKey(p)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid annotator/domain")
		return
	}
	snap, err := a.sup.GetWorkerStatus(annotator, domain)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// workerAction dispatches start|stop|pause|resume|restart|reset.
func (a *API) workerAction(w http.ResponseWriter, r *http.Request, p Params) {
	annotator, domain, ok := parseWorkerKey(p)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid annotator/domain")
		return
	}

	switch p["action"] {
	case "start":
		res := a.sup.StartWorker(annotator, domain)
		code := http.StatusOK
		switch res.Outcome {
		case supervisor.OutcomeError:
			code = http.StatusInternalServerError
		case supervisor.OutcomeConcurrencyLimited:
			code = http.StatusConflict
		case supervisor.OutcomeDisabled:
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, res)
	case "stop":
		res := a.sup.StopWorker(r.Context(), annotator, domain, DefaultStopTimeout)
		writeJSON(w, http.StatusOK, res)
	case "pause":
		writeJSON(w, http.StatusOK, a.sup.PauseWorker(annotator, domain))
	case "resume":
		writeJSON(w, http.StatusOK, a.sup.ResumeWorker(annotator, domain))
	case "restart":
		a.sup.StopWorker(r.Context(), annotator, domain, DefaultStopTimeout)
		writeJSON(w, http.StatusOK, a.sup.StartWorker(annotator, domain))
	case "reset":
		a.sup.StopWorker(r.Context(), annotator, domain, DefaultStopTimeout)
		if err := a.store.ResetWorker(model.Key{AnnotatorID: annotator, Domain: domain}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	default:
		writeError(w, http.StatusNotFound, "unknown action: "+p["action"])
	}
}

func (a *API) startAll(w http.ResponseWriter, _ *http.Request, _ Params) {
	writeJSON(w, http.StatusOK, a.sup.StartAllEnabled())
}

func (a *API) stopAll(w http.ResponseWriter, r *http.Request, _ Params) {
	sum, err := a.sup.StopAllWorkers(r.Context(), DefaultStopTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) overview(w http.ResponseWriter, _ *http.Request, _ Params) {
	sum, err := a.store.SystemOverview()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) events(w http.ResponseWriter, r *http.Request, _ Params) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := a.store.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (a *API) metricsSummary(w http.ResponseWriter, _ *http.Request, _ Params) {
	writeJSON(w, http.StatusOK, a.metrics.Summary())
}

// factoryReset requires the literal confirmation string so a stray
// script cannot wipe progress.
func (a *API) factoryReset(w http.ResponseWriter, r *http.Request, _ Params) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Confirm != "FACTORY_RESET" {
		writeError(w, http.StatusBadRequest, `factory reset requires {"confirm": "FACTORY_RESET"}`)
		return
	}

	// Stop the fleet before wiping; a running worker would otherwise
	// immediately re-insert progress rows.
	ctx, cancel := context.WithTimeout(r.Context(), 2*DefaultStopTimeout)
	defer cancel()
	if _, err := a.sup.StopAllWorkers(ctx, DefaultStopTimeout); err != nil {
		writeError(w, http.StatusInternalServerError, "stop workers: "+err.Error())
		return
	}
	if err := a.store.FactoryReset(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "factory_reset_complete"})
}
