// Package supervisor manages the fleet of worker processes:
// spawn/stop/pause/resume per (annotator, domain) pair,
// concurrency-cap enforcement, and reconciliation of in-memory
// process handles with the store after a supervisor restart. Workers
// are separate OS processes started via os/exec in their own process
// group, torn down cooperatively first and forcibly after a timeout.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"

	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/control"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
)

// Outcome is the result tag of a start/stop/pause/resume call.
type Outcome string

const (
	OutcomeStarted            Outcome = "started"
	OutcomeAlreadyRunning     Outcome = "already_running"
	OutcomeConcurrencyLimited Outcome = "concurrency_limit_reached"
	OutcomeDisabled           Outcome = "disabled"
	OutcomeError              Outcome = "error"
	OutcomeStopped            Outcome = "stopped"
	OutcomeNotRunning         Outcome = "not_running"
	OutcomePauseSent          Outcome = "pause_signal_sent"
	OutcomeResumeSent         Outcome = "resume_signal_sent"
)

// StartResult is the return value of StartWorker.
type StartResult struct {
	Outcome Outcome `json:"outcome"`
	Pid     int     `json:"pid,omitempty"`
	Message string  `json:"message,omitempty"`
}

// StopResult is the return value of StopWorker.
type StopResult struct {
	Outcome  Outcome `json:"outcome"`
	Pid      int     `json:"pid,omitempty"`
	ExitCode int     `json:"exit_code"`
	Forced   bool    `json:"forced"`
}

// handle is the supervisor's transient, in-memory view of a spawned
// process. It exists only while the supervisor that spawned it is
// alive; after a supervisor restart the store's pid column plus
// liveness probing (internal/liveness) is the only source of truth.
type handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	exit int
}

// Supervisor orchestrates worker processes for one annotatord run.
type Supervisor struct {
	store      *store.Store
	cfg        *config.Config
	workerExe  string
	projectDir string

	mu      sync.Mutex
	handles map[model.Key]*handle

	statusCache cache.Cache[string, store.WorkerStatus]
}

// New builds a Supervisor. workerExe is the path to the
// annotator-worker binary; projectDir is the CWD every spawned
// process runs with.
func New(st *store.Store, cfg *config.Config, workerExe, projectDir string) *Supervisor {
	c := cache.NewCache[string, store.WorkerStatus]().WithTTL(2 * time.Second)
	return &Supervisor{
		store:       st,
		cfg:         cfg,
		workerExe:   workerExe,
		projectDir:  projectDir,
		handles:     make(map[model.Key]*handle),
		statusCache: c,
	}
}

// StartWorker spawns the worker process for (a, domain) unless the
// pair is already running, the concurrency cap is hit, or the pair is
// disabled, checked in that order.
func (s *Supervisor) StartWorker(a int, domain string) StartResult {
	key := model.Key{AnnotatorID: a, Domain: domain}

	snap, err := s.store.GetWorkerStatus(key)
	if err != nil {
		return StartResult{Outcome: OutcomeError, Message: err.Error()}
	}
	if snap.Status == model.StatusRunning {
		pid := 0
		if snap.Pid != nil {
			pid = *snap.Pid
		}
		return StartResult{Outcome: OutcomeAlreadyRunning, Pid: pid}
	}

	running, err := s.store.GetAllRunningWorkers()
	if err != nil {
		return StartResult{Outcome: OutcomeError, Message: err.Error()}
	}
	if s.cfg.Global.MaxConcurrentWorkers > 0 && len(running) >= s.cfg.Global.MaxConcurrentWorkers {
		return StartResult{Outcome: OutcomeConcurrencyLimited}
	}
	if !snap.Enabled {
		return StartResult{Outcome: OutcomeDisabled, Message: "this annotator-domain pair is disabled in configuration"}
	}

	cmd := exec.Command(s.workerExe, "--annotator", itoa(a), "--domain", domain)
	cmd.Dir = s.projectDir
	applyProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return StartResult{Outcome: OutcomeError, Message: fmt.Sprintf("failed to start worker: %v", err)}
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	h := &handle{cmd: cmd, done: done, exit: -1}

	s.mu.Lock()
	s.handles[key] = h
	s.mu.Unlock()

	go func() {
		defer close(done)
		waitErr := cmd.Wait()
		code := 0
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if waitErr != nil {
			code = -1
		}
		s.mu.Lock()
		h.exit = code
		s.mu.Unlock()
		log.Printf("[supervisor] worker %d/%s (pid %d) exited code=%d", a, domain, pid, code)
	}()

	if err := s.store.UpdateWorkerStatus(key, model.StatusRunning, &pid); err != nil {
		log.Printf("[supervisor] register pid for %d/%s failed: %v", a, domain, err)
	}
	s.statusCache.Invalidate(key.String())

	log.Printf("[supervisor] started worker %d/%s pid=%d", a, domain, pid)
	return StartResult{Outcome: OutcomeStarted, Pid: pid}
}

// StopWorker writes the stop signal, then waits for the worker to
// exit, force-killing on timeout. It reconciles against a held handle
// if this supervisor spawned the worker, or polls OS liveness
// otherwise (the supervisor-restart case).
func (s *Supervisor) StopWorker(ctx context.Context, a int, domain string, timeout time.Duration) StopResult {
	key := model.Key{AnnotatorID: a, Domain: domain}

	snap, err := s.store.GetWorkerStatus(key)
	if err != nil || snap.Status != model.StatusRunning {
		return StopResult{Outcome: OutcomeNotRunning}
	}

	if err := control.Send(s.cfg.Paths.Control, a, domain, control.CommandStop); err != nil {
		log.Printf("[supervisor] write stop signal for %d/%s failed: %v", a, domain, err)
	}

	s.mu.Lock()
	h := s.handles[key]
	s.mu.Unlock()

	var pid int
	if snap.Pid != nil {
		pid = *snap.Pid
	}
	exitCode := 0
	forced := false

	if h != nil {
		select {
		case <-h.done:
			s.mu.Lock()
			exitCode = h.exit
			s.mu.Unlock()
		case <-time.After(timeout):
			forced = true
			if h.cmd.Process != nil {
				killProcessGroup(h.cmd.Process.Pid)
			}
			<-h.done
			exitCode = -9
		}
		s.mu.Lock()
		delete(s.handles, key)
		s.mu.Unlock()
	} else {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			cur, err := s.store.WorkerByKey(key)
			if err != nil || cur.Status != model.StatusRunning {
				break
			}
			time.Sleep(1 * time.Second)
		}
		cur, err := s.store.WorkerByKey(key)
		if err == nil && cur.Status == model.StatusRunning && cur.Pid != nil {
			forced = true
			killProcessGroup(*cur.Pid)
			exitCode = -9
		}
	}

	s.store.UpdateWorkerStatus(key, model.StatusStopped, nil)
	s.store.CleanupHeartbeat(key)
	s.statusCache.Invalidate(key.String())
	control.Clear(s.cfg.Paths.Control, a, domain)

	log.Printf("[supervisor] stopped worker %d/%s pid=%d forced=%v", a, domain, pid, forced)
	return StopResult{Outcome: OutcomeStopped, Pid: pid, ExitCode: exitCode, Forced: forced}
}

// PauseWorker writes a pause control signal and returns immediately;
// the worker observes it at its next control-check cadence.
func (s *Supervisor) PauseWorker(a int, domain string) StartResult {
	if err := control.Send(s.cfg.Paths.Control, a, domain, control.CommandPause); err != nil {
		return StartResult{Outcome: OutcomeError, Message: err.Error()}
	}
	s.statusCache.Invalidate(model.Key{AnnotatorID: a, Domain: domain}.String())
	return StartResult{Outcome: OutcomePauseSent}
}

// ResumeWorker writes a resume control signal and returns immediately.
func (s *Supervisor) ResumeWorker(a int, domain string) StartResult {
	if err := control.Send(s.cfg.Paths.Control, a, domain, control.CommandResume); err != nil {
		return StartResult{Outcome: OutcomeError, Message: err.Error()}
	}
	s.statusCache.Invalidate(model.Key{AnnotatorID: a, Domain: domain}.String())
	return StartResult{Outcome: OutcomeResumeSent}
}

// GetWorkerStatus delegates to the store, behind a short TTL cache so
// a status-polling UI doesn't hammer the database.
func (s *Supervisor) GetWorkerStatus(a int, domain string) (store.WorkerStatus, error) {
	key := model.Key{AnnotatorID: a, Domain: domain}.String()
	if cached, ok := s.statusCache.Get(key); ok {
		return cached, nil
	}
	snap, err := s.store.GetWorkerStatus(model.Key{AnnotatorID: a, Domain: domain})
	if err != nil {
		return snap, err
	}
	s.statusCache.Set(key, snap, 0)
	return snap, nil
}

// GetAllStatuses returns a snapshot for every configured worker,
// reusing the TTL cache so the façade's 2s WebSocket cadence doesn't
// multiply store load by the number of connected clients.
func (s *Supervisor) GetAllStatuses() ([]store.WorkerStatus, error) {
	workers, err := s.store.AllWorkers()
	if err != nil {
		return nil, err
	}
	out := make([]store.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		snap, err := s.GetWorkerStatus(w.AnnotatorID, w.Domain)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// StopAllSummary is the aggregate result of StopAllWorkers.
type StopAllSummary struct {
	Stopped int `json:"stopped"`
	Forced  int `json:"forced"`
}

// StopAllWorkers stops every currently-running worker.
func (s *Supervisor) StopAllWorkers(ctx context.Context, timeout time.Duration) (StopAllSummary, error) {
	running, err := s.store.GetAllRunningWorkers()
	if err != nil {
		return StopAllSummary{}, err
	}
	var sum StopAllSummary
	for _, w := range running {
		res := s.StopWorker(ctx, w.AnnotatorID, w.Domain, timeout)
		if res.Outcome == OutcomeStopped {
			sum.Stopped++
			if res.Forced {
				sum.Forced++
			}
		}
	}
	return sum, nil
}

// StartAllSummary is the aggregate result of StartAllEnabled.
type StartAllSummary struct {
	Started  int `json:"started"`
	Disabled int `json:"disabled"`
	Failed   int `json:"failed"`
}

// StartAllEnabled iterates every configured (annotator, domain) pair
// and starts it, tallying outcomes.
func (s *Supervisor) StartAllEnabled() StartAllSummary {
	var sum StartAllSummary
	for _, pair := range s.cfg.Pairs() {
		if !pair.Settings.Enabled {
			sum.Disabled++
			continue
		}
		res := s.StartWorker(pair.AnnotatorID, pair.Domain)
		switch res.Outcome {
		case OutcomeStarted:
			sum.Started++
		case OutcomeDisabled:
			sum.Disabled++
		case OutcomeError:
			sum.Failed++
			log.Printf("[supervisor] failed to start %d/%s: %s", pair.AnnotatorID, pair.Domain, res.Message)
		}
	}
	return sum
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
