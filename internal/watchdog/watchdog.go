// Package watchdog is the background recovery task: on a fixed
// cadence it reconciles orphaned process registrations, collects
// crashed and stuck workers, and attempts a bounded number of
// restarts before blacklisting a worker. It depends only on the store
// and a thin controller capability, never on the supervisor package's
// internals, so the two cannot grow a dependency cycle.
package watchdog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
)

const (
	// DefaultInterval is W_interval.
	DefaultInterval = 60 * time.Second
	// MaxRestartAttempts bounds consecutive failed restarts before a
	// worker is blacklisted.
	MaxRestartAttempts = 3
	// restartSettleDelay is the pause between cleanup and respawn.
	restartSettleDelay = 2 * time.Second
	// restartVerifyDelay is how long a restarted worker gets to come
	// up before its liveness is re-checked.
	restartVerifyDelay = 30 * time.Second
)

// StartOutcome is the slice of the supervisor's start result the
// watchdog needs to branch on.
type StartOutcome struct {
	Started bool
	Pid     int
	Message string
}

// StopOutcome mirrors the supervisor's stop result.
type StopOutcome struct {
	Stopped bool
	Forced  bool
}

// Controller is the thin spawn capability: just enough of the
// supervisor to restart a worker, without importing it.
type Controller interface {
	Start(annotatorID int, domain string) StartOutcome
	Stop(ctx context.Context, annotatorID int, domain string, timeout time.Duration) StopOutcome
}

// Watchdog runs the recovery loop.
type Watchdog struct {
	store    *store.Store
	ctrl     Controller
	interval time.Duration

	mu        sync.Mutex
	attempts  map[model.Key]int
	blacklist map[model.Key]bool
	lastDay   string

	// sleep is swapped out by tests so the settle/verify waits don't
	// slow the suite down.
	sleep func(time.Duration)
}

// New builds a Watchdog polling at interval (DefaultInterval if <= 0).
func New(st *store.Store, ctrl Controller, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watchdog{
		store:     st,
		ctrl:      ctrl,
		interval:  interval,
		attempts:  make(map[model.Key]int),
		blacklist: make(map[model.Key]bool),
		lastDay:   time.Now().UTC().Format("2006-01-02"),
		sleep:     time.Sleep,
	}
}

// Run ticks until ctx is cancelled.
func (wd *Watchdog) Run(ctx context.Context) {
	log.Printf("[watchdog] started, interval %s", wd.interval)
	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[watchdog] stopped")
			return
		case <-ticker.C:
			wd.Tick(ctx)
		}
	}
}

// Tick performs one recovery pass. Exported so the serve command can run
// an immediate reconciliation at startup and tests can drive the
// watchdog without real time.
func (wd *Watchdog) Tick(ctx context.Context) {
	// Step 1: GetAllRunningWorkers flips dead-pid rows to crashed as a
	// side effect of its liveness verification.
	if _, err := wd.store.GetAllRunningWorkers(); err != nil {
		log.Printf("[watchdog] liveness sweep failed: %v", err)
		return
	}

	candidates := wd.collectCandidates()
	for _, w := range candidates {
		key := model.Key{AnnotatorID: w.AnnotatorID, Domain: w.Domain}
		if !wd.eligible(key, w) {
			continue
		}
		if err := wd.restart(ctx, key); err != nil {
			log.Printf("[watchdog] restart %s failed: %+v", key, err)
		}
	}

	wd.reconsiderDailyCapPaused()
}

// collectCandidates returns the crashed set plus the stuck set
// (running with a stale heartbeat; GetStuckWorkers).
func (wd *Watchdog) collectCandidates() []model.Worker {
	var out []model.Worker
	seen := map[model.Key]bool{}

	all, err := wd.store.AllWorkers()
	if err != nil {
		log.Printf("[watchdog] list workers failed: %v", err)
		return nil
	}
	for _, w := range all {
		if w.Status == model.StatusCrashed {
			out = append(out, w)
			seen[model.Key{AnnotatorID: w.AnnotatorID, Domain: w.Domain}] = true
		}
	}

	stuck, err := wd.store.GetStuckWorkers()
	if err != nil {
		log.Printf("[watchdog] stuck query failed: %v", err)
		return out
	}
	for _, w := range stuck {
		if !seen[model.Key{AnnotatorID: w.AnnotatorID, Domain: w.Domain}] {
			out = append(out, w)
		}
	}
	return out
}

// eligible decides whether a candidate may be restarted. A
// user-stopped worker never appears here (status stopped is not a
// candidate), so an explicit stop is never overridden.
func (wd *Watchdog) eligible(key model.Key, w model.Worker) bool {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.blacklist[key] {
		return false
	}
	if !w.Enabled {
		return false
	}
	return wd.attempts[key] < MaxRestartAttempts
}

// restart runs the recovery sequence: stop (idempotent), clear
// heartbeat, settle, start, verify alive after a grace period.
func (wd *Watchdog) restart(ctx context.Context, key model.Key) error {
	wd.mu.Lock()
	wd.attempts[key]++
	attempt := wd.attempts[key]
	wd.mu.Unlock()

	log.Printf("[watchdog] restarting %s (attempt %d/%d)", key, attempt, MaxRestartAttempts)

	wd.ctrl.Stop(ctx, key.AnnotatorID, key.Domain, 10*time.Second)
	if err := wd.store.CleanupHeartbeat(key); err != nil {
		log.Printf("[watchdog] heartbeat cleanup for %s: %v", key, err)
	}
	wd.sleep(restartSettleDelay)

	res := wd.ctrl.Start(key.AnnotatorID, key.Domain)
	if !res.Started {
		return wd.recordFailure(key, errors.Errorf("start returned %q", res.Message))
	}

	wd.sleep(restartVerifyDelay)
	snap, err := wd.store.GetWorkerStatus(key)
	if err != nil {
		return wd.recordFailure(key, errors.Wrap(err, "verify status"))
	}
	if snap.Status != model.StatusRunning {
		return wd.recordFailure(key, errors.Errorf("worker not alive after restart, status=%s", snap.Status))
	}

	wd.mu.Lock()
	wd.attempts[key] = 0
	wd.mu.Unlock()
	log.Printf("[watchdog] %s restarted and verified alive (pid %d)", key, res.Pid)
	return nil
}

func (wd *Watchdog) recordFailure(key model.Key, cause error) error {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.attempts[key] >= MaxRestartAttempts {
		wd.blacklist[key] = true
		log.Printf("[watchdog] %s blacklisted after %d failed restarts", key, wd.attempts[key])
	}
	return errors.WithStack(cause)
}

// reconsiderDailyCapPaused restarts workers that exited with status
// paused on the daily rate-limit cap, once the UTC date rolls over;
// the worker itself never self-restarts. A paused worker whose pause
// loop is still alive (fresh heartbeat) was paused by the user and is
// left alone.
func (wd *Watchdog) reconsiderDailyCapPaused() {
	today := time.Now().UTC().Format("2006-01-02")
	wd.mu.Lock()
	rolled := today != wd.lastDay
	if rolled {
		wd.lastDay = today
	}
	wd.mu.Unlock()
	if !rolled {
		return
	}

	all, err := wd.store.AllWorkers()
	if err != nil {
		log.Printf("[watchdog] rollover sweep failed: %v", err)
		return
	}
	for _, w := range all {
		if w.Status != model.StatusPaused || !w.Enabled {
			continue
		}
		key := model.Key{AnnotatorID: w.AnnotatorID, Domain: w.Domain}
		snap, err := wd.store.GetWorkerStatus(key)
		if err != nil || snap.HeartbeatAlive {
			continue
		}
		log.Printf("[watchdog] day rollover, resuming rate-limit-paused %s", key)
		res := wd.ctrl.Start(key.AnnotatorID, key.Domain)
		if !res.Started {
			log.Printf("[watchdog] rollover start %s: %s", key, res.Message)
		}
	}
}

// Blacklisted reports whether key has been blacklisted, for the
// façade's status output.
func (wd *Watchdog) Blacklisted(key model.Key) bool {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	return wd.blacklist[key]
}
