// Package worker implements the per-(annotator,domain) execution
// unit: the state machine integrating sample selection,
// control-signal polling, rate-limit acquisition, model invocation,
// response parsing, and checkpointing, with liveness heartbeats
// persisted through the shared store.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/ps-research/M-Heath-Annotator/internal/control"
	"github.com/ps-research/M-Heath-Annotator/internal/corpus"
	"github.com/ps-research/M-Heath-Annotator/internal/fsutil"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/modelclient"
	"github.com/ps-research/M-Heath-Annotator/internal/parser"
	"github.com/ps-research/M-Heath-Annotator/internal/prompt"
	"github.com/ps-research/M-Heath-Annotator/internal/ratelimit"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
	"github.com/ps-research/M-Heath-Annotator/internal/watcher"
)

const (
	// HeartbeatInterval is H_interval: how often the worker emits a
	// fresh heartbeat while actively running.
	HeartbeatInterval = 30 * time.Second
	// RateLimitDeadline is T_rl: how long acquire() waits for a token
	// before the worker raises rate_limit_timeout.
	RateLimitDeadline = 300 * time.Second
	// SpeedRecomputeEvery is S_iter: recompute samples/min this often.
	SpeedRecomputeEvery = 10
	// PauseSleepInterval is the wait-loop cadence while paused.
	PauseSleepInterval = 5 * time.Second
	// RetryDelay is the pause before re-sending a request that failed
	// with a transient model error.
	RetryDelay = 2 * time.Second
)

// Generator is the one capability the worker needs from the model
// side: generate(prompt) -> (text, error_kind). *modelclient.Client
// satisfies it; tests substitute a scripted fake.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, modelclient.ErrorKind, error)
}

// Options configures one worker run; every field is resolved once at
// construction so the main loop never re-reads global config.
type Options struct {
	AnnotatorID         int
	Domain              string
	Credential          string
	Store               *store.Store
	Limiter             *ratelimit.Limiter
	ModelClient         Generator
	Corpus              *corpus.Corpus
	ControlDir          string
	PromptRoot          string
	RequestDelay        time.Duration
	MaxRetries          int
	ControlCheckIters   int
	ControlCheckSeconds time.Duration
	AnnotationsWriter   *JSONLWriter // optional on-disk mirror
	WatchControl        bool         // fsnotify fast path for control signals
}

// Worker runs the state machine for one (annotator, domain) pair.
type Worker struct {
	opt Options
	key model.Key

	iteration        int
	lastControlCheck time.Time
	lastHeartbeat    time.Time
	lifeStart        time.Time
	shouldStop       bool
	signalPending    atomic.Bool
}

// New builds a Worker ready to Run.
func New(opt Options) *Worker {
	return &Worker{
		opt: opt,
		key: model.Key{AnnotatorID: opt.AnnotatorID, Domain: opt.Domain},
	}
}

// Run executes the main loop until the worker reaches Completed,
// Stopped, or a terminal error. It registers the worker as
// running with the current process id on entry and always cleans up
// its heartbeat row on exit.
func (w *Worker) Run(ctx context.Context) error {
	pid := os.Getpid()
	log.Printf("[worker %d/%s] starting (pid %d)", w.opt.AnnotatorID, w.opt.Domain, pid)

	if err := w.opt.Store.UpdateWorkerStatus(w.key, model.StatusRunning, &pid); err != nil {
		return fmt.Errorf("worker: register running: %w", err)
	}

	w.lifeStart = time.Now()
	w.lastControlCheck = time.Now()
	w.lastHeartbeat = time.Time{}
	w.emitHeartbeat(pid, model.StatusRunning)

	template, err := prompt.Resolve(w.opt.PromptRoot, w.opt.AnnotatorID, w.opt.Domain)
	if err != nil {
		log.Printf("[worker %d/%s] %v", w.opt.AnnotatorID, w.opt.Domain, err)
		w.opt.Store.UpdateWorkerStatus(w.key, model.StatusStopped, nil)
		w.opt.Store.CleanupHeartbeat(w.key)
		return err
	}

	if w.opt.WatchControl {
		if fw := w.watchControlDir(); fw != nil {
			defer fw.Close()
		}
	}

	defer func() {
		w.opt.Store.CleanupHeartbeat(w.key)
		log.Printf("[worker %d/%s] shut down", w.opt.AnnotatorID, w.opt.Domain)
	}()

	for !w.shouldStop {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.iteration++

		if time.Since(w.lastHeartbeat) >= HeartbeatInterval {
			w.emitHeartbeat(pid, model.StatusRunning)
		}

		if w.shouldCheckControl() {
			w.lastControlCheck = time.Now()
			cmd, present, err := control.Read(w.opt.ControlDir, w.opt.AnnotatorID, w.opt.Domain)
			if err != nil {
				log.Printf("[worker %d/%s] control read error: %v", w.opt.AnnotatorID, w.opt.Domain, err)
			} else if present {
				switch cmd.Command {
				case control.CommandPause:
					// Resumed or stopped, go back to the loop head: a
					// stop has set shouldStop and ends the loop there.
					w.handlePause(pid)
					continue
				case control.CommandStop:
					w.handleStop()
					continue
				}
			}
		}

		wst, err := w.opt.Store.GetWorkerStatus(w.key)
		if err != nil {
			return fmt.Errorf("worker: status: %w", err)
		}
		n := wst.TotalCompleted + wst.TotalMalformed
		if n >= wst.TargetCount {
			log.Printf("[worker %d/%s] target reached (%d/%d)", w.opt.AnnotatorID, w.opt.Domain, n, wst.TargetCount)
			w.opt.Store.UpdateWorkerStatus(w.key, model.StatusCompleted, nil)
			return nil
		}

		sample, ok := w.opt.Corpus.At(n)
		if !ok {
			log.Printf("[worker %d/%s] corpus exhausted at %d", w.opt.AnnotatorID, w.opt.Domain, n)
			w.opt.Store.UpdateWorkerStatus(w.key, model.StatusCompleted, nil)
			return nil
		}

		acquired, err := w.opt.Limiter.Acquire(ctx, w.opt.Credential, RateLimitDeadline)
		if err != nil {
			return fmt.Errorf("worker: acquire: %w", err)
		}
		if !acquired {
			log.Printf("[worker %d/%s] rate_limit_timeout, pausing", w.opt.AnnotatorID, w.opt.Domain)
			w.opt.Store.UpdateWorkerStatus(w.key, model.StatusPaused, nil)
			return nil
		}

		rendered := prompt.Render(template, sample.Text)
		text, kind := w.generateWithRetry(ctx, rendered)

		switch kind {
		case modelclient.ErrorRateLimit:
			log.Printf("[worker %d/%s] rate_limit from model, pausing", w.opt.AnnotatorID, w.opt.Domain)
			w.opt.Store.UpdateWorkerStatus(w.key, model.StatusPaused, nil)
			return nil
		case modelclient.ErrorInvalidCredential:
			log.Printf("[worker %d/%s] invalid_credential, stopping", w.opt.AnnotatorID, w.opt.Domain)
			w.opt.Store.UpdateWorkerStatus(w.key, model.StatusStopped, nil)
			return nil
		case modelclient.ErrorOther:
			w.recordMalformed(sample, text)
			w.sleepRequestDelay()
			continue
		}

		result := parser.Parse(text, w.opt.Domain)
		w.recordResult(sample, text, result)

		if w.iteration%SpeedRecomputeEvery == 0 {
			w.recomputeSpeed()
		}

		w.sleepRequestDelay()
	}

	w.opt.Store.UpdateWorkerStatus(w.key, model.StatusStopped, nil)
	return nil
}

// generateWithRetry calls the model, retrying transient failures up
// to MaxRetries times. Each retry takes a fresh rate-limit token; if
// one cannot be had, the last transient result stands and is recorded
// as malformed by the caller.
func (w *Worker) generateWithRetry(ctx context.Context, rendered string) (string, modelclient.ErrorKind) {
	text, kind, _ := w.opt.ModelClient.Generate(ctx, rendered)
	for attempt := 1; kind == modelclient.ErrorOther && attempt <= w.opt.MaxRetries; attempt++ {
		log.Printf("[worker %d/%s] transient model error, retry %d/%d", w.opt.AnnotatorID, w.opt.Domain, attempt, w.opt.MaxRetries)
		time.Sleep(RetryDelay)
		acquired, err := w.opt.Limiter.Acquire(ctx, w.opt.Credential, RateLimitDeadline)
		if err != nil || !acquired {
			break
		}
		text, kind, _ = w.opt.ModelClient.Generate(ctx, rendered)
	}
	return text, kind
}

func (w *Worker) sleepRequestDelay() {
	if w.opt.RequestDelay > 0 {
		time.Sleep(w.opt.RequestDelay)
	}
}

// shouldCheckControl returns true every ControlCheckIters iterations
// or every ControlCheckSeconds, whichever comes first. A pending
// fsnotify event short-circuits the cadence; the poll schedule still
// bounds worst-case latency if the watch misses or coalesces events.
func (w *Worker) shouldCheckControl() bool {
	if w.signalPending.Swap(false) {
		return true
	}
	if w.opt.ControlCheckIters > 0 && w.iteration%w.opt.ControlCheckIters == 0 {
		return true
	}
	return time.Since(w.lastControlCheck) >= w.opt.ControlCheckSeconds
}

// watchControlDir attaches the optional fsnotify watch on the control
// directory. Failure to watch is logged and ignored: polling alone is
// the normative mechanism.
func (w *Worker) watchControlDir() *watcher.Watcher {
	if err := fsutil.EnsureDir(w.opt.ControlDir); err != nil {
		log.Printf("[worker %d/%s] control dir: %v", w.opt.AnnotatorID, w.opt.Domain, err)
		return nil
	}
	own := control.Path(w.opt.ControlDir, w.opt.AnnotatorID, w.opt.Domain)
	fw, err := watcher.Watch(w.opt.ControlDir, func(path string) {
		if path == own {
			w.signalPending.Store(true)
		}
	})
	if err != nil {
		log.Printf("[worker %d/%s] control watch unavailable: %v", w.opt.AnnotatorID, w.opt.Domain, err)
		return nil
	}
	return fw
}

// handlePause enters the pause wait loop, emitting a paused
// heartbeat and polling the control file every PauseSleepInterval
// until resume or stop. It returns true if the worker resumed, false
// if a stop was observed (shouldStop is then set).
func (w *Worker) handlePause(pid int) bool {
	log.Printf("[worker %d/%s] paused", w.opt.AnnotatorID, w.opt.Domain)
	w.opt.Store.UpdateWorkerStatus(w.key, model.StatusPaused, nil)
	w.emitHeartbeat(pid, model.StatusPaused)

	for {
		time.Sleep(PauseSleepInterval)
		w.emitHeartbeat(pid, model.StatusPaused)

		cmd, present, err := control.Read(w.opt.ControlDir, w.opt.AnnotatorID, w.opt.Domain)
		if err != nil || !present {
			continue
		}
		switch cmd.Command {
		case control.CommandResume:
			log.Printf("[worker %d/%s] resumed", w.opt.AnnotatorID, w.opt.Domain)
			w.opt.Store.UpdateWorkerStatus(w.key, model.StatusRunning, &pid)
			w.lastControlCheck = time.Now()
			control.Clear(w.opt.ControlDir, w.opt.AnnotatorID, w.opt.Domain)
			return true
		case control.CommandStop:
			w.handleStop()
			return false
		}
	}
}

func (w *Worker) handleStop() {
	log.Printf("[worker %d/%s] stop signal observed", w.opt.AnnotatorID, w.opt.Domain)
	w.shouldStop = true
	control.Clear(w.opt.ControlDir, w.opt.AnnotatorID, w.opt.Domain)
}

func (w *Worker) emitHeartbeat(pid int, status model.Status) {
	w.lastHeartbeat = time.Now()
	if err := w.opt.Store.SendHeartbeat(w.key, pid, w.iteration, status); err != nil {
		log.Printf("[worker %d/%s] heartbeat write failed: %v", w.opt.AnnotatorID, w.opt.Domain, err)
	}
}

// recordMalformed records a non-fatal model error as a malformed
// annotation; the loop continues.
func (w *Worker) recordMalformed(sample corpus.Sample, msg string) {
	w.writeRecord(sample, "API_ERROR: "+msg, "MALFORMED", true, "", msg)
}

// recordResult writes the Annotation row before the completed-sample
// marker: a crash between the two leaves the annotation as forensic
// evidence, and the sample is simply re-selected on restart.
func (w *Worker) recordResult(sample corpus.Sample, responseText string, result parser.Result) {
	label := result.Label
	malformed := result.Kind != parser.KindOK
	if malformed && label == "" {
		label = "MALFORMED"
	}
	parseErr, validityErr := "", ""
	if result.Kind == parser.KindParseError {
		parseErr = result.Message
	} else if result.Kind == parser.KindValidityError {
		validityErr = result.Message
	}
	w.writeRecord(sample, responseText, label, malformed, parseErr, validityErr)
}

func (w *Worker) writeRecord(sample corpus.Sample, response, label string, malformed bool, parseErr, validityErr string) {
	rec := store.AnnotationRecord{
		SampleID:      sample.ID,
		SampleText:    sample.Text,
		Label:         label,
		Response:      response,
		IsMalformed:   malformed,
		ParseError:    parseErr,
		ValidityError: validityErr,
	}
	if err := w.opt.Store.SaveAnnotation(w.key, rec); err != nil {
		log.Printf("[worker %d/%s] save_annotation failed: %v", w.opt.AnnotatorID, w.opt.Domain, err)
		return
	}
	if err := w.opt.Store.AddCompletedSample(w.key, sample.ID, label, malformed); err != nil {
		log.Printf("[worker %d/%s] add_completed_sample failed: %v", w.opt.AnnotatorID, w.opt.Domain, err)
	}
	if w.opt.AnnotationsWriter != nil {
		w.opt.AnnotationsWriter.Append(AnnotationLine{
			ID: sample.ID, Text: sample.Text, Response: response, Label: label,
			Malformed: malformed, ParsingError: parseErr, ValidityError: validityErr,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	if malformed {
		log.Printf("[worker %d/%s] sample %s: MALFORMED", w.opt.AnnotatorID, w.opt.Domain, sample.ID)
	} else {
		log.Printf("[worker %d/%s] sample %s: %s", w.opt.AnnotatorID, w.opt.Domain, sample.ID, label)
	}
}

// recomputeSpeed recomputes and persists samples-per-minute over the
// worker's lifetime.
func (w *Worker) recomputeSpeed() {
	wst, err := w.opt.Store.GetWorkerStatus(w.key)
	if err != nil {
		return
	}
	elapsedMin := time.Since(w.lifeStart).Minutes()
	if elapsedMin <= 0 {
		return
	}
	done := float64(wst.TotalCompleted + wst.TotalMalformed)
	perMin := done / elapsedMin
	if err := w.opt.Store.UpdateSamplesPerMin(w.key, perMin); err != nil {
		log.Printf("[worker %d/%s] speed update failed: %v", w.opt.AnnotatorID, w.opt.Domain, err)
	}
}
