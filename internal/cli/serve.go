package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ps-research/M-Heath-Annotator/internal/boundary"
	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
	"github.com/ps-research/M-Heath-Annotator/internal/supervisor"
	"github.com/ps-research/M-Heath-Annotator/internal/watchdog"
	"github.com/ps-research/M-Heath-Annotator/internal/watcher"
)

var (
	serveHost        string
	servePort        int
	workerBin        string
	startAllOnServe  bool
	watchdogInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor, watchdog, and control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Paths.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		var workerCfgs []store.WorkerConfig
		for _, pair := range cfg.Pairs() {
			workerCfgs = append(workerCfgs, store.WorkerConfig{
				AnnotatorID: pair.AnnotatorID,
				Domain:      pair.Domain,
				Enabled:     pair.Settings.Enabled,
				TargetCount: pair.Settings.TargetCount,
			})
		}
		if err := st.InitializeWorkers(workerCfgs); err != nil {
			return err
		}

		exe, err := resolveWorkerBin(workerBin)
		if err != nil {
			return err
		}
		projectDir, err := os.Getwd()
		if err != nil {
			return err
		}

		sup := supervisor.New(st, cfg, exe, projectDir)
		wd := watchdog.New(st, supervisorController{sup}, watchdogInterval)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go wd.Run(ctx)
		// Immediate reconciliation: flip any pids orphaned by a
		// previous supervisor run before accepting control calls.
		wd.Tick(ctx)

		watchPromptOverlays(cfg.Paths.Prompts)

		metrics := boundary.NewMetricsCollector()
		api := boundary.NewAPI(sup, st, cfg, configPath, metrics)
		hub := boundary.NewHub(sup, st)
		srv := boundary.NewServer(serveHost, servePort, api, hub, metrics)

		if startAllOnServe {
			sum := sup.StartAllEnabled()
			log.Printf("[annotatord] start-all: %d started, %d disabled, %d failed", sum.Started, sum.Disabled, sum.Failed)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Printf("[annotatord] shutting down (workers keep running; use stop-all to halt the fleet)")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			cancel()
		}()

		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "address to bind the control surface to")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "port for the control surface")
	serveCmd.Flags().StringVar(&workerBin, "worker-bin", "annotator-worker", "path to the annotator-worker binary")
	serveCmd.Flags().BoolVar(&startAllOnServe, "start-all", false, "start every enabled worker immediately")
	serveCmd.Flags().DurationVar(&watchdogInterval, "watchdog-interval", watchdog.DefaultInterval, "crash-detection cadence")
}

// resolveWorkerBin accepts an absolute/relative path or a bare name
// looked up next to annotatord itself, then on PATH.
func resolveWorkerBin(bin string) (string, error) {
	if filepath.IsAbs(bin) || filepath.Dir(bin) != "." {
		if _, err := os.Stat(bin); err != nil {
			return "", fmt.Errorf("worker binary %s: %w", bin, err)
		}
		return bin, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), bin)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("worker binary %q not found next to annotatord or on PATH", bin)
	}
	return path, nil
}

// supervisorController adapts *supervisor.Supervisor to the
// watchdog's thin controller capability.
type supervisorController struct {
	sup *supervisor.Supervisor
}

func (c supervisorController) Start(annotatorID int, domain string) watchdog.StartOutcome {
	res := c.sup.StartWorker(annotatorID, domain)
	return watchdog.StartOutcome{
		Started: res.Outcome == supervisor.OutcomeStarted || res.Outcome == supervisor.OutcomeAlreadyRunning,
		Pid:     res.Pid,
		Message: string(res.Outcome) + " " + res.Message,
	}
}

func (c supervisorController) Stop(ctx context.Context, annotatorID int, domain string, timeout time.Duration) watchdog.StopOutcome {
	res := c.sup.StopWorker(ctx, annotatorID, domain, timeout)
	return watchdog.StopOutcome{
		Stopped: res.Outcome == supervisor.OutcomeStopped,
		Forced:  res.Forced,
	}
}

// watchPromptOverlays logs prompt-overlay changes so an operator can
// see when a newly activated version will start applying (at each
// worker's next start).
func watchPromptOverlays(promptRoot string) {
	_, err := watcher.Watch(promptRoot, func(path string) {
		if filepath.Base(path) == "active_versions.json" {
			log.Printf("[annotatord] active prompt versions changed; applies at next worker start")
		}
	})
	if err != nil {
		log.Printf("[annotatord] prompt watch unavailable: %v", err)
	}
}
