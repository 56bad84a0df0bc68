package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/corpus"
	"github.com/ps-research/M-Heath-Annotator/internal/errkind"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/modelclient"
	"github.com/ps-research/M-Heath-Annotator/internal/ratelimit"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
	"github.com/ps-research/M-Heath-Annotator/internal/worker"
)

// NewWorkerCommand builds the annotator-worker entry point, spawned
// once per (annotator, domain) pair by the supervisor with the
// project root as CWD.
func NewWorkerCommand() *cobra.Command {
	var (
		annotatorID int
		domain      string
		cfgPath     string
		credPath    string
	)

	cmd := &cobra.Command{
		Use:           "annotator-worker",
		Short:         "Run one (annotator, domain) annotation worker",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if annotatorID < 1 {
				return fmt.Errorf("--annotator is required and must be >= 1")
			}
			if domain == "" {
				return fmt.Errorf("--domain is required")
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return errkind.New(errkind.ConfigError, "load settings", err)
			}

			settings, ok := cfg.DomainSettingsFor(annotatorID, domain)
			if !ok {
				return errkind.New(errkind.ConfigError, fmt.Sprintf("no configuration for annotator %d domain %s", annotatorID, domain), nil)
			}
			if !settings.Enabled {
				return errkind.New(errkind.ConfigError, fmt.Sprintf("annotator %d domain %s is disabled", annotatorID, domain), nil)
			}

			if credPath == "" {
				credPath = cfg.Paths.Credentials
			}
			creds, err := config.LoadCredentials(credPath)
			if err != nil {
				return errkind.New(errkind.ConfigError, "load credentials", err)
			}
			credKey := fmt.Sprintf("annotator_%d", annotatorID)
			credential, ok := creds[credKey]
			if !ok || credential == "" {
				return errkind.New(errkind.ConfigError, fmt.Sprintf("no credential for %s in %s", credKey, credPath), nil)
			}

			st, err := store.Open(cfg.Paths.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			// Fail fast on a missing corpus before registering as running.
			crp, err := corpus.Load(cfg.Paths.Corpus)
			if err != nil {
				st.UpdateWorkerStatus(model.Key{AnnotatorID: annotatorID, Domain: domain}, model.StatusStopped, nil)
				return errkind.New(errkind.IOError, "open corpus", err)
			}

			limiter := ratelimit.New(st.DB(), cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerDay, cfg.RateLimit.BurstSize)
			client := modelclient.New(cfg.Global.ModelEndpoint, credential, cfg.Global.ModelName, 60*time.Second)

			mirrorPath := filepath.Join(cfg.Paths.Annotations, fmt.Sprintf("annotator_%d_%s.jsonl", annotatorID, domain))
			mirror, err := worker.NewJSONLWriter(mirrorPath)
			if err != nil {
				return err
			}

			w := worker.New(worker.Options{
				AnnotatorID:         annotatorID,
				Domain:              domain,
				Credential:          credKey,
				Store:               st,
				Limiter:             limiter,
				ModelClient:         client,
				Corpus:              crp,
				ControlDir:          cfg.Paths.Control,
				PromptRoot:          cfg.Paths.Prompts,
				RequestDelay:        time.Duration(cfg.Global.RequestDelaySeconds * float64(time.Second)),
				MaxRetries:          cfg.Global.MaxRetries,
				ControlCheckIters:   cfg.Global.ControlCheckIterations,
				ControlCheckSeconds: time.Duration(cfg.Global.ControlCheckSeconds) * time.Second,
				AnnotationsWriter:   mirror,
				WatchControl:        true,
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return w.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&annotatorID, "annotator", 0, "annotator id (1..A)")
	cmd.Flags().StringVar(&domain, "domain", "", "labeling domain")
	cmd.Flags().StringVar(&cfgPath, "config", "config/settings.json", "path to the settings file")
	cmd.Flags().StringVar(&credPath, "credentials", "", "path to the credentials file (default: paths.credentials from settings)")
	return cmd
}
