package cli

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
)

var factoryResetCmd = &cobra.Command{
	Use:   "factory-reset CONFIRM",
	Short: "Wipe all progress (requires the literal argument FACTORY_RESET)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "FACTORY_RESET" {
			return fmt.Errorf("refusing: pass the literal string FACTORY_RESET to confirm")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Paths.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.FactoryReset(); err != nil {
			return err
		}
		color.Red("factory reset complete: all progress cleared, configuration preserved")
		return nil
	},
}

var resetWorkerCmd = &cobra.Command{
	Use:   "reset-worker ANNOTATOR DOMAIN",
	Short: "Clear one worker's progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		annotator, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid annotator id %q", args[0])
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Paths.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		key := model.Key{AnnotatorID: annotator, Domain: args[1]}
		if err := st.ResetWorker(key); err != nil {
			return err
		}
		color.Yellow("worker %s reset", key)
		return nil
	},
}
