package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ps-research/M-Heath-Annotator/internal/config"
	"github.com/ps-research/M-Heath-Annotator/internal/model"
	"github.com/ps-research/M-Heath-Annotator/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a status table for every configured worker",
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

		workers, err := st.AllWorkers()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ANNOTATOR\tDOMAIN\tSTATUS\tPID\tDONE\tMALFORMED\tTARGET\tRATE/MIN")
		for _, w := range workers {
			snap, err := st.GetWorkerStatus(model.Key{AnnotatorID: w.AnnotatorID, Domain: w.Domain})
			if err != nil {
				return err
			}
			pid := "-"
			if snap.Pid != nil {
				pid = fmt.Sprintf("%d", *snap.Pid)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%.1f\n",
				snap.AnnotatorID, snap.Domain, colorStatus(snap.Status), pid,
				snap.TotalCompleted, snap.TotalMalformed, snap.TargetCount, snap.SamplesPerMin)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		overview, err := st.SystemOverview()
		if err != nil {
			return err
		}
		fmt.Printf("\n%d workers, %d running, %d completed samples (%d malformed)\n",
			overview.TotalWorkers, overview.RunningWorkers, overview.TotalCompleted, overview.TotalMalformed)
		return nil
	},
}

func colorStatus(s model.Status) string {
	switch s {
	case model.StatusRunning:
		return color.GreenString(string(s))
	case model.StatusPaused:
		return color.YellowString(string(s))
	case model.StatusCompleted:
		return color.CyanString(string(s))
	case model.StatusCrashed:
		return color.RedString(string(s))
	case model.StatusStopped:
		return color.New(color.FgHiBlack).Sprint(string(s))
	default:
		return string(s)
	}
}
