// Package cli builds the command trees for the two binaries: the
// annotatord supervisor/façade daemon and the annotator-worker
// per-pair process.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "annotatord",
	Short:         "Annotation fleet supervisor",
	Long:          "annotatord supervises the fleet of per-(annotator, domain) annotation workers:\nspawning, monitoring, restarting, and exposing the REST/WebSocket control surface.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/settings.json", "path to the settings file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(factoryResetCmd)
	rootCmd.AddCommand(resetWorkerCmd)
}

// Execute runs the annotatord command tree.
func Execute() error {
	return rootCmd.Execute()
}
