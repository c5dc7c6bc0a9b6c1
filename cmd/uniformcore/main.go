// Command uniformcore serves the ordered uniform and material catalog and
// provides maintenance commands for it.
package main

import (
	"fmt"
	"io"
	"os"
	"uniformcore/internal/config"
	"uniformcore/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool
	server     string
	actor      string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "uniformcore",
		Short: "Ordered catalog of uniform types, generations and materials",
		Long: `uniformcore keeps uniform types, generations, material groups and materials
in a contiguous sort order per scope and exposes reordering over HTTP.

Run "uniformcore serve" to start the API, or use the catalog commands to
inspect and repair a store directly (or a running server via --server).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging, a.verbose)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "uniformcore.yaml", "Path to the YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.server, "server", "", "Base URL of a running server; catalog commands use the API instead of the local store")
	root.PersistentFlags().StringVar(&a.actor, "actor", "", "User recorded on soft deletes")

	root.AddCommand(
		newServeCmd(a),
		newListCmd(a),
		newReorderCmd(a),
		newDeleteCmd(a),
		newRestoreCmd(a),
		newRepairCmd(a),
		newBackupCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
