package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/IITvamp/cmux/internal/config"
	"github.com/IITvamp/cmux/internal/logging"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "cmuxd",
		Short: "cmux workspace and container lifecycle engine",
		Long:  "cmuxd provisions per-agent git worktrees and containers for parallel AI coding runs.",
	}

	var logLevel string
	var logJSON bool
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level := logLevel
		if level == "" {
			level = cfg.LogLevel
		}
		logging.Init(logging.Config{Level: level, JSONOutput: logJSON || cfg.LogJSON})
		return nil
	}

	root.AddCommand(
		newServeCmd(),
		newStartCmd(),
		newStopCmd(),
		newResumeCmd(),
		newCompleteCmd(),
		newPsCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cmuxd", version)
		},
	}
}
