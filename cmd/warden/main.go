package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	Limit int
}

// buildRoot creates the root command. Running it without a subcommand
// starts the watchdog.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	historyFlags := &HistoryFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createListServersCommand(globalFlags),
		createArchivesCommand(globalFlags),
		createHistoryCommand(globalFlags, historyFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent --config flag
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Keep one service alive and keep its logs",
		Long: `Warden runs a single child service, restarts it every day at the
configured time, whenever it exits, or on request, and writes its output to
logs/log.txt with the previous runs kept in logs/archives.

While running, type a command and press enter:
  restart, list-servers, exit (or stop), help

Examples:
  warden                                   # run with config/client_config.json
  warden run --config /etc/warden.json
  warden list-servers
  warden archives`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchdog(cmd, flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to JSON config file (default config/client_config.json)")
	return root
}
