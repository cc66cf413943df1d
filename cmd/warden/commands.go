package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/sqlite"
	"github.com/loykin/warden/internal/logfile"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/snapshot"
	"github.com/loykin/warden/internal/watchdog"
)

// createRunCommand creates the run subcommand
func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the child and supervise it until exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchdog(cmd, flags)
		},
	}
}

func runWatchdog(cmd *cobra.Command, flags *GlobalFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	deps := watchdog.Deps{
		Input:   cmd.InOrStdin(),
		Console: cmd.OutOrStdout(),
		Logger:  log,
	}
	if cfg.HistoryDB != "" {
		sink, err := sqlite.New(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer func() { _ = sink.Close() }()
		deps.History = sink
	}

	w, err := watchdog.New(cfg, deps)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("warden starting", "run_id", w.RunID(), "command", cfg.Command, "dir", cfg.ServerFolder)
	return w.Run(ctx)
}

// createListServersCommand creates the list-servers subcommand
func createListServersCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-servers",
		Short: "Print the queues recorded in the status file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			servers, err := snapshot.Load(cfg.GlobalDataFile)
			if err != nil || len(servers) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), snapshot.ErrNoServers)
				return nil
			}
			return snapshot.Render(cmd.OutOrStdout(), servers)
		},
	}
}

// createArchivesCommand creates the archives subcommand
func createArchivesCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "archives",
		Short: "List archived logs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			dir := filepath.Join(cfg.LogDir, logfile.ArchiveDirName)
			entries, err := logfile.ListArchives(dir)
			if errors.Is(err, os.ErrNotExist) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no archives yet")
				return nil
			}
			if err != nil {
				return fmt.Errorf("list archives: %w", err)
			}
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Name", "Created", "Size")
			for _, e := range entries {
				size := "?"
				if st, err := os.Stat(e.Path); err == nil {
					size = strconv.FormatInt(st.Size(), 10)
				}
				created := e.CreatedAt.Format(time.DateTime)
				if !e.Parsed {
					created = "unknown"
				}
				if err := table.Append([]string{e.Name, created, size}); err != nil {
					return err
				}
			}
			if err := table.Render(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d archives\n", len(entries), logfile.MaxArchives)
			return nil
		},
	}
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(flags *GlobalFlags, historyFlags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events from the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.HistoryDB == "" {
				return errors.New("history_db is not configured")
			}
			sink, err := sqlite.New(cfg.HistoryDB)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer func() { _ = sink.Close() }()

			events, err := sink.Recent(cmd.Context(), historyFlags.Limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			printEvents(cmd, events)
			return nil
		},
	}
	cmd.Flags().IntVar(&historyFlags.Limit, "limit", 20, "number of events to show")
	return cmd
}

func printEvents(cmd *cobra.Command, events []history.Event) {
	if len(events) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no events recorded")
		return
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Time", "Run", "Event", "PID", "Detail")
	for _, e := range events {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		_ = table.Append([]string{e.OccurredAt.Local().Format(time.DateTime), run, string(e.Type), strconv.Itoa(e.PID), e.Detail})
	}
	_ = table.Render()
}
