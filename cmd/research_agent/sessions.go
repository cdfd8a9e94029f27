package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-assistant/internal/config"
	"github.com/jonathan/research-assistant/internal/db"
	"github.com/jonathan/research-assistant/internal/observability"
	"github.com/jonathan/research-assistant/internal/orchestrator"
)

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored research sessions",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides storage settings)")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("db") {
			cfg.Storage.Backend = db.BackendSQLite
			cfg.Storage.SQLitePath = dbPath
		}
		return cfg, nil
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newStoreApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintSessionList(summaries)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to show")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print every cell of a session",
		Long:  `Print every cell of a session. Cells left running by a crashed process are recovered and saved first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newStoreApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.store.LoadSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load session: %w", err)
			}
			if session == nil {
				return fmt.Errorf("%w: %s", orchestrator.ErrSessionNotFound, args[0])
			}
			if recovered := orchestrator.RecoverStuck(session, time.Now(), cfg.Orchestrator.StuckAfter.Std()); len(recovered) > 0 {
				if err := a.store.SaveSession(cmd.Context(), session); err != nil {
					return fmt.Errorf("failed to save recovered session: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stuck cell(s)\n", len(recovered))
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintSession(session)
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
