package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jonathan/research-assistant/internal/config"
	"github.com/jonathan/research-assistant/internal/db"
	"github.com/jonathan/research-assistant/internal/observability"
	"github.com/jonathan/research-assistant/internal/streaming"
	"github.com/jonathan/research-assistant/internal/types"
)

type runOptions struct {
	goal     string
	data     []string
	dbPath   string
	resume   string
	verbose  bool
	maxSteps int
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a research session end-to-end",
		Long: `Starts a session from --goal (or resumes --session) and advances it until the write-up is
done or the session waits for user data. Code cells are executed locally.

Configuration can be loaded from a file using --config. Command-line arguments override config file values.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd, flags, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "Research goal")
	cmd.Flags().StringSliceVarP(&opts.data, "data", "d", nil, "Data file to attach (repeatable)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides storage settings)")
	cmd.Flags().StringVar(&opts.resume, "session", "", "Resume an existing session instead of starting one")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print cells and execution output as they are produced")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Maximum analysis steps taken from the plan")
	return cmd
}

func runSession(cmd *cobra.Command, flags *globalFlags, opts *runOptions) error {
	ctx := cmd.Context()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("db") {
		cfg.Storage.Backend = db.BackendSQLite
		cfg.Storage.SQLitePath = opts.dbPath
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if cmd.Flags().Changed("max-steps") {
		cfg.Orchestrator.MaxAnalysisSteps = opts.maxSteps
	}
	if opts.goal == "" && opts.resume == "" {
		return fmt.Errorf("either --goal or --session must be provided")
	}

	files, err := describeDataFiles(opts.data)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	printer := observability.NewPrinter(out)

	var session *types.Session
	if opts.resume != "" {
		session, err = a.engine.LoadSession(ctx, opts.resume)
		if err == nil && len(files) > 0 {
			err = attachData(ctx, a, session, files)
		}
	} else {
		session, err = a.engine.StartSession(ctx, opts.goal, files)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Session %s\n", session.ID)

	var stopEcho func()
	if cfg.Verbose {
		printer.PrintCell(session.Last())
		stopEcho = echoEvents(a.hub, session.ID, printer, out)
	}
	final, runErr := a.engine.Run(ctx, session.ID)
	if stopEcho != nil {
		stopEcho()
	}
	if runErr != nil {
		return fmt.Errorf("session %s stopped: %w", session.ID, runErr)
	}

	if !cfg.Verbose {
		printer.PrintSession(final)
	}
	if last := final.Last(); last != nil && last.AwaitingUser() {
		_, _ = fmt.Fprintf(out, "\nSession is waiting for data. Rerun with --session %s --data <file>\n", final.ID)
	}
	return nil
}

// attachData hands files to the session's pending data collection cell
func attachData(ctx context.Context, a *app, session *types.Session, files []types.DataFile) error {
	last := session.Last()
	if last == nil || last.Kind != types.KindDataCollection {
		return fmt.Errorf("session %s is not waiting for data", session.ID)
	}
	_, err := a.engine.ProvideData(ctx, session.ID, last.ID, files)
	return err
}

// echoEvents prints finished cells and execution output until the returned func is called
func echoEvents(hub *streaming.Hub, sessionID string, printer *observability.Printer, out io.Writer) func() {
	ch := hub.Subscribe(sessionID)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range ch {
			switch event.Type {
			case streaming.EventStreamLine:
				if line, ok := event.Data.(string); ok {
					_, _ = fmt.Fprintf(out, "  │ %s\n", line)
				}
			case streaming.EventCellAppended, streaming.EventCellUpdated:
				cell, ok := event.Data.(types.Cell)
				if ok && (cell.Status == types.StatusCompleted || cell.Status == types.StatusError) {
					printer.PrintCell(&cell)
				}
			}
		}
	}()
	return func() {
		hub.Unsubscribe(sessionID, ch)
		wg.Wait()
	}
}
