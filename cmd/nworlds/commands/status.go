package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/nworlds/internal/store"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	executionID string
	limit       int
	format      string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Show an execution, or the latest ones.")
	c.Cmd.Arg("execution-id", "Execution id.").StringVar(&c.executionID)
	c.Cmd.Flag("limit", "Executions to list without an id.").Default("20").IntVar(&c.limit)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Logger: c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not open store: %w", err)
	}
	defer st.Close()

	p := c.rootCmd.printer(c.format)
	if c.executionID == "" {
		es, err := st.ListExecutions(ctx, c.limit)
		if err != nil {
			return fmt.Errorf("could not list executions: %w", err)
		}
		return p.PrintExecutions(es)
	}

	e, err := st.GetExecution(ctx, c.executionID)
	if err != nil {
		return fmt.Errorf("could not get execution: %w", err)
	}
	return p.PrintExecution(e)
}
