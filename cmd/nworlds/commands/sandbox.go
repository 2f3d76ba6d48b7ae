package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/aristath/nworlds/internal/sandbox"
)

// NewSandboxCommand returns the parent of the sandbox subcommands.
func NewSandboxCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("sandbox", "Manage sandboxes.")
}

// openManager opens the sandboxes of the project without the rest of the
// environment.
func (c *RootCommand) openManager(ctx context.Context) (*sandbox.Manager, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return newManager(ctx, c, cfg)
}

type SandboxListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	usage  bool
	status string
	format string
}

// NewSandboxListCommand returns the sandbox list command.
func NewSandboxListCommand(rootCmd *RootCommand, sandboxCmd *kingpin.CmdClause) *SandboxListCommand {
	c := &SandboxListCommand{rootCmd: rootCmd}

	c.Cmd = sandboxCmd.Command("list", "List sandboxes with their status.")
	c.Cmd.Flag("usage", "Measure disk usage.").Default("true").BoolVar(&c.usage)
	c.Cmd.Flag("status", "Filter by status (active, idle, stuck, orphaned, corrupted).").
		EnumVar(&c.status, "active", "idle", "stuck", "orphaned", "corrupted")
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c SandboxListCommand) Name() string { return c.Cmd.FullCommand() }

func (c SandboxListCommand) Run(ctx context.Context) error {
	mgr, err := c.rootCmd.openManager(ctx)
	if err != nil {
		return err
	}

	entries, err := mgr.Scan(ctx)
	if err != nil {
		return fmt.Errorf("could not scan sandboxes: %w", err)
	}
	if c.status != "" {
		entries = lo.Filter(entries, func(e sandbox.Entry, _ int) bool { return e.Status.String() == c.status })
	}

	var usage *sandbox.Usage
	if c.usage {
		usage, err = mgr.Usage(ctx)
		if err != nil {
			return fmt.Errorf("could not measure disk usage: %w", err)
		}
	}

	if err := c.rootCmd.printer(c.format).PrintSandboxes(entries, usage); err != nil {
		return fmt.Errorf("could not print sandboxes: %w", err)
	}
	return nil
}

type SandboxRmCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	ids []string
	all bool
}

// NewSandboxRmCommand returns the sandbox rm command.
func NewSandboxRmCommand(rootCmd *RootCommand, sandboxCmd *kingpin.CmdClause) *SandboxRmCommand {
	c := &SandboxRmCommand{rootCmd: rootCmd}

	c.Cmd = sandboxCmd.Command("rm", "Remove sandboxes.")
	c.Cmd.Arg("ids", "Sandbox ids.").StringsVar(&c.ids)
	c.Cmd.Flag("all", "Remove every sandbox.").BoolVar(&c.all)

	return c
}

func (c SandboxRmCommand) Name() string { return c.Cmd.FullCommand() }

func (c SandboxRmCommand) Run(ctx context.Context) error {
	switch {
	case c.all && len(c.ids) > 0:
		return fmt.Errorf("sandbox ids and --all are mutually exclusive")
	case !c.all && len(c.ids) == 0:
		return fmt.Errorf("at least one sandbox id or --all is required")
	}

	mgr, err := c.rootCmd.openManager(ctx)
	if err != nil {
		return err
	}

	if c.all {
		return mgr.RemoveAll(ctx)
	}

	var errs *multierror.Error
	for _, id := range c.ids {
		if err := mgr.Remove(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		c.rootCmd.Logger.Infof("Removed sandbox %s", id)
	}
	return errs.ErrorOrNil()
}

type SandboxPruneCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	stuck  bool
	dryRun bool
	format string
}

// NewSandboxPruneCommand returns the sandbox prune command.
func NewSandboxPruneCommand(rootCmd *RootCommand, sandboxCmd *kingpin.CmdClause) *SandboxPruneCommand {
	c := &SandboxPruneCommand{rootCmd: rootCmd}

	c.Cmd = sandboxCmd.Command("prune", "Remove orphaned and corrupted sandboxes.")
	c.Cmd.Flag("stuck", "Remove stuck sandboxes too.").BoolVar(&c.stuck)
	c.Cmd.Flag("dry-run", "Only list what would be removed.").BoolVar(&c.dryRun)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c SandboxPruneCommand) Name() string { return c.Cmd.FullCommand() }

func (c SandboxPruneCommand) Run(ctx context.Context) error {
	mgr, err := c.rootCmd.openManager(ctx)
	if err != nil {
		return err
	}

	entries, err := mgr.Scan(ctx)
	if err != nil {
		return fmt.Errorf("could not scan sandboxes: %w", err)
	}
	victims := lo.Filter(entries, func(e sandbox.Entry, _ int) bool {
		switch e.Status {
		case sandbox.StatusOrphaned, sandbox.StatusCorrupted:
			return true
		case sandbox.StatusStuck:
			return c.stuck
		default:
			return false
		}
	})

	p := c.rootCmd.printer(c.format)
	if c.dryRun {
		return p.PrintSandboxes(victims, nil)
	}

	var errs *multierror.Error
	for _, e := range victims {
		if err := mgr.Remove(ctx, e.Info.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := mgr.Prune(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("pruning worktree metadata: %w", err))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	return p.PrintMessage(fmt.Sprintf("Pruned %d sandboxes", len(victims)))
}
