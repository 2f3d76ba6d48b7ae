package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/nworlds/internal/decompose"
	"github.com/aristath/nworlds/internal/pool"
)

type BatchCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	planPath       string
	maxConcurrency int
	timeout        time.Duration
	failFast       bool
	format         string
}

// NewBatchCommand returns the batch command.
func NewBatchCommand(rootCmd *RootCommand, app *kingpin.Application) *BatchCommand {
	c := &BatchCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("batch", "Run the tasks of a plan in parallel, each in its own sandbox.")
	c.Cmd.Arg("plan", "Path to the YAML plan with the tasks.").Required().ExistingFileVar(&c.planPath)
	c.Cmd.Flag("max-concurrency", "Tasks running at once (0 uses the configuration).").IntVar(&c.maxConcurrency)
	c.Cmd.Flag("timeout", "Per task timeout (0 uses the configuration).").DurationVar(&c.timeout)
	c.Cmd.Flag("fail-fast", "Cancel the rest of the batch on the first failure.").BoolVar(&c.failFast)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c BatchCommand) Name() string { return c.Cmd.FullCommand() }

func (c BatchCommand) Run(ctx context.Context) error {
	plan, err := decompose.LoadPlan(c.planPath)
	if err != nil {
		return err
	}
	planned, err := plan.Decompose(ctx, plan.Issue)
	if err != nil {
		return err
	}
	tasks := make([]pool.Task, 0, len(planned))
	for _, pt := range planned {
		if len(pt.DependsOn) > 0 {
			c.rootCmd.Logger.Warningf("Task %q depends on %v, dependencies are ignored in batches", pt.Task.ID, pt.DependsOn)
		}
		tasks = append(tasks, pt.Task)
	}

	env, err := newEnvironment(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer env.close(ctx)

	pcfg := env.poolConfig()
	pcfg.MaxConcurrency = orInt(c.maxConcurrency, pcfg.MaxConcurrency)
	if c.timeout > 0 {
		pcfg.TimeoutPerTask = c.timeout
	}
	pcfg.FailFast = pcfg.FailFast || c.failFast

	p, err := pool.New(pcfg)
	if err != nil {
		return fmt.Errorf("could not create pool: %w", err)
	}

	var res *pool.BatchResult
	err = env.run(ctx, func(ctx context.Context) error {
		r, err := p.ExecuteParallel(ctx, tasks, env.runner)
		res = r
		return err
	})
	if res == nil {
		return fmt.Errorf("could not run batch: %w", err)
	}

	if perr := c.rootCmd.printer(c.format).PrintBatch(res); perr != nil {
		return fmt.Errorf("could not print batch: %w", perr)
	}
	if err != nil {
		return fmt.Errorf("batch interrupted: %w", err)
	}
	if res.Succeeded < res.Total {
		return fmt.Errorf("%d of %d tasks did not succeed", res.Total-res.Succeeded, res.Total)
	}
	return nil
}
