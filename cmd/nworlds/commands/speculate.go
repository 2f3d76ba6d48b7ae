package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/ulid/v2"

	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/speculative"
)

type SpeculateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	description string
	taskID      string
	agent       string
	worlds      int
	threshold   float64
	format      string
}

// NewSpeculateCommand returns the speculate command.
func NewSpeculateCommand(rootCmd *RootCommand, app *kingpin.Application) *SpeculateCommand {
	c := &SpeculateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("speculate", "Run one task in several worlds and accept it by confidence.")
	c.Cmd.Arg("description", "What the agent has to do.").Required().StringVar(&c.description)
	c.Cmd.Flag("id", "Task id (default: generated).").StringVar(&c.taskID)
	c.Cmd.Flag("agent", "Agent running the task (default: the configured default agent).").StringVar(&c.agent)
	c.Cmd.Flag("worlds", "Number of worlds (0 uses the configuration).").IntVar(&c.worlds)
	c.Cmd.Flag("threshold", "Acceptance threshold (0 uses the configuration).").Float64Var(&c.threshold)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c SpeculateCommand) Name() string { return c.Cmd.FullCommand() }

func (c SpeculateCommand) Run(ctx context.Context) error {
	env, err := newEnvironment(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer env.close(ctx)

	exec, err := speculative.New(env.poolConfig())
	if err != nil {
		return fmt.Errorf("could not create speculative executor: %w", err)
	}

	task := pool.Task{
		ID:          c.taskID,
		Description: c.description,
		AgentKind:   c.agent,
	}
	if task.ID == "" {
		task.ID = "task-" + ulid.Make().String()
	}

	var res *speculative.Result
	err = env.run(ctx, func(ctx context.Context) error {
		r, err := exec.Run(ctx, task,
			orInt(c.worlds, env.cfg.Speculative.Worlds),
			orFloat(c.threshold, env.cfg.Speculative.Threshold),
			env.runner)
		res = r
		return err
	})
	if err != nil {
		return fmt.Errorf("could not speculate on task %q: %w", task.ID, err)
	}

	if err := c.rootCmd.printer(c.format).PrintSpeculative(res); err != nil {
		return fmt.Errorf("could not print result: %w", err)
	}
	if !res.OverallSuccess {
		return fmt.Errorf("task %q rejected with confidence %.2f", task.ID, res.Confidence)
	}
	return nil
}
