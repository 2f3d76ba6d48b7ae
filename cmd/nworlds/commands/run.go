package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/nworlds/internal/decision"
	"github.com/aristath/nworlds/internal/decompose"
	"github.com/aristath/nworlds/internal/phase"
	"github.com/aristath/nworlds/internal/speculative"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	planPath  string
	worlds    int
	threshold float64
	format    string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Drive the issue of a plan through every phase.")
	c.Cmd.Arg("plan", "Path to the YAML plan with the issue and its tasks.").Required().ExistingFileVar(&c.planPath)
	c.Cmd.Flag("worlds", "Worlds per task (0 uses the configuration).").IntVar(&c.worlds)
	c.Cmd.Flag("threshold", "Acceptance threshold (0 uses the configuration).").Float64Var(&c.threshold)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	plan, err := decompose.LoadPlan(c.planPath)
	if err != nil {
		return err
	}

	env, err := newEnvironment(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer env.close(ctx)

	cfg := env.cfg
	exec, err := speculative.New(env.poolConfig())
	if err != nil {
		return fmt.Errorf("could not create speculative executor: %w", err)
	}

	seq, err := phase.NewSequencer(phase.Config{
		Oracle: &decision.ThresholdOracle{
			NotifyAbove:   cfg.Decision.NotifyAbove,
			EscalateAbove: cfg.Decision.EscalateAbove,
			Delay:         cfg.Decision.NotifyDelay,
			Logger:        env.logger,
		},
		// The plan is read again after the decision, so edits made while a
		// notified human had the chance to intervene are picked up.
		Decomposer: decompose.FileDecomposer{Path: c.planPath},
		Executor:   exec,
		Runner:     env.runner,
		Preparer:   env.manager,
		Worlds:     orInt(c.worlds, cfg.Speculative.Worlds),
		Threshold:  orFloat(c.threshold, cfg.Speculative.Threshold),
		Bus:        env.bus,
		Logger:     env.logger,
	})
	if err != nil {
		return fmt.Errorf("could not create sequencer: %w", err)
	}

	var report *phase.Report
	err = env.run(ctx, func(ctx context.Context) error {
		r, err := seq.Execute(ctx, plan.Issue)
		report = r
		return err
	})
	if err != nil {
		return fmt.Errorf("could not execute issue %q: %w", plan.Issue.ID, err)
	}

	if err := c.rootCmd.printer(c.format).PrintReport(report); err != nil {
		return fmt.Errorf("could not print report: %w", err)
	}
	return nil
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
