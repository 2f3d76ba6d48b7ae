package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/nworlds/internal/config"
)

// NewConfigCommand returns the parent of the config subcommands.
func NewConfigCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("config", "Manage configuration files.")
}

type ConfigInitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	global bool
	force  bool
}

// NewConfigInitCommand returns the config init command.
func NewConfigInitCommand(rootCmd *RootCommand, configCmd *kingpin.CmdClause) *ConfigInitCommand {
	c := &ConfigInitCommand{rootCmd: rootCmd}

	c.Cmd = configCmd.Command("init", "Write the default configuration to the project (or global) config file.")
	c.Cmd.Flag("global", "Write the global config file instead of the project one.").BoolVar(&c.global)
	c.Cmd.Flag("force", "Overwrite an existing file.").BoolVar(&c.force)

	return c
}

func (c ConfigInitCommand) Name() string { return c.Cmd.FullCommand() }

func (c ConfigInitCommand) Run(_ context.Context) error {
	path := config.ProjectPath(c.rootCmd.ProjectDir)
	if c.global {
		path = c.rootCmd.ConfigPath
	}

	_, err := os.Stat(path)
	switch {
	case err == nil && !c.force:
		return fmt.Errorf("%s already exists, use --force to overwrite it", path)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("could not check %s: %w", path, err)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return fmt.Errorf("could not write configuration: %w", err)
	}
	return c.rootCmd.printer(formatTable).PrintMessage("Wrote " + path)
}
