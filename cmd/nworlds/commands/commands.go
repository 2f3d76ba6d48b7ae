package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/nworlds/internal/config"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/printer"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"

	formatTable = "table"
	formatJSON  = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug       bool
	NoLog       bool
	NoColor     bool
	LoggerType  string
	ProjectDir  string
	ConfigPath  string
	StoreDriver string
	StoreDSN    string
	Telemetry   bool

	// Global instances.
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  log.Logger
	Version string
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger and output color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("project-dir", "Directory inside the git repository to work on.").Default(".").StringVar(&c.ProjectDir)
	app.Flag("config", "Path to the global configuration file.").Default(config.GlobalPath()).StringVar(&c.ConfigPath)
	app.Flag("store-driver", "Overrides the store driver (sqlite, postgres).").StringVar(&c.StoreDriver)
	app.Flag("store-dsn", "Overrides the store DSN.").StringVar(&c.StoreDSN)
	app.Flag("telemetry", "Export traces and metrics to stderr.").BoolVar(&c.Telemetry)

	return c
}

// loadConfig layers the global and project configuration and applies the
// global flag overrides.
func (c *RootCommand) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath, config.ProjectPath(c.ProjectDir))
	if err != nil {
		return nil, fmt.Errorf("could not load configuration: %w", err)
	}
	if c.StoreDriver != "" {
		cfg.Store.Driver = c.StoreDriver
	}
	if c.StoreDSN != "" {
		cfg.Store.DSN = c.StoreDSN
	}
	if c.Telemetry {
		cfg.Telemetry.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *RootCommand) printer(format string) printer.Printer {
	if format == formatJSON {
		return printer.NewJSONPrinter(c.Stdout)
	}
	return printer.NewTablePrinter(c.Stdout, !c.NoColor)
}

func formatFlag(cmd *kingpin.CmdClause, format *string) {
	cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(format, formatTable, formatJSON)
}
