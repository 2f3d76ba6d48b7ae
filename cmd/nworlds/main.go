package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/aristath/nworlds/cmd/nworlds/commands"
	"github.com/aristath/nworlds/internal/log"
	loglogrus "github.com/aristath/nworlds/internal/log/logrus"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	// Values from a .env file become defaults for the NWORLDS_* flag envars.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not load .env file: %w", err)
	}

	app := kingpin.New("nworlds", "Run coding agents in parallel git worktree sandboxes.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)
	rootCmd.Version = Version

	// Setup commands (registers flags).
	runCmd := commands.NewRunCommand(rootCmd, app)
	batchCmd := commands.NewBatchCommand(rootCmd, app)
	speculateCmd := commands.NewSpeculateCommand(rootCmd, app)
	statusCmd := commands.NewStatusCommand(rootCmd, app)

	// Sandbox subcommands share a parent command.
	sandboxCmd := commands.NewSandboxCommand(app)
	sandboxListCmd := commands.NewSandboxListCommand(rootCmd, sandboxCmd)
	sandboxRmCmd := commands.NewSandboxRmCommand(rootCmd, sandboxCmd)
	sandboxPruneCmd := commands.NewSandboxPruneCommand(rootCmd, sandboxCmd)

	// Config subcommands share a parent command.
	configCmd := commands.NewConfigCommand(app)
	configInitCmd := commands.NewConfigInitCommand(rootCmd, configCmd)

	cmds := map[string]commands.Command{
		runCmd.Name():          runCmd,
		batchCmd.Name():        batchCmd,
		speculateCmd.Name():    speculateCmd,
		statusCmd.Name():       statusCmd,
		sandboxListCmd.Name():  sandboxListCmd,
		sandboxRmCmd.Name():    sandboxRmCmd,
		sandboxPruneCmd.Name(): sandboxPruneCmd,
		configInitCmd.Name():   configInitCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Commands that only print would get their output mixed with logs.
	printerCommands := map[string]bool{
		"status":       true,
		"sandbox list": true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(*rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Infof("Termination signal received, stopping")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // Stdout is left to the printers.
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled")

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
