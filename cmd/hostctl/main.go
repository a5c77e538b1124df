// Command hostctl provisions a single Linux VM for a containerized stack and
// deploys new versions of that stack.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/artpar/hostctl/internal/shell/remote"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// globalOptions apply to every command.
type globalOptions struct {
	Config  string `short:"c" long:"config" value-name:"FILE" description:"path to config file"`
	Verbose bool   `short:"v" long:"verbose" description:"log at debug level"`
}

// app is the state shared by all commands once configuration is loaded.
type app struct {
	ctx    context.Context
	opts   globalOptions
	cfg    *Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// usageError marks errors caused by configuration or command-line input.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{ctx: ctx, stdout: stdout, stderr: stderr}

	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "hostctl"
	parser.AddCommand("provision", "Prepare this host to run the application stack",
		"Installs the container runtime and orchestration tool, creates the application directory and installs the service unit, log rotation policy and deploy script. Safe to re-run.",
		&provisionCommand{app: a})
	parser.AddCommand("deploy", "Deploy the application stack",
		"Pulls images, restarts the stack, prunes unused images and waits for the application to report healthy.",
		&deployCommand{app: a})
	parser.AddCommand("history", "List recent deployments",
		"Prints recorded deployment attempts, newest first.",
		&historyCommand{app: a})
	parser.AddCommand("serve", "Run the deploy webhook server",
		"Serves POST /hooks/deploy so a CI system can trigger deployments.",
		&serveCommand{app: a})
	parser.AddCommand("ship", "Upload the stack to a VM and deploy it there",
		"Copies the stack files to the remote application directory over SSH and runs its deploy script.",
		&shipCommand{app: a})
	parser.AddCommand("version", "Print version and exit", "", &versionCommand{app: a})

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		if _, ok := cmd.(*versionCommand); !ok {
			if err := a.setup(); err != nil {
				return err
			}
		}
		return cmd.Execute(args)
	}

	_, err := parser.ParseArgs(args)
	return a.exitCode(err)
}

// setup loads configuration and the logger.
func (a *app) setup() error {
	cfg, err := LoadConfig(a.opts.Config)
	if err != nil {
		return &usageError{err: fmt.Errorf("configuration error: %w", err)}
	}
	if a.opts.Verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.logger = SetupLogger(cfg, a.stderr)
	a.logger.Debug("configuration loaded", "version", Version, "config", a.opts.Config)
	return nil
}

// exitCode reports err to the operator and maps it to a process exit code.
func (a *app) exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		if flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(a.stdout, flagsErr.Message)
			return ExitSuccess
		}
		fmt.Fprintln(a.stderr, flagsErr.Message)
		return ExitUsage
	}

	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(a.stderr, "hostctl: %v\n", usageErr.err)
		return ExitUsage
	}

	var remoteExit *remote.ExitError
	if errors.As(err, &remoteExit) && remoteExit.Status > 0 && remoteExit.Status < 256 {
		fmt.Fprintf(a.stderr, "hostctl: %v\n", err)
		return remoteExit.Status
	}

	fmt.Fprintf(a.stderr, "hostctl: %v\n", err)
	return ExitFailure
}

type versionCommand struct {
	app *app
}

func (c *versionCommand) Execute([]string) error {
	fmt.Fprintf(c.app.stdout, "hostctl %s (built %s)\n", Version, BuildTime)
	return nil
}
