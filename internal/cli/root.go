// Package cli is the ytgate command line: the server, local downloads and an
// admin client for a running server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lvcoi/ytgate/internal/app"
)

type Config struct {
	Out io.Writer
	Err io.Writer
}

func DefaultConfig() Config {
	return Config{Out: os.Stdout, Err: os.Stderr}
}

// runtimeState carries the persistent flags to subcommands.
type runtimeState struct {
	envFiles []string
	logLevel string
	out      io.Writer
	errOut   io.Writer
}

// exitError asks Execute for a specific process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{out: cfg.Out, errOut: cfg.Err}
	if rt.out == nil {
		rt.out = os.Stdout
	}
	if rt.errOut == nil {
		rt.errOut = os.Stderr
	}

	root := &cobra.Command{
		Use:           "ytgate",
		Short:         "YouTube download gateway with an IP abuse governor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(rt.out)
	root.SetErr(rt.errOut)

	root.PersistentFlags().StringSliceVar(&rt.envFiles, "env-file", nil, "env file(s) to load before the environment (default .env if present)")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "log level override: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(rt),
		newInfoCommand(rt),
		newDownloadCommand(rt),
		newAdminCommand(rt),
	)
	return root
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := DefaultConfig()
	root := NewRootCommand(cfg)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return app.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(cfg.Err, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(cfg.Err, "error: %v\n", err)
	if ctx.Err() != nil {
		return app.ExitInterrupted
	}
	return app.ExitFailure
}
