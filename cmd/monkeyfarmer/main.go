package main

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"pkt.systems/monkeyfarmer/internal/version"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		if !isMonkeyMockInvocation(args) {
			pslog.Ctx(ctx).With("err", err).Error("monkeyfarmer command failed")
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "monkeyfarmer",
		Short:         "Drive a NetSurf monkey over its stdio protocol",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logger := pslog.Ctx(cmd.Context()); logger != nil {
				logger.Debug("monkeyfarmer", "command", cmd.Name(), "version", version.Describe().String())
			}
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newMonkeyMockCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// exitCodeError carries a process exit code through cobra without logging.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

func argv0Alias(base string) string {
	switch base {
	case "monkey-mock", "nsmonkey-mock":
		return "monkey-mock"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}

func isMonkeyMockInvocation(args []string) bool {
	return len(args) > 1 && args[1] == "monkey-mock"
}
