package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/monkeyfarmer/browser"
	"pkt.systems/monkeyfarmer/farmer"
	"pkt.systems/monkeyfarmer/internal/appconfig"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured monkey starts and quits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if logger != nil {
				logger.Info("doctor start", "config", flags.configPath, "monkey", cfg.Monkey.Binary)
			}
			return runDoctor(ctx, cmd, cfg)
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, cfg appconfig.Config) error {
	out := cmd.OutOrStdout()
	logger := pslog.Ctx(ctx)

	argv := farmer.CommandLine(cfg.Monkey.Command(), cfg.Monkey.Wrapper)
	path, err := farmer.ResolveExecutable(argv[0])
	if err != nil {
		fmt.Fprintf(out, "executable\tFAIL\t%v\n", err)
		return err
	}
	fmt.Fprintf(out, "executable\tok\t%s\n", path)

	bcfg := browserConfig(cfg)
	bcfg.Quiet = true
	if bcfg.StartTimeout <= 0 {
		bcfg.StartTimeout = browser.WrapperStartTimeout
	}
	b, err := browser.New(ctx, bcfg)
	if err != nil {
		fmt.Fprintf(out, "start\tFAIL\t%v\n", err)
		return err
	}
	defer b.Close()
	if !b.Started() {
		fmt.Fprintf(out, "started\tFAIL\tno GENERIC STARTED\n")
		return errors.New("monkey did not report started")
	}
	fmt.Fprintf(out, "started\tok\tsession %s\n", b.Farmer().ID())
	if url := b.LaunchURL(); url != "" {
		fmt.Fprintf(out, "launch\tok\t%s\n", url)
	}

	stopped, err := b.QuitAndWait(ctx)
	if err != nil {
		fmt.Fprintf(out, "quit\tFAIL\t%v\n", err)
		return err
	}
	if !stopped {
		fmt.Fprintf(out, "quit\tFAIL\tno exit within %s\n", cfg.Session.QuitTimeout())
		return errors.New("monkey did not quit")
	}
	fmt.Fprintf(out, "quit\tok\texit %d\n", b.Farmer().ExitCode())
	if logger != nil {
		logger.Info("doctor complete", "session", b.Farmer().ID())
	}
	return nil
}
