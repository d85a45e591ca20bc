package main

import (
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/monkeyfarmer/internal/monkeymock"
)

func newMonkeyMockCmd() *cobra.Command {
	var opts monkeymock.Options
	cmd := &cobra.Command{
		Use:    "monkey-mock",
		Short:  "Speak the monkey protocol on stdio without a browser",
		Hidden: true,
		Args:   cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			env, err := monkeymock.OptionsFromEnv(os.Getenv)
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if !fs.Changed("exit-code") {
				opts.ExitCode = env.ExitCode
			}
			if !fs.Changed("crash-on") {
				opts.CrashOn = env.CrashOn
			}
			if !fs.Changed("noise") {
				opts.Noise = env.Noise
			}
			if !fs.Changed("no-start") {
				opts.NoStart = env.NoStart
			}
			if !fs.Changed("launch-url") {
				opts.LaunchURL = env.LaunchURL
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			code := monkeymock.Run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.ExitCode, "exit-code", 0, "exit status on QUIT or crash")
	cmd.Flags().StringVar(&opts.CrashOn, "crash-on", "", "exit as soon as a command with this verb arrives")
	cmd.Flags().BoolVar(&opts.Noise, "noise", false, "echo every command to stderr")
	cmd.Flags().BoolVar(&opts.NoStart, "no-start", false, "do not report GENERIC STARTED")
	cmd.Flags().StringVar(&opts.LaunchURL, "launch-url", "", "report this URL with GENERIC LAUNCH")
	return cmd
}
