package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/monkeyfarmer/internal/appconfig"
	"pkt.systems/pslog"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the monkeyfarmer config file",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var path string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			written, err := appconfig.WriteDefault(path, overwrite)
			if err != nil {
				return err
			}
			if logger != nil {
				logger.Info("config wrote", "path", written)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "output", "o", "", "config path (default ~/.monkeyfarmer/config.yaml)")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective monkey command line and session settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			bcfg := browserConfig(cfg)
			fmt.Fprintf(out, "command\t%v\n", bcfg.Command)
			fmt.Fprintf(out, "wrapper\t%v\n", bcfg.Wrapper)
			fmt.Fprintf(out, "dir\t%s\n", bcfg.Dir)
			fmt.Fprintf(out, "inherit_env\t%t\n", cfg.Monkey.InheritEnv)
			fmt.Fprintf(out, "options\t%v\n", cfg.Options)
			fmt.Fprintf(out, "start_timeout\t%s\n", bcfg.StartTimeout)
			fmt.Fprintf(out, "quit_timeout\t%s\n", bcfg.QuitTimeout)
			fmt.Fprintf(out, "wait_timeout\t%s\n", bcfg.WaitTimeout)
			fmt.Fprintf(out, "poll_interval\t%s\n", bcfg.PollInterval)
			fmt.Fprintf(out, "max_scheduled_wait\t%s\n", bcfg.MaxScheduledWait)
			fmt.Fprintf(out, "strict_protocol\t%t\n", bcfg.StrictProtocol)
			fmt.Fprintf(out, "quiet\t%t\n", bcfg.Quiet)
			return nil
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}
