package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/monkeyfarmer/internal/eventbus"
	"pkt.systems/monkeyfarmer/internal/persist"
	"pkt.systems/monkeyfarmer/internal/plan"
	"pkt.systems/pslog"
)

func newPlanCmd() *cobra.Command {
	var flags sessionFlags
	var validateOnly bool
	var reportDir string
	cmd := &cobra.Command{
		Use:   "plan <file>...",
		Short: "Run YAML test plans against the monkey",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)

			plans := make([]*plan.Plan, 0, len(args))
			for _, path := range args {
				p, err := plan.Load(path)
				if err != nil {
					return err
				}
				if p.Title == "" {
					p.Title = path
				}
				plans = append(plans, p)
			}
			out := cmd.OutOrStdout()
			if validateOnly {
				for i, p := range plans {
					fmt.Fprintf(out, "ok\t%s\t%d steps\n", args[i], len(p.Steps))
				}
				return nil
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			bus := eventbus.New(logger)
			tw, err := startTranscript(ctx, bus, flags.transcript)
			if err != nil {
				return err
			}
			defer func() {
				if err := tw.Close(); err != nil && logger != nil {
					logger.Warn("transcript close failed", "err", err)
				}
			}()

			var store *persist.Store
			if reportDir != "" {
				store, err = persist.NewStoreWithLogger(reportDir, logger)
				if err != nil {
					return err
				}
			}

			bcfg := browserConfig(cfg, bus)
			bcfg.Echo = cmd.ErrOrStderr()
			failed := 0
			for _, p := range plans {
				r := &plan.Runner{Browser: bcfg}
				started := time.Now()
				res, err := r.Run(ctx, p)
				if store != nil {
					if saveErr := store.Save(planReport(res, started, err)); saveErr != nil {
						return saveErr
					}
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL\t%s\t%d/%d\t%v\n", res.Title, res.Executed, res.Steps, err)
					continue
				}
				fmt.Fprintf(out, "PASS\t%s\t%d/%d\t%s\n", res.Title, res.Executed, res.Steps, res.Duration.Round(time.Millisecond))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans failed", failed, len(plans))
			}
			return nil
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "only parse and validate the plans")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "write a JSON report per plan into this directory")
	return cmd
}

func planReport(res plan.Result, started time.Time, err error) persist.Report {
	report := persist.Report{
		Plan:       res.Title,
		Group:      res.Group,
		Passed:     err == nil,
		Steps:      res.Steps,
		Executed:   res.Executed,
		StartedAt:  started.UTC(),
		DurationMS: res.Duration.Milliseconds(),
		Sessions:   res.Sessions,
		Transcript: persist.TranscriptLines(res.Transcript),
	}
	if err != nil {
		report.Failure = err.Error()
	}
	return report
}
