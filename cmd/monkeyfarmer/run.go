package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/monkeyfarmer/browser"
	"pkt.systems/monkeyfarmer/farmer"
	"pkt.systems/monkeyfarmer/internal/eventbus"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var flags sessionFlags
	var redraw bool
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Launch the monkey, load each URL in a new window and quit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
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

			bcfg := browserConfig(cfg, bus)
			bcfg.Echo = cmd.ErrOrStderr()
			b, err := browser.New(ctx, bcfg)
			if err != nil {
				return err
			}
			defer b.Close()
			b.PassOptions(cfg.Options...)

			out := cmd.OutOrStdout()
			for _, url := range args {
				w, err := b.NewWindow(ctx, "")
				if err != nil {
					return err
				}
				if err := w.LoadPage(ctx, url, ""); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", w.ID(), w.PageState(), w.URL(), w.Title())
				if redraw {
					plots, err := w.Redraw(ctx)
					if err != nil {
						return err
					}
					for _, p := range plots {
						if text, ok := p.Text(); ok {
							fmt.Fprintf(out, "%s\ttext\t%s\n", w.ID(), text)
						}
					}
				}
			}

			if hold > 0 {
				if err := holdSession(ctx, b, hold); err != nil {
					return err
				}
			}

			stopped, err := b.QuitAndWait(ctx)
			if err != nil {
				return err
			}
			if !stopped && logger != nil {
				logger.Warn("monkey did not stop cleanly", "quit_timeout", cfg.Session.QuitTimeout())
			}
			return nil
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().BoolVar(&redraw, "redraw", false, "redraw each window and print the plotted text")
	cmd.Flags().DurationVar(&hold, "hold", 0, "keep the session running this long before quitting")
	return cmd
}

// holdSession runs the dispatch loop until d has elapsed.
func holdSession(ctx context.Context, b *browser.Browser, d time.Duration) error {
	done := false
	b.Farmer().Schedule(farmer.NewEvent("hold", func(*farmer.Farmer) { done = true }), farmer.After(d))
	for !done {
		if err := b.LoopOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}
