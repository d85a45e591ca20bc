package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/pflag"

	"pkt.systems/monkeyfarmer/browser"
	"pkt.systems/monkeyfarmer/farmer"
	"pkt.systems/monkeyfarmer/internal/appconfig"
	"pkt.systems/monkeyfarmer/internal/eventbus"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// sessionFlags are shared by every command that launches a monkey.
type sessionFlags struct {
	configPath string
	binary     string
	wrapper    []string
	quiet      bool
	strict     bool
	transcript string
}

func (s *sessionFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&s.configPath, "config", "c", "", "path to config file")
	fs.StringVar(&s.binary, "monkey", "", "monkey binary (overrides config)")
	fs.StringSliceVar(&s.wrapper, "wrapper", nil, "command to run the monkey under, e.g. valgrind")
	fs.BoolVarP(&s.quiet, "quiet", "q", false, "do not echo the protocol discussion")
	fs.BoolVar(&s.strict, "strict", false, "fail on protocol violations")
	fs.StringVar(&s.transcript, "transcript", "", "write the protocol transcript to this file")
}

// load reads the config file and applies flag overrides.
func (s *sessionFlags) load() (appconfig.Config, error) {
	cfg, err := appconfig.Load(s.configPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if s.binary != "" {
		cfg.Monkey.Binary = s.binary
	}
	if len(s.wrapper) > 0 {
		cfg.Monkey.Wrapper = s.wrapper
	}
	if s.quiet {
		cfg.Session.Quiet = true
	}
	if s.strict {
		cfg.Session.StrictProtocol = true
	}
	return cfg, nil
}

// browserConfig converts the application config into a browser.Config.
func browserConfig(cfg appconfig.Config, sinks ...farmer.TranscriptSink) browser.Config {
	return browser.Config{
		Command:          cfg.Monkey.Command(),
		Wrapper:          cfg.Monkey.Wrapper,
		Env:              cfg.Monkey.Environ(),
		Dir:              cfg.Monkey.Dir,
		Quiet:            cfg.Session.Quiet,
		StartTimeout:     cfg.Session.StartTimeout(),
		QuitTimeout:      cfg.Session.QuitTimeout(),
		WaitTimeout:      cfg.Session.WaitTimeout(),
		StrictProtocol:   cfg.Session.StrictProtocol,
		PollInterval:     cfg.Session.PollInterval(),
		MaxScheduledWait: cfg.Session.MaxScheduledWait(),
		TranscriptLines:  cfg.Session.TranscriptLines,
		Sinks:            sinks,
	}
}

// transcriptWriter appends every bus entry to a file.
type transcriptWriter struct {
	cancel func()
	mu     sync.Mutex
	w      *bufio.Writer
	file   *os.File
	path   string
	log    pslog.Logger
	err    error
}

// startTranscript subscribes to every session on bus and appends each
// entry to path. An empty path returns a nil writer.
func startTranscript(ctx context.Context, bus *eventbus.Bus, path string) (*transcriptWriter, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	tw := &transcriptWriter{w: bufio.NewWriter(f), file: f, path: path, log: pslog.Ctx(ctx)}
	tw.cancel = bus.SubscribeFunc(eventbus.AllSessions, tw.write)
	return tw, nil
}

func (tw *transcriptWriter) write(entry schema.TranscriptEntry) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.err != nil {
		return
	}
	if _, err := fmt.Fprintf(tw.w, "%s %s %s\n", entry.At.Format("15:04:05.000"), entry.Session, entry); err != nil {
		tw.err = err
		if tw.log != nil {
			tw.log.Warn("transcript write failed", "path", tw.path, "err", err)
		}
	}
}

// Close stops the subscription, flushes and closes the file.
func (tw *transcriptWriter) Close() error {
	if tw == nil {
		return nil
	}
	tw.cancel()
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.w.Flush(); err != nil && tw.err == nil {
		tw.err = err
	}
	if err := tw.file.Close(); err != nil && tw.err == nil {
		tw.err = err
	}
	return tw.err
}
