// Package browser is the scripting surface of the monkey farmer. A Browser
// owns one farmer session and mirrors the monkey's windows and login
// prompts as they are reported over the protocol.
//
// All methods must be called from a single goroutine: the one that also
// runs the dispatch loop through the blocking helpers.
package browser

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"time"

	"pkt.systems/monkeyfarmer/farmer"
	"pkt.systems/monkeyfarmer/internal/clock"
	"pkt.systems/monkeyfarmer/internal/logx"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultStartTimeout bounds the wait for GENERIC STARTED.
	DefaultStartTimeout = time.Second
	// WindowsStartTimeout is used on Windows hosts.
	WindowsStartTimeout = 5 * time.Second
	// WrapperStartTimeout is used when the monkey runs under a wrapper.
	WrapperStartTimeout = 10 * time.Second
	// DefaultQuitTimeout bounds QuitAndWait.
	DefaultQuitTimeout = 5 * time.Second
	// DefaultDestroyTimeout bounds Window.WaitUntilDead when no timeout is given.
	DefaultDestroyTimeout = time.Second
)

// DefaultCommand is the monkey argv used when Config.Command is empty.
var DefaultCommand = []string{"./nsmonkey"}

// LoginReadyFunc is invoked whenever a routed login update leaves the login
// alive with username, password and realm all known.
type LoginReadyFunc func(ctx context.Context, l *Login) error

// Config controls a Browser.
type Config struct {
	Command []string
	Wrapper []string
	// Env is the monkey environment. Nil inherits the current environment.
	Env []string
	Dir string

	Quiet       bool
	Echo        io.Writer
	Diagnostics io.Writer

	// StartTimeout overrides the platform/wrapper dependent default.
	StartTimeout time.Duration
	QuitTimeout  time.Duration
	// WaitTimeout bounds the loading, redraw and log wait helpers. Zero
	// waits until the context is done.
	WaitTimeout time.Duration

	// StrictProtocol returns protocol violations to the caller instead of
	// logging and dropping them.
	StrictProtocol bool

	// LoginReady overrides the default handling of a ready login, which
	// is to destroy it.
	LoginReady LoginReadyFunc

	PollInterval     time.Duration
	MaxScheduledWait time.Duration
	TranscriptLines  int
	Clock            clock.Clock
	Sinks            []farmer.TranscriptSink
}

// Browser is the root of the entity tree.
type Browser struct {
	ctx    context.Context
	// active is the context of the innermost LoopOnce in progress. Hooks
	// run from dispatch receive it so they see the caller's cancellation.
	active context.Context
	farmer *farmer.Farmer
	log    pslog.Logger
	clock  clock.Clock

	windows     map[schema.WindowID]*Window
	windowOrder []schema.WindowID
	logins      map[schema.LoginID]*Login
	loginOrder  []schema.LoginID
	paintTarget *Window

	started   bool
	stopped   bool
	quitting  bool
	launchURL string

	strict      bool
	quitTimeout time.Duration
	waitTimeout time.Duration
	loginReady  LoginReadyFunc
	verbs       map[string]func(args []string) error
}

// New spawns the monkey and waits (bounded) for it to report STARTED. A
// missing executable fails with schema.ErrTransportNotFound before any I/O.
func New(ctx context.Context, cfg Config) (*Browser, error) {
	b := newBrowser(ctx, cfg)
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	fcfg := b.farmerConfig(cfg)
	fcfg.Command = command
	fcfg.Wrapper = cfg.Wrapper
	fcfg.Env = cfg.Env
	fcfg.Dir = cfg.Dir
	f, err := farmer.New(ctx, fcfg)
	if err != nil {
		return nil, err
	}
	b.attach(f)
	if err := b.waitStarted(ctx, startTimeout(cfg)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return b, nil
}

// Attach builds a Browser over an already running child. It does not wait
// for STARTED; use WaitStarted.
func Attach(ctx context.Context, child farmer.Child, cfg Config) *Browser {
	b := newBrowser(ctx, cfg)
	b.attach(farmer.Attach(ctx, child, b.farmerConfig(cfg)))
	return b
}

func newBrowser(ctx context.Context, cfg Config) *Browser {
	b := &Browser{
		ctx:         ctx,
		clock:       cfg.Clock,
		windows:     make(map[schema.WindowID]*Window),
		logins:      make(map[schema.LoginID]*Login),
		strict:      cfg.StrictProtocol,
		quitTimeout: cfg.QuitTimeout,
		waitTimeout: cfg.WaitTimeout,
		loginReady:  cfg.LoginReady,
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.quitTimeout <= 0 {
		b.quitTimeout = DefaultQuitTimeout
	}
	if b.loginReady == nil {
		b.loginReady = destroyLogin
	}
	b.verbs = map[string]func(args []string) error{
		schema.VerbGeneric: b.handleGeneric,
		schema.VerbWindow:  b.handleWindow,
		schema.VerbLogin:   b.handleLogin,
		schema.VerbPlot:    b.handlePlot,
	}
	return b
}

func (b *Browser) farmerConfig(cfg Config) farmer.Config {
	return farmer.Config{
		OnLine:           b.onLine,
		Quiet:            cfg.Quiet,
		Echo:             cfg.Echo,
		Diagnostics:      cfg.Diagnostics,
		PollInterval:     cfg.PollInterval,
		MaxScheduledWait: cfg.MaxScheduledWait,
		TranscriptLines:  cfg.TranscriptLines,
		Clock:            b.clock,
		Sinks:            cfg.Sinks,
	}
}

func (b *Browser) attach(f *farmer.Farmer) {
	b.farmer = f
	b.log = logx.WithSession(logx.Ctx(b.ctx), f.ID())
	if b.log != nil {
		b.ctx = logx.ContextWithSessionLogger(b.ctx, b.log, f.ID())
	} else {
		b.ctx = logx.ContextWithSession(b.ctx, f.ID())
	}
}

func startTimeout(cfg Config) time.Duration {
	switch {
	case cfg.StartTimeout > 0:
		return cfg.StartTimeout
	case len(cfg.Wrapper) > 0:
		return WrapperStartTimeout
	case runtime.GOOS == "windows":
		return WindowsStartTimeout
	default:
		return DefaultStartTimeout
	}
}

// WaitStarted loops until the monkey reports STARTED or timeout elapses.
// A timeout is not an error; Started reports the outcome.
func (b *Browser) WaitStarted(ctx context.Context, timeout time.Duration) error {
	return b.waitStarted(ctx, timeout)
}

func (b *Browser) waitStarted(ctx context.Context, timeout time.Duration) error {
	ok, err := b.waitFor(ctx, timeout, func() bool { return b.started })
	if err != nil {
		return err
	}
	if !ok && b.log != nil {
		b.log.Warn("monkey did not report started", "timeout", timeout)
	}
	return nil
}

// Farmer returns the underlying session.
func (b *Browser) Farmer() *farmer.Farmer { return b.farmer }

// Started reports whether GENERIC STARTED was seen.
func (b *Browser) Started() bool { return b.started }

// Stopped reports whether the monkey finished or exited cleanly.
func (b *Browser) Stopped() bool { return b.stopped }

// LaunchURL returns the URL from GENERIC LAUNCH, if any.
func (b *Browser) LaunchURL() string { return b.launchURL }

// PaintTarget returns the window currently capturing PLOT commands.
func (b *Browser) PaintTarget() *Window { return b.paintTarget }

// Window looks up a window by id, destroyed ones included.
func (b *Browser) Window(id schema.WindowID) (*Window, bool) {
	w, ok := b.windows[id]
	return w, ok
}

// Windows returns every known window in creation order.
func (b *Browser) Windows() []*Window {
	out := make([]*Window, 0, len(b.windowOrder))
	for _, id := range b.windowOrder {
		out = append(out, b.windows[id])
	}
	return out
}

// Login looks up a login window by id, destroyed ones included.
func (b *Browser) Login(id schema.LoginID) (*Login, bool) {
	l, ok := b.logins[id]
	return l, ok
}

// Logins returns every known login window in creation order.
func (b *Browser) Logins() []*Login {
	out := make([]*Login, 0, len(b.loginOrder))
	for _, id := range b.loginOrder {
		out = append(out, b.logins[id])
	}
	return out
}

// PassOptions sends OPTIONS with each option prefixed by "--".
func (b *Browser) PassOptions(opts ...string) {
	if len(opts) == 0 {
		return
	}
	args := make([]string, 0, len(opts)+1)
	args = append(args, schema.CmdOptions)
	for _, opt := range opts {
		args = append(args, "--"+strings.TrimLeft(opt, "-"))
	}
	b.farmer.Tell(args...)
}

// Quit asks the monkey to exit. A non-zero exit after Quit is not treated
// as unexpected.
func (b *Browser) Quit() {
	b.quitting = true
	b.farmer.Tell(schema.CmdQuit)
}

// QuitAndWait sends QUIT and loops until the monkey stops, exits, or the
// quit timeout elapses. It reports whether the monkey went away.
func (b *Browser) QuitAndWait(ctx context.Context) (bool, error) {
	b.Quit()
	deadline := b.clock.Now().Add(b.quitTimeout)
	for !b.stopped && b.clock.Now().Before(deadline) {
		err := b.LoopOnce(ctx)
		if errors.Is(err, schema.ErrSessionDead) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if _, exited := b.farmer.Child().Poll(); exited {
			return true, nil
		}
	}
	if !b.stopped && b.log != nil {
		b.log.Warn("monkey did not stop after quit", "timeout", b.quitTimeout)
	}
	return b.stopped, nil
}

// NewWindow asks for a new window, optionally opening url, and waits for
// the monkey to report it.
func (b *Browser) NewWindow(ctx context.Context, url string) (*Window, error) {
	if url == "" {
		b.farmer.Tell(schema.CmdWindow, schema.WindowNew)
	} else {
		b.farmer.Tell(schema.CmdWindow, schema.WindowNew, url)
	}
	known := len(b.windowOrder)
	if _, err := b.waitFor(ctx, 0, func() bool { return len(b.windowOrder) > known }); err != nil {
		return nil, err
	}
	return b.windows[b.windowOrder[known]], nil
}

// Close kills the monkey if still running and releases the readers.
func (b *Browser) Close() error {
	if b.farmer == nil {
		return nil
	}
	return b.farmer.Close()
}

func destroyLogin(ctx context.Context, l *Login) error {
	return l.Destroy(ctx)
}

// LoopOnce runs one iteration of the dispatch loop with ctx as the context
// handed to hooks that fire during it.
func (b *Browser) LoopOnce(ctx context.Context) error {
	prev := b.active
	b.active = ctx
	defer func() { b.active = prev }()
	return b.farmer.LoopOnce(ctx)
}

// hookCtx returns the context for a hook fired from dispatch: the caller's
// context while a LoopOnce is running, annotated with the session logger.
func (b *Browser) hookCtx() context.Context {
	if b.active == nil {
		return b.ctx
	}
	ctx := b.active
	if b.log != nil && logx.SessionFromContext(ctx) == "" {
		ctx = logx.ContextWithSessionLogger(ctx, b.log, b.farmer.ID())
	}
	return ctx
}
