// Package farmer drives a monkey (the browser under test) over its standard
// streams. Two goroutines read stdout and stderr; everything else, including
// protocol dispatch and scheduled callbacks, runs on the goroutine that calls
// LoopOnce or Run.
package farmer

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/monkeyfarmer/internal/clock"
	"pkt.systems/monkeyfarmer/internal/logx"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultPollInterval is the loop's sleep ceiling when nothing is scheduled.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultMaxScheduledWait caps the sleep when a callback is pending.
	DefaultMaxScheduledWait = 50 * time.Millisecond
	// DefaultExitGrace bounds how long a broken pipe waits for an exit code.
	DefaultExitGrace = 250 * time.Millisecond
)

// State is the lifecycle state of a session.
type State int

const (
	// StateRunning means the monkey is believed alive.
	StateRunning State = iota
	// StateDead is terminal: the monkey exited or its stdin broke.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// LineHandler receives each inbound line on the loop goroutine.
type LineHandler func(line string) error

// Config controls a farmer session.
type Config struct {
	// Command is the monkey argv. Wrapper, when set, is prepended.
	Command []string
	Wrapper []string
	// Env is the monkey environment. Nil inherits the current environment.
	Env []string
	Dir string

	// OnLine dispatches inbound lines.
	OnLine LineHandler

	// Quiet suppresses the >>> / <<< echo.
	Quiet bool
	// Echo receives the transcript echo (default os.Stdout).
	Echo io.Writer
	// Diagnostics receives the monkey's stderr (default os.Stderr).
	Diagnostics io.Writer

	PollInterval     time.Duration
	MaxScheduledWait time.Duration
	ExitGrace        time.Duration
	TranscriptLines  int

	Clock clock.Clock
	Sinks []TranscriptSink
}

// Farmer is one session with a monkey.
type Farmer struct {
	id     string
	child  Child
	onLine LineHandler
	log    pslog.Logger
	clock  clock.Clock

	echo  io.Writer
	diag  io.Writer
	quiet bool

	pollInterval     time.Duration
	maxScheduledWait time.Duration
	exitGrace        time.Duration

	inbound  *lineQueue
	outbound outboundBuffer
	sched    scheduler
	readers  sync.WaitGroup

	state      State
	exitCode   int
	transcript *transcript
	sinks      sinkFanout
	stopOnce   sync.Once
}

// New validates the executable, spawns the monkey and starts the readers.
func New(ctx context.Context, cfg Config) (*Farmer, error) {
	argv := CommandLine(cfg.Command, cfg.Wrapper)
	child, err := StartProcess(ctx, argv, cfg.Env, cfg.Dir)
	if err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Error("monkey launch failed", "argv", argv, "err", err)
		}
		return nil, err
	}
	return Attach(ctx, child, cfg), nil
}

// Attach runs a session over an already started child. Command, Wrapper,
// Env and Dir are ignored.
func Attach(ctx context.Context, child Child, cfg Config) *Farmer {
	id := uuid.NewString()
	f := &Farmer{
		id:               id,
		child:            child,
		onLine:           cfg.OnLine,
		log:              logx.WithSession(pslog.Ctx(ctx), id),
		clock:            cfg.Clock,
		echo:             cfg.Echo,
		diag:             cfg.Diagnostics,
		quiet:            cfg.Quiet,
		pollInterval:     cfg.PollInterval,
		maxScheduledWait: cfg.MaxScheduledWait,
		exitGrace:        cfg.ExitGrace,
		inbound:          newLineQueue(),
		transcript:       newTranscript(cfg.TranscriptLines),
		sinks:            sinkFanout(cfg.Sinks),
	}
	if f.clock == nil {
		f.clock = clock.Real()
	}
	if f.echo == nil {
		f.echo = os.Stdout
	}
	if f.diag == nil {
		f.diag = os.Stderr
	}
	if f.pollInterval <= 0 {
		f.pollInterval = DefaultPollInterval
	}
	if f.maxScheduledWait <= 0 {
		f.maxScheduledWait = DefaultMaxScheduledWait
	}
	if f.exitGrace <= 0 {
		f.exitGrace = DefaultExitGrace
	}
	f.readers.Add(2)
	go f.readStdout(child.Stdout())
	go f.readStderr(child.Stderr())
	if f.log != nil {
		f.log.Debug("farmer session attached", "pid", child.Pid())
	}
	return f
}

// ID returns the session id used in logs and transcript entries.
func (f *Farmer) ID() string { return f.id }

// State returns the current session state.
func (f *Farmer) State() State { return f.state }

// Dead reports whether the session reached StateDead.
func (f *Farmer) Dead() bool { return f.state == StateDead }

// ExitCode returns the code carried by the synthetic exit line. Only
// meaningful once Dead.
func (f *Farmer) ExitCode() int { return f.exitCode }

// Child exposes the underlying process.
func (f *Farmer) Child() Child { return f.child }

// Pending returns the number of queued inbound lines.
func (f *Farmer) Pending() int { return f.inbound.Len() }

// Transcript returns the last limit discussion entries (all when limit <= 0).
func (f *Farmer) Transcript(limit int) []schema.TranscriptEntry {
	return f.transcript.Snapshot(limit)
}

// Tell queues a command for the monkey. Arguments are joined with single
// spaces into one line. Commands are dropped once the session is dead.
func (f *Farmer) Tell(args ...string) {
	cmd := strings.Join(args, " ")
	if f.state == StateDead || f.outbound.Broken() {
		if f.log != nil {
			f.log.Debug("monkey command dropped", "cmd", cmd, "state", f.state.String())
		}
		return
	}
	f.record(schema.DirectionOut, cmd)
	f.outbound.Append(cmd)
}

// Schedule arranges for ev to fire when the deadline elapses. The same
// event may be scheduled more than once.
func (f *Farmer) Schedule(ev *Event, when When) {
	if ev == nil {
		return
	}
	deadline := when.deadline(f.clock.Now())
	f.sched.add(deadline, ev)
	if f.log != nil {
		f.log.Trace("farmer event scheduled", "event", ev.Name(), "deadline", deadline)
	}
}

// Unschedule removes every pending occurrence of ev.
func (f *Farmer) Unschedule(ev *Event) {
	if ev == nil {
		return
	}
	removed := f.sched.remove(ev)
	if removed > 0 && f.log != nil {
		f.log.Trace("farmer event unscheduled", "event", ev.Name(), "count", removed)
	}
}

// Scheduled returns the number of pending callbacks.
func (f *Farmer) Scheduled() int { return f.sched.len() }

// LoopOnce runs a single iteration of the dispatch loop and returns. It
// delivers at most one inbound line; the handler's error is returned as is.
// Once the session is dead and every queued line has been delivered it
// returns schema.ErrSessionDead.
func (f *Farmer) LoopOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delivered, err := f.deliver(); delivered || err != nil {
		return err
	}
	if f.state == StateDead {
		return schema.ErrSessionDead
	}
	f.sched.run(f.clock.Now(), f)
	if err := f.flush(ctx); err != nil {
		return err
	}
	if f.state == StateRunning {
		if code, exited := f.child.Poll(); exited {
			f.die(code, "exited")
		}
	}
	if delivered, err := f.deliver(); delivered || err != nil {
		return err
	}
	f.sleep(ctx)
	return nil
}

// Run loops until the session is dead and drained, ctx is done, or the
// dispatcher fails.
func (f *Farmer) Run(ctx context.Context) error {
	for {
		err := f.LoopOnce(ctx)
		if errors.Is(err, schema.ErrSessionDead) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close kills the monkey if it is still running and waits for the readers.
func (f *Farmer) Close() error {
	var err error
	f.stopOnce.Do(func() {
		if _, exited := f.child.Poll(); !exited {
			err = f.child.Kill()
		}
		f.readers.Wait()
		if f.log != nil {
			f.log.Debug("farmer session closed", "state", f.state.String())
		}
	})
	return err
}

func (f *Farmer) deliver() (bool, error) {
	line, ok := f.inbound.Pop()
	if !ok {
		return false, nil
	}
	f.record(schema.DirectionIn, line)
	if f.onLine == nil {
		return true, nil
	}
	return true, f.onLine(line)
}

func (f *Farmer) flush(ctx context.Context) error {
	brokenNow, err := f.outbound.Flush(f.child.Stdin())
	if err != nil {
		if f.log != nil {
			f.log.Error("monkey write failed", "err", err)
		}
		return err
	}
	if !brokenNow {
		return nil
	}
	if f.log != nil {
		f.log.Warn("monkey stdin broken", "err", schema.ErrTransportBroken)
	}
	f.die(f.awaitExitCode(ctx), "broken pipe")
	return nil
}

// awaitExitCode gives a child whose stdin just broke a short grace period
// to report its exit status.
func (f *Farmer) awaitExitCode(ctx context.Context) int {
	deadline := f.clock.Now().Add(f.exitGrace)
	for {
		if code, exited := f.child.Poll(); exited {
			return code
		}
		remaining := deadline.Sub(f.clock.Now())
		if remaining <= 0 {
			return -1
		}
		select {
		case <-ctx.Done():
			return -1
		case <-f.clock.After(min(remaining, f.pollInterval)):
		}
	}
}

// die moves the session to StateDead and injects the exit line. Only the
// first call has any effect.
func (f *Farmer) die(code int, reason string) {
	if f.state == StateDead {
		return
	}
	f.state = StateDead
	f.exitCode = code
	if f.log != nil {
		f.log.Info("monkey session dead", "reason", reason, "exit_code", code)
	}
	f.inbound.Push(schema.ExitLine(code))
}

func (f *Farmer) sleep(ctx context.Context) {
	timeout := f.pollInterval
	if next, ok := f.sched.next(); ok {
		timeout = min(next.Sub(f.clock.Now()), f.maxScheduledWait)
	}
	if timeout < 0 {
		timeout = 0
	}
	select {
	case <-ctx.Done():
	case <-f.inbound.Ready():
	case <-f.clock.After(timeout):
	}
}

func (f *Farmer) record(dir schema.Direction, text string) {
	entry := schema.TranscriptEntry{
		Session:   f.id,
		Direction: dir,
		Text:      text,
		At:        f.clock.Now(),
	}
	f.transcript.Append(entry)
	if !f.quiet && f.echo != nil {
		_, _ = io.WriteString(f.echo, entry.String()+"\n")
	}
	f.sinks.OnTranscript(entry)
}
