package farmer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/monkeyfarmer/internal/clock"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

func TestScheduledCallbacksFireInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	type firing struct {
		name     string
		at       time.Time
		deadline time.Time
	}
	var fired []firing
	schedule := func(name string, d time.Duration) {
		deadline := start.Add(d)
		f.Schedule(NewEvent(name, func(f *Farmer) {
			fired = append(fired, firing{name: name, at: clk.Now(), deadline: deadline})
		}), At(deadline))
	}
	schedule("c", 30*time.Millisecond)
	schedule("a", 10*time.Millisecond)
	schedule("b1", 20*time.Millisecond)
	schedule("b2", 20*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 50 && len(fired) < 4; i++ {
		if err := f.LoopOnce(ctx); err != nil {
			t.Fatalf("LoopOnce: %v", err)
		}
	}
	want := []string{"a", "b1", "b2", "c"}
	if len(fired) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(fired), len(want))
	}
	for i, got := range fired {
		if got.name != want[i] {
			t.Fatalf("callback %d = %s, want %s", i, got.name, want[i])
		}
		if got.at.Before(got.deadline) {
			t.Fatalf("callback %s fired at %v before its deadline %v", got.name, got.at, got.deadline)
		}
		if i > 0 && got.deadline.Before(fired[i-1].deadline) {
			t.Fatalf("callback %s fired out of deadline order", got.name)
		}
	}
	if f.Scheduled() != 0 {
		t.Fatalf("expected empty schedule, got %d", f.Scheduled())
	}
}

func TestUnscheduleRemovesEveryOccurrence(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	calls := 0
	ev := NewEvent("tick", func(*Farmer) { calls++ })
	f.Schedule(ev, After(5*time.Millisecond))
	f.Schedule(ev, After(15*time.Millisecond))
	f.Unschedule(ev)
	f.Unschedule(ev)

	for i := 0; i < 10; i++ {
		if err := f.LoopOnce(context.Background()); err != nil {
			t.Fatalf("LoopOnce: %v", err)
		}
	}
	if calls != 0 {
		t.Fatalf("unscheduled callback fired %d times", calls)
	}
}

func TestCallbackCanUnscheduleLaterEntryInSameBatch(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.Fake(start)
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	victimCalls := 0
	victim := NewEvent("victim", func(*Farmer) { victimCalls++ })
	killer := NewEvent("killer", func(f *Farmer) { f.Unschedule(victim) })
	f.Schedule(killer, At(start.Add(time.Millisecond)))
	f.Schedule(victim, At(start.Add(2*time.Millisecond)))

	clk.Advance(time.Second)
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if victimCalls != 0 {
		t.Fatalf("victim fired after being unscheduled")
	}
}

func TestCallbackSchedulingWorkRunsOnLaterIteration(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.Fake(start)
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	followUps := 0
	followUp := NewEvent("follow-up", func(*Farmer) { followUps++ })
	f.Schedule(NewEvent("first", func(f *Farmer) {
		f.Schedule(followUp, After(0))
	}), After(0))

	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if followUps != 0 {
		t.Fatalf("follow-up fired in the same iteration")
	}
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if followUps != 1 {
		t.Fatalf("follow-up fired %d times, want 1", followUps)
	}
}

func TestSleepIsBoundedByNextDeadline(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.Fake(start)
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	f.Schedule(NewEvent("soon", func(*Farmer) {}), After(3*time.Millisecond))
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	waits := clk.Waits()
	if len(waits) != 1 || waits[0] != 3*time.Millisecond {
		t.Fatalf("expected a single 3ms wait, got %v", waits)
	}
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	waits = clk.Waits()
	if got := waits[len(waits)-1]; got != DefaultPollInterval {
		t.Fatalf("expected idle wait of %v, got %v", DefaultPollInterval, got)
	}
}

func TestNestedLoopKeepsSchedulerRunning(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.Fake(start)
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	innerFired := false
	siblingCalls := 0
	siblingDuringWait := -1
	inner := NewEvent("inner", func(*Farmer) { innerFired = true })
	outer := NewEvent("outer", func(f *Farmer) {
		f.Schedule(inner, After(10*time.Millisecond))
		for i := 0; i < 10 && !innerFired; i++ {
			if err := f.LoopOnce(context.Background()); err != nil {
				t.Errorf("nested LoopOnce: %v", err)
				return
			}
		}
		siblingDuringWait = siblingCalls
	})
	f.Schedule(outer, After(0))
	f.Schedule(NewEvent("sibling", func(*Farmer) { siblingCalls++ }), After(0))

	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if !innerFired {
		t.Fatalf("event scheduled by a waiting callback never fired")
	}
	if siblingDuringWait != 0 {
		t.Fatalf("sibling from the outer batch fired %d times inside the nested wait", siblingDuringWait)
	}
	if siblingCalls != 1 {
		t.Fatalf("sibling fired %d times, want 1", siblingCalls)
	}
	slept := false
	for _, w := range clk.Waits() {
		if w == 10*time.Millisecond {
			slept = true
		}
	}
	if !slept {
		t.Fatalf("nested wait did not sleep until the inner deadline, waits %v", clk.Waits())
	}
}

func TestNestedLoopUnscheduleReachesOuterBatch(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.Fake(start)
	child := newPipeChild()
	defer child.close()
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clk})

	victimCalls := 0
	victim := NewEvent("victim", func(*Farmer) { victimCalls++ })
	killer := NewEvent("killer", func(f *Farmer) { f.Unschedule(victim) })
	f.Schedule(NewEvent("outer", func(f *Farmer) {
		f.Schedule(killer, After(0))
		if err := f.LoopOnce(context.Background()); err != nil {
			t.Errorf("nested LoopOnce: %v", err)
		}
	}), After(0))
	f.Schedule(victim, After(0))

	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if victimCalls != 0 {
		t.Fatalf("victim unscheduled by a nested callback still fired")
	}
}

func TestTellFlushesOneLinePerCommand(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	var echo bytes.Buffer
	f := Attach(context.Background(), child, Config{Echo: &echo, Clock: clock.Fake(time.Unix(0, 0))})

	f.Tell("WINDOW", "NEW")
	f.Tell("WINDOW GO win1 http://example.com/")
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if got, want := child.stdin.String(), "WINDOW NEW\nWINDOW GO win1 http://example.com/\n"; got != want {
		t.Fatalf("stdin = %q, want %q", got, want)
	}
	if !strings.Contains(echo.String(), ">>> WINDOW NEW\n") {
		t.Fatalf("expected echo of command, got %q", echo.String())
	}
	entries := f.Transcript(0)
	if len(entries) != 2 || entries[0].Direction != schema.DirectionOut || entries[0].Text != "WINDOW NEW" {
		t.Fatalf("unexpected transcript: %+v", entries)
	}
}

func TestPartialWriteKeepsRemainder(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	child.stdin.limit = 4
	child.stdin.limitErr = io.ErrShortWrite
	f := Attach(context.Background(), child, Config{Quiet: true, Clock: clock.Fake(time.Unix(0, 0))})

	f.Tell("QUIT")
	if err := f.LoopOnce(context.Background()); !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected short write error, got %v", err)
	}
	if got := child.stdin.String(); got != "QUIT" {
		t.Fatalf("stdin after partial write = %q", got)
	}
	child.stdin.limit = 0
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if got := child.stdin.String(); got != "QUIT\n" {
		t.Fatalf("stdin after second flush = %q", got)
	}
	if f.Dead() {
		t.Fatalf("a short write must not kill the session")
	}
}

func TestBrokenPipeDiesOnceAndSynthesizesExit(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	child.stdin.err = io.ErrClosedPipe
	child.exit(3)

	var lines []string
	f := Attach(context.Background(), child, Config{
		Quiet: true,
		Clock: clock.Fake(time.Unix(0, 0)),
		OnLine: func(line string) error {
			lines = append(lines, line)
			return nil
		},
	})

	f.Tell("WINDOW", "NEW")
	ctx := context.Background()
	if err := f.LoopOnce(ctx); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if f.State() != StateDead {
		t.Fatalf("expected dead session, got %s", f.State())
	}
	f.Tell("QUIT")
	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = f.LoopOnce(ctx)
	}
	if !errors.Is(err, schema.ErrSessionDead) {
		t.Fatalf("expected ErrSessionDead, got %v", err)
	}
	exits := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "GENERIC EXIT") {
			exits++
			if line != "GENERIC EXIT 3" {
				t.Fatalf("unexpected exit line %q", line)
			}
		}
	}
	if exits != 1 {
		t.Fatalf("expected exactly one synthetic exit line, got %d (%v)", exits, lines)
	}
	if child.stdin.writes != 1 {
		t.Fatalf("expected a single write attempt, got %d", child.stdin.writes)
	}
}

func TestBrokenPipeWithoutExitUsesUnknownCode(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	child.stdin.err = io.ErrClosedPipe

	var lines []string
	f := Attach(context.Background(), child, Config{
		Quiet: true,
		Clock: clock.Fake(time.Unix(0, 0)),
		OnLine: func(line string) error {
			lines = append(lines, line)
			return nil
		},
	})
	f.Tell("QUIT")
	if err := f.LoopOnce(context.Background()); err != nil {
		t.Fatalf("LoopOnce: %v", err)
	}
	if len(lines) != 1 || lines[0] != "GENERIC EXIT -1" {
		t.Fatalf("unexpected lines %v", lines)
	}
	if f.ExitCode() != -1 {
		t.Fatalf("ExitCode = %d", f.ExitCode())
	}
}

func TestChildExitInjectsExitLineOnce(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	child.exit(0)

	var lines []string
	f := Attach(context.Background(), child, Config{
		Quiet: true,
		Clock: clock.Fake(time.Unix(0, 0)),
		OnLine: func(line string) error {
			lines = append(lines, line)
			return nil
		},
	})
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(lines) != 1 || lines[0] != "GENERIC EXIT 0" {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestHandlerErrorIsReturned(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	child.exit(1)
	boom := errors.New("boom")
	f := Attach(context.Background(), child, Config{
		Quiet:  true,
		Clock:  clock.Fake(time.Unix(0, 0)),
		OnLine: func(string) error { return boom },
	})
	if err := f.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestLinesAreDeliveredInOrder(t *testing.T) {
	child := newPipeChild()
	defer child.close()

	var got []string
	f := Attach(context.Background(), child, Config{
		Quiet: true,
		OnLine: func(line string) error {
			got = append(got, line)
			return nil
		},
	})

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		want = append(want, fmt.Sprintf("WINDOW SET_STATUS WIN w1 STR line %d", i))
	}
	go func() {
		for _, line := range want {
			_, _ = io.WriteString(child.stdoutW, line+"\n")
		}
		_ = child.stdoutW.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(got) < len(want) {
		if err := f.LoopOnce(ctx); err != nil {
			t.Fatalf("LoopOnce: %v", err)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStderrGoesToDiagnostics(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	diag := &syncBuffer{}
	f := Attach(context.Background(), child, Config{Quiet: true, Diagnostics: diag})

	_, _ = io.WriteString(child.stderrW, "warning: something\n")
	_ = child.stderrW.Close()
	_ = child.stdoutW.Close()
	f.readers.Wait()
	if got := diag.String(); got != "warning: something\n" {
		t.Fatalf("diagnostics = %q", got)
	}
	if f.Pending() != 0 {
		t.Fatalf("stderr lines must not reach the inbound queue")
	}
}

func TestDecodeLineReplacesInvalidUTF8(t *testing.T) {
	line, ok := decodeLine([]byte{'a', 0xff, 'b'})
	if ok {
		t.Fatalf("expected decode failure to be reported")
	}
	if line != "a�b" {
		t.Fatalf("decoded = %q", line)
	}
	line, ok = decodeLine([]byte("héllo"))
	if !ok || line != "héllo" {
		t.Fatalf("valid utf-8 decoded to %q (ok=%v)", line, ok)
	}
}

func TestReadStdoutWarnsOnInvalidUTF8(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	logs := &syncBuffer{}
	ctx := pslog.ContextWithLogger(context.Background(), pslog.NewWithOptions(logs, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.TraceLevel,
	}))
	f := Attach(ctx, child, Config{Quiet: true})

	_, _ = child.stdoutW.Write([]byte{'a', 0xff, 'b', '\n'})
	_ = child.stdoutW.Close()
	_ = child.stderrW.Close()
	f.readers.Wait()

	line, ok := f.inbound.Pop()
	if !ok || line != "a\uFFFDb" {
		t.Fatalf("queued line = %q (ok=%v), want replacement character", line, ok)
	}
	out := logs.String()
	if !strings.Contains(out, "monkey line is not valid utf-8") || !strings.Contains(out, "stdout") {
		t.Fatalf("expected decode warning for stdout, got %q", out)
	}
}

func TestResolveExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fakemonkey")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("PATH", dir)

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "bare name on PATH", in: "fakemonkey", want: script},
		{name: "absolute path", in: script, want: script},
		{name: "bare name missing", in: "nosuchmonkey", wantErr: schema.ErrTransportNotFound},
		{name: "relative path missing", in: "./fakemonkey", wantErr: schema.ErrTransportNotFound},
		{name: "empty", in: "", wantErr: schema.ErrTransportNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveExecutable(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ResolveExecutable(%q) error = %v, want %v", tc.in, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveExecutable(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ResolveExecutable(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestStartProcessFindsBareNameOnPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fakemonkey")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("PATH", dir)

	child, err := StartProcess(context.Background(), []string{"fakemonkey"}, nil, "")
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	go func() { _, _ = io.Copy(io.Discard, child.Stdout()) }()
	go func() { _, _ = io.Copy(io.Discard, child.Stderr()) }()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if code, exited := child.Poll(); exited {
			if code != 3 {
				t.Fatalf("exit code = %d, want 3", code)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = child.Kill()
	t.Fatalf("child did not exit")
}

func TestTranscriptTrimsOldest(t *testing.T) {
	tr := newTranscript(2)
	for i := 0; i < 3; i++ {
		tr.Append(schema.TranscriptEntry{Direction: schema.DirectionIn, Text: fmt.Sprint(i)})
	}
	snap := tr.Snapshot(0)
	if len(snap) != 2 || snap[0].Text != "1" || snap[1].Text != "2" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if last := tr.Snapshot(1); len(last) != 1 || last[0].Text != "2" {
		t.Fatalf("unexpected limited snapshot %+v", last)
	}
}

func TestSinksReceiveTranscript(t *testing.T) {
	child := newPipeChild()
	defer child.close()
	sink := &recordingSink{}
	f := Attach(context.Background(), child, Config{Quiet: true, Sinks: []TranscriptSink{nil, sink}})
	f.Tell("QUIT")
	if len(sink.entries) != 1 || sink.entries[0].Session != f.ID() {
		t.Fatalf("unexpected sink entries %+v", sink.entries)
	}
}

func TestCommandLinePrependsWrapper(t *testing.T) {
	got := CommandLine([]string{"./nsmonkey", "--verbose"}, []string{"valgrind", "-q"})
	want := []string{"valgrind", "-q", "./nsmonkey", "--verbose"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("CommandLine = %v, want %v", got, want)
	}
}

type recordingSink struct {
	entries []schema.TranscriptEntry
}

func (s *recordingSink) OnTranscript(entry schema.TranscriptEntry) {
	s.entries = append(s.entries, entry)
}

// pipeChild is an in-process Child. Stdout and stderr are pipes the test
// writes into; stdin records what the farmer flushed.
type pipeChild struct {
	stdin   *recordingWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu     sync.Mutex
	exited bool
	code   int
}

func newPipeChild() *pipeChild {
	c := &pipeChild{stdin: &recordingWriter{}}
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

func (c *pipeChild) Stdin() io.Writer  { return c.stdin }
func (c *pipeChild) Stdout() io.Reader { return c.stdoutR }
func (c *pipeChild) Stderr() io.Reader { return c.stderrR }
func (c *pipeChild) Pid() int          { return 4242 }

func (c *pipeChild) Poll() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.exited
}

func (c *pipeChild) Kill() error {
	c.exit(-1)
	return nil
}

func (c *pipeChild) exit(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exited {
		c.exited = true
		c.code = code
	}
}

func (c *pipeChild) close() {
	_ = c.stdoutW.Close()
	_ = c.stderrW.Close()
}

type recordingWriter struct {
	buf      bytes.Buffer
	err      error
	limit    int
	limitErr error
	writes   int
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.err != nil {
		return 0, w.err
	}
	if w.limit > 0 && len(p) > w.limit {
		n, _ := w.buf.Write(p[:w.limit])
		return n, w.limitErr
	}
	return w.buf.Write(p)
}

func (w *recordingWriter) String() string {
	return w.buf.String()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
