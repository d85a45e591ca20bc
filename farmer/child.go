package farmer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// Child is the process under test as seen by the farmer.
type Child interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Poll reports the exit code once the child has exited. It never blocks.
	Poll() (code int, exited bool)
	Kill() error
	Pid() int
}

// CommandLine prefixes command with wrapper, if any.
func CommandLine(command, wrapper []string) []string {
	out := make([]string, 0, len(wrapper)+len(command))
	out = append(out, wrapper...)
	out = append(out, command...)
	return out
}

// CheckExecutable verifies path names an executable regular file.
func CheckExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty command", schema.ErrTransportNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", schema.ErrTransportNotFound, path)
		}
		return fmt.Errorf("%w: %s: %v", schema.ErrTransportNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", schema.ErrTransportNotFound, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", schema.ErrTransportNotFound, path)
	}
	return nil
}

// ResolveExecutable looks a bare name (no directory part) up on PATH and
// checks the result with CheckExecutable. Paths are checked as given.
func ResolveExecutable(name string) (string, error) {
	path := name
	if name != "" && filepath.Base(name) == name {
		if found, err := exec.LookPath(name); err == nil {
			path = found
		}
	}
	if err := CheckExecutable(path); err != nil {
		return "", err
	}
	return path, nil
}

type execChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	reads sync.WaitGroup
	done  chan struct{}
	code  int
}

// StartProcess launches argv with env (nil inherits the caller's
// environment) and returns it as a Child. The executable is checked before
// any pipe is created.
func StartProcess(ctx context.Context, argv []string, env []string, dir string) (Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", schema.ErrTransportNotFound)
	}
	path, err := ResolveExecutable(argv[0])
	if err != nil {
		return nil, err
	}
	log := pslog.Ctx(ctx)
	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		if log != nil {
			log.Error("monkey start failed", "argv", argv, "err", err)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", schema.ErrTransportNotFound, argv[0], err)
		}
		return nil, err
	}

	child := &execChild{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	child.reads.Add(2)
	child.stdout = &eofReader{r: stdout, done: child.reads.Done}
	child.stderr = &eofReader{r: stderr, done: child.reads.Done}
	// Wait closes the pipes, so it only runs once both readers hit EOF.
	// This also guarantees every stdout line is queued before the exit is
	// observed.
	go func() {
		child.reads.Wait()
		child.code = exitCode(cmd.Wait())
		close(child.done)
	}()
	if log != nil {
		log.Info("monkey started", "pid", cmd.Process.Pid, "argv", argv, "env_inherited", env == nil)
	}
	return child, nil
}

func (c *execChild) Stdin() io.Writer  { return c.stdin }
func (c *execChild) Stdout() io.Reader { return c.stdout }
func (c *execChild) Stderr() io.Reader { return c.stderr }

func (c *execChild) Poll() (int, bool) {
	select {
	case <-c.done:
		return c.code, true
	default:
		return 0, false
	}
}

func (c *execChild) Kill() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if _, exited := c.Poll(); exited {
		return nil
	}
	_ = c.stdin.Close()
	return c.cmd.Process.Kill()
}

func (c *execChild) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// eofReader calls done exactly once, the first time Read returns an error.
type eofReader struct {
	r    io.Reader
	once sync.Once
	done func()
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(e.done)
	}
	return n, err
}
