// Package monkeymock is a scripted stand-in for nsmonkey. It speaks the
// monkey side of the line protocol on the given streams and is used by the
// monkey-mock subcommand and by end-to-end tests.
package monkeymock

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvEnable    = "MONKEYFARMER_MOCK"
	EnvExitCode  = "MONKEYFARMER_MOCK_EXIT_CODE"
	EnvCrashOn   = "MONKEYFARMER_MOCK_CRASH_ON"
	EnvNoise     = "MONKEYFARMER_MOCK_NOISE"
	EnvNoStart   = "MONKEYFARMER_MOCK_NO_START"
	EnvLaunchURL = "MONKEYFARMER_MOCK_LAUNCH_URL"
)

// Options shape the mock's behaviour.
type Options struct {
	// ExitCode is returned after QUIT or when stdin closes.
	ExitCode int
	// CrashOn makes the mock exit immediately, with ExitCode or 1, when a
	// command starting with this token arrives.
	CrashOn string
	// Noise echoes every received command to stderr.
	Noise bool
	// NoStart suppresses GENERIC STARTED.
	NoStart bool
	// LaunchURL, when set, is announced with GENERIC LAUNCH.
	LaunchURL string
}

// OptionsFromEnv reads Options from the MONKEYFARMER_MOCK_* variables.
func OptionsFromEnv(getenv func(string) string) (Options, error) {
	opts := Options{
		CrashOn:   getenv(EnvCrashOn),
		Noise:     truthy(getenv(EnvNoise)),
		NoStart:   truthy(getenv(EnvNoStart)),
		LaunchURL: getenv(EnvLaunchURL),
	}
	if raw := getenv(EnvExitCode); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return Options{}, fmt.Errorf("invalid %s: %w", EnvExitCode, err)
		}
		opts.ExitCode = code
	}
	return opts, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type window struct {
	id    string
	url   string
	title string
}

type login struct {
	id       string
	window   *window
	url      string
	username string
	password string
}

type monkey struct {
	opts    Options
	out     *bufio.Writer
	errw    io.Writer
	windows map[string]*window
	logins  map[string]*login
	nextWin int
	nextLog int
}

// Run plays the monkey until QUIT, stdin EOF, a crash trigger, or ctx
// cancellation, and returns the process exit code.
func Run(ctx context.Context, opts Options, stdin io.Reader, stdout, stderr io.Writer) int {
	m := &monkey{
		opts:    opts,
		out:     bufio.NewWriter(stdout),
		errw:    stderr,
		windows: make(map[string]*window),
		logins:  make(map[string]*login),
	}
	defer func() { _ = m.out.Flush() }()

	if !opts.NoStart {
		m.emit("GENERIC STARTED")
	}
	if opts.LaunchURL != "" {
		m.emit("GENERIC LAUNCH URL %s", opts.LaunchURL)
	}
	if err := m.out.Flush(); err != nil {
		return 1
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return opts.ExitCode
		case line, ok := <-lines:
			if !ok {
				return opts.ExitCode
			}
			if opts.Noise {
				_, _ = fmt.Fprintf(m.errw, "mock monkey: %s\n", line)
			}
			done, code := m.command(line)
			if err := m.out.Flush(); err != nil {
				return 1
			}
			if done {
				return code
			}
		}
	}
}

func (m *monkey) emit(format string, args ...any) {
	_, _ = fmt.Fprintf(m.out, format+"\n", args...)
}

func (m *monkey) command(line string) (bool, int) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, 0
	}
	if m.opts.CrashOn != "" && parts[0] == m.opts.CrashOn {
		if m.opts.ExitCode != 0 {
			return true, m.opts.ExitCode
		}
		return true, 1
	}
	switch parts[0] {
	case "QUIT":
		m.emit("GENERIC FINISHED")
		return true, m.opts.ExitCode
	case "OPTIONS":
	case "WINDOW":
		m.windowCommand(parts[1:])
	case "LOGIN":
		m.loginCommand(parts[1:])
	default:
		_, _ = fmt.Fprintf(m.errw, "mock monkey: unknown command %q\n", parts[0])
	}
	return false, 0
}

func (m *monkey) windowCommand(args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "NEW":
		m.nextWin++
		w := &window{id: fmt.Sprintf("win%d", m.nextWin)}
		m.windows[w.id] = w
		m.emit("WINDOW NEW WIN %s FOR c%d EXISTING PLACEHOLDER NEWTAB FALSE CLONE FALSE", w.id, m.nextWin)
		m.emit("WINDOW SIZE WIN %s WIDTH 800 HEIGHT 600", w.id)
		if len(args) > 1 {
			m.navigate(w, args[1])
		}
	case "GO":
		if w := m.window(args, 1); w != nil && len(args) > 2 {
			m.navigate(w, args[2])
		}
	case "STOP":
		if w := m.window(args, 1); w != nil {
			m.emit("WINDOW STOP_THROBBER WIN %s", w.id)
		}
	case "RELOAD":
		if w := m.window(args, 1); w != nil {
			m.navigate(w, w.url)
		}
	case "DESTROY":
		if w := m.window(args, 1); w != nil {
			delete(m.windows, w.id)
			m.emit("WINDOW DESTROY WIN %s", w.id)
		}
	case "REDRAW":
		if w := m.window(args, 1); w != nil {
			m.emit("WINDOW REDRAW WIN %s START", w.id)
			m.emit("PLOT CLIP X0 0 Y0 0 X1 800 Y1 600")
			m.emit("PLOT TEXT X 10 Y 20 STR %s", w.title)
			m.emit("PLOT TEXT X 10 Y 40 STR %s", w.url)
			m.emit("WINDOW REDRAW WIN %s STOP", w.id)
		}
	case "EXEC":
		if w := m.window(args, 2); w != nil {
			src := strings.Join(args[3:], " ")
			m.emit("WINDOW CONSOLE_LOG WIN %s SOURCE javascript NOT-FOLDABLE INFO %s", w.id, src)
		}
	case "CLICK":
		if w := m.window(args, 2); w != nil && len(args) >= 7 {
			m.emit("WINDOW SET_STATUS WIN %s STR clicked %s,%s", w.id, args[4], args[6])
		}
	}
}

func (m *monkey) window(args []string, idx int) *window {
	if len(args) <= idx {
		return nil
	}
	w, ok := m.windows[args[idx]]
	if !ok {
		_, _ = fmt.Fprintf(m.errw, "mock monkey: unknown window %q\n", args[idx])
		return nil
	}
	return w
}

func (m *monkey) navigate(w *window, url string) {
	w.url = url
	m.emit("WINDOW START_THROBBER WIN %s", w.id)
	if strings.Contains(url, "/basic-auth/") {
		m.nextLog++
		l := &login{id: fmt.Sprintf("login%d", m.nextLog), window: w, url: url}
		m.logins[l.id] = l
		m.emit("LOGIN OPEN WIN %s URL %s", l.id, url)
		m.emit("LOGIN USER WIN %s STR", l.id)
		m.emit("LOGIN PASS WIN %s STR", l.id)
		m.emit("LOGIN REALM WIN %s STR mock realm", l.id)
		return
	}
	m.finish(w, titleFor(url), "SECURE")
}

func (m *monkey) finish(w *window, title, status string) {
	w.title = title
	m.emit("WINDOW SET_URL WIN %s URL %s", w.id, w.url)
	m.emit("WINDOW TITLE WIN %s STR %s", w.id, w.title)
	m.emit("WINDOW PAGE_STATUS WIN %s STATUS %s", w.id, status)
	m.emit("WINDOW STOP_THROBBER WIN %s", w.id)
}

func (m *monkey) loginCommand(args []string) {
	if len(args) < 2 {
		return
	}
	l, ok := m.logins[args[1]]
	if !ok {
		_, _ = fmt.Fprintf(m.errw, "mock monkey: unknown login %q\n", args[1])
		return
	}
	switch args[0] {
	case "USERNAME":
		l.username = strings.Join(args[2:], " ")
	case "PASSWORD":
		l.password = strings.Join(args[2:], " ")
	case "GO":
		delete(m.logins, l.id)
		m.emit("LOGIN DESTROY WIN %s", l.id)
		if l.username != "" && l.password != "" {
			m.finish(l.window, "Welcome "+l.username, "SECURE")
		} else {
			m.finish(l.window, "401 Unauthorized", "INSECURE")
		}
	case "DESTROY":
		delete(m.logins, l.id)
		m.emit("LOGIN DESTROY WIN %s", l.id)
		m.finish(l.window, "401 Unauthorized", "INSECURE")
	}
}

func titleFor(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		return "Mock " + trimmed[idx+1:]
	}
	return "Mock " + trimmed
}
