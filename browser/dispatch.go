package browser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/monkeyfarmer/schema"
)

// onLine is the farmer's line handler. Protocol violations are logged and
// dropped unless the browser runs in strict mode.
func (b *Browser) onLine(line string) error {
	parts := strings.Split(strings.TrimSpace(line), " ")
	if len(parts) == 0 || parts[0] == "" {
		return nil
	}
	handler, ok := b.verbs[parts[0]]
	if !ok {
		return nil
	}
	err := handler(parts[1:])
	if err == nil {
		return nil
	}
	var perr *schema.ProtocolError
	if !errors.As(err, &perr) {
		return err
	}
	if perr.Line == "" {
		perr.Line = line
	}
	if b.log != nil {
		b.log.Error("monkey protocol violation", "line", line, "reason", perr.Reason)
	}
	if b.strict {
		return perr
	}
	return nil
}

func (b *Browser) handleGeneric(args []string) error {
	if len(args) == 0 {
		return nil
	}
	what, rest := args[0], args[1:]
	switch what {
	case schema.GenericStarted:
		b.started = true
	case schema.GenericFinished:
		b.stopped = true
	case schema.GenericLaunch:
		if len(rest) < 2 {
			return violation("GENERIC LAUNCH expects a labelled url, got %d tokens", len(rest))
		}
		b.launchURL = rest[1]
	case schema.GenericExit:
		code := 0
		if len(rest) > 0 {
			parsed, err := strconv.Atoi(rest[0])
			if err != nil {
				return violation("GENERIC EXIT code %q is not an integer", rest[0])
			}
			code = parsed
		}
		if code != 0 && !b.quitting {
			return &schema.ExitError{Code: code}
		}
		if code != 0 && b.log != nil {
			b.log.Warn("monkey exited with non-zero code after quit", "exit_code", code)
		}
		b.stopped = true
	}
	return nil
}

func (b *Browser) handleWindow(args []string) error {
	if len(args) < 3 {
		return violation("WINDOW expects an action and a labelled id, got %d tokens", len(args))
	}
	action, id, rest := args[0], schema.WindowID(args[2]), args[3:]
	if action == schema.WindowNew {
		w, err := newWindow(b, id, rest)
		if err != nil {
			return err
		}
		if _, exists := b.windows[id]; !exists {
			b.windowOrder = append(b.windowOrder, id)
		}
		b.windows[id] = w
		if w.log != nil {
			w.log.Debug("monkey window created", "core", string(w.coreID), "new_tab", w.newTab, "clone", w.clone)
		}
		return nil
	}
	w, ok := b.windows[id]
	if !ok {
		return violation("WINDOW %s for unknown window %s", action, id)
	}
	return w.handle(action, rest)
}

func (b *Browser) handleLogin(args []string) error {
	if len(args) < 3 {
		return violation("LOGIN expects an action and a labelled id, got %d tokens", len(args))
	}
	action, id, rest := args[0], schema.LoginID(args[2]), args[3:]
	if action == schema.LoginOpen {
		l, err := newLogin(b, id, rest)
		if err != nil {
			return err
		}
		if _, exists := b.logins[id]; !exists {
			b.loginOrder = append(b.loginOrder, id)
		}
		b.logins[id] = l
		if l.log != nil {
			l.log.Debug("monkey login opened", "url", l.url)
		}
		return nil
	}
	l, ok := b.logins[id]
	if !ok {
		return violation("LOGIN %s for unknown login %s", action, id)
	}
	if err := l.handle(action, rest); err != nil {
		return err
	}
	if l.alive && l.ready {
		return b.loginReady(b.hookCtx(), l)
	}
	return nil
}

func (b *Browser) handlePlot(args []string) error {
	if b.paintTarget == nil {
		return nil
	}
	b.paintTarget.plotted = append(b.paintTarget.plotted, schema.PlotCommand(append([]string(nil), args...)))
	return nil
}

func violation(format string, args ...any) error {
	return &schema.ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func expectArgs(action string, args []string, n int) error {
	if len(args) != n {
		return violation("%s expects %d arguments, got %d", action, n, len(args))
	}
	return nil
}

func atLeastArgs(action string, args []string, n int) error {
	if len(args) < n {
		return violation("%s expects at least %d arguments, got %d", action, n, len(args))
	}
	return nil
}

func parseInts(action string, values ...string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, violation("%s value %q is not an integer", action, v)
		}
		out[i] = n
	}
	return out, nil
}

// pairs parses "LABEL v LABEL v ..." layouts, returning the values.
func pairs(action string, args []string, n int) ([]int, error) {
	if err := expectArgs(action, args, 2*n); err != nil {
		return nil, err
	}
	values := make([]string, 0, n)
	for i := 1; i < len(args); i += 2 {
		values = append(values, args[i])
	}
	return parseInts(action, values...)
}

// joinedTail returns the words after a leading label token.
func joinedTail(args []string) string {
	if len(args) < 2 {
		return ""
	}
	return strings.Join(args[1:], " ")
}
