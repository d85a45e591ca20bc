package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/monkeyfarmer/internal/logx"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// Mouse buttons and click kinds understood by WINDOW CLICK.
const (
	ButtonLeft   = "LEFT"
	ButtonRight  = "RIGHT"
	ClickSingle  = "SINGLE"
	ClickDouble  = "DOUBLE"
	ClickTriple  = "TRIPLE"
	ClickPress   = "PRESS"
	ClickRelease = "RELEASE"
)

// Window mirrors one browser window as last reported by the monkey.
type Window struct {
	browser *Browser
	log     pslog.Logger

	id       schema.WindowID
	coreID   schema.CoreID
	existing *Window
	newTab   bool
	clone    bool

	width, height               int
	contentWidth, contentHeight int
	scrollX, scrollY            int

	throbbing bool
	title     string
	status    string
	pointer   string
	scale     float64
	url       string
	pageState schema.PageState

	consoleLog []schema.LogEntry
	plotted    []schema.PlotCommand
	plotting   bool
	alive      bool
}

var windowHandlers = map[string]func(*Window, []string) error{
	"SIZE":           (*Window).handleSize,
	"DESTROY":        (*Window).handleDestroy,
	"TITLE":          (*Window).handleTitle,
	"GET_DIMENSIONS": (*Window).handleGetDimensions,
	"NEW_CONTENT":    noAction("WINDOW NEW_CONTENT"),
	"NEW_ICON":       noAction("WINDOW NEW_ICON"),
	"START_THROBBER": (*Window).handleStartThrobber,
	"STOP_THROBBER":  (*Window).handleStopThrobber,
	"SET_SCROLL":     (*Window).handleSetScroll,
	"UPDATE_BOX":     (*Window).handleUpdateBox,
	"UPDATE_EXTENT":  (*Window).handleUpdateExtent,
	"SET_STATUS":     (*Window).handleSetStatus,
	"SET_POINTER":    (*Window).handleSetPointer,
	"SET_SCALE":      (*Window).handleSetScale,
	"SET_URL":        (*Window).handleSetURL,
	"GET_SCROLL":     (*Window).handleGetScroll,
	"SCROLL_START":   (*Window).handleScrollStart,
	"REDRAW":         (*Window).handleRedraw,
	"CONSOLE_LOG":    (*Window).handleConsoleLog,
	"PAGE_STATUS":    (*Window).handlePageStatus,
}

// newWindow parses the tail of
// WINDOW NEW WIN <id> FOR <core> EXISTING <other> NEWTAB <bool> CLONE <bool>.
func newWindow(b *Browser, id schema.WindowID, args []string) (*Window, error) {
	if err := expectArgs("WINDOW NEW", args, 8); err != nil {
		return nil, err
	}
	w := &Window{
		browser:   b,
		log:       logx.WithWindow(b.log, id),
		id:        id,
		coreID:    schema.CoreID(args[1]),
		existing:  b.windows[schema.WindowID(args[3])],
		newTab:    args[5] == schema.TokenTrue,
		clone:     args[7] == schema.TokenTrue,
		scale:     1.0,
		pageState: schema.PageStateUnknown,
		alive:     true,
	}
	return w, nil
}

func (w *Window) handle(action string, args []string) error {
	handler, ok := windowHandlers[action]
	if !ok {
		if w.log != nil {
			w.log.Trace("monkey window action ignored", "action", action)
		}
		return nil
	}
	return handler(w, args)
}

func (w *Window) handleSize(args []string) error {
	v, err := pairs("WINDOW SIZE", args, 2)
	if err != nil {
		return err
	}
	w.width, w.height = v[0], v[1]
	return nil
}

func (w *Window) handleDestroy(args []string) error {
	if err := expectArgs("WINDOW DESTROY", args, 0); err != nil {
		return err
	}
	w.alive = false
	if w.browser.paintTarget == w {
		w.browser.paintTarget = nil
		w.plotting = false
	}
	if w.log != nil {
		w.log.Debug("monkey window destroyed")
	}
	return nil
}

func (w *Window) handleTitle(args []string) error {
	if err := atLeastArgs("WINDOW TITLE", args, 1); err != nil {
		return err
	}
	w.title = joinedTail(args)
	return nil
}

func (w *Window) handleGetDimensions(args []string) error {
	v, err := pairs("WINDOW GET_DIMENSIONS", args, 2)
	if err != nil {
		return err
	}
	w.width, w.height = v[0], v[1]
	return nil
}

func noAction(action string) func(*Window, []string) error {
	return func(_ *Window, args []string) error {
		return expectArgs(action, args, 0)
	}
}

func (w *Window) handleStartThrobber(args []string) error {
	if err := expectArgs("WINDOW START_THROBBER", args, 0); err != nil {
		return err
	}
	w.throbbing = true
	return nil
}

func (w *Window) handleStopThrobber(args []string) error {
	if err := expectArgs("WINDOW STOP_THROBBER", args, 0); err != nil {
		return err
	}
	w.throbbing = false
	return nil
}

func (w *Window) handleSetScroll(args []string) error {
	v, err := pairs("WINDOW SET_SCROLL", args, 2)
	if err != nil {
		return err
	}
	w.scrollX, w.scrollY = v[0], v[1]
	return nil
}

// handleUpdateBox validates the box but keeps nothing: the area is
// repainted through REDRAW.
func (w *Window) handleUpdateBox(args []string) error {
	_, err := pairs("WINDOW UPDATE_BOX", args, 4)
	return err
}

func (w *Window) handleUpdateExtent(args []string) error {
	v, err := pairs("WINDOW UPDATE_EXTENT", args, 2)
	if err != nil {
		return err
	}
	w.contentWidth, w.contentHeight = v[0], v[1]
	return nil
}

func (w *Window) handleSetStatus(args []string) error {
	if err := atLeastArgs("WINDOW SET_STATUS", args, 1); err != nil {
		return err
	}
	w.status = joinedTail(args)
	return nil
}

func (w *Window) handleSetPointer(args []string) error {
	if err := expectArgs("WINDOW SET_POINTER", args, 2); err != nil {
		return err
	}
	w.pointer = args[1]
	return nil
}

func (w *Window) handleSetScale(args []string) error {
	if err := expectArgs("WINDOW SET_SCALE", args, 2); err != nil {
		return err
	}
	scale, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return violation("WINDOW SET_SCALE value %q is not a number", args[1])
	}
	w.scale = scale
	return nil
}

func (w *Window) handleSetURL(args []string) error {
	if err := expectArgs("WINDOW SET_URL", args, 2); err != nil {
		return err
	}
	w.url = args[1]
	return nil
}

func (w *Window) handleGetScroll(args []string) error {
	return w.handleSetScroll(args)
}

func (w *Window) handleScrollStart(args []string) error {
	if err := expectArgs("WINDOW SCROLL_START", args, 0); err != nil {
		return err
	}
	w.scrollX, w.scrollY = 0, 0
	return nil
}

func (w *Window) handleRedraw(args []string) error {
	if err := expectArgs("WINDOW REDRAW", args, 1); err != nil {
		return err
	}
	b := w.browser
	if args[0] == "START" {
		if b.paintTarget != nil && b.paintTarget != w {
			b.paintTarget.plotting = false
		}
		b.paintTarget = w
		w.plotted = nil
		w.plotting = true
		return nil
	}
	if b.paintTarget == w {
		b.paintTarget = nil
	}
	w.plotting = false
	return nil
}

func (w *Window) handleConsoleLog(args []string) error {
	if err := atLeastArgs("WINDOW CONSOLE_LOG", args, 4); err != nil {
		return err
	}
	entry := schema.LogEntry{
		Source:   args[1],
		Foldable: args[2] == "FOLDABLE",
		Level:    args[3],
		Message:  strings.Join(args[4:], " "),
	}
	w.consoleLog = append(w.consoleLog, entry)
	if w.log != nil {
		w.log.Trace("monkey console log", "source", entry.Source, "level", entry.Level, "message", entry.Message)
	}
	return nil
}

func (w *Window) handlePageStatus(args []string) error {
	if err := expectArgs("WINDOW PAGE_STATUS", args, 2); err != nil {
		return err
	}
	w.pageState = schema.PageState(args[1])
	return nil
}

// ID returns the monkey-assigned window id.
func (w *Window) ID() schema.WindowID { return w.id }

// CoreID returns the id of the browser core backing the window.
func (w *Window) CoreID() schema.CoreID { return w.coreID }

// Existing returns the window this one was opened from, if known.
func (w *Window) Existing() *Window { return w.existing }

func (w *Window) NewTab() bool { return w.newTab }
func (w *Window) Clone() bool  { return w.clone }

// Size returns the window width and height.
func (w *Window) Size() (int, int) { return w.width, w.height }

// ContentSize returns the content extent.
func (w *Window) ContentSize() (int, int) { return w.contentWidth, w.contentHeight }

// Scroll returns the scroll offsets.
func (w *Window) Scroll() (int, int) { return w.scrollX, w.scrollY }

func (w *Window) Throbbing() bool             { return w.throbbing }
func (w *Window) Title() string               { return w.title }
func (w *Window) Status() string              { return w.status }
func (w *Window) Pointer() string             { return w.pointer }
func (w *Window) Scale() float64              { return w.scale }
func (w *Window) URL() string                 { return w.url }
func (w *Window) PageState() schema.PageState { return w.pageState }
func (w *Window) Plotting() bool              { return w.plotting }
func (w *Window) Alive() bool                 { return w.alive }

// ConsoleLog returns a copy of the captured console messages.
func (w *Window) ConsoleLog() []schema.LogEntry {
	return append([]schema.LogEntry(nil), w.consoleLog...)
}

// Plotted returns a copy of the last redraw capture.
func (w *Window) Plotted() []schema.PlotCommand {
	return append([]schema.PlotCommand(nil), w.plotted...)
}

// Kill asks the monkey to destroy the window.
func (w *Window) Kill() {
	w.browser.farmer.Tell(schema.CmdWindow, "DESTROY", string(w.id))
}

// WaitUntilDead loops until the window is destroyed or timeout elapses
// (DefaultDestroyTimeout when timeout is zero). Expiry is logged with the
// window's last known state and is not an error.
func (w *Window) WaitUntilDead(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDestroyTimeout
	}
	dead, err := w.browser.waitFor(ctx, timeout, func() bool { return !w.alive })
	if err != nil {
		return err
	}
	if !dead && w.log != nil {
		w.log.Warn("monkey window did not die", "timeout", timeout, "url", w.url, "title", w.title, "status", w.status)
	}
	return nil
}

// Go navigates to url and waits for loading to start.
func (w *Window) Go(ctx context.Context, url, referer string) error {
	if !w.alive {
		return w.destroyed()
	}
	if referer == "" {
		w.browser.farmer.Tell(schema.CmdWindow, "GO", string(w.id), url)
	} else {
		w.browser.farmer.Tell(schema.CmdWindow, "GO", string(w.id), url, referer)
	}
	return w.WaitStartLoading(ctx)
}

// Stop aborts the current load.
func (w *Window) Stop() {
	w.browser.farmer.Tell(schema.CmdWindow, "STOP", string(w.id))
}

// Reload reloads the page, optionally bypassing caches, and waits for
// loading to start.
func (w *Window) Reload(ctx context.Context, all bool) error {
	if !w.alive {
		return w.destroyed()
	}
	if all {
		w.browser.farmer.Tell(schema.CmdWindow, "RELOAD", string(w.id), "ALL")
	} else {
		w.browser.farmer.Tell(schema.CmdWindow, "RELOAD", string(w.id))
	}
	return w.WaitStartLoading(ctx)
}

// Click sends a mouse action. Empty button and kind default to LEFT and
// SINGLE.
func (w *Window) Click(x, y int, button, kind string) {
	if button == "" {
		button = ButtonLeft
	}
	if kind == "" {
		kind = ClickSingle
	}
	w.browser.farmer.Tell(schema.CmdWindow, "CLICK", "WIN", string(w.id),
		"X", strconv.Itoa(x), "Y", strconv.Itoa(y), "BUTTON", button, "KIND", kind)
}

// JSExec runs src in the window's page.
func (w *Window) JSExec(src string) {
	w.browser.farmer.Tell(schema.CmdWindow, "EXEC", "WIN", string(w.id), src)
}

// LoadPage navigates when url is set, then waits for the load to finish.
func (w *Window) LoadPage(ctx context.Context, url, referer string) error {
	if url != "" {
		if err := w.Go(ctx, url, referer); err != nil {
			return err
		}
	}
	return w.WaitLoaded(ctx)
}

// WaitStartLoading loops until the throbber is running.
func (w *Window) WaitStartLoading(ctx context.Context) error {
	return w.wait(ctx, "start loading", func() bool { return w.throbbing })
}

// WaitLoaded waits for the throbber to start and then to stop.
func (w *Window) WaitLoaded(ctx context.Context) error {
	if err := w.WaitStartLoading(ctx); err != nil {
		return err
	}
	return w.wait(ctx, "loaded", func() bool { return !w.throbbing })
}

// Redraw asks for a repaint and returns the captured plot commands.
func (w *Window) Redraw(ctx context.Context, coords ...string) ([]schema.PlotCommand, error) {
	if !w.alive {
		return nil, w.destroyed()
	}
	args := []string{schema.CmdWindow, "REDRAW", string(w.id)}
	w.browser.farmer.Tell(append(args, coords...)...)
	if err := w.wait(ctx, "redraw start", func() bool { return w.plotting }); err != nil {
		return nil, err
	}
	if err := w.wait(ctx, "redraw end", func() bool { return !w.plotting }); err != nil {
		return nil, err
	}
	return w.Plotted(), nil
}

// ClearLog drops the captured console messages.
func (w *Window) ClearLog() {
	w.consoleLog = nil
}

// LogContains reports whether any console entry matches q.
func (w *Window) LogContains(q schema.LogQuery) (bool, error) {
	if q.Empty() {
		return false, schema.ErrNoPredicate
	}
	for _, entry := range w.consoleLog {
		if q.Match(entry) {
			return true, nil
		}
	}
	return false, nil
}

// WaitForLog loops until a console entry matches q.
func (w *Window) WaitForLog(ctx context.Context, q schema.LogQuery) error {
	if q.Empty() {
		return schema.ErrNoPredicate
	}
	return w.wait(ctx, "console log", func() bool {
		found, _ := w.LogContains(q)
		return found
	})
}

// wait loops until pred holds. A window destroyed before pred holds ends
// the wait with schema.ErrWindowDestroyed.
func (w *Window) wait(ctx context.Context, what string, pred func() bool) error {
	ok, err := w.browser.waitFor(ctx, w.browser.waitTimeout, func() bool {
		return pred() || !w.alive
	})
	if err != nil {
		return err
	}
	if !pred() && !w.alive {
		return w.destroyed()
	}
	if !ok && w.log != nil {
		w.log.Warn("monkey window wait expired", "wait", what, "timeout", w.browser.waitTimeout, "url", w.url)
	}
	return nil
}

func (w *Window) destroyed() error {
	return fmt.Errorf("%w: %s", schema.ErrWindowDestroyed, w.id)
}
