package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/monkeyfarmer/browser"
	"pkt.systems/monkeyfarmer/farmer"
	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// ErrCheckFailed reports a failed plot-check assertion.
var ErrCheckFailed = errors.New("plot check failed")

// StepError identifies the step a plan run stopped at.
type StepError struct {
	Index  int
	Action string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Action, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result summarises a plan run.
type Result struct {
	Title    string
	Group    string
	Steps    int
	Executed int
	Duration time.Duration
	// Sessions lists the farmer session of every launch, in order.
	Sessions []string
	// Transcript holds the discussion of every session the plan ran.
	Transcript []schema.TranscriptEntry
}

// Runner executes plans. Browser is the configuration used by every
// launch step.
type Runner struct {
	Browser browser.Config

	log        pslog.Logger
	current    *browser.Browser
	windows    map[string]*browser.Window
	sessions   []string
	transcript []schema.TranscriptEntry
}

// Run executes every step in order and stops at the first failure. A
// browser still running at the end is killed.
func (r *Runner) Run(ctx context.Context, p *Plan) (Result, error) {
	start := time.Now()
	res := Result{Title: p.Title, Group: p.Group, Steps: len(p.Steps)}
	r.log = pslog.Ctx(ctx)
	if r.log != nil {
		r.log = r.log.With("plan", p.Title)
	}
	r.windows = make(map[string]*browser.Window)
	r.sessions = nil
	r.transcript = nil
	finish := func() {
		r.closeBrowser()
		res.Duration = time.Since(start)
		res.Sessions = r.sessions
		res.Transcript = r.transcript
	}

	for i, step := range p.Steps {
		if r.log != nil {
			r.log.Info("plan step", "index", i+1, "action", step.Action)
		}
		if err := r.step(ctx, step); err != nil {
			if r.log != nil {
				r.log.Error("plan step failed", "index", i+1, "action", step.Action, "err", err)
			}
			finish()
			return res, &StepError{Index: i, Action: step.Action, Err: err}
		}
		res.Executed++
	}
	finish()
	if r.log != nil {
		r.log.Info("plan complete", "steps", res.Executed, "duration", res.Duration)
	}
	return res, nil
}

func (r *Runner) step(ctx context.Context, step Step) error {
	if step.Action == ActionLaunch {
		return r.launch(ctx, step)
	}
	if r.current == nil {
		return errors.New("browser not launched")
	}
	switch step.Action {
	case ActionWindowNew:
		w, err := r.current.NewWindow(ctx, step.URL)
		if err != nil {
			return err
		}
		r.windows[step.Tag] = w
		return nil
	case ActionSleepMS:
		return r.sleep(ctx, time.Duration(step.Time)*time.Millisecond)
	case ActionQuit:
		stopped, err := r.current.QuitAndWait(ctx)
		if err != nil {
			return err
		}
		if !stopped && r.log != nil {
			r.log.Warn("monkey did not stop cleanly")
		}
		r.closeBrowser()
		return nil
	}

	w, ok := r.windows[step.Window]
	if !ok {
		return fmt.Errorf("unknown window %q", step.Window)
	}
	switch step.Action {
	case ActionWindowClose:
		w.Kill()
		delete(r.windows, step.Window)
		return w.WaitUntilDead(ctx, 0)
	case ActionNavigate:
		return w.Go(ctx, step.URL, step.Referer)
	case ActionStop:
		w.Stop()
		return nil
	case ActionReload:
		return w.Reload(ctx, step.All)
	case ActionBlock:
		return w.WaitLoaded(ctx)
	case ActionPlotCheck:
		plots, err := w.Redraw(ctx)
		if err != nil {
			return err
		}
		return runChecks(plots, step.Checks)
	case ActionJSExec:
		w.JSExec(step.Cmd)
		return nil
	case ActionWaitLog:
		return w.WaitForLog(ctx, logQuery(step))
	case ActionClick:
		w.Click(step.X, step.Y, strings.ToUpper(step.Button), strings.ToUpper(step.Kind))
		return nil
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

func (r *Runner) launch(ctx context.Context, step Step) error {
	if r.current != nil {
		return errors.New("browser already launched")
	}
	b, err := browser.New(ctx, r.Browser)
	if err != nil {
		return err
	}
	r.current = b
	r.sessions = append(r.sessions, b.Farmer().ID())
	b.PassOptions(step.Options...)
	return nil
}

// sleep keeps the dispatch loop running while time passes, using the
// farmer's scheduler for the wake-up.
func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	b := r.current
	woke := false
	b.Farmer().Schedule(farmer.NewEvent("plan-sleep", func(*farmer.Farmer) { woke = true }), farmer.After(d))
	for !woke {
		if err := b.LoopOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) closeBrowser() {
	if r.current == nil {
		return
	}
	r.transcript = append(r.transcript, r.current.Farmer().Transcript(0)...)
	if err := r.current.Close(); err != nil && r.log != nil {
		r.log.Warn("monkey close failed", "err", err)
	}
	r.current = nil
	r.windows = make(map[string]*browser.Window)
}

func logQuery(step Step) schema.LogQuery {
	var q schema.LogQuery
	if step.Source != "" {
		q.Source = &step.Source
	}
	if step.Level != "" {
		q.Level = &step.Level
	}
	if step.Substring != "" {
		q.Substr = &step.Substring
	}
	return q
}

func runChecks(plots []schema.PlotCommand, checks []Check) error {
	var texts []string
	for _, p := range plots {
		if text, ok := p.Text(); ok {
			texts = append(texts, text)
		}
	}
	all := strings.Join(texts, "\n")
	for _, check := range checks {
		if check.TextContains != "" && !strings.Contains(all, check.TextContains) {
			return fmt.Errorf("%w: text %q not plotted", ErrCheckFailed, check.TextContains)
		}
		if check.TextNotContains != "" && strings.Contains(all, check.TextNotContains) {
			return fmt.Errorf("%w: text %q plotted", ErrCheckFailed, check.TextNotContains)
		}
		if check.MinPlots > 0 && len(plots) < check.MinPlots {
			return fmt.Errorf("%w: %d plots, want at least %d", ErrCheckFailed, len(plots), check.MinPlots)
		}
	}
	return nil
}
