// Package plan loads and runs YAML test plans against a monkey.
//
// A plan is a list of steps, each naming an action:
//
//	title: about page renders
//	steps:
//	  - action: launch
//	  - action: window-new
//	    tag: win1
//	  - action: navigate
//	    window: win1
//	    url: about:about
//	  - action: block
//	    window: win1
//	  - action: plot-check
//	    window: win1
//	    checks:
//	      - text-contains: NetSurf
//	  - action: quit
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Actions understood by the runner.
const (
	ActionLaunch      = "launch"
	ActionWindowNew   = "window-new"
	ActionWindowClose = "window-close"
	ActionNavigate    = "navigate"
	ActionStop        = "stop"
	ActionReload      = "reload"
	ActionBlock       = "block"
	ActionPlotCheck   = "plot-check"
	ActionJSExec      = "js-exec"
	ActionWaitLog     = "wait-log"
	ActionSleepMS     = "sleep-ms"
	ActionClick       = "click"
	ActionQuit        = "quit"
)

var knownActions = map[string]bool{
	ActionLaunch: true, ActionWindowNew: true, ActionWindowClose: true,
	ActionNavigate: true, ActionStop: true, ActionReload: true, ActionBlock: true,
	ActionPlotCheck: true, ActionJSExec: true, ActionWaitLog: true,
	ActionSleepMS: true, ActionClick: true, ActionQuit: true,
}

// ErrInvalidPlan wraps every validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a parsed test plan.
type Plan struct {
	Title string `yaml:"title"`
	Group string `yaml:"group"`
	Steps []Step `yaml:"steps"`
}

// Step is one plan action. Only the fields relevant to Action are read.
type Step struct {
	Action string `yaml:"action"`

	Tag     string   `yaml:"tag"`
	Window  string   `yaml:"window"`
	URL     string   `yaml:"url"`
	Referer string   `yaml:"referer"`
	All     bool     `yaml:"all"`
	Options []string `yaml:"options"`

	Checks []Check `yaml:"checks"`

	Cmd string `yaml:"cmd"`

	Source    string `yaml:"source"`
	Level     string `yaml:"level"`
	Substring string `yaml:"substring"`

	Time int `yaml:"time"`

	X      int    `yaml:"x"`
	Y      int    `yaml:"y"`
	Button string `yaml:"button"`
	Kind   string `yaml:"kind"`
}

// Check is one assertion over a redraw capture.
type Check struct {
	TextContains    string `yaml:"text-contains"`
	TextNotContains string `yaml:"text-not-contains"`
	MinPlots        int    `yaml:"min-plots"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a plan. Unknown keys are rejected.
func Parse(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every step is runnable: known action, required
// fields present, windows referenced only after they are created.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	tags := make(map[string]bool)
	launched := false
	for i, step := range p.Steps {
		fail := func(format string, args ...any) error {
			return fmt.Errorf("%w: step %d (%s): %s", ErrInvalidPlan, i+1, step.Action, fmt.Sprintf(format, args...))
		}
		if !knownActions[step.Action] {
			return fail("unknown action")
		}
		if step.Action != ActionLaunch && !launched {
			return fail("browser not launched")
		}
		switch step.Action {
		case ActionLaunch:
			if launched {
				return fail("browser already launched")
			}
			launched = true
		case ActionWindowNew:
			if step.Tag == "" {
				return fail("tag is required")
			}
			if tags[step.Tag] {
				return fail("window %q already exists", step.Tag)
			}
			tags[step.Tag] = true
		case ActionWindowClose, ActionNavigate, ActionStop, ActionReload, ActionBlock,
			ActionPlotCheck, ActionJSExec, ActionWaitLog, ActionClick:
			if !tags[step.Window] {
				return fail("unknown window %q", step.Window)
			}
		case ActionSleepMS:
			if step.Time < 0 {
				return fail("time must not be negative")
			}
		case ActionQuit:
			launched = false
			tags = make(map[string]bool)
		}
		switch step.Action {
		case ActionNavigate:
			if step.URL == "" {
				return fail("url is required")
			}
		case ActionPlotCheck:
			if len(step.Checks) == 0 {
				return fail("at least one check is required")
			}
		case ActionJSExec:
			if step.Cmd == "" {
				return fail("cmd is required")
			}
		case ActionWaitLog:
			if step.Source == "" && step.Level == "" && step.Substring == "" {
				return fail("one of source, level or substring is required")
			}
		case ActionWindowClose:
			delete(tags, step.Window)
		}
	}
	return nil
}
