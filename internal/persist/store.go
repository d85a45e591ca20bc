// Package persist stores plan run reports as JSON files, one per plan.
package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

// TranscriptLine is one persisted discussion line.
type TranscriptLine struct {
	Session   string           `json:"session"`
	Direction schema.Direction `json:"direction"`
	Text      string           `json:"text"`
	At        time.Time        `json:"at"`
}

// Report captures the outcome of one plan run.
type Report struct {
	Plan       string           `json:"plan"`
	Group      string           `json:"group,omitempty"`
	Passed     bool             `json:"passed"`
	Steps      int              `json:"steps"`
	Executed   int              `json:"executed"`
	Failure    string           `json:"failure,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	Sessions   []string         `json:"sessions,omitempty"`
	Transcript []TranscriptLine `json:"transcript,omitempty"`
}

// TranscriptLines converts farmer transcript entries for persistence.
func TranscriptLines(entries []schema.TranscriptEntry) []TranscriptLine {
	if len(entries) == 0 {
		return nil
	}
	out := make([]TranscriptLine, 0, len(entries))
	for _, e := range entries {
		out = append(out, TranscriptLine{Session: e.Session, Direction: e.Direction, Text: e.Text, At: e.At})
	}
	return out
}

// Store persists reports to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a report store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a report store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("report directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("report_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Path returns the file a plan's report is written to.
func (s *Store) Path(plan string) string {
	name := sanitize(plan)
	if name == "" {
		name = "unnamed"
	}
	return filepath.Join(s.dir, name+".json")
}

// Load reads a plan report from disk.
func (s *Store) Load(plan string) (Report, bool, error) {
	data, err := os.ReadFile(s.Path(plan))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("report load miss", "plan", plan)
			}
			return Report{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("report load failed", "plan", plan, "err", err)
		}
		return Report{}, false, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		if s.log != nil {
			s.log.Warn("report load failed", "plan", plan, "err", err)
		}
		return Report{}, false, err
	}
	return report, true, nil
}

// Save writes a report atomically, replacing any previous run of the plan.
func (s *Store) Save(report Report) error {
	path := s.Path(report.Plan)
	if err := s.save(path, report); err != nil {
		if s.log != nil {
			s.log.Warn("report save failed", "plan", report.Plan, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Debug("report save ok", "plan", report.Plan, "path", path, "passed", report.Passed)
	}
	return nil
}

func (s *Store) save(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "report-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
