package appconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Monkey        MonkeyConfig  `mapstructure:"monkey" yaml:"monkey"`
	Session       SessionConfig `mapstructure:"session" yaml:"session"`
	Options       []string      `mapstructure:"options" yaml:"options"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// MonkeyConfig describes how the browser under test is launched.
type MonkeyConfig struct {
	Binary     string   `mapstructure:"binary" yaml:"binary"`
	Args       []string `mapstructure:"args" yaml:"args"`
	Wrapper    []string `mapstructure:"wrapper" yaml:"wrapper"`
	// Env entries are KEY=VALUE; viper would fold map keys to lower case.
	Env        []string `mapstructure:"env" yaml:"env"`
	InheritEnv bool     `mapstructure:"inherit_env" yaml:"inherit_env"`
	Dir        string   `mapstructure:"dir" yaml:"dir"`
}

// SessionConfig controls the dispatch loop and wait helpers.
type SessionConfig struct {
	// StartTimeoutMS of zero picks the platform/wrapper default.
	StartTimeoutMS     int  `mapstructure:"start_timeout_ms" yaml:"start_timeout_ms"`
	QuitTimeoutMS      int  `mapstructure:"quit_timeout_ms" yaml:"quit_timeout_ms"`
	WaitTimeoutMS      int  `mapstructure:"wait_timeout_ms" yaml:"wait_timeout_ms"`
	PollIntervalMS     int  `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxScheduledWaitMS int  `mapstructure:"max_scheduled_wait_ms" yaml:"max_scheduled_wait_ms"`
	StrictProtocol     bool `mapstructure:"strict_protocol" yaml:"strict_protocol"`
	Quiet              bool `mapstructure:"quiet" yaml:"quiet"`
	TranscriptLines    int  `mapstructure:"transcript_lines" yaml:"transcript_lines"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Monkey: MonkeyConfig{
			Binary:     "./nsmonkey",
			Args:       []string{},
			Wrapper:    []string{},
			Env:        []string{},
			InheritEnv: true,
			Dir:        "",
		},
		Session: SessionConfig{
			StartTimeoutMS:     0,
			QuitTimeoutMS:      5000,
			WaitTimeoutMS:      0,
			PollIntervalMS:     10,
			MaxScheduledWaitMS: 50,
			StrictProtocol:     false,
			Quiet:              false,
			TranscriptLines:    10000,
		},
		Options: []string{},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".monkeyfarmer", "config.yaml"), nil
}

// Command returns the monkey argv (binary followed by args).
func (c MonkeyConfig) Command() []string {
	return append([]string{c.Binary}, c.Args...)
}

// Environ returns the monkey environment. Nil means inherit unchanged.
func (c MonkeyConfig) Environ() []string {
	if c.InheritEnv && len(c.Env) == 0 {
		return nil
	}
	env := []string{}
	if c.InheritEnv {
		env = append(env, os.Environ()...)
	}
	return append(env, c.Env...)
}

// StartTimeout converts StartTimeoutMS.
func (c SessionConfig) StartTimeout() time.Duration { return millis(c.StartTimeoutMS) }

// QuitTimeout converts QuitTimeoutMS.
func (c SessionConfig) QuitTimeout() time.Duration { return millis(c.QuitTimeoutMS) }

// WaitTimeout converts WaitTimeoutMS.
func (c SessionConfig) WaitTimeout() time.Duration { return millis(c.WaitTimeoutMS) }

// PollInterval converts PollIntervalMS.
func (c SessionConfig) PollInterval() time.Duration { return millis(c.PollIntervalMS) }

// MaxScheduledWait converts MaxScheduledWaitMS.
func (c SessionConfig) MaxScheduledWait() time.Duration { return millis(c.MaxScheduledWaitMS) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
