package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MONKEYFARMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("monkey.binary", cfg.Monkey.Binary)
	v.SetDefault("monkey.args", cfg.Monkey.Args)
	v.SetDefault("monkey.wrapper", cfg.Monkey.Wrapper)
	v.SetDefault("monkey.env", cfg.Monkey.Env)
	v.SetDefault("monkey.inherit_env", cfg.Monkey.InheritEnv)
	v.SetDefault("monkey.dir", cfg.Monkey.Dir)
	v.SetDefault("session.start_timeout_ms", cfg.Session.StartTimeoutMS)
	v.SetDefault("session.quit_timeout_ms", cfg.Session.QuitTimeoutMS)
	v.SetDefault("session.wait_timeout_ms", cfg.Session.WaitTimeoutMS)
	v.SetDefault("session.poll_interval_ms", cfg.Session.PollIntervalMS)
	v.SetDefault("session.max_scheduled_wait_ms", cfg.Session.MaxScheduledWaitMS)
	v.SetDefault("session.strict_protocol", cfg.Session.StrictProtocol)
	v.SetDefault("session.quiet", cfg.Session.Quiet)
	v.SetDefault("session.transcript_lines", cfg.Session.TranscriptLines)
	v.SetDefault("options", cfg.Options)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if strings.TrimSpace(v.GetString("monkey.binary")) == "" {
			return Config{}, fmt.Errorf("monkey.binary is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateSessionConfig(cfg.Session); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateSessionConfig(cfg SessionConfig) error {
	checks := []struct {
		key   string
		value int
		min   int
	}{
		{"session.start_timeout_ms", cfg.StartTimeoutMS, 0},
		{"session.quit_timeout_ms", cfg.QuitTimeoutMS, 0},
		{"session.wait_timeout_ms", cfg.WaitTimeoutMS, 0},
		{"session.poll_interval_ms", cfg.PollIntervalMS, 1},
		{"session.max_scheduled_wait_ms", cfg.MaxScheduledWaitMS, 1},
		{"session.transcript_lines", cfg.TranscriptLines, 0},
	}
	for _, check := range checks {
		if check.value < check.min {
			return fmt.Errorf("%s must be at least %d, got %d", check.key, check.min, check.value)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Monkey.Binary = expandEnv(cfg.Monkey.Binary)
	cfg.Monkey.Dir = expandEnv(cfg.Monkey.Dir)
	for i, arg := range cfg.Monkey.Args {
		cfg.Monkey.Args[i] = expandEnv(arg)
	}
	for i, arg := range cfg.Monkey.Wrapper {
		cfg.Monkey.Wrapper[i] = expandEnv(arg)
	}
	for i, kv := range cfg.Monkey.Env {
		cfg.Monkey.Env[i] = expandEnv(kv)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
