package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monkey.Binary != "./nsmonkey" || cfg.Session.PollIntervalMS != 10 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsValues(t *testing.T) {
	t.Setenv("MONKEY_HOME", "/opt/netsurf")
	path := writeConfig(t, `
config_version: 1
monkey:
  binary: $MONKEY_HOME/nsmonkey
  args: ["--log"]
  wrapper: ["valgrind", "-q"]
  env:
    - NETSURF_DEBUG=1
  inherit_env: false
session:
  start_timeout_ms: 2500
  strict_protocol: true
  quiet: true
options:
  - enable_javascript=0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monkey.Binary != "/opt/netsurf/nsmonkey" {
		t.Fatalf("expected expanded binary, got %q", cfg.Monkey.Binary)
	}
	if strings.Join(cfg.Monkey.Wrapper, " ") != "valgrind -q" || cfg.Monkey.InheritEnv {
		t.Fatalf("unexpected monkey config %+v", cfg.Monkey)
	}
	if len(cfg.Monkey.Env) != 1 || cfg.Monkey.Env[0] != "NETSURF_DEBUG=1" {
		t.Fatalf("expected env override, got %v", cfg.Monkey.Env)
	}
	if cfg.Session.StartTimeoutMS != 2500 || !cfg.Session.StrictProtocol || !cfg.Session.Quiet {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if cfg.Session.QuitTimeoutMS != 5000 {
		t.Fatalf("expected default quit timeout to survive, got %d", cfg.Session.QuitTimeoutMS)
	}
	if len(cfg.Options) != 1 || cfg.Options[0] != "enable_javascript=0" {
		t.Fatalf("unexpected options %v", cfg.Options)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
monkey:
  binary: ./nsmonkey
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
monkey:
  binary: ./nsmonkey
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing config_version error, got %v", err)
	}
}

func TestLoadRejectsInvalidPollInterval(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
session:
  poll_interval_ms: 0
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "session.poll_interval_ms") {
		t.Fatalf("expected poll interval error, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("written default must load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("unexpected version %d", cfg.ConfigVersion)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
