package appconfig

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigSession(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Session.PollInterval() != 10*time.Millisecond {
		t.Fatalf("expected 10ms poll interval, got %v", cfg.Session.PollInterval())
	}
	if cfg.Session.MaxScheduledWait() != 50*time.Millisecond {
		t.Fatalf("expected 50ms scheduled wait cap, got %v", cfg.Session.MaxScheduledWait())
	}
	if cfg.Session.QuitTimeout() != 5*time.Second {
		t.Fatalf("expected 5s quit timeout, got %v", cfg.Session.QuitTimeout())
	}
	if cfg.Session.StartTimeout() != 0 || cfg.Session.StrictProtocol {
		t.Fatalf("unexpected start timeout or strict default")
	}
}

func TestMonkeyEnviron(t *testing.T) {
	t.Setenv("MONKEYFARMER_TEST_INHERITED", "yes")
	cfg := MonkeyConfig{InheritEnv: true}
	if env := cfg.Environ(); env != nil {
		t.Fatalf("expected nil env to inherit, got %d entries", len(env))
	}

	cfg.Env = []string{"B=2", "A=1"}
	env := cfg.Environ()
	if !contains(env, "MONKEYFARMER_TEST_INHERITED=yes") {
		t.Fatalf("expected inherited variable")
	}
	if env[len(env)-2] != "B=2" || env[len(env)-1] != "A=1" {
		t.Fatalf("expected overrides at the end, got %v", env[len(env)-2:])
	}

	cfg.InheritEnv = false
	env = cfg.Environ()
	if strings.Join(env, ",") != "B=2,A=1" {
		t.Fatalf("expected only overrides, got %v", env)
	}
	cfg.Env = nil
	if env := cfg.Environ(); env == nil || len(env) != 0 {
		t.Fatalf("expected empty non-nil env, got %v", env)
	}
}

func TestMonkeyCommand(t *testing.T) {
	cfg := MonkeyConfig{Binary: "./nsmonkey", Args: []string{"--verbose"}}
	if got := strings.Join(cfg.Command(), " "); got != "./nsmonkey --verbose" {
		t.Fatalf("unexpected command %q", got)
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
