package config

import (
	"testing"
	"time"
)

func TestLoadPrecedence(t *testing.T) {
	m := NewConfigManager()
	opt := m.RegisterOption("gamesched.test_value", "test", 10)

	if opt.GetInt() != 10 {
		t.Fatalf("expected default 10, got %d", opt.GetInt())
	}

	m.AddSource(MapSource{"gamesched.test_value": "20"})
	m.AddSource(MapSource{"gamesched.test_value": "30"})
	m.Load()

	if opt.GetInt() != 30 {
		t.Errorf("expected last source to win with 30, got %d", opt.GetInt())
	}

	if opt.ConfigSource == nil || opt.ConfigSource.Name() != "map" {
		t.Errorf("unexpected config source: %v", opt.ConfigSource)
	}
}

func TestTypedValues(t *testing.T) {
	m := NewConfigManager()
	m.AddSource(MapSource{
		"gamesched.flag":    "yes",
		"gamesched.timeout": " 900 ",
	})

	flag := m.RegisterOption("gamesched.flag", "", false)
	timeout := m.RegisterOption("gamesched.timeout", "", 0)
	unset := m.RegisterOption("gamesched.unset", "", "fallback")

	if !flag.GetBool() {
		t.Error("expected flag to be true")
	}

	if timeout.GetSeconds() != 900*time.Second {
		t.Errorf("expected 900s, got %s", timeout.GetSeconds())
	}

	if unset.GetString() != "fallback" {
		t.Errorf("expected fallback, got %q", unset.GetString())
	}
}

func TestEnvKey(t *testing.T) {
	if k := EnvKey("gamesched.wake_timeout_seconds"); k != "GAMESCHED_WAKE_TIMEOUT_SECONDS" {
		t.Errorf("unexpected env key %q", k)
	}
}

func TestSorted(t *testing.T) {
	m := NewConfigManager()
	m.RegisterOption("b", "", nil)
	m.RegisterOption("a", "", nil)
	m.RegisterOption("c", "", nil)

	sorted := m.Sorted()
	if sorted[0].Name != "a" || sorted[1].Name != "b" || sorted[2].Name != "c" {
		t.Errorf("options not sorted: %s %s %s", sorted[0].Name, sorted[1].Name, sorted[2].Name)
	}
}
