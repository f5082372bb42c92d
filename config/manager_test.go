package config

import (
	"testing"
	"time"
)

func TestManager_LoadFromEnv(t *testing.T) {
	t.Setenv("SEHTTPD_QUEUE_DEPTH", "128")
	t.Setenv("OTHER_PORT", "1")

	m := NewManager()
	m.LoadFromEnv("SEHTTPD")

	if got := m.GetInt("queue-depth"); got != 128 {
		t.Errorf("Expected 128, got %d", got)
	}
	if _, ok := m.Get("port"); ok {
		t.Error("Variable without prefix was loaded")
	}
}

func TestManager_GetString(t *testing.T) {
	m := NewManager()
	m.Set("int", float64(4096))
	m.Set("bool", true)
	m.Set("str", "x")

	tests := map[string]string{"int": "4096", "bool": "true", "str": "x"}
	for key, want := range tests {
		if got := m.GetString(key); got != want {
			t.Errorf("%s: expected %q, got %q", key, want, got)
		}
	}
	if got := m.GetString("missing", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
}

func TestManager_GetDuration(t *testing.T) {
	m := NewManager()
	m.Set("a", "2s")
	m.Set("b", "750")
	m.Set("c", float64(20))

	tests := map[string]time.Duration{"a": 2 * time.Second, "b": 750 * time.Millisecond, "c": 20 * time.Millisecond}
	for key, want := range tests {
		if got := m.GetDuration(key); got != want {
			t.Errorf("%s: expected %v, got %v", key, want, got)
		}
	}
}

func TestManager_LoadFromJSONNested(t *testing.T) {
	path := writeJSON(t, `{"log": {"level": "debug"}, "port": 1}`)

	m := NewManager()
	if err := m.LoadFromJSON(path); err != nil {
		t.Fatalf("LoadFromJSON failed: %v", err)
	}

	if got := m.GetString("log.level"); got != "debug" {
		t.Errorf("Expected nested key log.level, got %q", got)
	}
	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "log.level" || keys[1] != "port" {
		t.Errorf("Unexpected keys %v", keys)
	}
}
