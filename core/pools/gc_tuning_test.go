package pools

import (
	"runtime"
	"runtime/debug"
	"testing"
)

func TestApplyGCConfig(t *testing.T) {
	orig := debug.SetGCPercent(100)
	defer debug.SetGCPercent(orig)

	if prev := ApplyGCConfig(GCConfig{GOGC: 300}); prev != 100 {
		t.Errorf("Expected previous GOGC 100, got %d", prev)
	}
	if cur := debug.SetGCPercent(300); cur != 300 {
		t.Errorf("Expected GOGC 300, got %d", cur)
	}

	if prev := ApplyGCConfig(GCConfig{}); prev != -1 {
		t.Errorf("Expected -1 for untouched GOGC, got %d", prev)
	}
}

func TestGetGCStats(t *testing.T) {
	runtime.GC()
	stats := GetGCStats()
	if stats.NumGC == 0 {
		t.Error("Expected at least one GC cycle")
	}
	if stats.Sys == 0 || stats.HeapAlloc == 0 {
		t.Errorf("Expected memory figures, got %+v", stats)
	}
}
