//go:build linux || darwin

package app

import (
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/sehttpd/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Port = 0
	cfg.Root = root
	cfg.Backend = "emulated"
	cfg.MaxConns = 16
	cfg.Buffers = 32
	cfg.QueueDepth = 256
	cfg.GOGC = 0
	cfg.LogLevel = "error"
	return cfg
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "text", false},
		{"debug", "json", false},
		{"warning", "", false},
		{"loud", "text", true},
	}

	for _, tt := range tests {
		logger, err := NewLogger(tt.level, tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s/%s: unexpected error %v", tt.level, tt.format, err)
			continue
		}
		if err == nil && logger.GetLevel().String() != tt.level {
			t.Errorf("Expected level %s, got %s", tt.level, logger.GetLevel())
		}
	}
}

func TestApp_ServesOverEmulatedRing(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	port := a.Engine().Addr().(*net.TCPAddr).Port
	client := &nethttp.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		cancel()
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "<h1>hi</h1>" {
		t.Errorf("Unexpected body %q", body)
	}
	if got := resp.Header.Get("Server"); got != "seHTTPd" {
		t.Errorf("Expected Server seHTTPd, got %q", got)
	}

	resp, err = client.Get(fmt.Sprintf("http://127.0.0.1:%d/nope.html", port))
	if err != nil {
		cancel()
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != nethttp.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_StatsHandler(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.close()

	h := a.statsHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pools", nil))
	if rec.Code != nethttp.StatusOK || !strings.Contains(rec.Body.String(), "emulated") {
		t.Errorf("Unexpected /debug/pools response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pools?format=text", nil))
	if !strings.Contains(rec.Body.String(), "Pool Statistics") {
		t.Errorf("Unexpected text stats %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "sehttpd_slots_in_use") {
		t.Errorf("Missing slot gauge in metrics output")
	}
}
