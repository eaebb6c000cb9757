package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Moltbridge") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %q", out.String())
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("error = %v", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"--frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("error = %v", err)
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Errorf("error = %v", err)
	}
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-h"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunValidate(t *testing.T) {
	// A 400 for the empty probe still proves the gateway is reachable and
	// the credentials work.
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "empty messages", http.StatusBadRequest)
	}))
	defer gw.Close()

	path := filepath.Join(t.TempDir(), "moltbridge.yaml")
	cfg := fmt.Sprintf(`
upstream:
  openclaw_url: %s
  api_key: sk-test
agents:
  - name: main
    ha_mcp_url: http://homeassistant.local:8123/mcp
`, gw.URL)
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-config", path, "validate"}); err != nil {
		t.Fatalf("run: %v (output: %s)", err, out.String())
	}
	if !strings.Contains(out.String(), "config ok") || !strings.Contains(out.String(), "gateway ok") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moltbridge.yaml")
	if err := os.WriteFile(path, []byte("upstream:\n  api_key: sk-test\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", path, "validate"})
	if err == nil || !strings.Contains(err.Error(), "config invalid") {
		t.Errorf("error = %v", err)
	}
}

func TestRunValidateRejectsBadCredentials(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer gw.Close()

	path := filepath.Join(t.TempDir(), "moltbridge.yaml")
	cfg := fmt.Sprintf(`
upstream:
  openclaw_url: %s
  api_key: sk-wrong
agents:
  - name: main
    ha_mcp_url: http://homeassistant.local:8123/mcp
`, gw.URL)
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", path, "validate"})
	if err == nil || !strings.Contains(err.Error(), "rejected credentials") {
		t.Errorf("error = %v", err)
	}
	// The failing key must never appear in output or error text.
	if strings.Contains(out.String()+err.Error(), "sk-wrong") {
		t.Error("credential leaked into output")
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("run: %v", err)
	}

	path := filepath.Join(dir, "moltbridge.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "openclaw_url") {
		t.Errorf("example config missing upstream section")
	}

	// Re-running must not clobber an edited file.
	if err := os.WriteFile(path, []byte("edited: true\n"), 0o600); err != nil {
		t.Fatalf("edit config: %v", err)
	}
	if err := run(t.Context(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "edited: true\n" {
		t.Error("init overwrote an existing config")
	}
}
