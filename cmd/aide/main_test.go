package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/aide/internal/config"
	"github.com/nugget/aide/internal/prompts"
)

// writeConfig writes a minimal config rooted in a temp dir and returns
// its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\ntimezone: UTC\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(t.Context(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: aide") {
			t.Errorf("run(%v) output missing usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without message", []string{"ask"}, "usage: aide ask"},
		{"missing config", []string{"-config", "/nonexistent/aide.yaml", "chunks"}, "/nonexistent/aide.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(t.Context(), &stdout, &stderr, tt.args)
			if err == nil {
				t.Fatalf("run(%v) succeeded, want error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "aide ") {
		t.Errorf("text version = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(t.Context(), &stdout, &stderr, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode version json: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version json missing fields: %v", info)
	}
}

func TestRun_ChunksEmpty(t *testing.T) {
	cfgPath := writeConfig(t)

	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"-config", cfgPath, "chunks"}); err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "No archived chunks." {
		t.Errorf("chunks output = %q", got)
	}

	stdout.Reset()
	if err := run(t.Context(), &stdout, &stderr, []string{"-config=" + cfgPath, "-o", "json", "chunks"}); err != nil {
		t.Fatalf("chunks json: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "[]" {
		t.Errorf("chunks json = %q, want []", got)
	}
}

func TestRun_ChunkNotFound(t *testing.T) {
	cfgPath := writeConfig(t)

	var stdout, stderr bytes.Buffer
	err := run(t.Context(), &stdout, &stderr, []string{"-config", cfgPath, "chunks", "0192d3a4-0000-7000-8000-000000000000"})
	if err == nil || !strings.Contains(err.Error(), "no chunk with id") {
		t.Fatalf("chunks <missing id> error = %v", err)
	}
}

func TestRun_RecoverClean(t *testing.T) {
	cfgPath := writeConfig(t)

	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"-config", cfgPath, "recover"}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "Nothing to recover." {
		t.Errorf("recover output = %q", got)
	}

	// The app creates its ledger next to the archive.
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "data", "budget.db")); err != nil {
		t.Errorf("budget ledger not created: %v", err)
	}
}

func TestPricingFrom(t *testing.T) {
	p := pricingFrom(map[string]config.PriceConfig{
		"claude-sonnet-4-5": {Input: 3, Output: 15},
	})
	if got := p.Cost("claude-sonnet-4-5", 1_000_000, 1_000_000); got != 18 {
		t.Errorf("Cost = %v, want 18", got)
	}
	if got := p.Cost("llama3", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("unpriced model Cost = %v, want 0", got)
	}
}

func TestLoadPersona(t *testing.T) {
	got, err := loadPersona("")
	if err != nil {
		t.Fatalf("loadPersona(\"\"): %v", err)
	}
	if got != prompts.BaseSystemPrompt() {
		t.Error("empty path should return the built-in prompt")
	}

	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("You are Ada."), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := loadPersona(path); err != nil || got != "You are Ada." {
		t.Errorf("loadPersona(file) = %q, %v", got, err)
	}

	if _, err := loadPersona(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("missing persona file should fail")
	}
}
