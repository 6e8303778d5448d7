package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.RootDir != def.RootDir || cfg.BaseURL != def.BaseURL {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Downloader.RateLimitRPS != 1.0 {
		t.Fatalf("expected default rate limit, got %v", cfg.Downloader.RateLimitRPS)
	}
}

func TestLoadPartialOverrideKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"root_dir":"/custom/path"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RootDir != "/custom/path" {
		t.Fatalf("override did not apply: %+v", cfg)
	}
	if cfg.BaseURL != Default().BaseURL {
		t.Fatalf("unspecified field should keep its default, got %q", cfg.BaseURL)
	}
	if len(cfg.Downloader.Strategies) != 5 {
		t.Fatalf("unspecified downloader strategies should keep their default, got %+v", cfg.Downloader.Strategies)
	}
}

func TestDefaultWithExampleRulesAddsFourRules(t *testing.T) {
	cfg := DefaultWithExampleRules()
	if len(cfg.Sorting.Rules) != 4 {
		t.Fatalf("expected 4 example rules, got %d", len(cfg.Sorting.Rules))
	}
	last := cfg.Sorting.Rules[len(cfg.Sorting.Rules)-1]
	if last.If != "true" {
		t.Fatalf("expected the last rule to be the catch-all true rule, got %+v", last)
	}
}

func TestEnsureStateDirsCreatesAllSubdirs(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	if err := EnsureStateDirs(stateDir); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"catalog", "local", "plans", "downloads"} {
		if info, err := os.Stat(filepath.Join(stateDir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected subdir %q to exist", sub)
		}
	}
}
