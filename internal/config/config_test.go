package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKER_IMAGE_NAME", "")
	t.Setenv("PORT", "")
	t.Setenv("CMUX_ENV", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkerImage != DefaultWorkerImage {
		t.Errorf("WorkerImage = %q", cfg.WorkerImage)
	}
	if cfg.ServerPort != 0 {
		t.Errorf("ServerPort = %d, want 0", cfg.ServerPort)
	}
	if cfg.Production {
		t.Error("Production = true by default")
	}
	if filepath.Base(cfg.DataDir) != DataDirName {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_IMAGE_NAME", "custom/worker:1")
	t.Setenv("PORT", "9090")
	t.Setenv("CMUX_ENV", "production")
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerImage != "custom/worker:1" {
		t.Errorf("WorkerImage = %q", cfg.WorkerImage)
	}
	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d", cfg.ServerPort)
	}
	if !cfg.Production {
		t.Error("Production = false with CMUX_ENV=production")
	}
	if cfg.GitHubToken != "ghp_test" {
		t.Errorf("GitHubToken = %q", cfg.GitHubToken)
	}
}

func TestGHTokenFallback(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "gho_alt")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GitHubToken != "gho_alt" {
		t.Errorf("GitHubToken = %q, want GH_TOKEN fallback", cfg.GitHubToken)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/work/cmux", filepath.Join(home, "work", "cmux")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~user/path", "~user/path"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
