// Package config resolves process configuration from the environment.
// Durable user settings (worktree root, limits, cleanup policy) live in the
// control plane; everything here is host-local.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const (
	// DefaultWorkerImage is the in-container worker image used when
	// WORKER_IMAGE_NAME is unset.
	DefaultWorkerImage = "cmux/worker:latest"

	// DataDirName is the directory under $HOME where cmux keeps its state.
	DataDirName = ".cmux"
)

// Config is the resolved host-local configuration.
type Config struct {
	WorkerImage  string // WORKER_IMAGE_NAME
	ServerPort   int    // PORT; 0 means unix socket only
	DataDir      string // ~/.cmux
	SocketPath   string // control socket
	DBPath       string // control-plane bbolt file
	LogLevel     string
	LogJSON      bool
	AnthropicKey string // ANTHROPIC_API_KEY; empty disables AI naming
	GitHubToken  string // GITHUB_TOKEN or GH_TOKEN
	Production   bool   // CMUX_ENV=production
}

// Load resolves configuration from the environment with defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := filepath.Join(home, DataDirName)
	cfg := &Config{
		WorkerImage: envOr("WORKER_IMAGE_NAME", DefaultWorkerImage),
		DataDir:     dataDir,
		SocketPath:  filepath.Join(dataDir, "cmuxd.sock"),
		DBPath:      filepath.Join(dataDir, "controlplane.db"),
		LogLevel:    envOr("CMUX_LOG_LEVEL", "info"),
		LogJSON:     os.Getenv("CMUX_LOG_JSON") == "1",
		Production:  os.Getenv("CMUX_ENV") == "production",
	}

	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.ServerPort = n
		}
	}

	cfg.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.GitHubToken = envOr("GITHUB_TOKEN", os.Getenv("GH_TOKEN"))

	return cfg, nil
}

// EnsureDataDir creates the data directory if missing.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// HomeDir returns the user's home directory, honoring APPDATA on Windows the
// way git's own config lookup does.
func HomeDir() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return appdata
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// ExpandHome expands a leading ~ in path to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return HomeDir()
	}
	if len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(HomeDir(), path[2:])
	}
	return path
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
