package container

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// DevcontainerConfig is the subset of devcontainer.json the engine reads.
type DevcontainerConfig struct {
	Name         string            `json:"name,omitempty"`
	Image        string            `json:"image,omitempty"`
	ContainerEnv map[string]string `json:"containerEnv,omitempty"`
}

// LoadDevcontainerConfig finds and parses devcontainer.json under the
// worktree. Returns nil, nil when none exists.
func LoadDevcontainerConfig(worktreePath string) (*DevcontainerConfig, error) {
	candidates := []string{
		filepath.Join(worktreePath, ".devcontainer", "devcontainer.json"),
		filepath.Join(worktreePath, ".devcontainer.json"),
	}
	var configPath string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}
	if configPath == "" {
		return nil, nil
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg DevcontainerConfig
	if err := json.Unmarshal(stripJSONC(content), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bootstrapDevcontainer fires the devcontainer bring-up inside the container
// when the worktree carries a devcontainer.json. Fire-and-forget: start()
// never waits on it; output goes to the workspace for later inspection.
func (i *Instance) bootstrapDevcontainer(containerID string) {
	devPath := filepath.Join(i.spec.WorktreePath, ".devcontainer", "devcontainer.json")
	if _, err := os.Stat(devPath); err != nil {
		return
	}

	script := "mkdir -p /root/workspace/.cmux && " +
		"devcontainer up --workspace-folder /root/workspace 2>&1 | tee /root/workspace/.cmux/devcontainer.log"

	go func() {
		if _, err := i.cli.Exec(context.Background(), containerID, []string{"sh", "-c", script}, true); err != nil {
			i.log.Warn().Err(err).Msg("devcontainer bootstrap failed to launch")
			return
		}
		i.log.Info().Msg("devcontainer bootstrap launched")
	}()
}

// stripJSONC removes // and /* */ comments and trailing commas so
// devcontainer.json's JSONC dialect parses as JSON.
func stripJSONC(input []byte) []byte {
	var out []byte
	inString, escaped := false, false
	for idx := 0; idx < len(input); idx++ {
		c := input[idx]

		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			out = append(out, c)
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && idx+1 < len(input) && input[idx+1] == '/':
			for idx < len(input) && input[idx] != '\n' {
				idx++
			}
			if idx < len(input) {
				out = append(out, '\n')
			}
		case c == '/' && idx+1 < len(input) && input[idx+1] == '*':
			idx += 2
			for idx+1 < len(input) && !(input[idx] == '*' && input[idx+1] == '/') {
				idx++
			}
			idx++
		case c == ',':
			// Drop the comma when the next non-space char closes a scope.
			j := idx + 1
			for j < len(input) && (input[j] == ' ' || input[j] == '\t' || input[j] == '\n' || input[j] == '\r') {
				j++
			}
			if j < len(input) && (input[j] == '}' || input[j] == ']') {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}
