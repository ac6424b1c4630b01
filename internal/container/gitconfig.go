package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GitConfigsDirName is the temp-dir subdirectory holding filtered configs.
const GitConfigsDirName = "cmux-git-configs"

// hostCredentialHelpers are credential helpers bound to host keychains that
// cannot work inside a container.
var hostCredentialHelpers = []string{
	"osxkeychain",
	"manager",
	"manager-core",
	"wincred",
	"libsecret",
	"gnome-keyring",
}

// FilterGitConfig rewrites the user's git config for container use: host
// keychain credential helpers and host TLS backend settings are stripped,
// everything else is kept, and a store credential helper is appended when no
// [credential] section survives. Returns the path of the filtered copy; a
// missing user git config is treated as empty, so the copy then holds only
// the store credential helper.
func FilterGitConfig(runID string) (string, error) {
	src := filepath.Join(gitConfigHome(), ".gitconfig")
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		data = nil
	} else if err != nil {
		return "", fmt.Errorf("read gitconfig: %w", err)
	}

	filtered, hasCredential := filterGitConfigContent(string(data))
	if !hasCredential {
		if filtered != "" && !strings.HasSuffix(filtered, "\n") {
			filtered += "\n"
		}
		filtered += "[credential]\n\thelper = store\n"
	}

	dir := filepath.Join(os.TempDir(), GitConfigsDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create git config dir: %w", err)
	}
	dst := filepath.Join(dir, "gitconfig-"+runID)
	if err := os.WriteFile(dst, []byte(filtered), 0600); err != nil {
		return "", fmt.Errorf("write filtered gitconfig: %w", err)
	}
	return dst, nil
}

// RemoveFilteredGitConfig deletes the filtered config for a run.
func RemoveFilteredGitConfig(runID string) {
	_ = os.Remove(filepath.Join(os.TempDir(), GitConfigsDirName, "gitconfig-"+runID))
}

// filterGitConfigContent strips host-only lines and reports whether a
// [credential] section with at least one setting survives.
func filterGitConfigContent(content string) (filtered string, hasCredential bool) {
	var out []string
	section := ""
	credentialSettings := 0

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[") {
			section = strings.ToLower(trimmed)
			out = append(out, line)
			continue
		}

		if isHostCredentialHelper(section, trimmed) {
			continue
		}
		if isHostTLSBackend(section, trimmed) {
			continue
		}

		if strings.HasPrefix(section, "[credential") && trimmed != "" && !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, ";") {
			credentialSettings++
		}
		out = append(out, line)
	}

	// Drop section headers left with no content at all.
	filtered = strings.Join(compactEmptySections(out), "\n")
	return filtered, credentialSettings > 0
}

func isHostCredentialHelper(section, line string) bool {
	if !strings.HasPrefix(section, "[credential") {
		return false
	}
	lower := strings.ToLower(line)
	if !strings.HasPrefix(lower, "helper") {
		return false
	}
	for _, helper := range hostCredentialHelpers {
		if strings.Contains(lower, helper) {
			return true
		}
	}
	return false
}

func isHostTLSBackend(section, line string) bool {
	if section != "[http]" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(line))
	return strings.HasPrefix(lower, "sslbackend") || strings.HasPrefix(lower, "sslcainfo") ||
		strings.HasPrefix(lower, "schannelcheckrevoke")
}

// compactEmptySections removes section headers immediately followed by
// another header or end of file.
func compactEmptySections(lines []string) []string {
	var out []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			empty := true
			for _, next := range lines[i+1:] {
				nt := strings.TrimSpace(next)
				if nt == "" {
					continue
				}
				if strings.HasPrefix(nt, "[") {
					break
				}
				empty = false
				break
			}
			if empty {
				continue
			}
		}
		out = append(out, line)
	}
	return out
}

func gitConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
