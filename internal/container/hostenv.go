package container

import (
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/IITvamp/cmux/internal/worker"
)

// GitIdentity is the user's git identity read from the host.
type GitIdentity struct {
	Name  string
	Email string
}

// HostGitIdentity reads user.name and user.email from the host git config,
// preferring the global scope. Returns nil when neither is configured.
func HostGitIdentity() *GitIdentity {
	read := func(key string) string {
		if out, err := exec.Command("git", "config", "--global", key).Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
		if out, err := exec.Command("git", "config", key).Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
		return ""
	}
	name := read("user.name")
	email := read("user.email")
	if name == "" && email == "" {
		return nil
	}
	return &GitIdentity{Name: name, Email: email}
}

// HostSSHDir returns the user's ~/.ssh directory when present.
func HostSSHDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".ssh")
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}

// HostGHConfigDir returns the gh CLI config directory when present.
func HostGHConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".config", "gh")
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}

// HostSSHKeys loads the default SSH keypair and known_hosts, base64-encoded
// for the configure-git RPC. Returns nil when no private key exists.
func HostSSHKeys() *worker.SSHKeys {
	dir := HostSSHDir()
	if dir == "" {
		return nil
	}

	var keys worker.SSHKeys
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		priv, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		keys.PrivateKey = base64.StdEncoding.EncodeToString(priv)
		if pub, err := os.ReadFile(filepath.Join(dir, name+".pub")); err == nil {
			keys.PublicKey = base64.StdEncoding.EncodeToString(pub)
		}
		break
	}
	if keys.PrivateKey == "" {
		return nil
	}
	if kh, err := os.ReadFile(filepath.Join(dir, "known_hosts")); err == nil {
		keys.KnownHosts = base64.StdEncoding.EncodeToString(kh)
	}
	return &keys
}
