// Package repo keeps at most one filesystem copy of each upstream repository
// and materializes git worktrees for runs. All clone/fetch and worktree
// mutations for one origin are serialized by a per-path mutex.
package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
)

const (
	cloneTimeout = 60 * time.Second
	fetchTimeout = 30 * time.Second
)

// Manager deduplicates clones and manages worktrees.
type Manager struct {
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // originPath -> mutex

	branchMu        sync.Mutex
	defaultBranches map[string]string // originPath -> cached default branch
}

// NewManager creates a repository manager.
func NewManager() *Manager {
	return &Manager{
		log:             logging.WithComponent("repo"),
		locks:           make(map[string]*sync.Mutex),
		defaultBranches: make(map[string]string),
	}
}

// lockOrigin returns the mutex guarding one origin path, creating it on first
// use. Concurrent callers for the same path coalesce behind the same lock;
// different paths proceed in parallel.
func (m *Manager) lockOrigin(originPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[originPath]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[originPath] = lock
	}
	return lock
}

// EnsureRepository guarantees a valid clone at originPath: fetches when the
// clone exists, shallow-clones otherwise. branchHint, when set, narrows the
// initial clone.
func (m *Manager) EnsureRepository(ctx context.Context, url, originPath, branchHint string) error {
	lock := m.lockOrigin(originPath)
	lock.Lock()
	defer lock.Unlock()

	gitDir := filepath.Join(originPath, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		return m.fetch(ctx, originPath)
	}

	return m.clone(ctx, url, originPath, branchHint)
}

func (m *Manager) clone(ctx context.Context, url, originPath, branchHint string) error {
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(originPath), 0755); err != nil {
		return fmt.Errorf("create projects dir: %w", err)
	}

	args := []string{"clone", "--depth", "1"}
	if branchHint != "" {
		args = append(args, "--branch", branchHint)
	}
	args = append(args, url, originPath)

	m.log.Info().Str("url", url).Str("path", originPath).Msg("cloning repository")
	if _, err := runIn(ctx, "", args...); err != nil {
		// Leave no half-clone behind: the directory is either valid or absent.
		_ = os.RemoveAll(originPath)
		if ctx.Err() == context.DeadlineExceeded {
			return errdefs.Timeout("clone of %s", url)
		}
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

func (m *Manager) fetch(ctx context.Context, originPath string) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	g := &gitRunner{dir: originPath}
	if _, err := g.run(ctx, "fetch", "origin", "--prune"); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errdefs.Timeout("fetch in %s", originPath)
		}
		return errdefs.Transient(err, "fetch in %s", originPath)
	}
	return nil
}

// GetDefaultBranch asks git for the remote HEAD and caches the answer per
// origin path.
func (m *Manager) GetDefaultBranch(ctx context.Context, originPath string) (string, error) {
	m.branchMu.Lock()
	if cached, ok := m.defaultBranches[originPath]; ok {
		m.branchMu.Unlock()
		return cached, nil
	}
	m.branchMu.Unlock()

	g := &gitRunner{dir: originPath}
	branch := ""
	if out, err := g.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil && out != "" {
		branch = out[strings.LastIndex(out, "/")+1:]
	}
	if branch == "" {
		// Remote HEAD not set locally; ask the remote directly.
		if out, err := g.run(ctx, "ls-remote", "--symref", "origin", "HEAD"); err == nil {
			for _, line := range strings.Split(out, "\n") {
				if strings.HasPrefix(line, "ref: refs/heads/") {
					fields := strings.Fields(strings.TrimPrefix(line, "ref: refs/heads/"))
					if len(fields) > 0 {
						branch = fields[0]
					}
					break
				}
			}
		}
	}
	if branch == "" {
		for _, name := range []string{"main", "master"} {
			if _, err := g.run(ctx, "rev-parse", "--verify", "refs/remotes/origin/"+name); err == nil {
				branch = name
				break
			}
		}
	}
	if branch == "" {
		return "", errdefs.NotFound("default branch for %s", originPath)
	}

	m.branchMu.Lock()
	m.defaultBranches[originPath] = branch
	m.branchMu.Unlock()
	return branch, nil
}

// CreateWorktree creates a worktree at worktreePath checked out to a new
// branch tracking origin/<baseBranch>. Returns AlreadyExists when the branch
// or the path is taken.
func (m *Manager) CreateWorktree(ctx context.Context, originPath, worktreePath, branchName, baseBranch string) error {
	lock := m.lockOrigin(originPath)
	lock.Lock()
	defer lock.Unlock()

	g := &gitRunner{dir: originPath}

	if _, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branchName); err == nil {
		return errdefs.AlreadyExists("branch %s", branchName)
	}

	// Repair half-states before creating: a worktree registered in git whose
	// directory is gone, or a directory git has forgotten about.
	m.repairWorktree(ctx, g, worktreePath)

	if _, err := os.Stat(worktreePath); err == nil {
		return errdefs.AlreadyExists("worktree path %s", worktreePath)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return fmt.Errorf("create worktrees dir: %w", err)
	}

	start := "origin/" + baseBranch
	if _, err := g.run(ctx, "rev-parse", "--verify", start); err != nil {
		// Shallow clones of a non-default branch may lack the base ref; fetch it.
		if _, ferr := g.run(ctx, "fetch", "origin", baseBranch); ferr != nil {
			return fmt.Errorf("base branch %s unavailable: %w", baseBranch, err)
		}
	}

	if _, err := g.run(ctx, "worktree", "add", "-b", branchName, worktreePath, start); err != nil {
		return fmt.Errorf("worktree add: %w", err)
	}
	return nil
}

// repairWorktree removes a worktree registration whose directory is missing,
// or an orphaned directory git does not know about. Caller holds the origin
// lock.
func (m *Manager) repairWorktree(ctx context.Context, g *gitRunner, worktreePath string) {
	registered := false
	if out, err := g.run(ctx, "worktree", "list", "--porcelain"); err == nil {
		for _, wt := range parseWorktrees(out) {
			if wt.Path == worktreePath {
				registered = true
				break
			}
		}
	}
	_, statErr := os.Stat(worktreePath)
	onDisk := statErr == nil

	switch {
	case registered && !onDisk:
		m.log.Warn().Str("path", worktreePath).Msg("worktree registered but missing from disk; removing registration")
		_, _ = g.run(ctx, "worktree", "remove", "--force", worktreePath)
		_, _ = g.run(ctx, "worktree", "prune")
	case !registered && onDisk:
		m.log.Warn().Str("path", worktreePath).Msg("orphaned worktree directory; removing")
		_ = os.RemoveAll(worktreePath)
	}
}

// WorktreeExists reports whether worktreePath is registered in git and
// present on disk.
func (m *Manager) WorktreeExists(ctx context.Context, originPath, worktreePath string) (bool, error) {
	g := &gitRunner{dir: originPath}
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false, err
	}
	for _, wt := range parseWorktrees(out) {
		if wt.Path == worktreePath {
			_, statErr := os.Stat(worktreePath)
			return statErr == nil, nil
		}
	}
	return false, nil
}

// RemoveWorktree removes a worktree registration and its directory.
func (m *Manager) RemoveWorktree(ctx context.Context, originPath, worktreePath string) error {
	lock := m.lockOrigin(originPath)
	lock.Lock()
	defer lock.Unlock()

	g := &gitRunner{dir: originPath}
	_, _ = g.run(ctx, "worktree", "prune")
	if _, err := g.run(ctx, "worktree", "remove", "--force", worktreePath); err != nil {
		// Registration may already be gone; the directory still needs to go.
		if _, statErr := os.Stat(worktreePath); statErr == nil {
			return os.RemoveAll(worktreePath)
		}
		return nil
	}
	_ = os.RemoveAll(worktreePath)
	return nil
}

// ListWorktrees returns all worktrees registered on the origin.
func (m *Manager) ListWorktrees(ctx context.Context, originPath string) ([]Worktree, error) {
	g := &gitRunner{dir: originPath}
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktrees(out), nil
}

// BranchExists reports whether a local branch exists on the origin.
func (m *Manager) BranchExists(ctx context.Context, originPath, branchName string) bool {
	g := &gitRunner{dir: originPath}
	_, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branchName)
	return err == nil
}

// UniqueBranchName returns branchName, or branchName plus a short
// disambiguator when the branch is already taken on the origin.
func (m *Manager) UniqueBranchName(ctx context.Context, originPath, branchName string) string {
	if !m.BranchExists(ctx, originPath, branchName) {
		return branchName
	}
	sum := sha256.Sum256([]byte(branchName + time.Now().String()))
	return branchName + "-" + hex.EncodeToString(sum[:])[:4]
}
