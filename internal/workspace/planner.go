// Package workspace resolves the filesystem layout and naming for a new run.
// The planner computes paths and names only; materialization is the
// repository manager's job.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IITvamp/cmux/internal/ai"
	"github.com/IITvamp/cmux/internal/config"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/errdefs"
)

// DefaultProjectsDirName is the directory under $HOME holding all origins and
// worktrees when the user has not overridden the worktree root.
const DefaultProjectsDirName = "cmux"

// WorktreeInfo is the resolved layout for one run.
type WorktreeInfo struct {
	ProjectsRoot string // e.g. ~/cmux
	ProjectDir   string // <root>/<repo>
	OriginPath   string // <root>/<repo>/origin
	WorktreesDir string // <root>/<repo>/worktrees
	BranchName   string
	FolderName   string
	WorktreePath string // <worktreesDir>/<folder>
	RepoName     string
}

// Request carries the planner inputs.
type Request struct {
	RepoURL     string
	Branch      string // optional; base branch hint
	Description string // optional; feeds AI naming
	Prefix      string // optional; overrides settings branch prefix
}

// Planner resolves layouts from user settings.
type Planner struct {
	settings controlplane.Settings
	gen      *ai.Generator
	now      func() time.Time
}

// NewPlanner creates a planner bound to a settings snapshot. gen may be nil
// to disable AI naming.
func NewPlanner(settings controlplane.Settings, gen *ai.Generator) *Planner {
	return &Planner{settings: settings, gen: gen, now: time.Now}
}

// RepoNameFromURL derives the repository directory name from its URL,
// stripping a trailing .git and any path/scm prefix.
func RepoNameFromURL(url string) string {
	name := strings.TrimSuffix(strings.TrimSpace(url), "/")
	name = strings.TrimSuffix(name, ".git")
	if idx := strings.LastIndexAny(name, "/:"); idx != -1 {
		name = name[idx+1:]
	}
	if name == "" {
		name = "repository"
	}
	return name
}

// Plan resolves the layout for one run. It never touches the filesystem
// beyond reading the projects root for the pre-flight guard.
func (p *Planner) Plan(ctx context.Context, req Request) (*WorktreeInfo, error) {
	if req.RepoURL == "" {
		return nil, fmt.Errorf("repository URL is required")
	}

	root := p.settings.WorktreePath
	if root == "" {
		root = filepath.Join(config.HomeDir(), DefaultProjectsDirName)
	} else {
		root = config.ExpandHome(root)
	}

	if err := checkProjectsRoot(root); err != nil {
		return nil, err
	}

	repoName := RepoNameFromURL(req.RepoURL)
	projectDir := filepath.Join(root, repoName)

	branch := p.branchName(ctx, req)
	folder := SanitizeFolderName(branch)

	return &WorktreeInfo{
		ProjectsRoot: root,
		ProjectDir:   projectDir,
		OriginPath:   filepath.Join(projectDir, "origin"),
		WorktreesDir: filepath.Join(projectDir, "worktrees"),
		BranchName:   branch,
		FolderName:   folder,
		WorktreePath: filepath.Join(projectDir, "worktrees", folder),
		RepoName:     repoName,
	}, nil
}

func (p *Planner) branchName(ctx context.Context, req Request) string {
	prefix := req.Prefix
	if prefix == "" {
		prefix = p.settings.BranchPrefix
	}
	if prefix == "" {
		prefix = "cmux"
	}

	if p.settings.AIAssistEnabled && p.gen.Enabled() {
		if slug := p.gen.BranchSlug(ctx, req.Description); slug != "" {
			return prefix + "/" + slug
		}
	}
	return fmt.Sprintf("%s-%d", prefix, p.now().UnixMilli())
}

// checkProjectsRoot guards against writing into a human's working copy: every
// entry under the root must be a project directory, i.e. contain only
// origin/ and worktrees/. A missing or empty root is fine.
func checkProjectsRoot(root string) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read projects root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			return errdefs.PreconditionFailed("unexpected files in projects root %s: %s", root, entry.Name())
		}
		sub, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		for _, child := range sub {
			if child.Name() != "origin" && child.Name() != "worktrees" {
				return errdefs.PreconditionFailed("unexpected files in projects root %s: %s/%s", root, entry.Name(), child.Name())
			}
		}
	}
	return nil
}

// SanitizeFolderName converts a branch name to a safe path component.
// Example: "cmux/fix-typo" -> "cmux-fix-typo".
func SanitizeFolderName(branch string) string {
	safe := branch
	safe = strings.ReplaceAll(safe, "/", "-")
	safe = strings.ReplaceAll(safe, "\\", "-")
	safe = strings.ReplaceAll(safe, " ", "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		safe = "unnamed"
	}
	return safe
}
