package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/errdefs"
)

func TestRepoNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"git@github.com:acme/app.git", "app"},
		{"https://github.com/acme/app.git", "app"},
		{"https://github.com/acme/app", "app"},
		{"git@host:solo.git", "solo"},
		{"app", "app"},
		{"", "repository"},
	}
	for _, tt := range tests {
		if got := RepoNameFromURL(tt.url); got != tt.want {
			t.Errorf("RepoNameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestPlan_Layout(t *testing.T) {
	root := t.TempDir()
	settings := controlplane.DefaultSettings()
	settings.WorktreePath = root
	settings.AIAssistEnabled = false

	p := NewPlanner(settings, nil)
	info, err := p.Plan(context.Background(), Request{
		RepoURL: "git@github.com:acme/app.git",
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if info.RepoName != "app" {
		t.Errorf("RepoName = %q", info.RepoName)
	}
	if info.OriginPath != filepath.Join(root, "app", "origin") {
		t.Errorf("OriginPath = %q", info.OriginPath)
	}
	if info.WorktreesDir != filepath.Join(root, "app", "worktrees") {
		t.Errorf("WorktreesDir = %q", info.WorktreesDir)
	}
	if !strings.HasPrefix(info.BranchName, "cmux-") {
		t.Errorf("BranchName = %q, want cmux-<millis>", info.BranchName)
	}
	if info.WorktreePath != filepath.Join(info.WorktreesDir, info.FolderName) {
		t.Errorf("WorktreePath = %q", info.WorktreePath)
	}

	// The planner never creates anything.
	if _, err := os.Stat(filepath.Join(root, "app")); !os.IsNotExist(err) {
		t.Errorf("Plan() touched the filesystem")
	}
}

func TestPlan_BranchPrefix(t *testing.T) {
	settings := controlplane.DefaultSettings()
	settings.WorktreePath = t.TempDir()
	settings.BranchPrefix = "agents"
	settings.AIAssistEnabled = false

	p := NewPlanner(settings, nil)
	info, err := p.Plan(context.Background(), Request{RepoURL: "x/app.git"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(info.BranchName, "agents-") {
		t.Errorf("BranchName = %q, want agents-<millis>", info.BranchName)
	}
}

func TestPlan_PreflightGuard(t *testing.T) {
	root := t.TempDir()

	// A project dir containing something that is not origin/worktrees means a
	// human's checkout: refuse.
	if err := os.MkdirAll(filepath.Join(root, "app", "src"), 0755); err != nil {
		t.Fatal(err)
	}

	settings := controlplane.DefaultSettings()
	settings.WorktreePath = root
	settings.AIAssistEnabled = false

	_, err := NewPlanner(settings, nil).Plan(context.Background(), Request{RepoURL: "x/app.git"})
	if !errdefs.IsKind(err, errdefs.KindPreconditionFailed) {
		t.Errorf("Plan() error = %v, want PreconditionFailed", err)
	}
}

func TestPlan_PreflightAcceptsValidLayout(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{
		filepath.Join(root, "app", "origin"),
		filepath.Join(root, "app", "worktrees"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	settings := controlplane.DefaultSettings()
	settings.WorktreePath = root
	settings.AIAssistEnabled = false

	if _, err := NewPlanner(settings, nil).Plan(context.Background(), Request{RepoURL: "x/app.git"}); err != nil {
		t.Errorf("Plan() error = %v, want nil for valid layout", err)
	}
}

func TestPlan_PreflightAcceptsEmptyRoot(t *testing.T) {
	settings := controlplane.DefaultSettings()
	settings.WorktreePath = t.TempDir() // exists, empty
	settings.AIAssistEnabled = false

	if _, err := NewPlanner(settings, nil).Plan(context.Background(), Request{RepoURL: "x/app.git"}); err != nil {
		t.Errorf("Plan() error = %v, want nil for empty root", err)
	}
}

func TestPlan_MissingRootAccepted(t *testing.T) {
	settings := controlplane.DefaultSettings()
	settings.WorktreePath = filepath.Join(t.TempDir(), "does-not-exist")
	settings.AIAssistEnabled = false

	if _, err := NewPlanner(settings, nil).Plan(context.Background(), Request{RepoURL: "x/app.git"}); err != nil {
		t.Errorf("Plan() error = %v, want nil for missing root", err)
	}
}

func TestSanitizeFolderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"cmux/fix-typo", "cmux-fix-typo"},
		{"my branch", "my-branch"},
		{"-weird-", "weird"},
		{"///", "unnamed"},
	}
	for _, tt := range tests {
		if got := SanitizeFolderName(tt.in); got != tt.want {
			t.Errorf("SanitizeFolderName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlan_DistinctBranchNamesOverTime(t *testing.T) {
	settings := controlplane.DefaultSettings()
	settings.WorktreePath = t.TempDir()
	settings.AIAssistEnabled = false

	// Millisecond clocks drive the fallback name; distinct ticks yield
	// distinct branches.
	seen := map[string]bool{}
	base := time.UnixMilli(1700000000000)
	for i := 0; i < 3; i++ {
		p := NewPlanner(settings, nil)
		at := base.Add(time.Duration(i) * time.Millisecond)
		p.now = func() time.Time { return at }
		info, err := p.Plan(context.Background(), Request{RepoURL: "x/app.git"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[info.BranchName] {
			t.Errorf("plan %d reused branch %q", i, info.BranchName)
		}
		seen[info.BranchName] = true
	}
}
