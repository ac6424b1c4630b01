package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/IITvamp/cmux/internal/errdefs"
)

// setupUpstream creates a git repo with one commit to act as the clone source.
func setupUpstream(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git setup failed: %v: %s", err, out)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git commit failed: %v: %s", err, out)
		}
	}
	return dir
}

func TestEnsureRepository_CloneThenFetch(t *testing.T) {
	upstream := setupUpstream(t)
	origin := filepath.Join(t.TempDir(), "proj", "origin")

	m := NewManager()
	ctx := context.Background()

	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatalf("EnsureRepository() clone error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(origin, ".git")); err != nil {
		t.Fatalf("clone missing .git: %v", err)
	}

	// Second call takes the fetch path.
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatalf("EnsureRepository() fetch error = %v", err)
	}
}

func TestEnsureRepository_ConcurrentSameOrigin(t *testing.T) {
	upstream := setupUpstream(t)
	origin := filepath.Join(t.TempDir(), "proj", "origin")

	m := NewManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureRepository(ctx, upstream, origin, "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("concurrent EnsureRepository[%d] error = %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(origin, ".git")); err != nil {
		t.Fatalf("origin missing after concurrent ensure: %v", err)
	}
}

func TestGetDefaultBranch(t *testing.T) {
	upstream := setupUpstream(t)
	origin := filepath.Join(t.TempDir(), "origin")

	m := NewManager()
	ctx := context.Background()
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatal(err)
	}

	branch, err := m.GetDefaultBranch(ctx, origin)
	if err != nil {
		t.Fatalf("GetDefaultBranch() error = %v", err)
	}
	if branch != "main" {
		t.Errorf("GetDefaultBranch() = %q, want main", branch)
	}

	// Cached second lookup returns the same answer.
	cached, err := m.GetDefaultBranch(ctx, origin)
	if err != nil || cached != branch {
		t.Errorf("cached GetDefaultBranch() = %q, %v", cached, err)
	}
}

func TestCreateWorktree(t *testing.T) {
	upstream := setupUpstream(t)
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	wt := filepath.Join(root, "worktrees", "cmux-1")

	m := NewManager()
	ctx := context.Background()
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatal(err)
	}

	if err := m.CreateWorktree(ctx, origin, wt, "cmux-1", "main"); err != nil {
		t.Fatalf("CreateWorktree() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Errorf("worktree content missing: %v", err)
	}

	exists, err := m.WorktreeExists(ctx, origin, wt)
	if err != nil || !exists {
		t.Errorf("WorktreeExists() = %v, %v, want true", exists, err)
	}

	// Same branch again must fail with AlreadyExists.
	err = m.CreateWorktree(ctx, origin, filepath.Join(root, "worktrees", "other"), "cmux-1", "main")
	if !errdefs.IsKind(err, errdefs.KindAlreadyExists) {
		t.Errorf("duplicate branch error = %v, want AlreadyExists", err)
	}
}

func TestCreateWorktree_RepairsMissingDirectory(t *testing.T) {
	upstream := setupUpstream(t)
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	wt := filepath.Join(root, "worktrees", "cmux-repair")

	m := NewManager()
	ctx := context.Background()
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateWorktree(ctx, origin, wt, "cmux-repair", "main"); err != nil {
		t.Fatal(err)
	}

	// Simulate the half-state: directory gone, registration left behind.
	if err := os.RemoveAll(wt); err != nil {
		t.Fatal(err)
	}

	if err := m.CreateWorktree(ctx, origin, wt, "cmux-repair-2", "main"); err != nil {
		t.Fatalf("CreateWorktree() after repair error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Errorf("repaired worktree content missing: %v", err)
	}
}

func TestRemoveWorktree(t *testing.T) {
	upstream := setupUpstream(t)
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	wt := filepath.Join(root, "worktrees", "cmux-rm")

	m := NewManager()
	ctx := context.Background()
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateWorktree(ctx, origin, wt, "cmux-rm", "main"); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveWorktree(ctx, origin, wt); err != nil {
		t.Fatalf("RemoveWorktree() error = %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("worktree directory still present")
	}
	exists, _ := m.WorktreeExists(ctx, origin, wt)
	if exists {
		t.Errorf("worktree still registered after remove")
	}
}

func TestListWorktrees(t *testing.T) {
	upstream := setupUpstream(t)
	root := t.TempDir()
	origin := filepath.Join(root, "origin")

	m := NewManager()
	ctx := context.Background()
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"wt-a", "wt-b"} {
		if err := m.CreateWorktree(ctx, origin, filepath.Join(root, "worktrees", name), name, "main"); err != nil {
			t.Fatal(err)
		}
	}

	list, err := m.ListWorktrees(ctx, origin)
	if err != nil {
		t.Fatalf("ListWorktrees() error = %v", err)
	}
	// Main checkout plus two worktrees.
	if len(list) != 3 {
		t.Errorf("ListWorktrees() len = %d, want 3", len(list))
	}
	branches := map[string]bool{}
	for _, wt := range list {
		branches[wt.Branch] = true
	}
	if !branches["wt-a"] || !branches["wt-b"] {
		t.Errorf("ListWorktrees() branches = %v", branches)
	}
}

func TestUniqueBranchName(t *testing.T) {
	upstream := setupUpstream(t)
	root := t.TempDir()
	origin := filepath.Join(root, "origin")

	m := NewManager()
	ctx := context.Background()
	if err := m.EnsureRepository(ctx, upstream, origin, ""); err != nil {
		t.Fatal(err)
	}

	// No collision: name passes through.
	if got := m.UniqueBranchName(ctx, origin, "fresh"); got != "fresh" {
		t.Errorf("UniqueBranchName() = %q, want fresh", got)
	}

	// Collision: a disambiguator is appended.
	if err := m.CreateWorktree(ctx, origin, filepath.Join(root, "worktrees", "taken"), "taken", "main"); err != nil {
		t.Fatal(err)
	}
	got := m.UniqueBranchName(ctx, origin, "taken")
	if got == "taken" || len(got) != len("taken")+5 {
		t.Errorf("UniqueBranchName() = %q, want taken-XXXX", got)
	}
}

func TestParseWorktrees(t *testing.T) {
	out := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\nworktree /repo/wt\nHEAD def456\nbranch refs/heads/feature\n\nworktree /detached\nHEAD 999999\ndetached\n"
	list := parseWorktrees(out)
	if len(list) != 3 {
		t.Fatalf("parseWorktrees() len = %d, want 3", len(list))
	}
	if list[1].Path != "/repo/wt" || list[1].Branch != "feature" {
		t.Errorf("parseWorktrees()[1] = %+v", list[1])
	}
	if list[2].Branch != "" {
		t.Errorf("detached worktree branch = %q, want empty", list[2].Branch)
	}
}
