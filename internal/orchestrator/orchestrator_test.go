package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/IITvamp/cmux/internal/config"
	"github.com/IITvamp/cmux/internal/container"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/registry"
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

func newTestOrchestrator(t *testing.T, projectsRoot string) (*Orchestrator, *controlplane.BoltStore) {
	t.Helper()

	store, err := controlplane.OpenBolt(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	settings := controlplane.DefaultSettings()
	settings.WorktreePath = projectsRoot
	settings.AIAssistEnabled = false
	if err := store.UpdateSettings(context.Background(), settings); err != nil {
		t.Fatal(err)
	}

	// The client constructs without a daemon; its calls then fail, which is
	// what drives every instance start into its error path. The invalid
	// registry host keeps a live local daemon from rescuing the pull.
	cli, err := container.NewClient()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Close() })

	cfg := &config.Config{WorkerImage: "cmux.invalid/worker:test", DataDir: t.TempDir()}
	return New(cfg, store, cli, registry.New()), store
}

func TestStartTask_SiblingFailuresAreIsolated(t *testing.T) {
	upstream := setupUpstream(t)
	projectsRoot := t.TempDir()
	orch, store := newTestOrchestrator(t, projectsRoot)
	ctx := context.Background()

	result, err := orch.StartTask(ctx, TaskSpec{
		RepoURL:     upstream,
		Description: "fix typo in README",
		Agents:      []string{"claude", "codex", "aider"},
	})
	if err != nil {
		t.Fatalf("StartTask() error = %v; per-agent failures must not abort the task", err)
	}
	if len(result.Runs) != 3 {
		t.Fatalf("StartTask() runs = %d, want 3", len(result.Runs))
	}

	// The origin was provisioned once despite three concurrent agents.
	originPath := filepath.Join(projectsRoot, filepath.Base(upstream), "origin")
	if _, err := os.Stat(filepath.Join(originPath, ".git")); err != nil {
		t.Errorf("origin missing: %v", err)
	}

	branches := map[string]bool{}
	for i, run := range result.Runs {
		// Every agent fails at container start (no usable runtime), and each
		// failure is reported on its own run.
		if run.Err == nil || run.Error == "" {
			t.Errorf("run[%d] Err = %v, Error = %q; want populated failure", i, run.Err, run.Error)
		}
		if run.RunID == "" || run.Branch == "" || run.WorktreePath == "" {
			t.Errorf("run[%d] missing identity: %+v", i, run)
		}
		if branches[run.Branch] {
			t.Errorf("run[%d] reused branch %q", i, run.Branch)
		}
		branches[run.Branch] = true

		// The failed run is recorded, and its worktree was cleaned up.
		stored, err := store.GetTaskRun(ctx, run.RunID)
		if err != nil {
			t.Errorf("run[%d] not in store: %v", i, err)
			continue
		}
		if stored.Status != controlplane.RunFailed {
			t.Errorf("run[%d] status = %q, want failed", i, stored.Status)
		}
		if _, err := os.Stat(run.WorktreePath); !os.IsNotExist(err) {
			t.Errorf("run[%d] worktree left behind at %s", i, run.WorktreePath)
		}
	}

	// Sibling branches differ from the first agent's branch.
	for _, run := range result.Runs[1:] {
		if run.Branch == result.Runs[0].Branch {
			t.Errorf("sibling branch equals first agent's: %q", run.Branch)
		}
	}
}

func TestOriginPathFor(t *testing.T) {
	got := originPathFor("/home/u/cmux/app/worktrees/cmux-123")
	want := filepath.Join("/home/u/cmux/app", "origin")
	if got != want {
		t.Errorf("originPathFor() = %q, want %q", got, want)
	}
}
