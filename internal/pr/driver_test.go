package pr

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/IITvamp/cmux/internal/errdefs"
)

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// setupRemoteAndClone creates a bare origin with one commit and a clone of it.
func setupRemoteAndClone(t *testing.T) (bare, clone string) {
	t.Helper()
	root := t.TempDir()
	bare = filepath.Join(root, "origin.git")
	seed := filepath.Join(root, "seed")
	clone = filepath.Join(root, "clone")

	gitIn(t, root, "init", "--bare", "-b", "main", bare)

	gitIn(t, root, "init", "-b", "main", seed)
	gitIn(t, seed, "config", "user.email", "t@t.com")
	gitIn(t, seed, "config", "user.name", "T")
	if err := os.WriteFile(filepath.Join(seed, "a.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitIn(t, seed, "add", ".")
	gitIn(t, seed, "commit", "-m", "initial")
	gitIn(t, seed, "remote", "add", "origin", bare)
	gitIn(t, seed, "push", "origin", "main")

	gitIn(t, root, "clone", bare, clone)
	gitIn(t, clone, "config", "user.email", "t@t.com")
	gitIn(t, clone, "config", "user.name", "T")
	return bare, clone
}

func TestEnsureBranch(t *testing.T) {
	_, clone := setupRemoteAndClone(t)
	d := NewDriver(nil, nil)
	ctx := context.Background()

	req := Request{WorktreePath: clone, Branch: "cmux-feature"}

	// Branch does not exist yet: created.
	if err := d.ensureBranch(ctx, req); err != nil {
		t.Fatalf("ensureBranch() create error = %v", err)
	}
	if got := gitIn(t, clone, "rev-parse", "--abbrev-ref", "HEAD"); got != "cmux-feature" {
		t.Errorf("HEAD = %q", got)
	}

	// Already on it: no-op.
	if err := d.ensureBranch(ctx, req); err != nil {
		t.Errorf("ensureBranch() idempotent error = %v", err)
	}

	// On another branch with the target existing: switches back.
	gitIn(t, clone, "checkout", "main")
	if err := d.ensureBranch(ctx, req); err != nil {
		t.Errorf("ensureBranch() switch error = %v", err)
	}
	if got := gitIn(t, clone, "rev-parse", "--abbrev-ref", "HEAD"); got != "cmux-feature" {
		t.Errorf("HEAD after switch = %q", got)
	}
}

func TestCommit_FallbackMessageAndNothingToCommit(t *testing.T) {
	_, clone := setupRemoteAndClone(t)
	d := NewDriver(nil, nil)
	ctx := context.Background()

	req := Request{WorktreePath: clone, Branch: "main", Title: "Fix typo", TaskRunID: "run-42"}

	if err := os.WriteFile(filepath.Join(clone, "b.txt"), []byte("two\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := d.commit(ctx, req); err != nil {
		t.Fatalf("commit() error = %v", err)
	}
	msg := gitIn(t, clone, "log", "-1", "--format=%s")
	if msg != "Fix typo (run-42)" {
		t.Errorf("commit message = %q", msg)
	}

	// Clean tree: "nothing to commit" is success.
	if err := d.commit(ctx, req); err != nil {
		t.Errorf("commit() on clean tree error = %v", err)
	}
}

func TestPush_RebaseRetryOnStaleBase(t *testing.T) {
	bare, clone := setupRemoteAndClone(t)
	d := NewDriver(nil, nil)
	ctx := context.Background()

	// Local commit on main.
	if err := os.WriteFile(filepath.Join(clone, "local.txt"), []byte("local\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitIn(t, clone, "add", ".")
	gitIn(t, clone, "commit", "-m", "local work")

	// Meanwhile the remote moved: push a competing commit from a second clone.
	other := filepath.Join(t.TempDir(), "other")
	gitIn(t, filepath.Dir(other), "clone", bare, other)
	gitIn(t, other, "config", "user.email", "o@o.com")
	gitIn(t, other, "config", "user.name", "O")
	if err := os.WriteFile(filepath.Join(other, "remote.txt"), []byte("remote\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitIn(t, other, "add", ".")
	gitIn(t, other, "commit", "-m", "remote work")
	gitIn(t, other, "push", "origin", "main")

	// First push is rejected; the driver rebases and retries.
	if err := d.push(ctx, Request{WorktreePath: clone, Branch: "main"}); err != nil {
		t.Fatalf("push() with rebase retry error = %v", err)
	}

	// Both commits ended up on the remote.
	log := gitIn(t, clone, "log", "origin/main", "--format=%s")
	if !strings.Contains(log, "local work") || !strings.Contains(log, "remote work") {
		t.Errorf("remote log after rebase push = %q", log)
	}
}

func TestPush_SurfacesTransientAfterSecondFailure(t *testing.T) {
	_, clone := setupRemoteAndClone(t)
	d := NewDriver(nil, nil)
	ctx := context.Background()

	// Point origin somewhere unusable so both attempts fail.
	gitIn(t, clone, "remote", "set-url", "origin", filepath.Join(t.TempDir(), "void"))

	err := d.push(ctx, Request{WorktreePath: clone, Branch: "main"})
	if err == nil {
		t.Fatal("push() = nil, want error")
	}
	if !errdefs.IsKind(err, errdefs.KindTransient) {
		t.Errorf("push() error kind = %v, want Transient", err)
	}
}

func TestCreateDraftPR_ReportsFailingStage(t *testing.T) {
	d := NewDriver(nil, nil)
	ctx := context.Background()

	// Not a git repo: the very first stage fails and is named.
	_, err := d.CreateDraftPR(ctx, Request{WorktreePath: t.TempDir(), Branch: "x"})
	if err == nil {
		t.Fatal("CreateDraftPR() = nil, want error")
	}
	var stageErr *errdefs.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error %v carries no stage", err)
	}
	if stageErr.Stage != StageEnsureBranch {
		t.Errorf("stage = %q, want %q", stageErr.Stage, StageEnsureBranch)
	}
	if !strings.HasPrefix(err.Error(), "Failed at 'Ensure branch':") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestTruncateTitle(t *testing.T) {
	if got := TruncateTitle("short", 72); got != "short" {
		t.Errorf("TruncateTitle(short) = %q", got)
	}
	long := strings.Repeat("x", 100)
	got := TruncateTitle(long, 72)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated title missing ellipsis: %q", got)
	}
	if len([]rune(got)) != 72 {
		t.Errorf("truncated title rune length = %d", len([]rune(got)))
	}
}
