// Package pr drives commit, push, and draft pull-request creation for a
// completed run. Every failure is tagged with the stage it happened at.
package pr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/ai"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
)

// Stage names surfaced in errors.
const (
	StageEnsureBranch = "Ensure branch"
	StageCommit       = "Commit changes"
	StagePush         = "Push branch"
	StageCreatePR     = "Create draft PR"
)

// Request carries everything needed to open a draft PR for a run.
type Request struct {
	TaskRunID    string
	WorktreePath string
	Branch       string
	BaseBranch   string
	Title        string // task title; used for fallbacks
	Body         string
}

// Result is the successful outcome.
type Result struct {
	URL     string
	IsDraft bool
}

// Driver runs the commit/push/PR protocol on the host.
type Driver struct {
	store controlplane.TaskRunStore
	gen   *ai.Generator
	log   zerolog.Logger
}

// NewDriver creates a driver. gen may be nil to disable generated messages.
func NewDriver(store controlplane.TaskRunStore, gen *ai.Generator) *Driver {
	return &Driver{store: store, gen: gen, log: logging.WithComponent("pr")}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil && output != "" {
		return output, fmt.Errorf("%s: %w", output, err)
	}
	return output, err
}

// CreateDraftPR runs the full protocol: ensure branch, commit, push (with one
// rebase retry), create the draft PR, and persist the URL. The first hard
// failure short-circuits with its stage name.
func (d *Driver) CreateDraftPR(ctx context.Context, req Request) (*Result, error) {
	if err := d.ensureBranch(ctx, req); err != nil {
		return nil, errdefs.AtStage(StageEnsureBranch, err)
	}
	if err := d.commit(ctx, req); err != nil {
		return nil, errdefs.AtStage(StageCommit, err)
	}
	if err := d.push(ctx, req); err != nil {
		return nil, errdefs.AtStage(StagePush, err)
	}
	url, err := d.createPR(ctx, req)
	if err != nil {
		return nil, errdefs.AtStage(StageCreatePR, err)
	}

	if err := d.store.UpdatePullRequestURL(ctx, req.TaskRunID, url, true); err != nil {
		d.log.Warn().Err(err).Str("run_id", req.TaskRunID).Msg("persisting PR URL failed")
	}
	return &Result{URL: url, IsDraft: true}, nil
}

// ensureBranch confirms the worktree is on the run's branch, creating or
// switching to it without discarding local changes.
func (d *Driver) ensureBranch(ctx context.Context, req Request) error {
	current, err := runGit(ctx, req.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if current == req.Branch {
		return nil
	}
	if _, err := runGit(ctx, req.WorktreePath, "checkout", "-b", req.Branch); err == nil {
		return nil
	}
	_, err = runGit(ctx, req.WorktreePath, "checkout", req.Branch)
	return err
}

// commit stages everything and commits. "Nothing to commit" is success.
func (d *Driver) commit(ctx context.Context, req Request) error {
	if _, err := runGit(ctx, req.WorktreePath, "add", "-A"); err != nil {
		return err
	}

	message := d.commitMessage(ctx, req)
	out, err := runGit(ctx, req.WorktreePath, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "working tree clean") {
			return nil
		}
		return err
	}
	return nil
}

func (d *Driver) commitMessage(ctx context.Context, req Request) string {
	if d.gen.Enabled() {
		if staged, err := runGit(ctx, req.WorktreePath, "diff", "--cached"); err == nil && staged != "" {
			if msg := d.gen.CommitMessage(ctx, staged); msg != "" {
				return msg
			}
		}
	}
	title := req.Title
	if title == "" {
		title = "cmux changes"
	}
	return fmt.Sprintf("%s (%s)", title, req.TaskRunID)
}

// push publishes the branch, retrying once behind a rebase when the remote
// rejected the first attempt.
func (d *Driver) push(ctx context.Context, req Request) error {
	_, err := runGit(ctx, req.WorktreePath, "push", "-u", "origin", req.Branch)
	if err == nil {
		return nil
	}
	d.log.Info().Str("branch", req.Branch).Msg("push rejected; rebasing and retrying")

	if _, rerr := runGit(ctx, req.WorktreePath, "pull", "--rebase", "origin", req.Branch); rerr != nil {
		return errdefs.Transient(err, "push rejected and rebase failed: %v", rerr)
	}
	if _, err := runGit(ctx, req.WorktreePath, "push", "-u", "origin", req.Branch); err != nil {
		return errdefs.Transient(err, "push rejected after rebase")
	}
	return nil
}

// createPR opens a draft PR via the gh CLI and returns its URL.
func (d *Driver) createPR(ctx context.Context, req Request) (string, error) {
	title := TruncateTitle(d.prTitle(ctx, req), 72)
	body := req.Body
	if body == "" {
		body = fmt.Sprintf("Automated changes for task run `%s`.", req.TaskRunID)
	}

	args := []string{"pr", "create",
		"--draft",
		"--title", title,
		"--body", body,
		"--head", req.Branch,
	}
	if req.BaseBranch != "" {
		args = append(args, "--base", req.BaseBranch)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = req.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errdefs.Upstream(err, "gh pr create: %s", strings.TrimSpace(string(out)))
	}

	// gh prints the PR URL on success.
	url := strings.TrimSpace(string(out))
	if idx := strings.LastIndex(url, "\n"); idx != -1 {
		url = strings.TrimSpace(url[idx+1:])
	}
	if !strings.HasPrefix(url, "http") {
		return "", errdefs.Upstream(nil, "unexpected gh output: %q", url)
	}
	return url, nil
}

func (d *Driver) prTitle(ctx context.Context, req Request) string {
	if req.Title != "" {
		return req.Title
	}
	if d.gen.Enabled() {
		if log, err := runGit(ctx, req.WorktreePath, "log", "--oneline", "-10"); err == nil {
			if title := d.gen.PRTitle(ctx, "", log); title != "" {
				return title
			}
		}
	}
	return "cmux: " + req.Branch
}

// TruncateTitle bounds a title to max characters, appending an ellipsis when
// it was cut.
func TruncateTitle(title string, max int) string {
	if len(title) <= max {
		return title
	}
	if max <= 1 {
		return title[:max]
	}
	return title[:max-1] + "…"
}
