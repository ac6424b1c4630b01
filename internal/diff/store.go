package diff

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/logging"
)

// MaxDocBytes is the per-file content budget: patch plus both blobs must fit
// under it or the blobs are dropped. 950 KiB leaves headroom under the
// control plane's 1 MiB document limit.
const MaxDocBytes = 950 * 1024

// StoreAdapter normalizes captured diffs for the control plane.
type StoreAdapter struct {
	store controlplane.DiffStore
	log   zerolog.Logger
}

// NewStoreAdapter creates an adapter over the control-plane diff collection.
func NewStoreAdapter(store controlplane.DiffStore) *StoreAdapter {
	return &StoreAdapter{store: store, log: logging.WithComponent("diff-store")}
}

// Publish parses the captured diff, materializes blob contents from the
// worktree, applies the size policy, and atomically replaces the run's diff
// set. worktreePath may be "" when the worktree is gone; blobs are then
// omitted.
func (a *StoreAdapter) Publish(ctx context.Context, taskRunID, worktreePath, captured string) ([]controlplane.FileDiff, error) {
	parsed := Parse(captured)

	diffs := make([]controlplane.FileDiff, 0, len(parsed))
	for _, file := range parsed {
		record := controlplane.FileDiff{
			Path:      file.Path,
			OldPath:   file.OldPath,
			Status:    file.Status,
			Additions: file.Additions,
			Deletions: file.Deletions,
			IsBinary:  file.IsBinary,
			Patch:     file.Patch,
		}
		if !file.IsBinary && worktreePath != "" {
			record.OldContent, record.NewContent = a.materialize(worktreePath, file)
		}
		applySizePolicy(&record)
		diffs = append(diffs, record)
	}

	if err := a.store.ReplaceDiffsForTaskRun(ctx, taskRunID, diffs); err != nil {
		return nil, err
	}
	if err := a.store.UpdateDiffsTimestamp(ctx, taskRunID); err != nil {
		a.log.Warn().Err(err).Str("run_id", taskRunID).Msg("diff timestamp update failed")
	}
	return diffs, nil
}

// materialize reads old/new blob contents per the file's status.
func (a *StoreAdapter) materialize(worktreePath string, file ParsedFile) (oldContent, newContent string) {
	switch file.Status {
	case controlplane.FileAdded:
		return "", readWorktreeFile(worktreePath, file.Path)
	case controlplane.FileDeleted:
		// The patch alone carries the old content.
		return "", ""
	case controlplane.FileRenamed:
		return gitShowHead(worktreePath, file.OldPath), readWorktreeFile(worktreePath, file.Path)
	default:
		return gitShowHead(worktreePath, file.Path), readWorktreeFile(worktreePath, file.Path)
	}
}

// applySizePolicy drops blob contents when patch+old+new exceeds the budget,
// keeping the patch only when it alone fits. Binary files never carry blobs.
func applySizePolicy(record *controlplane.FileDiff) {
	if record.IsBinary {
		record.OldContent = ""
		record.NewContent = ""
		return
	}
	total := len(record.Patch) + len(record.OldContent) + len(record.NewContent)
	if total <= MaxDocBytes {
		return
	}
	record.OldContent = ""
	record.NewContent = ""
	record.ContentOmitted = true
	if len(record.Patch) > MaxDocBytes {
		record.Patch = ""
	}
}

func readWorktreeFile(worktreePath, path string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, path))
	if err != nil {
		return ""
	}
	return string(data)
}

// gitShowHead returns the file's content at HEAD, "" on miss.
func gitShowHead(worktreePath, path string) string {
	cmd := exec.Command("git", "show", "HEAD:"+path)
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// Totals sums additions and deletions across a diff set.
func Totals(diffs []controlplane.FileDiff) (additions, deletions int) {
	for _, d := range diffs {
		additions += d.Additions
		deletions += d.Deletions
	}
	return additions, deletions
}

// Summary renders a short one-line description of a diff set.
func Summary(diffs []controlplane.FileDiff) string {
	if len(diffs) == 0 {
		return "no changes"
	}
	adds, dels := Totals(diffs)
	noun := "files"
	if len(diffs) == 1 {
		noun = "file"
	}
	return fmt.Sprintf("%d %s changed, +%d -%d", len(diffs), noun, adds, dels)
}
