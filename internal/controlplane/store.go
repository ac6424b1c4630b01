// Package controlplane holds the durable documents the engine shares with the
// rest of the system and a bbolt-backed store implementing the typed contract.
package controlplane

import (
	"context"
	"time"
)

// Store is the typed document-store contract the engine consumes. The
// semantics matter; the wire format behind an implementation does not.
type Store interface {
	TaskStore
	TaskRunStore
	DiffStore
	SettingsStore
	RepoStore

	Close() error
}

// TaskStore covers task documents.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	SetPullRequestTitle(ctx context.Context, id, title string) error
	SetTaskWorktree(ctx context.Context, id, worktreePath, baseBranch string) error
}

// TaskRunStore covers task-run documents. Every mutation stamps UpdatedAt and
// is idempotent: re-applying the same update is a no-op beyond the timestamp.
type TaskRunStore interface {
	CreateTaskRun(ctx context.Context, run *TaskRun) error
	GetTaskRun(ctx context.Context, id string) (*TaskRun, error)
	ListTaskRuns(ctx context.Context, taskID string) ([]*TaskRun, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus) error
	SetRunCrowned(ctx context.Context, id string, crowned bool) error
	UpdateContainerPorts(ctx context.Context, id string, ports PortMap) error
	UpdateContainerStatus(ctx context.Context, id string, status ContainerStatus, stoppedAt *time.Time) error
	UpdateContainerMeta(ctx context.Context, id string, mutate func(*ContainerInfo)) error
	UpdatePullRequestURL(ctx context.Context, id, url string, isDraft bool) error

	// GetActiveInstances returns runs whose durable container descriptor is in
	// a live state (starting, running, warm).
	GetActiveInstances(ctx context.Context) ([]*TaskRun, error)
	// GetContainersToStop returns runs whose warm retention window has lapsed.
	GetContainersToStop(ctx context.Context) ([]*TaskRun, error)
	// GetRunningContainersByCleanupPriority returns running containers ordered
	// oldest-idle first, excluding runs completed within the review window.
	GetRunningContainersByCleanupPriority(ctx context.Context) ([]*TaskRun, error)
}

// DiffStore covers per-run diff documents.
type DiffStore interface {
	// ReplaceDiffsForTaskRun atomically replaces the run's diff set.
	ReplaceDiffsForTaskRun(ctx context.Context, taskRunID string, diffs []FileDiff) error
	UpdateDiffsTimestamp(ctx context.Context, taskRunID string) error
	GetDiffsByTaskRun(ctx context.Context, taskRunID string) ([]FileDiff, error)
}

// SettingsStore covers the singleton settings document.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) error
}

// RepoStore mirrors hosting-provider repository metadata.
type RepoStore interface {
	UpsertRepo(ctx context.Context, repo *Repo) error
	GetBranches(ctx context.Context, fullName string) ([]string, error)
	GetAllRepos(ctx context.Context) ([]*Repo, error)
}
