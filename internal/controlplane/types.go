package controlplane

import "time"

// RunStatus is the lifecycle status of a task run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// ContainerStatus is the durable status of a run's container.
type ContainerStatus string

const (
	ContainerStarting   ContainerStatus = "starting"
	ContainerRunning    ContainerStatus = "running"
	ContainerStopped    ContainerStatus = "stopped"
	ContainerWarm       ContainerStatus = "warm"
	ContainerTerminated ContainerStatus = "terminated"
)

// IsLive reports whether a container in this status is expected to exist in
// the runtime.
func (s ContainerStatus) IsLive() bool {
	return s == ContainerStarting || s == ContainerRunning || s == ContainerWarm
}

// PRState tracks the pull request attached to a run.
type PRState string

const (
	PRNone   PRState = "none"
	PRDraft  PRState = "draft"
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
)

// Task is the durable record of a user request.
type Task struct {
	ID               string    `json:"id"`
	Description      string    `json:"description"`
	PullRequestTitle string    `json:"pull_request_title,omitempty"`
	BaseBranch       string    `json:"base_branch,omitempty"`
	WorktreePath     string    `json:"worktree_path,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PortMap is the host-port triple published by a run container.
type PortMap struct {
	IDE       int `json:"ide,omitempty"`
	Worker    int `json:"worker,omitempty"`
	Extension int `json:"extension,omitempty"`
}

// ContainerInfo is the embedded container descriptor on a TaskRun.
type ContainerInfo struct {
	Provider       string            `json:"provider,omitempty"`
	Status         ContainerStatus   `json:"status,omitempty"`
	Name           string            `json:"name,omitempty"`
	Ports          PortMap           `json:"ports,omitempty"`
	Volumes        map[string]string `json:"volumes,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at,omitempty"`
	WarmExpiresAt  time.Time         `json:"warm_expires_at,omitempty"`
	StoppedAt      time.Time         `json:"stopped_at,omitempty"`
}

// PullRequestInfo is the PR descriptor on a TaskRun.
type PullRequestInfo struct {
	URL     string  `json:"url,omitempty"`
	State   PRState `json:"state,omitempty"`
	IsDraft bool    `json:"is_draft,omitempty"`
}

// TaskRun is a single agent's attempt at a task.
type TaskRun struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	AgentName    string          `json:"agent_name"`
	WorktreePath string          `json:"worktree_path,omitempty"`
	Branch       string          `json:"branch,omitempty"`
	BaseBranch   string          `json:"base_branch,omitempty"`
	Status       RunStatus       `json:"status"`
	IsCrowned    bool            `json:"is_crowned,omitempty"`
	PullRequest  PullRequestInfo `json:"pull_request,omitempty"`
	Container    ContainerInfo   `json:"container,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// FileDiffStatus classifies a file's change.
type FileDiffStatus string

const (
	FileAdded    FileDiffStatus = "added"
	FileModified FileDiffStatus = "modified"
	FileDeleted  FileDiffStatus = "deleted"
	FileRenamed  FileDiffStatus = "renamed"
)

// FileDiff is one file's change record for a run.
type FileDiff struct {
	Path           string         `json:"path"`
	OldPath        string         `json:"old_path,omitempty"`
	Status         FileDiffStatus `json:"status"`
	Additions      int            `json:"additions"`
	Deletions      int            `json:"deletions"`
	IsBinary       bool           `json:"is_binary,omitempty"`
	Patch          string         `json:"patch,omitempty"`
	OldContent     string         `json:"old_content,omitempty"`
	NewContent     string         `json:"new_content,omitempty"`
	ContentOmitted bool           `json:"content_omitted,omitempty"`
}

// Repo is hosting-provider repository metadata mirrored locally.
type Repo struct {
	FullName      string    `json:"full_name"`
	URL           string    `json:"url"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Branches      []string  `json:"branches,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Settings are the durable user settings consumed by the engine.
type Settings struct {
	WorktreePath              string `json:"worktree_path,omitempty"`
	BranchPrefix              string `json:"branch_prefix,omitempty"`
	AIAssistEnabled           bool   `json:"ai_assist_enabled"` // gates generated branch slugs and the task PR title set by CompleteRun; the PR driver's fallback title and commit messages do not check it
	MaxRunningContainers      int    `json:"max_running_containers"`
	ReviewPeriodMinutes       int    `json:"review_period_minutes"`
	AutoCleanupEnabled        bool   `json:"auto_cleanup_enabled"`
	ContainerRetentionMinutes int    `json:"container_retention_minutes"`
}

// DefaultSettings are applied when no settings document exists yet.
func DefaultSettings() Settings {
	return Settings{
		BranchPrefix:              "cmux",
		AIAssistEnabled:           true,
		MaxRunningContainers:      10,
		ReviewPeriodMinutes:       60,
		AutoCleanupEnabled:        true,
		ContainerRetentionMinutes: 120,
	}
}

// RetentionMs returns the warm retention window in milliseconds.
func (s Settings) RetentionMs() int64 {
	return int64(s.ContainerRetentionMinutes) * 60 * 1000
}
