package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/IITvamp/cmux/internal/errdefs"
)

var (
	bucketTasks    = []byte("tasks")
	bucketTaskRuns = []byte("task_runs")
	bucketDiffs    = []byte("diffs")
	bucketDiffMeta = []byte("diff_meta")
	bucketSettings = []byte("settings")
	bucketRepos    = []byte("repos")

	settingsKey = []byte("singleton")
)

// BoltStore implements Store on a local bbolt database.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open control plane db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketTaskRuns, bucketDiffs, bucketDiffMeta, bucketSettings, bucketRepos} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *BoltStore) Close() error { return s.db.Close() }

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return errdefs.NotFound("document %q", key)
	}
	return json.Unmarshal(data, v)
}

// CreateTask stores a new task document.
func (s *BoltStore) CreateTask(ctx context.Context, task *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return errdefs.AlreadyExists("task %s", task.ID)
		}
		now := s.now()
		task.CreatedAt = now
		task.UpdatedAt = now
		return putJSON(b, task.ID, task)
	})
}

// GetTask returns a task by id.
func (s *BoltStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTasks), id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) mutateTask(id string, mutate func(*Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var task Task
		if err := getJSON(b, id, &task); err != nil {
			return err
		}
		mutate(&task)
		task.UpdatedAt = s.now()
		return putJSON(b, id, &task)
	})
}

// SetPullRequestTitle records the derived PR title on a task.
func (s *BoltStore) SetPullRequestTitle(ctx context.Context, id, title string) error {
	return s.mutateTask(id, func(t *Task) { t.PullRequestTitle = title })
}

// SetTaskWorktree persists the task's resolved worktree path and base branch.
func (s *BoltStore) SetTaskWorktree(ctx context.Context, id, worktreePath, baseBranch string) error {
	return s.mutateTask(id, func(t *Task) {
		t.WorktreePath = worktreePath
		t.BaseBranch = baseBranch
	})
}

// CreateTaskRun stores a new run document.
func (s *BoltStore) CreateTaskRun(ctx context.Context, run *TaskRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRuns)
		if b.Get([]byte(run.ID)) != nil {
			return errdefs.AlreadyExists("task run %s", run.ID)
		}
		now := s.now()
		run.CreatedAt = now
		run.UpdatedAt = now
		if run.Status == "" {
			run.Status = RunPending
		}
		return putJSON(b, run.ID, run)
	})
}

// GetTaskRun returns a run by id.
func (s *BoltStore) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	var run TaskRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTaskRuns), id, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTaskRuns returns all runs for a task, oldest first.
func (s *BoltStore) ListTaskRuns(ctx context.Context, taskID string) ([]*TaskRun, error) {
	runs, err := s.selectRuns(func(r *TaskRun) bool { return r.TaskID == taskID })
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

func (s *BoltStore) mutateRun(id string, mutate func(*TaskRun)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskRuns)
		var run TaskRun
		if err := getJSON(b, id, &run); err != nil {
			return err
		}
		mutate(&run)
		run.UpdatedAt = s.now()
		return putJSON(b, id, &run)
	})
}

// UpdateRunStatus sets the run lifecycle status.
func (s *BoltStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	return s.mutateRun(id, func(r *TaskRun) { r.Status = status })
}

// SetRunCrowned flags the run as the crowned attempt for its task.
func (s *BoltStore) SetRunCrowned(ctx context.Context, id string, crowned bool) error {
	return s.mutateRun(id, func(r *TaskRun) { r.IsCrowned = crowned })
}

// UpdateContainerPorts records the published host-port triple.
func (s *BoltStore) UpdateContainerPorts(ctx context.Context, id string, ports PortMap) error {
	return s.mutateRun(id, func(r *TaskRun) { r.Container.Ports = ports })
}

// UpdateContainerStatus sets the durable container status; stoppedAt, when
// non-nil, records when the container was observed gone.
func (s *BoltStore) UpdateContainerStatus(ctx context.Context, id string, status ContainerStatus, stoppedAt *time.Time) error {
	return s.mutateRun(id, func(r *TaskRun) {
		r.Container.Status = status
		if stoppedAt != nil {
			r.Container.StoppedAt = *stoppedAt
		}
		if status == ContainerStopped || status == ContainerTerminated {
			r.Container.Ports = PortMap{}
		}
	})
}

// UpdateContainerMeta applies an arbitrary descriptor mutation.
func (s *BoltStore) UpdateContainerMeta(ctx context.Context, id string, mutate func(*ContainerInfo)) error {
	return s.mutateRun(id, func(r *TaskRun) { mutate(&r.Container) })
}

// UpdatePullRequestURL records the run's PR.
func (s *BoltStore) UpdatePullRequestURL(ctx context.Context, id, url string, isDraft bool) error {
	return s.mutateRun(id, func(r *TaskRun) {
		r.PullRequest.URL = url
		r.PullRequest.IsDraft = isDraft
		if isDraft {
			r.PullRequest.State = PRDraft
		} else {
			r.PullRequest.State = PROpen
		}
	})
}

func (s *BoltStore) selectRuns(keep func(*TaskRun) bool) ([]*TaskRun, error) {
	var runs []*TaskRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskRuns).ForEach(func(_, v []byte) error {
			var run TaskRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if keep(&run) {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// GetActiveInstances returns runs whose container descriptor is live.
func (s *BoltStore) GetActiveInstances(ctx context.Context) ([]*TaskRun, error) {
	return s.selectRuns(func(r *TaskRun) bool { return r.Container.Status.IsLive() })
}

// GetContainersToStop returns runs whose warm retention window has lapsed.
func (s *BoltStore) GetContainersToStop(ctx context.Context) ([]*TaskRun, error) {
	now := s.now()
	return s.selectRuns(func(r *TaskRun) bool {
		if !r.Container.Status.IsLive() {
			return false
		}
		return !r.Container.WarmExpiresAt.IsZero() && r.Container.WarmExpiresAt.Before(now)
	})
}

// GetRunningContainersByCleanupPriority returns running containers ordered
// oldest-idle first. Runs that completed inside the review window are held
// back so a just-finished result stays inspectable.
func (s *BoltStore) GetRunningContainersByCleanupPriority(ctx context.Context) ([]*TaskRun, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	reviewCutoff := s.now().Add(-time.Duration(settings.ReviewPeriodMinutes) * time.Minute)

	runs, err := s.selectRuns(func(r *TaskRun) bool {
		if r.Container.Status != ContainerRunning {
			return false
		}
		if r.Status == RunCompleted && r.UpdatedAt.After(reviewCutoff) {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Container.LastActivityAt.Before(runs[j].Container.LastActivityAt)
	})
	return runs, nil
}

// diffDoc is the stored shape of a run's diff set.
type diffDoc struct {
	Diffs     []FileDiff `json:"diffs"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ReplaceDiffsForTaskRun atomically replaces the run's diff set in one
// transaction carrying the full array.
func (s *BoltStore) ReplaceDiffsForTaskRun(ctx context.Context, taskRunID string, diffs []FileDiff) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDiffs), taskRunID, diffDoc{Diffs: diffs, UpdatedAt: s.now()})
	})
}

// UpdateDiffsTimestamp stamps the "diffs updated at" marker for a run.
func (s *BoltStore) UpdateDiffsTimestamp(ctx context.Context, taskRunID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ts, err := s.now().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDiffMeta).Put([]byte(taskRunID), ts)
	})
}

// GetDiffsByTaskRun returns the run's diff set; nil when none stored yet.
func (s *BoltStore) GetDiffsByTaskRun(ctx context.Context, taskRunID string) ([]FileDiff, error) {
	var doc diffDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDiffs), taskRunID, &doc)
	})
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Diffs, nil
}

// GetSettings returns the settings document, falling back to defaults when
// none has been written.
func (s *BoltStore) GetSettings(ctx context.Context) (Settings, error) {
	settings := DefaultSettings()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(settingsKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &settings)
	})
	return settings, err
}

// UpdateSettings replaces the settings document.
func (s *BoltStore) UpdateSettings(ctx context.Context, settings Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSettings).Put(settingsKey, data)
	})
}

// UpsertRepo stores or refreshes repository metadata.
func (s *BoltStore) UpsertRepo(ctx context.Context, repo *Repo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepos)
		existing := b.Get([]byte(repo.FullName))
		repo.UpdatedAt = s.now()
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		if bytes.Equal(existing, data) {
			return nil
		}
		return b.Put([]byte(repo.FullName), data)
	})
}

// GetBranches returns the known branches for a repository.
func (s *BoltStore) GetBranches(ctx context.Context, fullName string) ([]string, error) {
	var repo Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketRepos), fullName, &repo)
	})
	if err != nil {
		return nil, err
	}
	return repo.Branches, nil
}

// GetAllRepos returns every mirrored repository record.
func (s *BoltStore) GetAllRepos(ctx context.Context) ([]*Repo, error) {
	var repos []*Repo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepos).ForEach(func(_, v []byte) error {
			var repo Repo
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].FullName < repos[j].FullName })
	return repos, nil
}

var _ Store = (*BoltStore)(nil)
