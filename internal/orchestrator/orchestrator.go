// Package orchestrator fans a task out to one container instance per agent:
// plan the layout once, ensure the origin once, then provision worktrees and
// containers concurrently. One agent's failure never aborts its siblings.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/ai"
	"github.com/IITvamp/cmux/internal/config"
	"github.com/IITvamp/cmux/internal/container"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/diff"
	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
	"github.com/IITvamp/cmux/internal/pr"
	"github.com/IITvamp/cmux/internal/registry"
	"github.com/IITvamp/cmux/internal/repo"
	"github.com/IITvamp/cmux/internal/workspace"
)

// TaskSpec is a task-start request.
type TaskSpec struct {
	RepoURL     string
	Branch      string // optional base branch; default branch when empty
	Description string
	Agents      []string // agent names; one run per entry
}

// RunResult is one agent's provisioning outcome.
type RunResult struct {
	RunID        string
	AgentName    string
	Branch       string
	WorktreePath string
	Info         *container.InstanceInfo
	Err          error `json:"-"`
	Error        string
}

// TaskResult is the outcome of StartTask.
type TaskResult struct {
	TaskID string
	Runs   []RunResult
}

// Orchestrator owns live instances and drives the run lifecycle.
type Orchestrator struct {
	cfg   *config.Config
	store controlplane.Store
	repos *repo.Manager
	cli   *container.Client
	reg   *registry.Registry
	gen   *ai.Generator
	prs   *pr.Driver
	log   zerolog.Logger

	mu        sync.Mutex
	instances map[string]*container.Instance // runID -> instance
}

// New creates an orchestrator.
func New(cfg *config.Config, store controlplane.Store, cli *container.Client, reg *registry.Registry) *Orchestrator {
	gen := ai.NewGenerator(cfg.AnthropicKey)
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		repos:     repo.NewManager(),
		cli:       cli,
		reg:       reg,
		gen:       gen,
		prs:       pr.NewDriver(store, gen),
		log:       logging.WithComponent("orchestrator"),
		instances: make(map[string]*container.Instance),
	}
}

// Registry exposes the in-process registry (status surfaces).
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Store exposes the control plane (status surfaces).
func (o *Orchestrator) Store() controlplane.Store { return o.store }

// StartTask provisions the shared origin, then one worktree and container
// per agent concurrently.
func (o *Orchestrator) StartTask(ctx context.Context, spec TaskSpec) (*TaskResult, error) {
	if len(spec.Agents) == 0 {
		spec.Agents = []string{"default"}
	}

	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	planner := workspace.NewPlanner(settings, o.gen)
	plan, err := planner.Plan(ctx, workspace.Request{
		RepoURL:     spec.RepoURL,
		Branch:      spec.Branch,
		Description: spec.Description,
	})
	if err != nil {
		return nil, err
	}

	task := &controlplane.Task{
		ID:          uuid.NewString(),
		Description: spec.Description,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	// One clone/fetch regardless of agent count; concurrent calls for the
	// same origin coalesce inside the manager anyway.
	if err := o.repos.EnsureRepository(ctx, spec.RepoURL, plan.OriginPath, spec.Branch); err != nil {
		return nil, err
	}

	baseBranch := spec.Branch
	if baseBranch == "" {
		baseBranch, err = o.repos.GetDefaultBranch(ctx, plan.OriginPath)
		if err != nil {
			return nil, err
		}
	}
	if err := o.store.SetTaskWorktree(ctx, task.ID, plan.WorktreePath, baseBranch); err != nil {
		o.log.Warn().Err(err).Msg("persisting task worktree failed")
	}

	results := make([]RunResult, len(spec.Agents))
	var wg sync.WaitGroup
	for idx, agent := range spec.Agents {
		wg.Add(1)
		go func(idx int, agent string) {
			defer wg.Done()
			// Siblings get deterministic distinct branches up front; racing
			// them through the collision check would hand every agent the
			// same name.
			branch := plan.BranchName
			if idx > 0 {
				branch = fmt.Sprintf("%s-%d", plan.BranchName, idx+1)
			}
			results[idx] = o.startRun(ctx, task, plan, settings, agent, branch, baseBranch)
			if results[idx].Err != nil {
				results[idx].Error = results[idx].Err.Error()
			}
		}(idx, agent)
	}
	wg.Wait()

	return &TaskResult{TaskID: task.ID, Runs: results}, nil
}

// startRun provisions one agent: worktree on a unique branch, then the
// container instance.
func (o *Orchestrator) startRun(ctx context.Context, task *controlplane.Task, plan *workspace.WorktreeInfo, settings controlplane.Settings, agent, wantBranch, baseBranch string) RunResult {
	runID := uuid.NewString()
	result := RunResult{RunID: runID, AgentName: agent}

	branch := o.repos.UniqueBranchName(ctx, plan.OriginPath, wantBranch)
	folder := workspace.SanitizeFolderName(branch)
	worktreePath := filepath.Join(plan.WorktreesDir, folder)

	result.Branch = branch
	result.WorktreePath = worktreePath

	run := &controlplane.TaskRun{
		ID:           runID,
		TaskID:       task.ID,
		AgentName:    agent,
		WorktreePath: worktreePath,
		Branch:       branch,
		BaseBranch:   baseBranch,
		Status:       controlplane.RunPending,
	}
	if err := o.store.CreateTaskRun(ctx, run); err != nil {
		result.Err = err
		return result
	}

	if err := o.repos.CreateWorktree(ctx, plan.OriginPath, worktreePath, branch, baseBranch); err != nil {
		result.Err = err
		o.failRun(ctx, runID, err)
		return result
	}

	inst := container.NewInstance(container.Spec{
		TaskRunID:    runID,
		WorktreePath: worktreePath,
		OriginPath:   plan.OriginPath,
		WorkerImage:  o.cfg.WorkerImage,
		GitHubToken:  o.cfg.GitHubToken,
		Production:   o.cfg.Production,
		RetentionMs:  settings.RetentionMs(),
	}, o.cli, o.store, o.reg)

	info, err := inst.Start(ctx)
	if err != nil {
		result.Err = err
		o.failRun(ctx, runID, err)
		_ = o.repos.RemoveWorktree(ctx, plan.OriginPath, worktreePath)
		return result
	}

	o.mu.Lock()
	o.instances[runID] = inst
	o.mu.Unlock()

	if err := o.store.UpdateRunStatus(ctx, runID, controlplane.RunRunning); err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Msg("persisting run status failed")
	}

	result.Info = info
	return result
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, cause error) {
	o.log.Error().Err(cause).Str("run_id", runID).Msg("run provisioning failed")
	if err := o.store.UpdateRunStatus(ctx, runID, controlplane.RunFailed); err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Msg("persisting failed status failed")
	}
}

// instance returns the live instance for a run.
func (o *Orchestrator) instance(runID string) (*container.Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[runID]
	if !ok {
		return nil, errdefs.NotFound("no instance for run %s", runID)
	}
	return inst, nil
}

// StopRun stops a run's container. preserveVolumes keeps its named volumes
// so the run can be resumed warm.
func (o *Orchestrator) StopRun(ctx context.Context, runID string, preserveVolumes bool) error {
	inst, err := o.instance(runID)
	if err != nil {
		return err
	}
	if err := inst.Stop(ctx, container.StopOptions{PreserveVolumes: preserveVolumes}); err != nil {
		return err
	}
	if !preserveVolumes {
		o.mu.Lock()
		delete(o.instances, runID)
		o.mu.Unlock()
	}
	if err := o.store.UpdateRunStatus(ctx, runID, controlplane.RunStopped); err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Msg("persisting stopped status failed")
	}
	return nil
}

// ResumeRun starts a fresh instance for a previously stopped run. The named
// volumes keyed by run id re-attach its state.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*container.InstanceInfo, error) {
	run, err := o.store.GetTaskRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	inst := container.NewInstance(container.Spec{
		TaskRunID:    run.ID,
		WorktreePath: run.WorktreePath,
		OriginPath:   originPathFor(run.WorktreePath),
		WorkerImage:  o.cfg.WorkerImage,
		GitHubToken:  o.cfg.GitHubToken,
		Production:   o.cfg.Production,
		RetentionMs:  settings.RetentionMs(),
	}, o.cli, o.store, o.reg)

	info, err := inst.Start(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.instances[runID] = inst
	o.mu.Unlock()
	if err := o.store.UpdateRunStatus(ctx, runID, controlplane.RunRunning); err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Msg("persisting resumed status failed")
	}
	return info, nil
}

// originPathFor maps <project>/worktrees/<folder> back to <project>/origin.
func originPathFor(worktreePath string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(worktreePath)), "origin")
}

// CompleteRun captures and stores the run's diff, marks it completed, and
// optionally pushes a draft PR.
func (o *Orchestrator) CompleteRun(ctx context.Context, runID string, openPR bool) error {
	run, err := o.store.GetTaskRun(ctx, runID)
	if err != nil {
		return err
	}
	inst, err := o.instance(runID)
	if err != nil {
		return err
	}

	captured := ""
	if sock := inst.WorkerSocket(); sock != nil {
		captured = diff.NewCapturer(sock).Capture(ctx)
	} else {
		o.log.Warn().Str("run_id", runID).Msg("worker not connected; skipping in-container capture")
	}

	diffs, err := diff.NewStoreAdapter(o.store).Publish(ctx, runID, run.WorktreePath, captured)
	if err != nil {
		return errdefs.AtStage("Capture diff", err)
	}
	o.log.Info().Str("run_id", runID).Str("summary", diff.Summary(diffs)).Msg("diffs stored")

	if err := o.store.UpdateRunStatus(ctx, runID, controlplane.RunCompleted); err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Msg("persisting completed status failed")
	}

	if !openPR {
		return nil
	}

	task, err := o.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if task.PullRequestTitle == "" && settings.AIAssistEnabled && o.gen.Enabled() {
		if title := o.gen.PRTitle(ctx, task.Description, ""); title != "" {
			task.PullRequestTitle = title
			if err := o.store.SetPullRequestTitle(ctx, task.ID, title); err != nil {
				o.log.Warn().Err(err).Str("task_id", task.ID).Msg("persisting PR title failed")
			}
		}
	}
	result, err := o.prs.CreateDraftPR(ctx, pr.Request{
		TaskRunID:    runID,
		WorktreePath: run.WorktreePath,
		Branch:       run.Branch,
		BaseBranch:   run.BaseBranch,
		Title:        task.PullRequestTitle,
	})
	if err != nil {
		return err
	}
	o.log.Info().Str("run_id", runID).Str("url", result.URL).Msg("draft PR created")
	return nil
}

// CrownRun marks one run as the task's best attempt.
func (o *Orchestrator) CrownRun(ctx context.Context, runID string) error {
	run, err := o.store.GetTaskRun(ctx, runID)
	if err != nil {
		return err
	}
	siblings, err := o.store.ListTaskRuns(ctx, run.TaskID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if err := o.store.SetRunCrowned(ctx, sibling.ID, sibling.ID == runID); err != nil {
			return err
		}
	}
	return nil
}
