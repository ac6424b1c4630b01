// Package reconcile runs the periodic sweep between live containers, the
// in-process registry, and the control plane, and drives the capacity and
// retention policies.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/container"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
	"github.com/IITvamp/cmux/internal/metrics"
	"github.com/IITvamp/cmux/internal/registry"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 60 * time.Second

// Runtime is the container-runtime surface the reconciler needs. *container.Client
// satisfies it; tests substitute a fake.
type Runtime interface {
	ListManaged(ctx context.Context) ([]container.State, error)
	InspectState(ctx context.Context, nameOrID string) (*container.State, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveVolume(ctx context.Context, name string) error
}

// Reconciler periodically aligns the three views of container state.
type Reconciler struct {
	runtime  Runtime
	store    controlplane.Store
	reg      *registry.Registry
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time
}

// New creates a reconciler.
func New(runtime Runtime, store controlplane.Store, reg *registry.Registry) *Reconciler {
	return &Reconciler{
		runtime:  runtime,
		store:    store,
		reg:      reg,
		log:      logging.WithComponent("reconciler"),
		interval: DefaultInterval,
		now:      time.Now,
	}
}

// SetInterval overrides the sweep period (tests).
func (r *Reconciler) SetInterval(d time.Duration) { r.interval = d }

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep runs the four passes. Each is independent: a pass failure is logged
// and the rest still run.
func (r *Reconciler) sweep(ctx context.Context) {
	start := r.now()
	defer func() {
		metrics.ReconcileCyclesTotal.Inc()
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		metrics.RunningContainers.Set(float64(r.reg.CountRunning()))
	}()

	live, err := r.runtime.ListManaged(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("listing containers failed; skipping sweep")
		return
	}
	liveByName := make(map[string]container.State, len(live))
	for _, c := range live {
		liveByName[c.Name] = c
	}

	runs, err := r.store.GetActiveInstances(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("listing active runs failed")
		runs = nil
	}

	r.updateLive(ctx, liveByName)
	r.markVanished(liveByName)
	r.orphanSweep(ctx, runs, liveByName)

	if ctx.Err() != nil {
		return
	}

	settings, err := r.store.GetSettings(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reading settings failed")
		return
	}
	if settings.AutoCleanupEnabled {
		r.enforceRetention(ctx, settings)
	}
}

// updateLive refreshes registry entries and control-plane port/status for
// containers that are actually present.
func (r *Reconciler) updateLive(ctx context.Context, liveByName map[string]container.State) {
	for _, m := range r.reg.List() {
		state, ok := liveByName[m.ContainerName]
		if !ok {
			continue
		}

		inspected, err := r.runtime.InspectState(ctx, m.ContainerName)
		if err != nil {
			r.log.Debug().Err(err).Str("container", m.ContainerName).Msg("inspect failed")
			continue
		}

		status := registry.SessionStopped
		if inspected.Running {
			status = registry.SessionRunning
		}
		r.reg.Update(m.ContainerName, func(entry *registry.Mapping) {
			entry.InstanceID = state.ID
			entry.Ports = inspected.Ports
			entry.Status = status
		})

		if err := r.store.UpdateContainerPorts(ctx, m.TaskRunID, inspected.Ports); err != nil {
			r.logStoreErr(err, m.TaskRunID, "ports")
		}
		cpStatus := controlplane.ContainerStopped
		if inspected.Running {
			cpStatus = controlplane.ContainerRunning
		}
		if err := r.store.UpdateContainerStatus(ctx, m.TaskRunID, cpStatus, nil); err != nil {
			r.logStoreErr(err, m.TaskRunID, "status")
		}
	}
}

// markVanished flags registry entries whose container is gone from the
// runtime.
func (r *Reconciler) markVanished(liveByName map[string]container.State) {
	now := r.now()
	for _, m := range r.reg.List() {
		if _, ok := liveByName[m.ContainerName]; ok {
			continue
		}
		if m.Status == registry.SessionStopped || m.Status == registry.SessionTerminated {
			continue
		}
		r.log.Info().Str("container", m.ContainerName).Msg("container vanished; marking stopped")
		r.reg.Update(m.ContainerName, func(entry *registry.Mapping) {
			entry.Status = registry.SessionStopped
			entry.StoppedAt = now
		})
	}
}

// orphanSweep marks control-plane runs stopped when their expected container
// no longer exists in the runtime.
func (r *Reconciler) orphanSweep(ctx context.Context, runs []*controlplane.TaskRun, liveByName map[string]container.State) {
	now := r.now()
	for _, run := range runs {
		expected := container.Name(run.ID)
		if _, ok := liveByName[expected]; ok {
			continue
		}
		r.log.Info().Str("run_id", run.ID).Str("container", expected).Msg("orphaned run; marking stopped")
		if err := r.store.UpdateContainerStatus(ctx, run.ID, controlplane.ContainerStopped, &now); err != nil {
			r.logStoreErr(err, run.ID, "orphan status")
			continue
		}
		if run.Status == controlplane.RunRunning || run.Status == controlplane.RunPending {
			if err := r.store.UpdateRunStatus(ctx, run.ID, controlplane.RunStopped); err != nil {
				r.logStoreErr(err, run.ID, "orphan run status")
			}
		}
		r.reg.Remove(expected)
		metrics.OrphanSweepsTotal.Inc()
	}
}

func (r *Reconciler) logStoreErr(err error, runID, what string) {
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return
	}
	r.log.Warn().Err(err).Str("run_id", runID).Msgf("updating %s failed", what)
}
