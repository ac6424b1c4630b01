package reconcile

import (
	"context"
	"time"

	"github.com/IITvamp/cmux/internal/container"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/metrics"
	"github.com/IITvamp/cmux/internal/registry"
)

// enforceRetention applies the two bounded policies in order: TTL expiry,
// then the max-running cap. Each candidate is claimed in the registry so a
// concurrent stop on the same container is impossible.
func (r *Reconciler) enforceRetention(ctx context.Context, settings controlplane.Settings) {
	r.expireTTL(ctx)
	r.expireDurableTTL(ctx)
	r.enforceCap(ctx, settings.MaxRunningContainers)
}

// expireDurableTTL covers runs the control plane says are past their warm
// window but the in-process registry no longer tracks (process restart).
// Their containers and volumes are reaped by name.
func (r *Reconciler) expireDurableTTL(ctx context.Context) {
	runs, err := r.store.GetContainersToStop(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("containers-to-stop query failed")
		return
	}
	for _, run := range runs {
		name := container.Name(run.ID)
		if _, tracked := r.reg.Get(name); tracked {
			continue // expireTTL owns tracked entries
		}
		r.log.Info().Str("run_id", run.ID).Msg("durable retention expired; terminating untracked container")
		if err := r.runtime.StopContainer(ctx, name); err != nil {
			r.log.Warn().Err(err).Str("container", name).Msg("stop failed")
			continue
		}
		if err := r.runtime.RemoveContainer(ctx, name); err != nil {
			r.log.Warn().Err(err).Str("container", name).Msg("remove failed")
			continue
		}
		failed := false
		for _, vol := range []string{container.WorkspaceVolume(run.ID), container.IDEVolume(run.ID)} {
			if err := r.runtime.RemoveVolume(ctx, vol); err != nil {
				r.log.Warn().Err(err).Str("volume", vol).Msg("volume removal failed")
				failed = true
			}
		}
		if failed {
			continue
		}
		now := r.now()
		if err := r.store.UpdateContainerStatus(ctx, run.ID, controlplane.ContainerTerminated, &now); err != nil {
			r.logStoreErr(err, run.ID, "terminated status")
		}
		metrics.EvictionsTotal.WithLabelValues("ttl").Inc()
	}
}

// expireTTL terminates runs whose warm window has lapsed: container stopped,
// both named volumes removed, registry entry dropped only after volume
// removal succeeds.
func (r *Reconciler) expireTTL(ctx context.Context) {
	now := r.now()
	for _, m := range r.reg.List() {
		if m.Status == registry.SessionTerminated {
			continue
		}
		expiry := m.LastActivityAt.Add(time.Duration(m.WarmRetentionMs) * time.Millisecond)
		if m.WarmRetentionMs <= 0 || expiry.After(now) {
			continue
		}
		if !r.reg.Claim(m.ContainerName) {
			continue
		}
		r.terminate(ctx, m)
		r.reg.Release(m.ContainerName)
	}
}

// terminate stops the container and removes its volumes. Holding the claim,
// the registry entry is removed only once both volumes are gone.
func (r *Reconciler) terminate(ctx context.Context, m registry.Mapping) {
	r.log.Info().Str("container", m.ContainerName).Str("run_id", m.TaskRunID).Msg("retention expired; terminating")

	if err := r.runtime.StopContainer(ctx, m.ContainerName); err != nil {
		r.log.Warn().Err(err).Str("container", m.ContainerName).Msg("stop failed")
		return
	}
	if err := r.runtime.RemoveContainer(ctx, m.ContainerName); err != nil {
		r.log.Warn().Err(err).Str("container", m.ContainerName).Msg("remove failed")
		return
	}
	for name := range m.Volumes {
		if err := r.runtime.RemoveVolume(ctx, name); err != nil {
			r.log.Warn().Err(err).Str("volume", name).Msg("volume removal failed; keeping registry entry")
			return
		}
	}
	r.reg.Remove(m.ContainerName)

	now := r.now()
	if err := r.store.UpdateContainerStatus(ctx, m.TaskRunID, controlplane.ContainerTerminated, &now); err != nil {
		r.logStoreErr(err, m.TaskRunID, "terminated status")
	}
	metrics.EvictionsTotal.WithLabelValues("ttl").Inc()
}

// enforceCap stops the lowest-priority running containers while the running
// count exceeds maxRunning.
func (r *Reconciler) enforceCap(ctx context.Context, maxRunning int) {
	if maxRunning <= 0 {
		return
	}
	running := r.reg.CountRunning()
	if running <= maxRunning {
		return
	}

	candidates, err := r.store.GetRunningContainersByCleanupPriority(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("cleanup priority query failed")
		return
	}

	for _, run := range candidates {
		if running <= maxRunning {
			return
		}
		name := container.Name(run.ID)
		if !r.reg.Claim(name) {
			continue
		}
		r.log.Info().Str("container", name).Int("running", running).Int("max", maxRunning).Msg("over capacity; stopping")
		if err := r.runtime.StopContainer(ctx, name); err != nil {
			r.log.Warn().Err(err).Str("container", name).Msg("capacity stop failed")
			r.reg.Release(name)
			continue
		}
		now := r.now()
		r.reg.Update(name, func(m *registry.Mapping) {
			m.Status = registry.SessionWarm
			m.StoppedAt = now
		})
		if err := r.store.UpdateContainerStatus(ctx, run.ID, controlplane.ContainerWarm, &now); err != nil {
			r.logStoreErr(err, run.ID, "capacity status")
		}
		r.reg.Release(name)
		metrics.EvictionsTotal.WithLabelValues("capacity").Inc()
		running--
	}
}
