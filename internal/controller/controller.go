// Package controller implements the reconciliation engine: scan the labeled
// workloads of each supported kind, compare their running image digests
// against what the source registries currently serve, and trigger rolling
// restarts where they differ.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kube-autorollout/internal/credentials"
	"github.com/ppiankov/kube-autorollout/internal/events"
	"github.com/ppiankov/kube-autorollout/internal/metrics"
	"github.com/ppiankov/kube-autorollout/internal/notify"
	"github.com/ppiankov/kube-autorollout/internal/registry"
	"github.com/ppiankov/kube-autorollout/internal/rollout"
)

// Engine runs reconciliation cycles over the labeled workloads of one
// namespace. All fields are read-only once the engine is running; a cycle
// never mutates shared state.
type Engine struct {
	Client               client.Client
	Registry             *registry.Client
	Resolver             *credentials.Resolver
	Emitter              *events.Emitter
	Metrics              *metrics.Counters
	Notifier             *notify.Notifier
	Namespace            string
	UseKubectlAnnotation bool
}

// RunCycle performs one reconciliation pass. The workload kinds are
// reconciled concurrently and independently; a failing workload never stops
// its siblings or another kind.
func (e *Engine) RunCycle(ctx context.Context) {
	logger := log.FromContext(ctx).WithValues("cycle", uuid.NewString())
	ctx = log.IntoContext(ctx, logger)

	start := time.Now()
	logger.Info("starting reconciliation cycle", "namespace", e.Namespace)

	var wg sync.WaitGroup
	for _, kind := range rollout.Kinds() {
		wg.Add(1)
		go func(kind rollout.Kind) {
			defer wg.Done()
			e.reconcileKind(ctx, kind)
		}(kind)
	}
	wg.Wait()

	e.Metrics.RecordCycle()
	logger.Info("reconciliation cycle complete", "duration", time.Since(start).String())
}

func (e *Engine) reconcileKind(ctx context.Context, kind rollout.Kind) {
	logger := log.FromContext(ctx).WithValues("kind", kind.Name)
	ctx = log.IntoContext(ctx, logger)

	workloads, err := kind.List(ctx, e.Client, e.Namespace)
	if err != nil {
		logger.Error(err, "listing workloads failed")
		return
	}
	logger.Info("scanning for digest changes", "workloads", len(workloads))

	var wg sync.WaitGroup
	for _, w := range workloads {
		wg.Add(1)
		go func(w rollout.Workload) {
			defer wg.Done()
			e.reconcileWorkload(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (e *Engine) reconcileWorkload(ctx context.Context, w rollout.Workload) {
	logger := log.FromContext(ctx).WithValues("workload", w.Name())
	ctx = log.IntoContext(ctx, logger)

	e.Metrics.RecordWorkloadScanned()

	if err := e.processWorkload(ctx, w); err != nil {
		logger.Error(err, "reconciliation failed")
		e.Metrics.RecordWorkloadError()
		e.Emitter.EmitRolloutFailed(w.Object(), err.Error())
		e.notifyFailed(ctx, w, err)
	}
}

// processWorkload reconciles one workload. A returned error covers the whole
// workload: the first failing container ends the pass over its siblings.
func (e *Engine) processWorkload(ctx context.Context, w rollout.Workload) error {
	logger := log.FromContext(ctx)

	desired, err := w.DesiredReplicas()
	if err != nil {
		return err
	}
	actual := w.ActualReplicas()
	if desired <= 0 || actual <= 0 {
		logger.Info("skipping workload with nothing running", "desired", desired, "actual", actual)
		return nil
	}

	pod, err := e.selectPod(ctx, w)
	if err != nil {
		return err
	}

	snapshots, err := containerSnapshots(pod)
	if err != nil {
		return err
	}

	secrets, err := e.fetchPullSecrets(ctx, w)
	if err != nil {
		return err
	}

	for _, snap := range snapshots {
		cred, err := e.Resolver.Resolve(snap.Reference.Registry, secrets)
		if err != nil {
			return fmt.Errorf("container %s: %w", snap.ContainerName, err)
		}

		e.Metrics.RecordDigestFetch()
		registryDigest, err := e.Registry.Digest(ctx, snap.Reference, cred)
		if err != nil {
			e.Metrics.RecordDigestFetchFailure()
			return fmt.Errorf("container %s: %w", snap.ContainerName, err)
		}

		if registryDigest == snap.LiveDigest {
			logger.Info("digest unchanged", "container", snap.ContainerName, "digest", registryDigest)
			continue
		}

		logger.Info("digest changed, triggering rollout",
			"container", snap.ContainerName,
			"image", snap.Reference.String(),
			"running", snap.LiveDigest,
			"registry", registryDigest)

		if err := rollout.PatchRestartedAt(ctx, e.Client, w, e.UseKubectlAnnotation); err != nil {
			return err
		}
		e.Metrics.RecordRolloutTriggered()
		e.Emitter.EmitRolloutTriggered(w.Object(), snap.ContainerName, snap.Reference.String(), snap.LiveDigest, registryDigest)
		e.notifyTriggered(ctx, w, snap, registryDigest)
	}

	return nil
}

// fetchPullSecrets loads the docker configs of the workload's attached pull
// secrets. Fetches run concurrently; the returned slice preserves attachment
// order.
func (e *Engine) fetchPullSecrets(ctx context.Context, w rollout.Workload) ([]credentials.DockerConfig, error) {
	names := rollout.ImagePullSecretNames(w)
	if len(names) == 0 {
		return nil, nil
	}

	configs := make([]credentials.DockerConfig, len(names))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			var secret corev1.Secret
			if err := e.Client.Get(ctx, types.NamespacedName{Namespace: e.Namespace, Name: name}, &secret); err != nil {
				return fmt.Errorf("fetching pull secret %s: %w", name, err)
			}
			payload, ok := secret.Data[corev1.DockerConfigJsonKey]
			if !ok {
				return fmt.Errorf("pull secret %s has no %s key", name, corev1.DockerConfigJsonKey)
			}
			cfg, err := credentials.ParseDockerConfig(payload)
			if err != nil {
				return fmt.Errorf("pull secret %s: %w", name, err)
			}
			configs[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return configs, nil
}

func (e *Engine) notifyTriggered(ctx context.Context, w rollout.Workload, snap Snapshot, registryDigest string) {
	err := e.Notifier.Notify(ctx, notify.Event{
		Type:           notify.EventRolloutTriggered,
		Kind:           w.Kind(),
		Workload:       w.Name(),
		Namespace:      e.Namespace,
		Container:      snap.ContainerName,
		ImageRef:       snap.Reference.String(),
		LiveDigest:     snap.LiveDigest,
		RegistryDigest: registryDigest,
	})
	if err != nil {
		log.FromContext(ctx).Error(err, "webhook notification failed")
	}
}

func (e *Engine) notifyFailed(ctx context.Context, w rollout.Workload, cause error) {
	err := e.Notifier.Notify(ctx, notify.Event{
		Type:      notify.EventRolloutFailed,
		Kind:      w.Kind(),
		Workload:  w.Name(),
		Namespace: e.Namespace,
		Error:     cause.Error(),
	})
	if err != nil {
		log.FromContext(ctx).Error(err, "webhook notification failed")
	}
}
