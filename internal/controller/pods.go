package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ppiankov/kube-autorollout/internal/imageref"
	"github.com/ppiankov/kube-autorollout/internal/rollout"
)

// ErrNoEligiblePod is returned when a workload has no pod whose containers
// all report a resolved image digest yet.
var ErrNoEligiblePod = errors.New("no eligible pod found")

// Snapshot captures one running container: the image reference it was
// configured with and the digest its runtime actually pulled.
type Snapshot struct {
	ContainerName string
	Reference     imageref.Reference
	LiveDigest    string
}

// selectPod lists the workload's pods via its selector and picks the newest
// one whose containers all report image digests.
func (e *Engine) selectPod(ctx context.Context, w rollout.Workload) (*corev1.Pod, error) {
	selector, err := w.Selector()
	if err != nil {
		return nil, err
	}

	var pods corev1.PodList
	err = e.Client.List(ctx, &pods, client.InNamespace(e.Namespace), client.MatchingLabels(selector))
	if err != nil {
		return nil, fmt.Errorf("listing pods for %s %s: %w", w.Kind(), w.Name(), err)
	}

	pod := newestEligiblePod(pods.Items)
	if pod == nil {
		return nil, fmt.Errorf("%s %s: %w", w.Kind(), w.Name(), ErrNoEligiblePod)
	}
	return pod, nil
}

// newestEligiblePod returns the pod with the latest creation timestamp among
// those fully started, or nil when none qualifies.
func newestEligiblePod(pods []corev1.Pod) *corev1.Pod {
	var newest *corev1.Pod
	for i := range pods {
		pod := &pods[i]
		if !fullyStarted(pod) {
			continue
		}
		if newest == nil || pod.CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = pod
		}
	}
	return newest
}

// fullyStarted reports whether every container status carries an image
// digest. A pod with no statuses yet has not started anything.
func fullyStarted(pod *corev1.Pod) bool {
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, status := range pod.Status.ContainerStatuses {
		if status.ImageID == "" {
			return false
		}
	}
	return true
}

// containerSnapshots extracts one Snapshot per container status of the pod.
func containerSnapshots(pod *corev1.Pod) ([]Snapshot, error) {
	snapshots := make([]Snapshot, 0, len(pod.Status.ContainerStatuses))
	for _, status := range pod.Status.ContainerStatuses {
		ref, err := imageref.Parse(status.Image)
		if err != nil {
			return nil, fmt.Errorf("container %s image %q: %w", status.Name, status.Image, err)
		}
		digest, err := liveDigest(status.ImageID)
		if err != nil {
			return nil, fmt.Errorf("container %s: %w", status.Name, err)
		}
		snapshots = append(snapshots, Snapshot{
			ContainerName: status.Name,
			Reference:     ref,
			LiveDigest:    digest,
		})
	}
	return snapshots, nil
}

// liveDigest extracts the digest from a container status imageID, which the
// runtime reports as "<registry>/<repository>@<digest>".
func liveDigest(imageID string) (string, error) {
	_, digest, found := strings.Cut(imageID, "@")
	if !found || digest == "" {
		return "", fmt.Errorf("imageID %q carries no digest", imageID)
	}
	return digest, nil
}
