// Package rollout adapts the supported workload kinds to the one shape the
// reconciliation engine works with, and carries the restart patch itself.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ppiankov/kube-autorollout/internal/config"
)

// ErrMissingSelector is returned when a workload does not expose a usable
// match-labels selector.
var ErrMissingSelector = errors.New("workload has no label selector")

// ErrMissingReplicas is returned when a workload spec does not state a
// desired replica count.
var ErrMissingReplicas = errors.New("workload spec has no replica count")

// Workload is the capability surface a workload kind exposes to the
// reconciliation engine. Each supported kind implements it as a small adapter
// over its native spec and status shape.
type Workload interface {
	// Kind returns the workload kind name, e.g. "Deployment".
	Kind() string
	// Name returns the workload's object name.
	Name() string
	// Selector returns the match labels selecting the workload's pods.
	Selector() (map[string]string, error)
	// DesiredReplicas returns how many pods the workload wants running.
	DesiredReplicas() (int32, error)
	// ActualReplicas returns how many pods the workload observes running.
	ActualReplicas() int32
	// PodSpec returns the workload's pod template spec.
	PodSpec() *corev1.PodSpec
	// Object returns the underlying API object, for patching.
	Object() client.Object
}

// ListFunc lists the workloads of one kind carrying the selection label.
type ListFunc func(ctx context.Context, c client.Client, namespace string) ([]Workload, error)

// Kind pairs a workload kind name with its list function.
type Kind struct {
	Name string
	List ListFunc
}

// Kinds returns the workload kinds one reconciliation cycle covers.
func Kinds() []Kind {
	return []Kind{
		{Name: "Deployment", List: ListDeployments},
		{Name: "StatefulSet", List: ListStatefulSets},
		{Name: "DaemonSet", List: ListDaemonSets},
	}
}

// ImagePullSecretNames returns the names of the pull secrets attached to the
// workload's pod spec, in attachment order.
func ImagePullSecretNames(w Workload) []string {
	spec := w.PodSpec()
	if spec == nil {
		return nil
	}
	names := make([]string, 0, len(spec.ImagePullSecrets))
	for _, ref := range spec.ImagePullSecrets {
		names = append(names, ref.Name)
	}
	return names
}

// PatchRestartedAt stamps the workload's pod-template annotation with the
// current time, which makes the workload controller run its standard rolling
// restart. With useKubectlAnnotation set the patch writes the key kubectl
// itself uses, so the restart shows up as a plain "rollout restart".
func PatchRestartedAt(ctx context.Context, c client.Client, w Workload, useKubectlAnnotation bool) error {
	key := config.AnnotationRestartedAt
	if useKubectlAnnotation {
		key = config.AnnotationKubectlRestartedAt
	}

	body := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		key, time.Now().UTC().Format(time.RFC3339))

	patch := client.RawPatch(types.MergePatchType, []byte(body))
	if err := c.Patch(ctx, w.Object(), patch, client.FieldOwner(config.FieldManager)); err != nil {
		return fmt.Errorf("patching %s %s: %w", w.Kind(), w.Name(), err)
	}
	return nil
}
