package rollout

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ppiankov/kube-autorollout/internal/config"
)

func selectionLabel() client.MatchingLabels {
	return client.MatchingLabels{config.LabelEnabled: config.LabelEnabledValue}
}

// Deployment adapts an apps/v1 Deployment.
type Deployment struct {
	obj *appsv1.Deployment
}

// NewDeployment wraps a Deployment as a Workload.
func NewDeployment(obj *appsv1.Deployment) Deployment {
	return Deployment{obj: obj}
}

func (d Deployment) Kind() string { return "Deployment" }
func (d Deployment) Name() string { return d.obj.Name }

func (d Deployment) Selector() (map[string]string, error) {
	if d.obj.Spec.Selector == nil || len(d.obj.Spec.Selector.MatchLabels) == 0 {
		return nil, fmt.Errorf("%w: Deployment %s", ErrMissingSelector, d.obj.Name)
	}
	return d.obj.Spec.Selector.MatchLabels, nil
}

func (d Deployment) DesiredReplicas() (int32, error) {
	if d.obj.Spec.Replicas == nil {
		return 0, fmt.Errorf("%w: Deployment %s", ErrMissingReplicas, d.obj.Name)
	}
	return *d.obj.Spec.Replicas, nil
}

func (d Deployment) ActualReplicas() int32 { return d.obj.Status.Replicas }

func (d Deployment) PodSpec() *corev1.PodSpec { return &d.obj.Spec.Template.Spec }

func (d Deployment) Object() client.Object { return d.obj }

// ListDeployments lists the Deployments carrying the selection label.
func ListDeployments(ctx context.Context, c client.Client, namespace string) ([]Workload, error) {
	var list appsv1.DeploymentList
	if err := c.List(ctx, &list, client.InNamespace(namespace), selectionLabel()); err != nil {
		return nil, fmt.Errorf("listing Deployments: %w", err)
	}
	workloads := make([]Workload, 0, len(list.Items))
	for i := range list.Items {
		workloads = append(workloads, NewDeployment(&list.Items[i]))
	}
	return workloads, nil
}

// StatefulSet adapts an apps/v1 StatefulSet.
type StatefulSet struct {
	obj *appsv1.StatefulSet
}

// NewStatefulSet wraps a StatefulSet as a Workload.
func NewStatefulSet(obj *appsv1.StatefulSet) StatefulSet {
	return StatefulSet{obj: obj}
}

func (s StatefulSet) Kind() string { return "StatefulSet" }
func (s StatefulSet) Name() string { return s.obj.Name }

func (s StatefulSet) Selector() (map[string]string, error) {
	if s.obj.Spec.Selector == nil || len(s.obj.Spec.Selector.MatchLabels) == 0 {
		return nil, fmt.Errorf("%w: StatefulSet %s", ErrMissingSelector, s.obj.Name)
	}
	return s.obj.Spec.Selector.MatchLabels, nil
}

func (s StatefulSet) DesiredReplicas() (int32, error) {
	if s.obj.Spec.Replicas == nil {
		return 0, fmt.Errorf("%w: StatefulSet %s", ErrMissingReplicas, s.obj.Name)
	}
	return *s.obj.Spec.Replicas, nil
}

func (s StatefulSet) ActualReplicas() int32 { return s.obj.Status.Replicas }

func (s StatefulSet) PodSpec() *corev1.PodSpec { return &s.obj.Spec.Template.Spec }

func (s StatefulSet) Object() client.Object { return s.obj }

// ListStatefulSets lists the StatefulSets carrying the selection label.
func ListStatefulSets(ctx context.Context, c client.Client, namespace string) ([]Workload, error) {
	var list appsv1.StatefulSetList
	if err := c.List(ctx, &list, client.InNamespace(namespace), selectionLabel()); err != nil {
		return nil, fmt.Errorf("listing StatefulSets: %w", err)
	}
	workloads := make([]Workload, 0, len(list.Items))
	for i := range list.Items {
		workloads = append(workloads, NewStatefulSet(&list.Items[i]))
	}
	return workloads, nil
}

// DaemonSet adapts an apps/v1 DaemonSet. Desired and ready pod counts come
// from its status since DaemonSets have no replica field.
type DaemonSet struct {
	obj *appsv1.DaemonSet
}

// NewDaemonSet wraps a DaemonSet as a Workload.
func NewDaemonSet(obj *appsv1.DaemonSet) DaemonSet {
	return DaemonSet{obj: obj}
}

func (d DaemonSet) Kind() string { return "DaemonSet" }
func (d DaemonSet) Name() string { return d.obj.Name }

func (d DaemonSet) Selector() (map[string]string, error) {
	if d.obj.Spec.Selector == nil || len(d.obj.Spec.Selector.MatchLabels) == 0 {
		return nil, fmt.Errorf("%w: DaemonSet %s", ErrMissingSelector, d.obj.Name)
	}
	return d.obj.Spec.Selector.MatchLabels, nil
}

func (d DaemonSet) DesiredReplicas() (int32, error) {
	return d.obj.Status.DesiredNumberScheduled, nil
}

func (d DaemonSet) ActualReplicas() int32 { return d.obj.Status.NumberReady }

func (d DaemonSet) PodSpec() *corev1.PodSpec { return &d.obj.Spec.Template.Spec }

func (d DaemonSet) Object() client.Object { return d.obj }

// ListDaemonSets lists the DaemonSets carrying the selection label.
func ListDaemonSets(ctx context.Context, c client.Client, namespace string) ([]Workload, error) {
	var list appsv1.DaemonSetList
	if err := c.List(ctx, &list, client.InNamespace(namespace), selectionLabel()); err != nil {
		return nil, fmt.Errorf("listing DaemonSets: %w", err)
	}
	workloads := make([]Workload, 0, len(list.Items))
	for i := range list.Items {
		workloads = append(workloads, NewDaemonSet(&list.Items[i]))
	}
	return workloads, nil
}
