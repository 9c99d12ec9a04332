package events

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/events"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// ReasonRolloutTriggered indicates a digest change led to a restart patch.
	ReasonRolloutTriggered = "RolloutTriggered"

	// ReasonRolloutFailed indicates a workload could not be reconciled.
	ReasonRolloutFailed = "RolloutFailed"

	actionReconcile = "Reconcile"
)

// Emitter emits Kubernetes events for rollout decisions.
type Emitter struct {
	Recorder events.EventRecorder
}

// NewEmitter creates an Emitter with the given recorder.
func NewEmitter(recorder events.EventRecorder) *Emitter {
	return &Emitter{Recorder: recorder}
}

// EmitRolloutTriggered emits a Normal event on a workload whose container
// image now resolves to a new digest.
func (e *Emitter) EmitRolloutTriggered(obj client.Object, container, image, liveDigest, registryDigest string) {
	e.Recorder.Eventf(
		obj, nil, corev1.EventTypeNormal, ReasonRolloutTriggered, actionReconcile,
		"Image %s of container %s changed upstream (running %s, registry now serves %s); triggering rolling restart.",
		image, container, liveDigest, registryDigest,
	)
}

// EmitRolloutFailed emits a Warning event on a workload that could not be
// reconciled this cycle.
func (e *Emitter) EmitRolloutFailed(obj client.Object, reason string) {
	e.Recorder.Eventf(
		obj, nil, corev1.EventTypeWarning, ReasonRolloutFailed, actionReconcile,
		"Reconciliation failed: %s",
		reason,
	)
}
