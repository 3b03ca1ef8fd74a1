// Package event emits Kubernetes events with flux-style severities.
package event

import (
	corev1 "k8s.io/api/core/v1"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/tools/record"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/fluxcd/pkg/apis/meta"
	"github.com/fluxcd/pkg/runtime/conditions"
)

// New emits an event for obj. Error severity produces a warning event,
// everything else a normal one. The event reason is taken from the current
// Ready condition so events and conditions tell the same story; the severity
// is the fallback when no condition is set yet.
func New(
	recorder record.EventRecorder,
	obj conditions.Getter,
	annotations map[string]string,
	severity, messagef string,
	args ...any,
) {
	reason := severity
	if ready := apimeta.FindStatusCondition(obj.GetConditions(), meta.ReadyCondition); ready != nil && ready.Reason != "" {
		reason = ready.Reason
	}

	eventType := corev1.EventTypeNormal
	if severity == eventv1.EventSeverityError {
		eventType = corev1.EventTypeWarning
	}

	recorder.AnnotatedEventf(obj, annotations, eventType, reason, messagef, args...)
}
