// Package status centralizes how reconcilers publish observed state: the
// Ready condition, the paired event, and the single status patch per
// reconcile exit.
package status

import (
	"context"
	"fmt"
	"time"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/fluxcd/pkg/apis/meta"
	"github.com/fluxcd/pkg/runtime/conditions"
	"github.com/fluxcd/pkg/runtime/patch"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	kerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"terminal.sh/coffee-operator/internal/event"
)

// FieldOwner is the field manager name used for status patches.
const FieldOwner = "coffee-operator"

// UpdateStatus patches obj through patchHelper. It is meant to run deferred
// at the end of a reconcile: when the reconcile failed and nothing marked the
// Ready condition false yet, the error becomes the Ready message so a failure
// is never silent. requeueAfter is only logged, the reconcile result carries
// the actual delay.
func UpdateStatus(
	ctx context.Context,
	patchHelper *patch.SerialPatcher,
	obj conditions.Setter,
	recorder record.EventRecorder,
	requeueAfter time.Duration,
	recErr error,
) error {
	if recErr != nil && !conditions.IsFalse(obj, meta.ReadyCondition) {
		MarkNotReady(recorder, obj, meta.FailedReason, recErr.Error())
	}

	if err := Record(ctx, patchHelper, obj); err != nil {
		// Removing the last finalizer races object removal, the status of a
		// gone object cannot be patched.
		if !obj.GetDeletionTimestamp().IsZero() {
			err = kerrors.FilterOut(err, apierrors.IsNotFound)
		}
		if err != nil {
			return err
		}
	}

	log.FromContext(ctx).V(1).Info("status updated", "requeueAfter", requeueAfter)

	return nil
}

// Record persists obj's status immediately. Reconcilers call it before an
// external action so the attempt stays visible even if the process dies
// mid-call.
func Record(ctx context.Context, patchHelper *patch.SerialPatcher, obj conditions.Setter) error {
	if err := patchHelper.Patch(ctx, obj,
		patch.WithOwnedConditions{Conditions: []string{meta.ReadyCondition}},
		patch.WithFieldOwner(FieldOwner),
	); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	return nil
}

// MarkReady sets the Ready condition true and emits an info event.
func MarkReady(recorder record.EventRecorder, obj conditions.Setter, messagef string, args ...any) {
	conditions.MarkTrue(obj, meta.ReadyCondition, meta.SucceededReason, messagef, args...)
	event.New(recorder, obj, nil, eventv1.EventSeverityInfo, messagef, args...)
}

// MarkNotReady sets the Ready condition false under reason and emits a
// warning event. message is used verbatim.
func MarkNotReady(recorder record.EventRecorder, obj conditions.Setter, reason, message string) {
	conditions.MarkFalse(obj, meta.ReadyCondition, reason, "%s", message)
	event.New(recorder, obj, nil, eventv1.EventSeverityError, "%s", message)
}
