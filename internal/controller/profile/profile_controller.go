package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxcd/pkg/runtime/patch"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/status"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
)

const kind = "Profile"

// Reconciler reconciles a Profile object.
type Reconciler struct {
	*operator.BaseReconciler

	// API is the slice of the coffee service this reconciler talks to.
	API terminal.ProfileAPI
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Profile{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Complete(r)
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=profiles,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=profiles/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=profiles/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	profile := &v1alpha1.Profile{}
	if err := r.Get(ctx, req.NamespacedName, profile); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	// The last attempt settled this generation. There is nothing to do and
	// nothing to write.
	if profile.GetDeletionTimestamp().IsZero() &&
		profile.Status.ObservedGeneration == profile.Generation &&
		(profile.Status.Phase == v1alpha1.ProfilePhaseSynced || profile.Status.Phase == v1alpha1.ProfilePhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", profile.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(profile, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, profile, r.EventRecorder, profile.GetRequeueAfter(), err))
	}(ctx)

	if !profile.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, profile)
	}

	if updated := controllerutil.AddFinalizer(profile, v1alpha1.ProfileFinalizer); updated {
		if err := r.Update(ctx, profile); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileProfile(ctx, patchHelper, profile)
}

func (r *Reconciler) reconcileProfile(ctx context.Context, patchHelper *patch.SerialPatcher, profile *v1alpha1.Profile) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(profile); err != nil {
		return r.fail(profile, v1alpha1.ValidationFailedReason, err)
	}

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	profile.Status.Phase = v1alpha1.ProfilePhasePending
	profile.Status.ObservedGeneration = profile.Generation
	profile.Status.Message = ""
	if err := status.Record(ctx, patchHelper, profile); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("pushing profile to backend")
	updated, err := r.API.UpdateProfile(ctx, terminal.ProfileParams{
		Name:  profile.Spec.Name,
		Email: profile.Spec.Email,
	})
	if err != nil {
		return r.fail(profile, v1alpha1.ProvisionFailedReason, err)
	}

	profile.Status.Phase = v1alpha1.ProfilePhaseSynced
	profile.Status.LastSyncTime = ptr.To(metav1.Now())
	profile.Status.Message = ""
	status.MarkReady(r.EventRecorder, profile, "Profile synced for %s", updated.User.Email)

	return ctrl.Result{}, nil
}

// fail turns a provisioning error into the reconcile verdict. Permanent
// failures park the object in the Failed phase until the spec changes,
// transient ones retry after the classified delay.
func (r *Reconciler) fail(profile *v1alpha1.Profile, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	profile.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, profile, reason, err.Error())
		profile.Status.Phase = v1alpha1.ProfilePhaseFailed
		profile.Status.ObservedGeneration = profile.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, profile, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, profile *v1alpha1.Profile) error {
	// The account profile has no deletable counterpart on the backend,
	// deleting the object only forgets the local record.
	log.FromContext(ctx).Info("releasing profile")

	if updated := controllerutil.RemoveFinalizer(profile, v1alpha1.ProfileFinalizer); updated {
		if err := r.Update(ctx, profile); err != nil {
			status.MarkNotReady(r.EventRecorder, profile, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}

func validateSpec(profile *v1alpha1.Profile) error {
	if profile.Spec.Name == "" {
		return classify.NewValidationError("spec.name must not be empty")
	}
	if profile.Spec.Email == "" {
		return classify.NewValidationError("spec.email must not be empty")
	}

	return nil
}
