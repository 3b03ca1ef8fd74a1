package address

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxcd/pkg/runtime/patch"
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

const kind = "Address"

// Reconciler reconciles an Address object.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.AddressAPI
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Address{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Complete(r)
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=addresses,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=addresses/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=addresses/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	address := &v1alpha1.Address{}
	if err := r.Get(ctx, req.NamespacedName, address); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if address.GetDeletionTimestamp().IsZero() &&
		address.Status.ObservedGeneration == address.Generation &&
		(address.Status.Phase == v1alpha1.AddressPhaseVerified || address.Status.Phase == v1alpha1.AddressPhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", address.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(address, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, address, r.EventRecorder, address.GetRequeueAfter(), err))
	}(ctx)

	if !address.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, address)
	}

	if updated := controllerutil.AddFinalizer(address, v1alpha1.AddressFinalizer); updated {
		if err := r.Update(ctx, address); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileAddress(ctx, patchHelper, address)
}

func (r *Reconciler) reconcileAddress(ctx context.Context, patchHelper *patch.SerialPatcher, address *v1alpha1.Address) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(address); err != nil {
		return r.fail(address, v1alpha1.ValidationFailedReason, err)
	}

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	address.Status.Phase = v1alpha1.AddressPhaseProcessing
	address.Status.ObservedGeneration = address.Generation
	address.Status.Message = ""
	if err := status.Record(ctx, patchHelper, address); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("registering address on backend")
	id, err := r.API.CreateAddress(ctx, terminal.AddressParams{
		Name:     address.Spec.Name,
		Street1:  address.Spec.Street1,
		Street2:  address.Spec.Street2,
		City:     address.Spec.City,
		Province: address.Spec.Province,
		Country:  address.Spec.Country,
		Zip:      address.Spec.Zip,
		Phone:    address.Spec.Phone,
	})
	if err != nil {
		return r.fail(address, v1alpha1.ProvisionFailedReason, err)
	}
	if id == "" {
		return r.fail(address, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "address.create"})
	}

	address.Status.AddressID = id
	address.Status.Phase = v1alpha1.AddressPhaseVerified
	address.Status.Message = ""
	status.MarkReady(r.EventRecorder, address, "Address registered as %s", id)

	return ctrl.Result{}, nil
}

func (r *Reconciler) fail(address *v1alpha1.Address, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	address.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, address, reason, err.Error())
		address.Status.Phase = v1alpha1.AddressPhaseFailed
		address.Status.ObservedGeneration = address.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, address, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, address *v1alpha1.Address) error {
	// Registered addresses stay usable for existing orders on the backend,
	// deleting the object only drops the cluster record.
	log.FromContext(ctx).Info("releasing address", "addressID", address.Status.AddressID)

	if updated := controllerutil.RemoveFinalizer(address, v1alpha1.AddressFinalizer); updated {
		if err := r.Update(ctx, address); err != nil {
			status.MarkNotReady(r.EventRecorder, address, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}

func validateSpec(address *v1alpha1.Address) error {
	if address.Spec.Name == "" {
		return classify.NewValidationError("spec.name must not be empty")
	}
	if address.Spec.Street1 == "" {
		return classify.NewValidationError("spec.street1 must not be empty")
	}
	if address.Spec.City == "" {
		return classify.NewValidationError("spec.city must not be empty")
	}
	if len(address.Spec.Country) != 2 {
		return classify.NewValidationError("spec.country must be a two-letter ISO code, got %q", address.Spec.Country)
	}
	if address.Spec.Zip == "" {
		return classify.NewValidationError("spec.zip must not be empty")
	}

	return nil
}
