package subscription

import (
	"context"
	"errors"
	"fmt"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/fluxcd/pkg/runtime/patch"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/catalog"
	"terminal.sh/coffee-operator/internal/event"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/resolve"
	"terminal.sh/coffee-operator/internal/status"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
)

const (
	kind = "Subscription"

	scheduleFixed  = "fixed"
	scheduleWeekly = "weekly"
)

// Reconciler reconciles a Subscription object.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.SubscriptionAPI

	// Catalog validates product variants before provisioning. Optional; when
	// nil unknown variants are left for the backend to reject.
	Catalog *catalog.Catalog
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(ctx context.Context, mgr ctrl.Manager) error {
	// Index both references so subscriptions waiting on a prerequisite are
	// requeued as soon as it becomes ready.
	const addressField = "spec.addressRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Subscription{}, addressField, func(obj client.Object) []string {
		subscription, ok := obj.(*v1alpha1.Subscription)
		if !ok {
			return nil
		}

		return []string{subscription.Spec.AddressRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	const cardField = "spec.cardRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Subscription{}, cardField, func(obj client.Object) []string {
		subscription, ok := obj.(*v1alpha1.Subscription)
		if !ok {
			return nil
		}

		return []string{subscription.Spec.CardRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Subscription{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Watches(&v1alpha1.Address{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(addressField))).
		Watches(&v1alpha1.Card{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(cardField))).
		Complete(r)
}

func (r *Reconciler) requestsForDependants(field string) handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		list := &v1alpha1.SubscriptionList{}
		if err := r.List(ctx, list, client.MatchingFields{field: obj.GetName()}); err != nil {
			return []reconcile.Request{}
		}

		requests := make([]reconcile.Request, 0, len(list.Items))
		for _, subscription := range list.Items {
			requests = append(requests, reconcile.Request{
				NamespacedName: types.NamespacedName{
					Namespace: subscription.GetNamespace(),
					Name:      subscription.GetName(),
				},
			})
		}

		return requests
	}
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=subscriptions,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=subscriptions/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=subscriptions/finalizers,verbs=update
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=addresses;cards,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	subscription := &v1alpha1.Subscription{}
	if err := r.Get(ctx, req.NamespacedName, subscription); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if subscription.GetDeletionTimestamp().IsZero() &&
		subscription.Status.ObservedGeneration == subscription.Generation &&
		(subscription.Status.Phase == v1alpha1.SubscriptionPhaseActive || subscription.Status.Phase == v1alpha1.SubscriptionPhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", subscription.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(subscription, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, subscription, r.EventRecorder, subscription.GetRequeueAfter(), err))
	}(ctx)

	if !subscription.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, subscription)
	}

	if updated := controllerutil.AddFinalizer(subscription, v1alpha1.SubscriptionFinalizer); updated {
		if err := r.Update(ctx, subscription); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileSubscription(ctx, patchHelper, subscription)
}

func (r *Reconciler) reconcileSubscription(ctx context.Context, patchHelper *patch.SerialPatcher, subscription *v1alpha1.Subscription) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(subscription); err != nil {
		return r.fail(subscription, v1alpha1.ValidationFailedReason, err)
	}

	if r.Catalog != nil {
		known, err := r.Catalog.KnownVariant(ctx, subscription.Spec.ProductVariantID)
		if err != nil {
			return r.fail(subscription, v1alpha1.ProvisionFailedReason, err)
		}
		if !known {
			return r.fail(subscription, v1alpha1.ValidationFailedReason,
				classify.NewValidationError("spec.productVariantId %q is not in the product catalog", subscription.Spec.ProductVariantID))
		}
	}

	var addressID, cardID string
	flags, err := resolve.All(ctx,
		resolve.Task{Name: "address", Resolve: func(ctx context.Context) error {
			address, err := resolve.GetProvisioned[v1alpha1.Address](ctx, r.Client, resolve.Key(subscription.Spec.AddressRef, subscription.Namespace))
			if err != nil {
				return err
			}
			addressID = address.Status.AddressID

			return nil
		}},
		resolve.Task{Name: "card", Resolve: func(ctx context.Context) error {
			card, err := resolve.GetProvisioned[v1alpha1.Card](ctx, r.Client, resolve.Key(subscription.Spec.CardRef, subscription.Namespace))
			if err != nil {
				return err
			}
			cardID = card.Status.CardID

			return nil
		}},
	)
	subscription.Status.ReadyFlags = flags
	if err != nil {
		subscription.Status.Phase = v1alpha1.SubscriptionPhasePending

		return r.fail(subscription, v1alpha1.ResolveDependencyFailedReason, err)
	}

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	subscription.Status.Phase = v1alpha1.SubscriptionPhasePending
	subscription.Status.ObservedGeneration = subscription.Generation
	subscription.Status.Message = ""
	if err := status.Record(ctx, patchHelper, subscription); err != nil {
		return ctrl.Result{}, err
	}

	params := terminal.SubscriptionParams{
		ProductVariantID: subscription.Spec.ProductVariantID,
		Quantity:         subscription.Spec.Quantity,
		AddressID:        addressID,
		CardID:           cardID,
	}
	if subscription.Spec.Schedule != nil {
		params.Schedule = &terminal.SubscriptionSchedule{
			Type:     subscription.Spec.Schedule.Type,
			Interval: subscription.Spec.Schedule.Interval,
		}
	}

	logger.Info("activating subscription on backend", "variant", params.ProductVariantID)
	created, err := r.API.CreateSubscription(ctx, params)
	if err != nil {
		return r.fail(subscription, v1alpha1.ProvisionFailedReason, err)
	}
	if created == nil || created.ID == "" {
		return r.fail(subscription, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "subscription.create"})
	}

	subscription.Status.SubscriptionID = created.ID
	subscription.Status.Phase = v1alpha1.SubscriptionPhaseActive
	subscription.Status.Message = ""
	status.MarkReady(r.EventRecorder, subscription, "Subscription %s active", created.ID)

	return ctrl.Result{}, nil
}

func (r *Reconciler) fail(subscription *v1alpha1.Subscription, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	subscription.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, subscription, reason, err.Error())
		subscription.Status.Phase = v1alpha1.SubscriptionPhaseFailed
		subscription.Status.ObservedGeneration = subscription.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, subscription, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, subscription *v1alpha1.Subscription) error {
	logger := log.FromContext(ctx)

	if subscription.Status.SubscriptionID != "" {
		logger.Info("cancelling subscription on backend", "subscriptionID", subscription.Status.SubscriptionID)
		if err := r.API.CancelSubscription(ctx, subscription.Status.SubscriptionID); err != nil && !terminal.IsNotFound(err) {
			// Backend cleanup is best effort; the finalizer comes off
			// regardless so deletion cannot wedge on the external service.
			logger.Error(err, "failed to cancel subscription on backend", "subscriptionID", subscription.Status.SubscriptionID)
			event.New(r.EventRecorder, subscription, nil, eventv1.EventSeverityError, "Failed to cancel subscription %s on backend: %s", subscription.Status.SubscriptionID, err.Error())
		}
	}

	if updated := controllerutil.RemoveFinalizer(subscription, v1alpha1.SubscriptionFinalizer); updated {
		if err := r.Update(ctx, subscription); err != nil {
			status.MarkNotReady(r.EventRecorder, subscription, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}

func validateSpec(subscription *v1alpha1.Subscription) error {
	if subscription.Spec.ProductVariantID == "" {
		return classify.NewValidationError("spec.productVariantId must not be empty")
	}
	if subscription.Spec.Quantity < 1 {
		return classify.NewValidationError("spec.quantity must be at least 1")
	}
	if subscription.Spec.AddressRef.Name == "" {
		return classify.NewValidationError("spec.addressRef.name must not be empty")
	}
	if subscription.Spec.CardRef.Name == "" {
		return classify.NewValidationError("spec.cardRef.name must not be empty")
	}
	if schedule := subscription.Spec.Schedule; schedule != nil {
		switch schedule.Type {
		case scheduleFixed:
		case scheduleWeekly:
			if schedule.Interval < 1 {
				return classify.NewValidationError("spec.schedule.interval must be at least 1 for weekly schedules")
			}
		default:
			return classify.NewValidationError("spec.schedule.type must be %q or %q, got %q", scheduleFixed, scheduleWeekly, schedule.Type)
		}
	}

	return nil
}
