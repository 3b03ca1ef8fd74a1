package cart

import (
	"context"
	"errors"
	"fmt"

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
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/resolve"
	"terminal.sh/coffee-operator/internal/status"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
)

const kind = "Cart"

// Reconciler reconciles a Cart object. The backend cart is account-scoped:
// all Cart objects stage into the same external cart, so running more than
// one unconverted Cart at a time makes them interleave.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.CartAPI

	// Catalog validates product variants before staging. Optional; when nil
	// unknown variants are left for the backend to reject.
	Catalog *catalog.Catalog
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(ctx context.Context, mgr ctrl.Manager) error {
	const addressField = "spec.addressRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Cart{}, addressField, func(obj client.Object) []string {
		cart, ok := obj.(*v1alpha1.Cart)
		if !ok {
			return nil
		}

		return []string{cart.Spec.AddressRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	const cardField = "spec.cardRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Cart{}, cardField, func(obj client.Object) []string {
		cart, ok := obj.(*v1alpha1.Cart)
		if !ok {
			return nil
		}

		return []string{cart.Spec.CardRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Cart{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Watches(&v1alpha1.Address{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(addressField))).
		Watches(&v1alpha1.Card{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(cardField))).
		Complete(r)
}

func (r *Reconciler) requestsForDependants(field string) handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		list := &v1alpha1.CartList{}
		if err := r.List(ctx, list, client.MatchingFields{field: obj.GetName()}); err != nil {
			return []reconcile.Request{}
		}

		requests := make([]reconcile.Request, 0, len(list.Items))
		for _, cart := range list.Items {
			requests = append(requests, reconcile.Request{
				NamespacedName: types.NamespacedName{
					Namespace: cart.GetNamespace(),
					Name:      cart.GetName(),
				},
			})
		}

		return requests
	}
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=carts,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=carts/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=carts/finalizers,verbs=update
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=addresses;cards,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	cart := &v1alpha1.Cart{}
	if err := r.Get(ctx, req.NamespacedName, cart); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if cart.GetDeletionTimestamp().IsZero() &&
		cart.Status.ObservedGeneration == cart.Generation &&
		(cart.Status.Phase == v1alpha1.CartPhaseConverted || cart.Status.Phase == v1alpha1.CartPhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", cart.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(cart, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, cart, r.EventRecorder, cart.GetRequeueAfter(), err))
	}(ctx)

	if !cart.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, cart)
	}

	if updated := controllerutil.AddFinalizer(cart, v1alpha1.CartFinalizer); updated {
		if err := r.Update(ctx, cart); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileCart(ctx, patchHelper, cart)
}

//nolint:funlen,cyclop // we do not want to cut the staging sequence at arbitrary points
func (r *Reconciler) reconcileCart(ctx context.Context, patchHelper *patch.SerialPatcher, cart *v1alpha1.Cart) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(cart); err != nil {
		return r.fail(cart, v1alpha1.ValidationFailedReason, err)
	}

	if r.Catalog != nil {
		for _, item := range cart.Spec.Items {
			known, err := r.Catalog.KnownVariant(ctx, item.ProductVariantID)
			if err != nil {
				return r.fail(cart, v1alpha1.ProvisionFailedReason, err)
			}
			if !known {
				return r.fail(cart, v1alpha1.ValidationFailedReason,
					classify.NewValidationError("spec.items: variant %q is not in the product catalog", item.ProductVariantID))
			}
		}
	}

	var addressID, cardID string
	flags, err := resolve.All(ctx,
		resolve.Task{Name: "address", Resolve: func(ctx context.Context) error {
			address, err := resolve.GetProvisioned[v1alpha1.Address](ctx, r.Client, resolve.Key(cart.Spec.AddressRef, cart.Namespace))
			if err != nil {
				return err
			}
			addressID = address.Status.AddressID

			return nil
		}},
		resolve.Task{Name: "card", Resolve: func(ctx context.Context) error {
			card, err := resolve.GetProvisioned[v1alpha1.Card](ctx, r.Client, resolve.Key(cart.Spec.CardRef, cart.Namespace))
			if err != nil {
				return err
			}
			cardID = card.Status.CardID

			return nil
		}},
	)
	cart.Status.ReadyFlags = flags
	if err != nil {
		return r.fail(cart, v1alpha1.ResolveDependencyFailedReason, err)
	}

	// A new generation after a settled one restarts the staging sequence
	// from an empty cart.
	if cart.Status.Phase == v1alpha1.CartPhaseConverted || cart.Status.Phase == v1alpha1.CartPhaseFailed {
		cart.Status.Phase = v1alpha1.CartPhaseEmpty
		cart.Status.OrderID = ""
		cart.Status.Subtotal = 0
	}
	if cart.Status.Phase == "" {
		cart.Status.Phase = v1alpha1.CartPhaseEmpty
	}

	// Record the attempt before calling out so a crash cannot hide that
	// staging may have started.
	cart.Status.ObservedGeneration = cart.Generation
	cart.Status.Message = ""
	if err := status.Record(ctx, patchHelper, cart); err != nil {
		return ctrl.Result{}, err
	}

	if cart.Status.Phase == v1alpha1.CartPhaseEmpty {
		logger.Info("staging cart items", "items", len(cart.Spec.Items))
		// cart.add replaces an existing variant line, so re-running the loop
		// after a partial failure is safe.
		for _, item := range cart.Spec.Items {
			staged, err := r.API.AddCartItem(ctx, terminal.CartItemParams{
				ProductVariantID: item.ProductVariantID,
				Quantity:         item.Quantity,
			})
			if err != nil {
				return r.fail(cart, v1alpha1.ProvisionFailedReason, err)
			}
			cart.Status.Subtotal = staged.Subtotal
		}
		cart.Status.Phase = v1alpha1.CartPhaseItemsAdded
		if err := status.Record(ctx, patchHelper, cart); err != nil {
			return ctrl.Result{}, err
		}
	}

	if cart.Status.Phase == v1alpha1.CartPhaseItemsAdded {
		logger.Info("attaching shipping address", "addressID", addressID)
		if _, err := r.API.SetCartAddress(ctx, addressID); err != nil {
			return r.fail(cart, v1alpha1.ProvisionFailedReason, err)
		}
		cart.Status.Phase = v1alpha1.CartPhaseAddressSet
		if err := status.Record(ctx, patchHelper, cart); err != nil {
			return ctrl.Result{}, err
		}
	}

	if cart.Status.Phase == v1alpha1.CartPhaseAddressSet {
		logger.Info("attaching payment card", "cardID", cardID)
		if _, err := r.API.SetCartCard(ctx, cardID); err != nil {
			return r.fail(cart, v1alpha1.ProvisionFailedReason, err)
		}
		cart.Status.Phase = v1alpha1.CartPhaseCardSet
		if err := status.Record(ctx, patchHelper, cart); err != nil {
			return ctrl.Result{}, err
		}
	}

	if cart.Status.Phase == v1alpha1.CartPhaseCardSet {
		// Record the conversion attempt before calling out so a crash cannot
		// hide that the order may have been placed.
		cart.Status.Phase = v1alpha1.CartPhaseConverting
		if err := status.Record(ctx, patchHelper, cart); err != nil {
			return ctrl.Result{}, err
		}
	}

	logger.Info("converting cart into an order")
	order, err := r.API.ConvertCart(ctx)
	if err != nil {
		return r.fail(cart, v1alpha1.ProvisionFailedReason, err)
	}
	if order == nil || order.ID == "" {
		return r.fail(cart, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "cart.convert"})
	}

	cart.Status.OrderID = order.ID
	if order.Amount.Subtotal > 0 {
		cart.Status.Subtotal = order.Amount.Subtotal
	}
	cart.Status.Phase = v1alpha1.CartPhaseConverted
	cart.Status.Message = ""
	status.MarkReady(r.EventRecorder, cart, "Cart converted into order %s", order.ID)

	return ctrl.Result{}, nil
}

func (r *Reconciler) fail(cart *v1alpha1.Cart, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	cart.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, cart, reason, err.Error())
		cart.Status.Phase = v1alpha1.CartPhaseFailed
		cart.Status.ObservedGeneration = cart.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, cart, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, cart *v1alpha1.Cart) error {
	// Anything staged stays in the backend cart and an order produced by
	// conversion persists; deleting the object only drops the cluster
	// record.
	log.FromContext(ctx).Info("releasing cart", "orderID", cart.Status.OrderID)

	if updated := controllerutil.RemoveFinalizer(cart, v1alpha1.CartFinalizer); updated {
		if err := r.Update(ctx, cart); err != nil {
			status.MarkNotReady(r.EventRecorder, cart, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}

func validateSpec(cart *v1alpha1.Cart) error {
	if len(cart.Spec.Items) == 0 {
		return classify.NewValidationError("spec.items must not be empty")
	}
	for i, item := range cart.Spec.Items {
		if item.ProductVariantID == "" {
			return classify.NewValidationError("spec.items[%d].productVariantId must not be empty", i)
		}
		if item.Quantity < 1 {
			return classify.NewValidationError("spec.items[%d].quantity must be at least 1", i)
		}
	}
	if cart.Spec.AddressRef.Name == "" {
		return classify.NewValidationError("spec.addressRef.name must not be empty")
	}
	if cart.Spec.CardRef.Name == "" {
		return classify.NewValidationError("spec.cardRef.name must not be empty")
	}

	return nil
}
