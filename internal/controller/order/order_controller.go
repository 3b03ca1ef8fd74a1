package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/fluxcd/pkg/runtime/patch"
	"github.com/google/cel-go/cel"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
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

const kind = "Order"

// Reconciler reconciles an Order object. A generation is placed at most once;
// after placement the reconciler polls the external record on the spec's
// interval and follows shipping progress. Placed orders cannot be cancelled,
// deleting the object leaves the external order in place.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.OrderAPI

	// Catalog validates product variants before placement and names the
	// ordered lines in status. Optional; when nil unknown variants are left
	// for the backend to reject and lines carry the raw identifier.
	Catalog *catalog.Catalog
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager. concurrency
// bounds how many orders are placed or polled in parallel.
func (r *Reconciler) SetupWithManager(ctx context.Context, mgr ctrl.Manager, concurrency int) error {
	// Index every reference so orders waiting on a prerequisite are requeued
	// as soon as it becomes ready.
	const addressField = "spec.addressRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Order{}, addressField, func(obj client.Object) []string {
		order, ok := obj.(*v1alpha1.Order)
		if !ok {
			return nil
		}

		return []string{order.Spec.AddressRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	const cardField = "spec.cardRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Order{}, cardField, func(obj client.Object) []string {
		order, ok := obj.(*v1alpha1.Order)
		if !ok {
			return nil
		}

		return []string{order.Spec.CardRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	const profileField = "spec.profileRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Order{}, profileField, func(obj client.Object) []string {
		order, ok := obj.(*v1alpha1.Order)
		if !ok || order.Spec.ProfileRef == nil {
			return nil
		}

		return []string{order.Spec.ProfileRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Order{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Watches(&v1alpha1.Address{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(addressField))).
		Watches(&v1alpha1.Card{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(cardField))).
		Watches(&v1alpha1.Profile{}, handler.EnqueueRequestsFromMapFunc(r.requestsForDependants(profileField))).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: concurrency,
		}).
		Complete(r)
}

func (r *Reconciler) requestsForDependants(field string) handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		list := &v1alpha1.OrderList{}
		if err := r.List(ctx, list, client.MatchingFields{field: obj.GetName()}); err != nil {
			return []reconcile.Request{}
		}

		requests := make([]reconcile.Request, 0, len(list.Items))
		for _, order := range list.Items {
			requests = append(requests, reconcile.Request{
				NamespacedName: types.NamespacedName{
					Namespace: order.GetNamespace(),
					Name:      order.GetName(),
				},
			})
		}

		return requests
	}
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=orders,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=orders/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=orders/finalizers,verbs=update
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=addresses;cards;profiles,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	order := &v1alpha1.Order{}
	if err := r.Get(ctx, req.NamespacedName, order); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if order.GetDeletionTimestamp().IsZero() &&
		order.Status.ObservedGeneration == order.Generation &&
		order.InFinalPhase() {
		logger.V(1).Info("generation already settled", "phase", order.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(order, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, order, r.EventRecorder, order.GetRequeueAfter(), err))
	}(ctx)

	if !order.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, order)
	}

	if updated := controllerutil.AddFinalizer(order, v1alpha1.OrderFinalizer); updated {
		if err := r.Update(ctx, order); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	// A placed generation is never re-placed. It is polled for shipping
	// progress instead.
	if order.Status.ObservedGeneration == order.Generation && order.Provisioned() {
		return r.pollShipping(ctx, order)
	}

	return r.reconcileOrder(ctx, patchHelper, order)
}

//nolint:funlen,cyclop // we do not want to cut the provisioning flow at arbitrary points
func (r *Reconciler) reconcileOrder(ctx context.Context, patchHelper *patch.SerialPatcher, order *v1alpha1.Order) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(order); err != nil {
		return r.fail(order, v1alpha1.ValidationFailedReason, err)
	}

	if r.Catalog != nil {
		known, err := r.Catalog.KnownVariant(ctx, order.Spec.ProductVariantID)
		if err != nil {
			return r.fail(order, v1alpha1.ProvisionFailedReason, err)
		}
		if !known {
			return r.fail(order, v1alpha1.ValidationFailedReason,
				classify.NewValidationError("spec.productVariantId %q is not in the product catalog", order.Spec.ProductVariantID))
		}
	}

	var addressID, cardID string
	tasks := []resolve.Task{
		{Name: "address", Resolve: func(ctx context.Context) error {
			address, err := resolve.GetProvisioned[v1alpha1.Address](ctx, r.Client, resolve.Key(order.Spec.AddressRef, order.Namespace))
			if err != nil {
				return err
			}
			addressID = address.Status.AddressID

			return nil
		}},
		{Name: "card", Resolve: func(ctx context.Context) error {
			card, err := resolve.GetProvisioned[v1alpha1.Card](ctx, r.Client, resolve.Key(order.Spec.CardRef, order.Namespace))
			if err != nil {
				return err
			}
			cardID = card.Status.CardID

			return nil
		}},
	}
	if order.Spec.ProfileRef != nil {
		tasks = append(tasks, resolve.Task{Name: "profile", Resolve: func(ctx context.Context) error {
			_, err := resolve.GetProvisioned[v1alpha1.Profile](ctx, r.Client, resolve.Key(*order.Spec.ProfileRef, order.Namespace))

			return err
		}})
	}
	flags, err := resolve.All(ctx, tasks...)
	order.Status.ReadyFlags = flags
	if err != nil {
		return r.fail(order, v1alpha1.ResolveDependencyFailedReason, err)
	}

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	order.Status.Phase = v1alpha1.OrderPhaseProcessing
	order.Status.ObservedGeneration = order.Generation
	order.Status.Message = ""
	if err := status.Record(ctx, patchHelper, order); err != nil {
		return ctrl.Result{}, err
	}

	quantity := order.Spec.Quantity
	logger.Info("placing order on backend", "variant", order.Spec.ProductVariantID, "quantity", quantity)
	id, err := r.API.CreateOrder(ctx, terminal.OrderParams{
		AddressID: addressID,
		CardID:    cardID,
		Variants:  map[string]int{order.Spec.ProductVariantID: quantity},
	})
	if err != nil {
		return r.fail(order, v1alpha1.ProvisionFailedReason, err)
	}
	if id == "" {
		return r.fail(order, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "order.create"})
	}

	order.Status.OrderID = id
	order.Status.Phase = v1alpha1.OrderPhaseOrdered
	order.Status.Message = ""
	order.Status.Items = []string{r.renderLine(ctx, order.Spec.ProductVariantID, quantity)}
	status.MarkReady(r.EventRecorder, order, "Order %s placed", id)

	return ctrl.Result{RequeueAfter: order.GetRequeueAfter()}, nil
}

// pollShipping compares the external order record against the recorded phase.
// The poll timestamp is written even when nothing changed so staleness is
// observable.
func (r *Reconciler) pollShipping(ctx context.Context, order *v1alpha1.Order) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	order.Status.LastCheckedTime = ptr.To(metav1.Now())

	external, err := r.API.GetOrder(ctx, order.Status.OrderID)
	if err != nil {
		if terminal.IsNotFound(err) {
			DriftPollCounterTotal.WithLabelValues(resultVanished).Inc()

			return r.fail(order, v1alpha1.RecordVanishedReason,
				fmt.Errorf("external order %s no longer exists: %w", order.Status.OrderID, err))
		}

		// The order itself is still placed, a failed poll leaves the Ready
		// condition untouched and retries on the backend delay.
		DriftPollCounterTotal.WithLabelValues(resultError).Inc()
		logger.Error(err, "failed to poll order", "orderID", order.Status.OrderID)
		event.New(r.EventRecorder, order, nil, eventv1.EventSeverityError, "Failed to poll order %s: %s", order.Status.OrderID, err.Error())

		return ctrl.Result{RequeueAfter: classify.RetryBackend}, nil
	}

	if external.Tracking.Number != "" {
		order.Status.TrackingNumber = external.Tracking.Number
		order.Status.TrackingURL = external.Tracking.URL
	}

	result := resultUnchanged
	if order.Status.TrackingNumber != "" && order.Status.Phase == v1alpha1.OrderPhaseOrdered {
		// Shipping is the last transition the service reports. The phase
		// never moves backwards from here, even if the carrier record later
		// drops the tracking number.
		order.Status.Phase = v1alpha1.OrderPhaseShipped
		status.MarkReady(r.EventRecorder, order, "Order %s shipped, tracking %s", order.Status.OrderID, order.Status.TrackingNumber)
		result = resultShipped
	}

	r.evaluateAdditionalFields(ctx, external, order)
	DriftPollCounterTotal.WithLabelValues(result).Inc()

	return ctrl.Result{RequeueAfter: order.GetRequeueAfter()}, nil
}

// evaluateAdditionalFields publishes the spec's CEL expressions evaluated
// against the external order document. A failing expression is reported as an
// event and skipped, it never fails the poll.
func (r *Reconciler) evaluateAdditionalFields(ctx context.Context, external *terminal.Order, order *v1alpha1.Order) {
	if len(order.Spec.AdditionalStatusFields) == 0 {
		return
	}

	logger := log.FromContext(ctx)

	env, err := cel.NewEnv(cel.Variable("order", cel.DynType))
	if err != nil {
		logger.Error(err, "failed to build CEL environment")

		return
	}

	document, err := toGenericMapViaJSON(external)
	if err != nil {
		logger.Error(err, "failed to prepare CEL document")

		return
	}

	order.Status.Additional = make(map[string]apiextensionsv1.JSON, len(order.Spec.AdditionalStatusFields))
	for name, expr := range order.Spec.AdditionalStatusFields {
		raw, err := evaluate(ctx, env, expr, document)
		if err != nil {
			event.New(r.EventRecorder, order, nil, eventv1.EventSeverityError, "Failed to evaluate additionalStatusFields[%s]: %s", name, err.Error())

			continue
		}
		order.Status.Additional[name] = apiextensionsv1.JSON{Raw: raw}
	}
}

func evaluate(ctx context.Context, env *cel.Env, expr string, document map[string]any) ([]byte, error) {
	ast, issues := env.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("compiling expression: %w", issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program: %w", err)
	}
	val, _, err := prog.ContextEval(ctx, map[string]any{"order": document})
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	raw, err := json.Marshal(val.Value())
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	return raw, nil
}

// toGenericMapViaJSON turns the wire struct into the generic map CEL
// expressions index into, keyed by JSON field names.
func toGenericMapViaJSON(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// renderLine names an order line through the catalog. Naming is cosmetic;
// without a catalog the raw variant identifier is published.
func (r *Reconciler) renderLine(ctx context.Context, variantID string, quantity int) string {
	if r.Catalog == nil {
		return fmt.Sprintf("%s x%d", variantID, quantity)
	}

	return r.Catalog.Line(ctx, variantID, quantity)
}

func (r *Reconciler) fail(order *v1alpha1.Order, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	order.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, order, reason, err.Error())
		order.Status.Phase = v1alpha1.OrderPhaseFailed
		order.Status.ObservedGeneration = order.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, order, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, order *v1alpha1.Order) error {
	logger := log.FromContext(ctx)

	if order.Status.OrderID != "" {
		// The service has no order cancellation. The external order outlives
		// the cluster object.
		logger.Info("order object deleted, external order persists", "orderID", order.Status.OrderID)
		event.New(r.EventRecorder, order, nil, eventv1.EventSeverityInfo, "Order object deleted, external order %s persists", order.Status.OrderID)
	}

	if updated := controllerutil.RemoveFinalizer(order, v1alpha1.OrderFinalizer); updated {
		if err := r.Update(ctx, order); err != nil {
			status.MarkNotReady(r.EventRecorder, order, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}

func validateSpec(order *v1alpha1.Order) error {
	if order.Spec.ProductVariantID == "" {
		return classify.NewValidationError("spec.productVariantId must not be empty")
	}
	if order.Spec.Quantity < 1 {
		return classify.NewValidationError("spec.quantity must be at least 1")
	}
	if order.Spec.AddressRef.Name == "" {
		return classify.NewValidationError("spec.addressRef.name must not be empty")
	}
	if order.Spec.CardRef.Name == "" {
		return classify.NewValidationError("spec.cardRef.name must not be empty")
	}
	if order.Spec.ProfileRef != nil && order.Spec.ProfileRef.Name == "" {
		return classify.NewValidationError("spec.profileRef.name must not be empty when set")
	}

	return nil
}
