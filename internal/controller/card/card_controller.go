package card

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
	"terminal.sh/coffee-operator/internal/event"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/resolve"
	"terminal.sh/coffee-operator/internal/status"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
)

const kind = "Card"

// Reconciler reconciles a Card object.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.CardAPI
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(ctx context.Context, mgr ctrl.Manager) error {
	// Index the profile reference so cards waiting on a profile are requeued
	// as soon as it syncs.
	const fieldName = "spec.profileRef.name"
	if err := mgr.GetFieldIndexer().IndexField(ctx, &v1alpha1.Card{}, fieldName, func(obj client.Object) []string {
		card, ok := obj.(*v1alpha1.Card)
		if !ok || card.Spec.ProfileRef == nil {
			return nil
		}

		return []string{card.Spec.ProfileRef.Name}
	}); err != nil {
		return fmt.Errorf("failed setting index fields: %w", err)
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Card{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Watches(
			&v1alpha1.Profile{},
			handler.EnqueueRequestsFromMapFunc(func(ctx context.Context, obj client.Object) []reconcile.Request {
				profile, ok := obj.(*v1alpha1.Profile)
				if !ok {
					return []reconcile.Request{}
				}

				list := &v1alpha1.CardList{}
				if err := r.List(ctx, list, client.MatchingFields{fieldName: profile.GetName()}); err != nil {
					return []reconcile.Request{}
				}

				requests := make([]reconcile.Request, 0, len(list.Items))
				for _, card := range list.Items {
					requests = append(requests, reconcile.Request{
						NamespacedName: types.NamespacedName{
							Namespace: card.GetNamespace(),
							Name:      card.GetName(),
						},
					})
				}

				return requests
			})).
		Complete(r)
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=cards,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=cards/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=cards/finalizers,verbs=update
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=profiles,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	card := &v1alpha1.Card{}
	if err := r.Get(ctx, req.NamespacedName, card); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if card.GetDeletionTimestamp().IsZero() &&
		card.Status.ObservedGeneration == card.Generation &&
		(card.Status.Phase == v1alpha1.CardPhaseRegistered || card.Status.Phase == v1alpha1.CardPhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", card.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(card, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, card, r.EventRecorder, card.GetRequeueAfter(), err))
	}(ctx)

	if !card.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, card)
	}

	if updated := controllerutil.AddFinalizer(card, v1alpha1.CardFinalizer); updated {
		if err := r.Update(ctx, card); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileCard(ctx, patchHelper, card)
}

func (r *Reconciler) reconcileCard(ctx context.Context, patchHelper *patch.SerialPatcher, card *v1alpha1.Card) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if card.Spec.Token == "" {
		return r.fail(card, v1alpha1.ValidationFailedReason, classify.NewValidationError("spec.token must not be empty"))
	}

	if card.Spec.ProfileRef != nil {
		card.Status.ReadyFlags = map[string]bool{"profile": false}
		if _, err := resolve.GetProvisioned[v1alpha1.Profile](ctx, r.Client, resolve.Key(*card.Spec.ProfileRef, card.Namespace)); err != nil {
			card.Status.Phase = v1alpha1.CardPhasePending

			return r.fail(card, v1alpha1.ResolveDependencyFailedReason, err)
		}
		card.Status.ReadyFlags["profile"] = true
	} else {
		card.Status.ReadyFlags = nil
	}

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	card.Status.Phase = v1alpha1.CardPhaseProcessing
	card.Status.ObservedGeneration = card.Generation
	card.Status.Message = ""
	if err := status.Record(ctx, patchHelper, card); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("registering card on backend")
	var registered terminal.Card
	id, err := r.API.CreateCard(ctx, terminal.CardParams{Token: card.Spec.Token})
	switch {
	case terminal.IsAlreadyExists(err):
		// The collection token was already consumed, typically by an earlier
		// attempt that never reported back. Adopt the registered card instead.
		cards, listErr := r.API.ListCards(ctx)
		if listErr != nil {
			return r.fail(card, v1alpha1.ProvisionFailedReason, listErr)
		}
		if len(cards) == 0 {
			return r.fail(card, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "card.list"})
		}
		registered = cards[0]
		logger.Info("adopted card already registered on backend", "cardID", registered.ID)
		event.New(r.EventRecorder, card, nil, eventv1.EventSeverityInfo, "Adopted existing card %s", registered.ID)
	case err != nil:
		return r.fail(card, v1alpha1.ProvisionFailedReason, err)
	case id == "":
		return r.fail(card, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "card.create"})
	default:
		registered = terminal.Card{ID: id}
		if cards, listErr := r.API.ListCards(ctx); listErr == nil {
			for _, known := range cards {
				if known.ID == id {
					registered = known

					break
				}
			}
		} else {
			logger.V(1).Info("card registered but details are not listable yet", "cardID", id, "err", listErr)
		}
	}

	card.Status.CardID = registered.ID
	card.Status.Brand = registered.Brand
	card.Status.Last4 = registered.Last4
	card.Status.Phase = v1alpha1.CardPhaseRegistered
	card.Status.Message = ""
	status.MarkReady(r.EventRecorder, card, "Card registered as %s", registered.ID)

	return ctrl.Result{}, nil
}

func (r *Reconciler) fail(card *v1alpha1.Card, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	card.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, card, reason, err.Error())
		card.Status.Phase = v1alpha1.CardPhaseFailed
		card.Status.ObservedGeneration = card.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, card, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, card *v1alpha1.Card) error {
	logger := log.FromContext(ctx)

	if card.Status.CardID != "" {
		logger.Info("removing card from backend", "cardID", card.Status.CardID)
		if err := r.API.DeleteCard(ctx, card.Status.CardID); err != nil && !terminal.IsNotFound(err) {
			// Backend cleanup is best effort; the finalizer comes off
			// regardless so deletion cannot wedge on the external service.
			logger.Error(err, "failed to remove card from backend", "cardID", card.Status.CardID)
			event.New(r.EventRecorder, card, nil, eventv1.EventSeverityError, "Failed to remove card %s from backend: %s", card.Status.CardID, err.Error())
		}
	}

	if updated := controllerutil.RemoveFinalizer(card, v1alpha1.CardFinalizer); updated {
		if err := r.Update(ctx, card); err != nil {
			status.MarkNotReady(r.EventRecorder, card, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}
