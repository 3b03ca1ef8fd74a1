package token

import (
	"context"
	"errors"
	"fmt"

	eventv1 "github.com/fluxcd/pkg/apis/event/v1beta1"
	"github.com/fluxcd/pkg/runtime/patch"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/event"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/status"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
)

const (
	kind = "Token"

	// secretKey is the Secret data key the token value is written under.
	secretKey = "token"
)

// Reconciler reconciles a Token object.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.TokenAPI
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Token{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Owns(&corev1.Secret{}).
		Complete(r)
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=tokens,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=tokens/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=tokens/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	token := &v1alpha1.Token{}
	if err := r.Get(ctx, req.NamespacedName, token); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if token.GetDeletionTimestamp().IsZero() &&
		token.Status.ObservedGeneration == token.Generation &&
		(token.Status.Phase == v1alpha1.TokenPhaseActive || token.Status.Phase == v1alpha1.TokenPhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", token.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(token, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, token, r.EventRecorder, token.GetRequeueAfter(), err))
	}(ctx)

	if !token.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, token)
	}

	if updated := controllerutil.AddFinalizer(token, v1alpha1.TokenFinalizer); updated {
		if err := r.Update(ctx, token); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileToken(ctx, patchHelper, token)
}

func (r *Reconciler) reconcileToken(ctx context.Context, patchHelper *patch.SerialPatcher, token *v1alpha1.Token) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	token.Status.Phase = v1alpha1.TokenPhasePending
	token.Status.ObservedGeneration = token.Generation
	token.Status.Message = ""
	if err := status.Record(ctx, patchHelper, token); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("minting personal access token")
	minted, err := r.API.CreateToken(ctx)
	if err != nil {
		return r.fail(token, v1alpha1.ProvisionFailedReason, err)
	}
	if minted == nil || minted.ID == "" {
		return r.fail(token, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "token.create"})
	}
	if minted.Token == "" {
		// The secret value exists only in the create response. A token whose
		// value was never returned can never become usable.
		r.revoke(ctx, token, minted.ID)

		return r.fail(token, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "token.create"})
	}

	secretName, err := r.writeCredentials(ctx, token, minted.Token)
	if err != nil {
		// The value cannot be fetched again later, so the minted token is
		// revoked and the retry mints a fresh one.
		r.revoke(ctx, token, minted.ID)

		return r.fail(token, v1alpha1.CredentialWriteFailedReason, err)
	}

	token.Status.TokenID = minted.ID
	token.Status.SecretName = secretName
	token.Status.Phase = v1alpha1.TokenPhaseActive
	token.Status.Message = ""
	status.MarkReady(r.EventRecorder, token, "Token %s active, value written to secret %s", minted.ID, secretName)

	return ctrl.Result{}, nil
}

// writeCredentials persists the token value into the owned credential Secret
// and returns the Secret name.
func (r *Reconciler) writeCredentials(ctx context.Context, token *v1alpha1.Token, value string) (string, error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      token.CredentialSecretName(),
			Namespace: token.GetNamespace(),
		},
	}
	if _, err := controllerutil.CreateOrUpdate(ctx, r.Client, secret, func() error {
		if secret.Data == nil {
			secret.Data = make(map[string][]byte, 1)
		}
		secret.Data[secretKey] = []byte(value)

		return controllerutil.SetControllerReference(token, secret, r.Scheme)
	}); err != nil {
		return "", fmt.Errorf("failed to write credential secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}

	return secret.Name, nil
}

// revoke deletes a minted token that never became usable. Best effort.
func (r *Reconciler) revoke(ctx context.Context, token *v1alpha1.Token, id string) {
	logger := log.FromContext(ctx)
	logger.Info("revoking unusable token", "tokenID", id)

	if err := r.API.DeleteToken(ctx, id); err != nil && !terminal.IsNotFound(err) {
		logger.Error(err, "failed to revoke unusable token", "tokenID", id)
		event.New(r.EventRecorder, token, nil, eventv1.EventSeverityError, "Failed to revoke unusable token %s: %s", id, err.Error())
	}
}

func (r *Reconciler) fail(token *v1alpha1.Token, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	token.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, token, reason, err.Error())
		token.Status.Phase = v1alpha1.TokenPhaseFailed
		token.Status.ObservedGeneration = token.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, token, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, token *v1alpha1.Token) error {
	logger := log.FromContext(ctx)

	if token.Status.TokenID != "" {
		logger.Info("revoking token on backend", "tokenID", token.Status.TokenID)
		if err := r.API.DeleteToken(ctx, token.Status.TokenID); err != nil && !terminal.IsNotFound(err) {
			// Backend cleanup is best effort; the finalizer comes off
			// regardless so deletion cannot wedge on the external service.
			logger.Error(err, "failed to revoke token on backend", "tokenID", token.Status.TokenID)
			event.New(r.EventRecorder, token, nil, eventv1.EventSeverityError, "Failed to revoke token %s on backend: %s", token.Status.TokenID, err.Error())
		}
	}

	if updated := controllerutil.RemoveFinalizer(token, v1alpha1.TokenFinalizer); updated {
		if err := r.Update(ctx, token); err != nil {
			status.MarkNotReady(r.EventRecorder, token, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}
