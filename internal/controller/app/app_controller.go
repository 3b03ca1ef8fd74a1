package app

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
	kind = "App"

	// secretKeyID and secretKeySecret are the Secret data keys the OAuth
	// client credentials are written under.
	secretKeyID     = "id"
	secretKeySecret = "secret"
)

// Reconciler reconciles an App object.
type Reconciler struct {
	*operator.BaseReconciler

	API terminal.AppAPI
}

var _ operator.Reconciler = (*Reconciler)(nil)

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.App{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Owns(&corev1.Secret{}).
		Complete(r)
}

// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=apps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=apps/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coffee.terminal.sh,resources=apps/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (_ ctrl.Result, err error) {
	logger := log.FromContext(ctx)
	logger.Info("starting reconciliation")

	app := &v1alpha1.App{}
	if err := r.Get(ctx, req.NamespacedName, app); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if app.GetDeletionTimestamp().IsZero() &&
		app.Status.ObservedGeneration == app.Generation &&
		(app.Status.Phase == v1alpha1.AppPhaseActive || app.Status.Phase == v1alpha1.AppPhaseFailed) {
		logger.V(1).Info("generation already settled", "phase", app.Status.Phase)

		return ctrl.Result{}, nil
	}

	patchHelper := patch.NewSerialPatcher(app, r.Client)
	defer func(ctx context.Context) {
		err = errors.Join(err, status.UpdateStatus(ctx, patchHelper, app, r.EventRecorder, app.GetRequeueAfter(), err))
	}(ctx)

	if !app.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.reconcileDelete(ctx, app)
	}

	if updated := controllerutil.AddFinalizer(app, v1alpha1.AppFinalizer); updated {
		if err := r.Update(ctx, app); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}

		return ctrl.Result{Requeue: true}, nil
	}

	return r.reconcileApp(ctx, patchHelper, app)
}

func (r *Reconciler) reconcileApp(ctx context.Context, patchHelper *patch.SerialPatcher, app *v1alpha1.App) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if err := validateSpec(app); err != nil {
		return r.fail(app, v1alpha1.ValidationFailedReason, err)
	}

	// Record the attempt before calling out so a crash cannot hide that the
	// call may have happened.
	app.Status.Phase = v1alpha1.AppPhasePending
	app.Status.ObservedGeneration = app.Generation
	app.Status.Message = ""
	if err := status.Record(ctx, patchHelper, app); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("registering application on backend")
	registered, err := r.API.CreateApp(ctx, terminal.AppParams{
		Name:        app.Spec.Name,
		RedirectURI: app.Spec.RedirectURI,
	})
	if err != nil {
		return r.fail(app, v1alpha1.ProvisionFailedReason, err)
	}
	if registered == nil || registered.ID == "" {
		return r.fail(app, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "app.create"})
	}
	if registered.Secret == "" {
		// The client secret exists only in the create response. An
		// application whose secret was never returned can never be used.
		r.deregister(ctx, app, registered.ID)

		return r.fail(app, v1alpha1.ContractViolationReason, &classify.ContractViolation{Op: "app.create"})
	}

	secretName, err := r.writeCredentials(ctx, app, registered.ID, registered.Secret)
	if err != nil {
		// The secret cannot be fetched again later, so the registration is
		// rolled back and the retry starts from scratch.
		r.deregister(ctx, app, registered.ID)

		return r.fail(app, v1alpha1.CredentialWriteFailedReason, err)
	}

	app.Status.AppID = registered.ID
	app.Status.SecretName = secretName
	app.Status.Phase = v1alpha1.AppPhaseActive
	app.Status.Message = ""
	status.MarkReady(r.EventRecorder, app, "App %s active, credentials written to secret %s", registered.ID, secretName)

	return ctrl.Result{}, nil
}

// writeCredentials persists the OAuth client credentials into the owned
// Secret and returns the Secret name.
func (r *Reconciler) writeCredentials(ctx context.Context, app *v1alpha1.App, id, secretValue string) (string, error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      app.CredentialSecretName(),
			Namespace: app.GetNamespace(),
		},
	}
	if _, err := controllerutil.CreateOrUpdate(ctx, r.Client, secret, func() error {
		if secret.Data == nil {
			secret.Data = make(map[string][]byte, 2)
		}
		secret.Data[secretKeyID] = []byte(id)
		secret.Data[secretKeySecret] = []byte(secretValue)

		return controllerutil.SetControllerReference(app, secret, r.Scheme)
	}); err != nil {
		return "", fmt.Errorf("failed to write credential secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}

	return secret.Name, nil
}

// deregister deletes a registered application that never became usable. Best
// effort.
func (r *Reconciler) deregister(ctx context.Context, app *v1alpha1.App, id string) {
	logger := log.FromContext(ctx)
	logger.Info("removing unusable application", "appID", id)

	if err := r.API.DeleteApp(ctx, id); err != nil && !terminal.IsNotFound(err) {
		logger.Error(err, "failed to remove unusable application", "appID", id)
		event.New(r.EventRecorder, app, nil, eventv1.EventSeverityError, "Failed to remove unusable app %s: %s", id, err.Error())
	}
}

func (r *Reconciler) fail(app *v1alpha1.App, reason string, err error) (ctrl.Result, error) {
	outcome := classify.Classify(kind, err)
	app.Status.Message = err.Error()

	if outcome.Permanent() {
		status.MarkNotReady(r.EventRecorder, app, reason, err.Error())
		app.Status.Phase = v1alpha1.AppPhaseFailed
		app.Status.ObservedGeneration = app.Generation

		return ctrl.Result{}, reconcile.TerminalError(err)
	}

	if reason == v1alpha1.ProvisionFailedReason {
		reason = v1alpha1.ProvisionRetryingReason
	}
	status.MarkNotReady(r.EventRecorder, app, reason, err.Error())

	return ctrl.Result{RequeueAfter: outcome.RequeueAfter}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, app *v1alpha1.App) error {
	logger := log.FromContext(ctx)

	if app.Status.AppID != "" {
		logger.Info("removing application on backend", "appID", app.Status.AppID)
		if err := r.API.DeleteApp(ctx, app.Status.AppID); err != nil && !terminal.IsNotFound(err) {
			// Backend cleanup is best effort; the finalizer comes off
			// regardless so deletion cannot wedge on the external service.
			logger.Error(err, "failed to remove application on backend", "appID", app.Status.AppID)
			event.New(r.EventRecorder, app, nil, eventv1.EventSeverityError, "Failed to remove app %s on backend: %s", app.Status.AppID, err.Error())
		}
	}

	if updated := controllerutil.RemoveFinalizer(app, v1alpha1.AppFinalizer); updated {
		if err := r.Update(ctx, app); err != nil {
			status.MarkNotReady(r.EventRecorder, app, v1alpha1.DeletionFailedReason, err.Error())

			return fmt.Errorf("failed to remove finalizer: %w", err)
		}
	}

	return nil
}

func validateSpec(app *v1alpha1.App) error {
	if app.Spec.Name == "" {
		return classify.NewValidationError("spec.name must not be empty")
	}
	if app.Spec.RedirectURI == "" {
		return classify.NewValidationError("spec.redirectURI must not be empty")
	}

	return nil
}
