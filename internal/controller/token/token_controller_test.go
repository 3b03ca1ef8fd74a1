package token

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/fluxcd/pkg/apis/meta"
	"github.com/fluxcd/pkg/runtime/conditions"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
	"terminal.sh/coffee-operator/internal/terminal/terminaltest"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	g := NewWithT(t)

	scheme := runtime.NewScheme()
	g.Expect(v1alpha1.AddToScheme(scheme)).To(Succeed())
	g.Expect(corev1.AddToScheme(scheme)).To(Succeed())

	return scheme
}

func newTestReconciler(t *testing.T, objs ...client.Object) (*Reconciler, *terminaltest.Fake, client.Client) {
	t.Helper()

	scheme := newScheme(t)
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&v1alpha1.Token{}).
		Build()

	return newReconcilerFor(scheme, fakeClient)
}

func newReconcilerFor(scheme *runtime.Scheme, fakeClient client.Client) (*Reconciler, *terminaltest.Fake, client.Client) {
	api := terminaltest.NewFake()
	reconciler := &Reconciler{
		BaseReconciler: &operator.BaseReconciler{
			Client:        fakeClient,
			Scheme:        scheme,
			EventRecorder: &record.FakeRecorder{Events: make(chan string, 100)},
		},
		API: api,
	}

	return reconciler, api, fakeClient
}

func reconcileN(t *testing.T, r *Reconciler, req ctrl.Request, n int) ctrl.Result {
	t.Helper()
	g := NewWithT(t)

	var result ctrl.Result
	for range n {
		var err error
		result, err = r.Reconcile(t.Context(), req)
		g.Expect(err).ToNot(HaveOccurred())
	}

	return result
}

func newToken() *v1alpha1.Token {
	return &v1alpha1.Token{
		ObjectMeta: metav1.ObjectMeta{Name: "ci", Namespace: "default", Generation: 1},
	}
}

func TestTokenLifecycle(t *testing.T) {
	g := NewWithT(t)

	reconciler, api, fakeClient := newTestReconciler(t, newToken())
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "ci"}}

	reconcileN(t, reconciler, req, 2)

	updated := &v1alpha1.Token{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.TokenPhaseActive))
	g.Expect(updated.Status.TokenID).To(HavePrefix("pat_"))
	g.Expect(updated.Status.SecretName).To(Equal("ci-credentials"))
	g.Expect(conditions.IsReady(updated)).To(BeTrue())
	g.Expect(api.Calls("token.create")).To(Equal(1))

	secret := &corev1.Secret{}
	g.Expect(fakeClient.Get(t.Context(), types.NamespacedName{Namespace: "default", Name: "ci-credentials"}, secret)).To(Succeed())
	g.Expect(string(secret.Data[secretKey])).To(HavePrefix("trm_"))
	g.Expect(secret.OwnerReferences).To(HaveLen(1))
	g.Expect(secret.OwnerReferences[0].Kind).To(Equal("Token"))

	// The token value must never leak into status.
	g.Expect(updated.Status.Message).ToNot(ContainSubstring("trm_"))

	reconcileN(t, reconciler, req, 3)
	g.Expect(api.Calls("token.create")).To(Equal(1))
}

func TestTokenSecretNameOverride(t *testing.T) {
	g := NewWithT(t)

	token := newToken()
	token.Spec.SecretName = "shared-credentials"
	reconciler, _, fakeClient := newTestReconciler(t, token)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "ci"}}

	reconcileN(t, reconciler, req, 2)

	updated := &v1alpha1.Token{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.SecretName).To(Equal("shared-credentials"))
	g.Expect(fakeClient.Get(t.Context(), types.NamespacedName{Namespace: "default", Name: "shared-credentials"}, &corev1.Secret{})).To(Succeed())
}

func TestTokenTransientBackendFailure(t *testing.T) {
	g := NewWithT(t)

	reconciler, api, fakeClient := newTestReconciler(t, newToken())
	api.SetError("token.create", &terminal.APIError{Status: http.StatusInternalServerError, Message: "minting broke"})
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "ci"}}

	result := reconcileN(t, reconciler, req, 2)
	g.Expect(result.RequeueAfter).To(Equal(classify.RetryBackend))

	updated := &v1alpha1.Token{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.TokenPhasePending))
	g.Expect(updated.Status.TokenID).To(BeEmpty())

	api.ClearError("token.create")
	reconcileN(t, reconciler, req, 1)

	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.TokenPhaseActive))
}

func TestTokenCredentialWriteFailureRevokes(t *testing.T) {
	g := NewWithT(t)

	token := newToken()
	token.Finalizers = []string{v1alpha1.TokenFinalizer}
	scheme := newScheme(t)
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(token).
		WithStatusSubresource(&v1alpha1.Token{}).
		WithInterceptorFuncs(interceptor.Funcs{
			Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*corev1.Secret); ok {
					return apierrors.NewInternalError(errors.New("etcd is unavailable"))
				}

				return c.Create(ctx, obj, opts...)
			},
		}).
		Build()
	reconciler, api, _ := newReconcilerFor(scheme, fakeClient)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "ci"}}

	result := reconcileN(t, reconciler, req, 1)
	g.Expect(result.RequeueAfter).To(Equal(classify.RetryBackend))

	updated := &v1alpha1.Token{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.TokenPhasePending))
	g.Expect(updated.Status.TokenID).To(BeEmpty(), "an unusable token must not be recorded")
	g.Expect(conditions.GetReason(updated, meta.ReadyCondition)).To(Equal(v1alpha1.CredentialWriteFailedReason))
	g.Expect(api.Calls("token.create")).To(Equal(1))
	g.Expect(api.Calls("token.delete")).To(Equal(1), "the minted token must be revoked when its value cannot be persisted")
}

func TestTokenDeletion(t *testing.T) {
	g := NewWithT(t)

	now := metav1.Now()
	token := newToken()
	token.DeletionTimestamp = &now
	token.Finalizers = []string{v1alpha1.TokenFinalizer}
	token.Status = v1alpha1.TokenStatus{TokenID: "pat_000001", Phase: v1alpha1.TokenPhaseActive, ObservedGeneration: 1}
	reconciler, api, fakeClient := newTestReconciler(t, token)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "ci"}}

	reconcileN(t, reconciler, req, 1)

	err := fakeClient.Get(t.Context(), req.NamespacedName, &v1alpha1.Token{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
	g.Expect(api.Calls("token.delete")).To(Equal(1))
}

func TestTokenDeletionWithoutExternalRecord(t *testing.T) {
	g := NewWithT(t)

	now := metav1.Now()
	token := newToken()
	token.DeletionTimestamp = &now
	token.Finalizers = []string{v1alpha1.TokenFinalizer}
	reconciler, api, fakeClient := newTestReconciler(t, token)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "ci"}}

	reconcileN(t, reconciler, req, 1)

	err := fakeClient.Get(t.Context(), req.NamespacedName, &v1alpha1.Token{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
	g.Expect(api.Calls("token.delete")).To(BeZero())
}
