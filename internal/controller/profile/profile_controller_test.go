package profile

import (
	"errors"
	"net/http"
	"testing"

	"github.com/fluxcd/pkg/apis/meta"
	"github.com/fluxcd/pkg/runtime/conditions"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
	"terminal.sh/coffee-operator/internal/terminal/terminaltest"
)

func newTestReconciler(t *testing.T, objs ...client.Object) (*Reconciler, *terminaltest.Fake, client.Client) {
	t.Helper()
	g := NewWithT(t)

	scheme := runtime.NewScheme()
	g.Expect(v1alpha1.AddToScheme(scheme)).To(Succeed())

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&v1alpha1.Profile{}).
		Build()

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

func TestProfileLifecycle(t *testing.T) {
	g := NewWithT(t)

	profile := &v1alpha1.Profile{
		ObjectMeta: metav1.ObjectMeta{Name: "me", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ProfileSpec{Name: "Jane Doe", Email: "jane@example.com"},
	}
	reconciler, api, fakeClient := newTestReconciler(t, profile)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "me"}}

	// First pass adds the finalizer, second provisions.
	reconcileN(t, reconciler, req, 2)

	updated := &v1alpha1.Profile{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Finalizers).To(ContainElement(v1alpha1.ProfileFinalizer))
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.ProfilePhaseSynced))
	g.Expect(updated.Status.ObservedGeneration).To(Equal(int64(1)))
	g.Expect(updated.Status.LastSyncTime).ToNot(BeNil())
	g.Expect(conditions.IsReady(updated)).To(BeTrue())
	g.Expect(api.Calls("profile.update")).To(Equal(1))

	// A settled generation must not trigger another backend call or status
	// write.
	reconcileN(t, reconciler, req, 3)
	g.Expect(api.Calls("profile.update")).To(Equal(1))
}

func TestProfileValidationFailure(t *testing.T) {
	g := NewWithT(t)

	profile := &v1alpha1.Profile{
		ObjectMeta: metav1.ObjectMeta{Name: "me", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ProfileSpec{Name: "Jane Doe"},
	}
	reconciler, api, fakeClient := newTestReconciler(t, profile)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "me"}}

	reconcileN(t, reconciler, req, 1)
	_, err := reconciler.Reconcile(t.Context(), req)
	g.Expect(err).To(HaveOccurred())
	g.Expect(errors.Is(err, reconcile.TerminalError(nil))).To(BeTrue())

	updated := &v1alpha1.Profile{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.ProfilePhaseFailed))
	g.Expect(updated.Status.Message).To(ContainSubstring("spec.email"))
	g.Expect(conditions.GetReason(updated, meta.ReadyCondition)).To(Equal(v1alpha1.ValidationFailedReason))
	g.Expect(api.Calls("profile.update")).To(BeZero(), "invalid specs must never reach the backend")

	// Failed generations stay settled until the spec changes.
	reconcileN(t, reconciler, req, 2)
	g.Expect(api.Calls("profile.update")).To(BeZero())
}

func TestProfileTransientBackendFailure(t *testing.T) {
	g := NewWithT(t)

	profile := &v1alpha1.Profile{
		ObjectMeta: metav1.ObjectMeta{Name: "me", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ProfileSpec{Name: "Jane Doe", Email: "jane@example.com"},
	}
	reconciler, api, fakeClient := newTestReconciler(t, profile)
	api.SetError("profile.update", &terminal.APIError{Status: http.StatusBadGateway, Message: "upstream down"})
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "me"}}

	result := reconcileN(t, reconciler, req, 2)
	g.Expect(result.RequeueAfter).To(Equal(classify.RetryBackend))

	updated := &v1alpha1.Profile{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.ProfilePhasePending))
	g.Expect(conditions.IsFalse(updated, meta.ReadyCondition)).To(BeTrue())
	g.Expect(conditions.GetReason(updated, meta.ReadyCondition)).To(Equal(v1alpha1.ProvisionRetryingReason))

	api.ClearError("profile.update")
	reconcileN(t, reconciler, req, 1)

	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.ProfilePhaseSynced))
	g.Expect(api.Calls("profile.update")).To(Equal(2))
}

func TestProfilePermanentBackendFailure(t *testing.T) {
	g := NewWithT(t)

	profile := &v1alpha1.Profile{
		ObjectMeta: metav1.ObjectMeta{Name: "me", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ProfileSpec{Name: "Jane Doe", Email: "not-an-email"},
	}
	reconciler, api, fakeClient := newTestReconciler(t, profile)
	api.SetError("profile.update", &terminal.APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "invalid email"})
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "me"}}

	reconcileN(t, reconciler, req, 1)
	_, err := reconciler.Reconcile(t.Context(), req)
	g.Expect(errors.Is(err, reconcile.TerminalError(nil))).To(BeTrue())

	updated := &v1alpha1.Profile{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.ProfilePhaseFailed))
	g.Expect(updated.Status.Message).To(ContainSubstring("invalid email"))
	g.Expect(api.Calls("profile.update")).To(Equal(1))

	reconcileN(t, reconciler, req, 2)
	g.Expect(api.Calls("profile.update")).To(Equal(1))
}

func TestProfileDeletion(t *testing.T) {
	g := NewWithT(t)

	now := metav1.Now()
	profile := &v1alpha1.Profile{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "me",
			Namespace:         "default",
			Generation:        1,
			DeletionTimestamp: &now,
			Finalizers:        []string{v1alpha1.ProfileFinalizer},
		},
		Spec: v1alpha1.ProfileSpec{Name: "Jane Doe", Email: "jane@example.com"},
	}
	reconciler, api, fakeClient := newTestReconciler(t, profile)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "me"}}

	reconcileN(t, reconciler, req, 1)

	err := fakeClient.Get(t.Context(), req.NamespacedName, &v1alpha1.Profile{})
	g.Expect(err).To(HaveOccurred(), "removing the finalizer must release the object")
	g.Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
	g.Expect(api.Calls("profile.update")).To(BeZero())
}
