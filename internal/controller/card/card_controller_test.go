package card

import (
	"errors"
	"net/http"
	"strings"
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
		WithStatusSubresource(&v1alpha1.Card{}, &v1alpha1.Profile{}).
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

func newCard() *v1alpha1.Card {
	return &v1alpha1.Card{
		ObjectMeta: metav1.ObjectMeta{Name: "visa", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.CardSpec{Token: "tok_visa"},
	}
}

func TestCardLifecycle(t *testing.T) {
	g := NewWithT(t)

	reconciler, api, fakeClient := newTestReconciler(t, newCard())
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	reconcileN(t, reconciler, req, 2)

	updated := &v1alpha1.Card{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhaseRegistered))
	g.Expect(updated.Status.CardID).To(HavePrefix("crd_"))
	g.Expect(updated.Status.Brand).To(Equal("Visa"))
	g.Expect(updated.Status.Last4).To(Equal("4242"))
	g.Expect(conditions.IsReady(updated)).To(BeTrue())
	g.Expect(api.Calls("card.create")).To(Equal(1))

	reconcileN(t, reconciler, req, 3)
	g.Expect(api.Calls("card.create")).To(Equal(1))
}

func TestCardWaitsForProfile(t *testing.T) {
	g := NewWithT(t)

	card := newCard()
	card.Spec.ProfileRef = &v1alpha1.Reference{Name: "me"}
	profile := &v1alpha1.Profile{
		ObjectMeta: metav1.ObjectMeta{Name: "me", Namespace: "default", Generation: 1},
		Spec:       v1alpha1.ProfileSpec{Name: "Jane Doe", Email: "jane@example.com"},
		Status:     v1alpha1.ProfileStatus{Phase: v1alpha1.ProfilePhasePending},
	}
	reconciler, api, fakeClient := newTestReconciler(t, card, profile)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	result := reconcileN(t, reconciler, req, 2)
	g.Expect(result.RequeueAfter).To(Equal(classify.RetryDependencyPending))

	updated := &v1alpha1.Card{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhasePending))
	g.Expect(updated.Status.ReadyFlags).To(Equal(map[string]bool{"profile": false}))
	g.Expect(conditions.GetReason(updated, meta.ReadyCondition)).To(Equal(v1alpha1.ResolveDependencyFailedReason))
	g.Expect(api.Calls("card.create")).To(BeZero(), "unready dependencies must gate the backend call")

	synced := &v1alpha1.Profile{}
	g.Expect(fakeClient.Get(t.Context(), types.NamespacedName{Namespace: "default", Name: "me"}, synced)).To(Succeed())
	synced.Status.Phase = v1alpha1.ProfilePhaseSynced
	g.Expect(fakeClient.Status().Update(t.Context(), synced)).To(Succeed())

	reconcileN(t, reconciler, req, 1)
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhaseRegistered))
	g.Expect(updated.Status.ReadyFlags).To(Equal(map[string]bool{"profile": true}))
	g.Expect(api.Calls("card.create")).To(Equal(1))
}

func TestCardProfileMissing(t *testing.T) {
	g := NewWithT(t)

	card := newCard()
	card.Spec.ProfileRef = &v1alpha1.Reference{Name: "nobody"}
	reconciler, api, fakeClient := newTestReconciler(t, card)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	result := reconcileN(t, reconciler, req, 2)
	g.Expect(result.RequeueAfter).To(Equal(classify.RetryDependencyMissing))

	updated := &v1alpha1.Card{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhasePending))
	g.Expect(api.Calls("card.create")).To(BeZero())
}

func TestCardAlreadyExistsFallback(t *testing.T) {
	g := NewWithT(t)

	reconciler, api, fakeClient := newTestReconciler(t, newCard())
	api.SetError("card.create", &terminal.APIError{Status: http.StatusBadRequest, Code: terminal.CodeAlreadyExists, Message: "token already used"})
	api.Cards = []terminal.Card{{ID: "crd_adopted", Brand: "Amex", Last4: "0005"}}
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	reconcileN(t, reconciler, req, 2)

	updated := &v1alpha1.Card{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhaseRegistered))
	g.Expect(updated.Status.CardID).To(Equal("crd_adopted"))
	g.Expect(updated.Status.Brand).To(Equal("Amex"))
	g.Expect(api.Calls("card.create")).To(Equal(1))
	g.Expect(api.Calls("card.list")).To(Equal(1))

	recorder := reconciler.EventRecorder.(*record.FakeRecorder)
	adopted := false
	for len(recorder.Events) > 0 {
		if strings.Contains(<-recorder.Events, "Adopted existing card") {
			adopted = true
		}
	}
	g.Expect(adopted).To(BeTrue())

	// The settled generation must not attempt another create.
	reconcileN(t, reconciler, req, 2)
	g.Expect(api.Calls("card.create")).To(Equal(1))
}

func TestCardAlreadyExistsWithoutRecord(t *testing.T) {
	g := NewWithT(t)

	reconciler, api, fakeClient := newTestReconciler(t, newCard())
	api.SetError("card.create", &terminal.APIError{Status: http.StatusBadRequest, Code: terminal.CodeAlreadyExists, Message: "token already used"})
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	reconcileN(t, reconciler, req, 1)
	_, err := reconciler.Reconcile(t.Context(), req)
	g.Expect(errors.Is(err, reconcile.TerminalError(nil))).To(BeTrue())

	updated := &v1alpha1.Card{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhaseFailed))
	g.Expect(conditions.GetReason(updated, meta.ReadyCondition)).To(Equal(v1alpha1.ContractViolationReason))
}

func TestCardValidationFailure(t *testing.T) {
	g := NewWithT(t)

	card := newCard()
	card.Spec.Token = ""
	reconciler, api, fakeClient := newTestReconciler(t, card)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	reconcileN(t, reconciler, req, 1)
	_, err := reconciler.Reconcile(t.Context(), req)
	g.Expect(errors.Is(err, reconcile.TerminalError(nil))).To(BeTrue())

	updated := &v1alpha1.Card{}
	g.Expect(fakeClient.Get(t.Context(), req.NamespacedName, updated)).To(Succeed())
	g.Expect(updated.Status.Phase).To(Equal(v1alpha1.CardPhaseFailed))
	g.Expect(updated.Status.Message).To(ContainSubstring("spec.token"))
	g.Expect(api.Calls("card.create")).To(BeZero())
}

func TestCardDeletion(t *testing.T) {
	g := NewWithT(t)

	now := metav1.Now()
	card := newCard()
	card.DeletionTimestamp = &now
	card.Finalizers = []string{v1alpha1.CardFinalizer}
	card.Status = v1alpha1.CardStatus{CardID: "crd_000001", Phase: v1alpha1.CardPhaseRegistered, ObservedGeneration: 1}
	reconciler, api, fakeClient := newTestReconciler(t, card)
	api.Cards = []terminal.Card{{ID: "crd_000001", Brand: "Visa", Last4: "4242"}}
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	reconcileN(t, reconciler, req, 1)

	err := fakeClient.Get(t.Context(), req.NamespacedName, &v1alpha1.Card{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
	g.Expect(api.Calls("card.delete")).To(Equal(1))
}

func TestCardDeletionToleratesBackendFailure(t *testing.T) {
	g := NewWithT(t)

	now := metav1.Now()
	card := newCard()
	card.DeletionTimestamp = &now
	card.Finalizers = []string{v1alpha1.CardFinalizer}
	card.Status = v1alpha1.CardStatus{CardID: "crd_000001", Phase: v1alpha1.CardPhaseRegistered, ObservedGeneration: 1}
	reconciler, api, fakeClient := newTestReconciler(t, card)
	api.SetError("card.delete", &terminal.APIError{Status: http.StatusInternalServerError, Message: "backend down"})
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	// Cleanup failures must never block finalizer removal.
	reconcileN(t, reconciler, req, 1)

	err := fakeClient.Get(t.Context(), req.NamespacedName, &v1alpha1.Card{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
	g.Expect(api.Calls("card.delete")).To(Equal(1))
}

func TestCardDeletionWithoutExternalRecord(t *testing.T) {
	g := NewWithT(t)

	now := metav1.Now()
	card := newCard()
	card.DeletionTimestamp = &now
	card.Finalizers = []string{v1alpha1.CardFinalizer}
	reconciler, api, fakeClient := newTestReconciler(t, card)
	req := ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "visa"}}

	reconcileN(t, reconciler, req, 1)

	err := fakeClient.Get(t.Context(), req.NamespacedName, &v1alpha1.Card{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
	g.Expect(api.Calls("card.delete")).To(BeZero(), "nothing was provisioned, nothing to clean up")
}
