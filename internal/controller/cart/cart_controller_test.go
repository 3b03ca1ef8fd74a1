package cart

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fluxcd/pkg/apis/meta"
	"github.com/fluxcd/pkg/runtime/conditions"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/catalog"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
	"terminal.sh/coffee-operator/internal/terminal/terminaltest"
)

var _ = Describe("Cart Controller", func() {
	const (
		namespace = "default"
		cartName  = "order-run"
	)

	var (
		reconciler *Reconciler
		api        *terminaltest.Fake
		fakeClient client.Client
		req        ctrl.Request
	)

	scheme := runtime.NewScheme()
	utilruntime.Must(v1alpha1.AddToScheme(scheme))

	readyAddress := func() *v1alpha1.Address {
		return &v1alpha1.Address{
			ObjectMeta: metav1.ObjectMeta{Name: "home", Namespace: namespace, Generation: 1},
			Spec:       v1alpha1.AddressSpec{Name: "Jane Doe", Street1: "1 Main St", City: "Springfield", Country: "US", Zip: "62704"},
			Status:     v1alpha1.AddressStatus{Phase: v1alpha1.AddressPhaseVerified, AddressID: "shp_000001", ObservedGeneration: 1},
		}
	}

	readyCard := func() *v1alpha1.Card {
		return &v1alpha1.Card{
			ObjectMeta: metav1.ObjectMeta{Name: "visa", Namespace: namespace, Generation: 1},
			Spec:       v1alpha1.CardSpec{Token: "tok_visa"},
			Status:     v1alpha1.CardStatus{Phase: v1alpha1.CardPhaseRegistered, CardID: "crd_000001", ObservedGeneration: 1},
		}
	}

	newCart := func() *v1alpha1.Cart {
		return &v1alpha1.Cart{
			ObjectMeta: metav1.ObjectMeta{Name: cartName, Namespace: namespace, Generation: 1},
			Spec: v1alpha1.CartSpec{
				Items: []v1alpha1.CartItem{
					{ProductVariantID: "var_segfault_12oz", Quantity: 2},
					{ProductVariantID: "var_dark_12oz", Quantity: 1},
				},
				AddressRef: v1alpha1.Reference{Name: "home"},
				CardRef:    v1alpha1.Reference{Name: "visa"},
			},
		}
	}

	setup := func(objs ...client.Object) {
		fakeClient = fake.NewClientBuilder().
			WithScheme(scheme).
			WithObjects(objs...).
			WithStatusSubresource(&v1alpha1.Cart{}, &v1alpha1.Address{}, &v1alpha1.Card{}).
			Build()

		api = terminaltest.NewFake()
		api.Products = []terminal.Product{
			{
				ID:   "prd_segfault",
				Name: "Segfault",
				Variants: []terminal.ProductVariant{
					{ID: "var_segfault_12oz", Name: "12oz", Price: 2200},
				},
			},
			{
				ID:   "prd_dark",
				Name: "Dark Mode",
				Variants: []terminal.ProductVariant{
					{ID: "var_dark_12oz", Name: "12oz", Price: 1800},
				},
			},
		}
		// The backend already knows the prerequisites the cluster objects
		// point at.
		api.Addresses["shp_000001"] = terminal.AddressParams{Name: "Jane Doe", Street1: "1 Main St", City: "Springfield", Country: "US", Zip: "62704"}
		api.Cards = []terminal.Card{{ID: "crd_000001", Brand: "Visa", Last4: "4242"}}

		reconciler = &Reconciler{
			BaseReconciler: &operator.BaseReconciler{
				Client:        fakeClient,
				Scheme:        scheme,
				EventRecorder: &record.FakeRecorder{Events: make(chan string, 100)},
			},
			API:     api,
			Catalog: catalog.New(api, time.Minute),
		}
	}

	reconcileN := func(ctx context.Context, n int) ctrl.Result {
		var result ctrl.Result
		for range n {
			var err error
			result, err = reconciler.Reconcile(ctx, req)
			Expect(err).ToNot(HaveOccurred())
		}

		return result
	}

	getCart := func(ctx context.Context) *v1alpha1.Cart {
		cart := &v1alpha1.Cart{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, cart)).To(Succeed())

		return cart
	}

	BeforeEach(func() {
		req = ctrl.Request{NamespacedName: types.NamespacedName{Namespace: namespace, Name: cartName}}
	})

	Context("assembling and converting", func() {
		It("stages the cart and converts it into an order", func(ctx SpecContext) {
			setup(newCart(), readyAddress(), readyCard())

			reconcileN(ctx, 2)

			cart := getCart(ctx)
			Expect(cart.Status.Phase).To(Equal(v1alpha1.CartPhaseConverted))
			Expect(cart.Status.OrderID).To(HavePrefix("ord_"))
			Expect(cart.Status.Subtotal).To(Equal(int64(2*2200 + 1800)))
			Expect(cart.Status.ReadyFlags).To(Equal(map[string]bool{"address": true, "card": true}))
			Expect(conditions.IsReady(cart)).To(BeTrue())
			Expect(api.Calls("cart.add")).To(Equal(2))
			Expect(api.Calls("cart.address")).To(Equal(1))
			Expect(api.Calls("cart.card")).To(Equal(1))
			Expect(api.Calls("cart.convert")).To(Equal(1))

			order, ok := api.Orders[cart.Status.OrderID]
			Expect(ok).To(BeTrue())
			Expect(order.Items).To(HaveLen(2))

			// The settled generation must not convert again.
			reconcileN(ctx, 3)
			Expect(api.Calls("cart.convert")).To(Equal(1))
		})

		It("resumes from the recorded stage after a transient failure", func(ctx SpecContext) {
			setup(newCart(), readyAddress(), readyCard())
			api.SetError("cart.card", &terminal.APIError{Status: http.StatusServiceUnavailable, Message: "try later"})

			result := reconcileN(ctx, 2)
			Expect(result.RequeueAfter).To(Equal(classify.RetryBackend))

			cart := getCart(ctx)
			Expect(cart.Status.Phase).To(Equal(v1alpha1.CartPhaseAddressSet), "completed stages must be recorded")
			Expect(api.Calls("cart.add")).To(Equal(2))
			Expect(api.Calls("cart.address")).To(Equal(1))
			Expect(api.Calls("cart.card")).To(Equal(1))
			Expect(api.Calls("cart.convert")).To(BeZero())

			api.ClearError("cart.card")
			reconcileN(ctx, 1)

			cart = getCart(ctx)
			Expect(cart.Status.Phase).To(Equal(v1alpha1.CartPhaseConverted))
			Expect(api.Calls("cart.add")).To(Equal(2), "resuming must not restage items")
			Expect(api.Calls("cart.address")).To(Equal(1))
			Expect(api.Calls("cart.card")).To(Equal(2))
			Expect(api.Calls("cart.convert")).To(Equal(1))
		})

		It("retries a failed conversion without restaging", func(ctx SpecContext) {
			setup(newCart(), readyAddress(), readyCard())
			api.SetError("cart.convert", &terminal.APIError{Status: http.StatusBadGateway, Message: "upstream down"})

			result := reconcileN(ctx, 2)
			Expect(result.RequeueAfter).To(Equal(classify.RetryBackend))

			cart := getCart(ctx)
			Expect(cart.Status.Phase).To(Equal(v1alpha1.CartPhaseConverting))
			Expect(cart.Status.OrderID).To(BeEmpty())

			api.ClearError("cart.convert")
			reconcileN(ctx, 1)

			cart = getCart(ctx)
			Expect(cart.Status.Phase).To(Equal(v1alpha1.CartPhaseConverted))
			Expect(api.Calls("cart.convert")).To(Equal(2))
			Expect(api.Calls("cart.add")).To(Equal(2), "conversion retries must not restage the cart")
		})

		It("re-stages a new generation of a converted cart", func(ctx SpecContext) {
			cart := newCart()
			cart.Generation = 2
			cart.Finalizers = []string{v1alpha1.CartFinalizer}
			cart.Status = v1alpha1.CartStatus{
				Phase:              v1alpha1.CartPhaseConverted,
				OrderID:            "ord_previous",
				Subtotal:           4400,
				ObservedGeneration: 1,
			}
			setup(cart, readyAddress(), readyCard())

			reconcileN(ctx, 1)

			updated := getCart(ctx)
			Expect(updated.Status.Phase).To(Equal(v1alpha1.CartPhaseConverted))
			Expect(updated.Status.OrderID).ToNot(Equal("ord_previous"), "a new generation must produce a new order")
			Expect(updated.Status.ObservedGeneration).To(Equal(int64(2)))
			Expect(api.Calls("cart.convert")).To(Equal(1))
		})
	})

	Context("dependencies", func() {
		It("waits for every prerequisite before staging", func(ctx SpecContext) {
			setup(newCart(), readyAddress())

			result := reconcileN(ctx, 2)
			Expect(result.RequeueAfter).To(Equal(classify.RetryDependencyMissing))

			cart := getCart(ctx)
			Expect(cart.Status.ReadyFlags).To(Equal(map[string]bool{"address": true, "card": false}))
			Expect(conditions.GetReason(cart, meta.ReadyCondition)).To(Equal(v1alpha1.ResolveDependencyFailedReason))
			Expect(api.Calls("cart.add")).To(BeZero(), "staging must wait for every dependency")
		})
	})

	Context("validation", func() {
		It("fails permanently on an empty item list", func(ctx SpecContext) {
			cart := newCart()
			cart.Spec.Items = nil
			setup(cart, readyAddress(), readyCard())

			reconcileN(ctx, 1)
			_, err := reconciler.Reconcile(ctx, req)
			Expect(errors.Is(err, reconcile.TerminalError(nil))).To(BeTrue())

			updated := getCart(ctx)
			Expect(updated.Status.Phase).To(Equal(v1alpha1.CartPhaseFailed))
			Expect(updated.Status.Message).To(ContainSubstring("spec.items"))
			Expect(api.Calls("cart.add")).To(BeZero())
		})

		It("fails permanently on a variant the catalog does not know", func(ctx SpecContext) {
			cart := newCart()
			cart.Spec.Items = append(cart.Spec.Items, v1alpha1.CartItem{ProductVariantID: "var_decaf_5lb", Quantity: 1})
			setup(cart, readyAddress(), readyCard())

			reconcileN(ctx, 1)
			_, err := reconciler.Reconcile(ctx, req)
			Expect(errors.Is(err, reconcile.TerminalError(nil))).To(BeTrue())

			updated := getCart(ctx)
			Expect(updated.Status.Phase).To(Equal(v1alpha1.CartPhaseFailed))
			Expect(updated.Status.Message).To(ContainSubstring("var_decaf_5lb"))
			Expect(api.Calls("cart.add")).To(BeZero())
		})
	})

	Context("deletion", func() {
		It("removes the finalizer without touching the backend cart", func(ctx SpecContext) {
			now := metav1.Now()
			cart := newCart()
			cart.DeletionTimestamp = &now
			cart.Finalizers = []string{v1alpha1.CartFinalizer}
			cart.Status = v1alpha1.CartStatus{Phase: v1alpha1.CartPhaseConverted, OrderID: "ord_000001", ObservedGeneration: 1}
			setup(cart)

			reconcileN(ctx, 1)

			err := fakeClient.Get(ctx, req.NamespacedName, &v1alpha1.Cart{})
			Expect(err).To(HaveOccurred())
			Expect(client.IgnoreNotFound(err)).ToNot(HaveOccurred())
			Expect(api.Calls("cart.add")).To(BeZero())
			Expect(api.Calls("cart.convert")).To(BeZero())
		})
	})
})
