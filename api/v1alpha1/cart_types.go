package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CartPhase tracks the staged assembly of the account cart. The cart is a
// singleton on the external side; assembly happens in order and each
// reconcile resumes from the recorded phase.
type CartPhase string

const (
	CartPhaseEmpty      CartPhase = "Empty"
	CartPhaseItemsAdded CartPhase = "ItemsAdded"
	CartPhaseAddressSet CartPhase = "AddressSet"
	CartPhaseCardSet    CartPhase = "CardSet"
	CartPhaseConverting CartPhase = "Converting"
	CartPhaseConverted  CartPhase = "Converted"
	CartPhaseFailed     CartPhase = "Failed"
)

// CartItem is a single product variant line.
type CartItem struct {
	// +kubebuilder:validation:Required
	ProductVariantID string `json:"productVariantId"`

	// +kubebuilder:validation:Minimum=1
	Quantity int `json:"quantity"`
}

// CartSpec defines cart contents to assemble and convert into an order.
type CartSpec struct {
	// Items are the product variant lines placed into the cart.
	// +kubebuilder:validation:MinItems=1
	Items []CartItem `json:"items"`

	// AddressRef names the Address the cart ships to. The referenced Address
	// must be Verified before it is attached.
	// +kubebuilder:validation:Required
	AddressRef Reference `json:"addressRef"`

	// CardRef names the Card the cart is paid with. The referenced Card must
	// be Registered before it is attached.
	// +kubebuilder:validation:Required
	CardRef Reference `json:"cardRef"`
}

// CartStatus defines the observed state of a Cart.
type CartStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase CartPhase `json:"phase,omitempty"`

	// Subtotal is the cart subtotal in cents as reported by the external
	// service after the last item staging call.
	// +optional
	Subtotal int64 `json:"subtotal,omitempty"`

	// OrderID is the identifier of the order produced by conversion.
	// +optional
	OrderID string `json:"orderId,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// ReadyFlags records per-dependency readiness as observed by the last
	// resolution pass, keyed by reference field name.
	// +optional
	ReadyFlags map[string]bool `json:"readyFlags,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Order",type="string",JSONPath=".status.orderId"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Cart is the Schema for the carts API.
type Cart struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CartSpec   `json:"spec,omitempty"`
	Status CartStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Cart.
func (in *Cart) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Cart.
func (in *Cart) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the Cart is reconciled
// again. Carts are not drift-polled.
func (in *Cart) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier a converted Cart produced.
func (in *Cart) ExternalID() string {
	return in.Status.OrderID
}

// Provisioned reports whether the Cart reached its ready phase.
func (in *Cart) Provisioned() bool {
	return in.Status.Phase == CartPhaseConverted
}

// +kubebuilder:object:root=true

// CartList contains a list of Cart.
type CartList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Cart `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Cart{}, &CartList{})
}
