package v1alpha1

import (
	"time"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// OrderPhase tracks a one-off order from placement to the last externally
// observable shipping state. The zero value marks an order that has not been
// acted on yet.
type OrderPhase string

const (
	OrderPhaseProcessing OrderPhase = "Processing"
	OrderPhaseOrdered    OrderPhase = "Ordered"
	OrderPhaseShipped    OrderPhase = "Shipped"
	OrderPhaseDelivered  OrderPhase = "Delivered"
	OrderPhaseCancelled  OrderPhase = "Cancelled"
	OrderPhaseFailed     OrderPhase = "Failed"
)

// DefaultOrderInterval is the drift polling interval applied when the spec
// does not set one.
const DefaultOrderInterval = 5 * time.Minute

// OrderSpec defines a one-off order to place.
type OrderSpec struct {
	// +kubebuilder:validation:Required
	ProductVariantID string `json:"productVariantId"`

	// +kubebuilder:default=1
	// +kubebuilder:validation:Minimum=1
	// +optional
	Quantity int `json:"quantity,omitempty"`

	// AddressRef names the Address the order ships to.
	// +kubebuilder:validation:Required
	AddressRef Reference `json:"addressRef"`

	// CardRef names the Card the order is paid with.
	// +kubebuilder:validation:Required
	CardRef Reference `json:"cardRef"`

	// ProfileRef optionally orders placement after the referenced Profile
	// has synced.
	// +optional
	ProfileRef *Reference `json:"profileRef,omitempty"`

	// Interval is the drift polling interval for shipping state while the
	// order is in a non-final phase.
	// +kubebuilder:default:="5m"
	// +optional
	Interval metav1.Duration `json:"interval,omitempty"`

	// AdditionalStatusFields maps status keys to CEL expressions evaluated
	// against the external order document on every poll. The expression
	// results are published under status.additional.
	// +optional
	AdditionalStatusFields map[string]string `json:"additionalStatusFields,omitempty"`
}

// OrderStatus defines the observed state of an Order.
type OrderStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase OrderPhase `json:"phase,omitempty"`

	// OrderID is the identifier assigned by the external service. Set at
	// most once per successful placement.
	// +optional
	OrderID string `json:"orderId,omitempty"`

	// TrackingNumber is the shipment tracking number, once the carrier
	// published one.
	// +optional
	TrackingNumber string `json:"trackingNumber,omitempty"`

	// TrackingURL is the carrier tracking link, once published.
	// +optional
	TrackingURL string `json:"trackingURL,omitempty"`

	// LastCheckedTime is when the drift poller last compared external state,
	// independent of whether the phase changed.
	// +optional
	LastCheckedTime *metav1.Time `json:"lastCheckedTime,omitempty"`

	// Items are human-readable order lines resolved through the product
	// catalog at placement time.
	// +optional
	Items []string `json:"items,omitempty"`

	// Additional holds the evaluated additionalStatusFields expressions.
	// +optional
	Additional map[string]apiextensionsv1.JSON `json:"additional,omitempty"`

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
// +kubebuilder:printcolumn:name="Variant",type="string",JSONPath=".spec.productVariantId"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Tracking",type="string",JSONPath=".status.trackingNumber"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Order is the Schema for the orders API. Placed orders cannot be cancelled
// through this API; deleting an Order leaves the external order in place.
type Order struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   OrderSpec   `json:"spec,omitempty"`
	Status OrderStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Order.
func (in *Order) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Order.
func (in *Order) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the drift polling interval for the Order.
func (in *Order) GetRequeueAfter() time.Duration {
	if in.Spec.Interval.Duration > 0 {
		return in.Spec.Interval.Duration
	}

	return DefaultOrderInterval
}

// ExternalID returns the external identifier of the Order.
func (in *Order) ExternalID() string {
	return in.Status.OrderID
}

// Provisioned reports whether the Order has been placed externally.
func (in *Order) Provisioned() bool {
	switch in.Status.Phase {
	case OrderPhaseOrdered, OrderPhaseShipped, OrderPhaseDelivered:
		return true
	default:
		return false
	}
}

// InFinalPhase reports whether the Order reached a phase the drift poller no
// longer acts on.
func (in *Order) InFinalPhase() bool {
	switch in.Status.Phase {
	case OrderPhaseDelivered, OrderPhaseCancelled, OrderPhaseFailed:
		return true
	default:
		return false
	}
}

// +kubebuilder:object:root=true

// OrderList contains a list of Order.
type OrderList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Order `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Order{}, &OrderList{})
}
