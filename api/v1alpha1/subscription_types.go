package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SubscriptionPhase tracks provisioning of a recurring delivery.
type SubscriptionPhase string

const (
	SubscriptionPhasePending SubscriptionPhase = "Pending"
	SubscriptionPhaseActive  SubscriptionPhase = "Active"
	SubscriptionPhaseFailed  SubscriptionPhase = "Failed"
)

// SubscriptionSchedule defines the delivery cadence.
type SubscriptionSchedule struct {
	// +kubebuilder:validation:Enum=fixed;weekly
	Type string `json:"type"`

	// Interval is the number of weeks between deliveries for weekly
	// schedules.
	// +kubebuilder:validation:Minimum=1
	// +optional
	Interval int `json:"interval,omitempty"`
}

// SubscriptionSpec defines a recurring delivery to provision.
type SubscriptionSpec struct {
	// +kubebuilder:validation:Required
	ProductVariantID string `json:"productVariantId"`

	// +kubebuilder:default=1
	// +kubebuilder:validation:Minimum=1
	// +optional
	Quantity int `json:"quantity,omitempty"`

	// AddressRef names the Address deliveries ship to.
	// +kubebuilder:validation:Required
	AddressRef Reference `json:"addressRef"`

	// CardRef names the Card deliveries are paid with.
	// +kubebuilder:validation:Required
	CardRef Reference `json:"cardRef"`

	// +optional
	Schedule *SubscriptionSchedule `json:"schedule,omitempty"`
}

// SubscriptionStatus defines the observed state of a Subscription.
type SubscriptionStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase SubscriptionPhase `json:"phase,omitempty"`

	// SubscriptionID is the identifier assigned by the external service. Set
	// at most once per successful activation.
	// +optional
	SubscriptionID string `json:"subscriptionId,omitempty"`

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
// +kubebuilder:printcolumn:name="ID",type="string",JSONPath=".status.subscriptionId"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Subscription is the Schema for the subscriptions API.
type Subscription struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SubscriptionSpec   `json:"spec,omitempty"`
	Status SubscriptionStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Subscription.
func (in *Subscription) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Subscription.
func (in *Subscription) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the Subscription is
// reconciled again. Subscriptions are not drift-polled.
func (in *Subscription) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier of the Subscription.
func (in *Subscription) ExternalID() string {
	return in.Status.SubscriptionID
}

// Provisioned reports whether the Subscription reached its ready phase.
func (in *Subscription) Provisioned() bool {
	return in.Status.Phase == SubscriptionPhaseActive
}

// +kubebuilder:object:root=true

// SubscriptionList contains a list of Subscription.
type SubscriptionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Subscription `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Subscription{}, &SubscriptionList{})
}
