package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AddressPhase tracks registration of a shipping address with the coffee
// service.
type AddressPhase string

const (
	AddressPhasePending    AddressPhase = "Pending"
	AddressPhaseProcessing AddressPhase = "Processing"
	AddressPhaseVerified   AddressPhase = "Verified"
	AddressPhaseFailed     AddressPhase = "Failed"
)

// AddressSpec defines a shipping address to register.
type AddressSpec struct {
	// Name is the recipient name printed on the shipping label.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// +kubebuilder:validation:Required
	Street1 string `json:"street1"`

	// +optional
	Street2 string `json:"street2,omitempty"`

	// +kubebuilder:validation:Required
	City string `json:"city"`

	// Province is the state or region, where the country requires one.
	// +optional
	Province string `json:"province,omitempty"`

	// Country is the ISO 3166-1 alpha-2 country code.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MaxLength=2
	Country string `json:"country"`

	// +kubebuilder:validation:Required
	Zip string `json:"zip"`

	// +optional
	Phone string `json:"phone,omitempty"`
}

// AddressStatus defines the observed state of an Address.
type AddressStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase AddressPhase `json:"phase,omitempty"`

	// AddressID is the identifier assigned by the external service. Set at
	// most once per successful registration.
	// +optional
	AddressID string `json:"addressId,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="City",type="string",JSONPath=".spec.city"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="ID",type="string",JSONPath=".status.addressId"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Address is the Schema for the addresses API.
type Address struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AddressSpec   `json:"spec,omitempty"`
	Status AddressStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Address.
func (in *Address) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Address.
func (in *Address) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the Address is reconciled
// again. Addresses are not drift-polled.
func (in *Address) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier of the Address.
func (in *Address) ExternalID() string {
	return in.Status.AddressID
}

// Provisioned reports whether the Address reached its ready phase.
func (in *Address) Provisioned() bool {
	return in.Status.Phase == AddressPhaseVerified
}

// +kubebuilder:object:root=true

// AddressList contains a list of Address.
type AddressList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Address `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Address{}, &AddressList{})
}
