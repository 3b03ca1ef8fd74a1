package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CardPhase tracks registration of a payment card with the coffee service.
type CardPhase string

const (
	CardPhasePending    CardPhase = "Pending"
	CardPhaseProcessing CardPhase = "Processing"
	CardPhaseRegistered CardPhase = "Registered"
	CardPhaseFailed     CardPhase = "Failed"
)

// CardSpec defines a payment card to register. Card data itself never enters
// the cluster; registration happens through a single-use collection token
// minted by the payment provider.
type CardSpec struct {
	// Token is the single-use card collection token.
	// +kubebuilder:validation:Required
	Token string `json:"token"`

	// ProfileRef optionally orders card registration after the referenced
	// Profile has synced. The card itself attaches account-wide.
	// +optional
	ProfileRef *Reference `json:"profileRef,omitempty"`
}

// CardStatus defines the observed state of a Card.
type CardStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase CardPhase `json:"phase,omitempty"`

	// CardID is the identifier assigned by the external service. Set at most
	// once per successful registration.
	// +optional
	CardID string `json:"cardId,omitempty"`

	// Brand is the card network reported by the external service.
	// +optional
	Brand string `json:"brand,omitempty"`

	// Last4 are the last four digits reported by the external service.
	// +optional
	Last4 string `json:"last4,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	ReadyFlags map[string]bool `json:"readyFlags,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Brand",type="string",JSONPath=".status.brand"
// +kubebuilder:printcolumn:name="Last4",type="string",JSONPath=".status.last4"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Card is the Schema for the cards API.
type Card struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CardSpec   `json:"spec,omitempty"`
	Status CardStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Card.
func (in *Card) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Card.
func (in *Card) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the Card is reconciled
// again. Cards are not drift-polled.
func (in *Card) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier of the Card.
func (in *Card) ExternalID() string {
	return in.Status.CardID
}

// Provisioned reports whether the Card reached its ready phase.
func (in *Card) Provisioned() bool {
	return in.Status.Phase == CardPhaseRegistered
}

// +kubebuilder:object:root=true

// CardList contains a list of Card.
type CardList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Card `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Card{}, &CardList{})
}
