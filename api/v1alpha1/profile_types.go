package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ProfilePhase tracks profile synchronization with the account profile held
// by the coffee service.
type ProfilePhase string

const (
	ProfilePhasePending ProfilePhase = "Pending"
	ProfilePhaseSynced  ProfilePhase = "Synced"
	ProfilePhaseFailed  ProfilePhase = "Failed"
)

// ProfileSpec defines the desired state of the account profile.
type ProfileSpec struct {
	// Name is the display name pushed to the account profile.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// Email is the contact address pushed to the account profile.
	// +kubebuilder:validation:Required
	Email string `json:"email"`
}

// ProfileStatus defines the observed state of a Profile.
type ProfileStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase ProfilePhase `json:"phase,omitempty"`

	// Message carries detail for the current phase, in particular failure
	// detail for Failed.
	// +optional
	Message string `json:"message,omitempty"`

	// LastSyncTime is when the profile was last pushed successfully.
	// +optional
	LastSyncTime *metav1.Time `json:"lastSyncTime,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Email",type="string",JSONPath=".spec.email"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Profile is the Schema for the profiles API. The account profile is a
// singleton on the external side; every Profile object pushes onto the same
// account, last writer wins.
type Profile struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ProfileSpec   `json:"spec,omitempty"`
	Status ProfileStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Profile.
func (in *Profile) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Profile.
func (in *Profile) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the Profile is reconciled
// again. Profiles are not drift-polled.
func (in *Profile) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier of the Profile. Profiles are
// account-scoped on the external side and carry none.
func (in *Profile) ExternalID() string {
	return ""
}

// Provisioned reports whether the Profile reached its ready phase.
func (in *Profile) Provisioned() bool {
	return in.Status.Phase == ProfilePhaseSynced
}

// +kubebuilder:object:root=true

// ProfileList contains a list of Profile.
type ProfileList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Profile `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Profile{}, &ProfileList{})
}
