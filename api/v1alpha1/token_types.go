package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TokenPhase tracks provisioning of a personal access token.
type TokenPhase string

const (
	TokenPhasePending TokenPhase = "Pending"
	TokenPhaseActive  TokenPhase = "Active"
	TokenPhaseFailed  TokenPhase = "Failed"
)

// TokenSpec defines a personal access token to provision. The token value is
// returned by the external service exactly once, at creation, and is written
// to a Secret owned by this object.
type TokenSpec struct {
	// SecretName overrides the name of the Secret the token value is written
	// to. Defaults to "<name>-credentials".
	// +optional
	SecretName string `json:"secretName,omitempty"`
}

// TokenStatus defines the observed state of a Token.
type TokenStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase TokenPhase `json:"phase,omitempty"`

	// TokenID is the public identifier of the token. The secret value is
	// never stored in status.
	// +optional
	TokenID string `json:"tokenId,omitempty"`

	// SecretName is the Secret the token value was written to.
	// +optional
	SecretName string `json:"secretName,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="ID",type="string",JSONPath=".status.tokenId"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Token is the Schema for the tokens API.
type Token struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TokenSpec   `json:"spec,omitempty"`
	Status TokenStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the Token.
func (in *Token) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the Token.
func (in *Token) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the Token is reconciled
// again. Tokens are not drift-polled.
func (in *Token) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier of the Token.
func (in *Token) ExternalID() string {
	return in.Status.TokenID
}

// Provisioned reports whether the Token reached its ready phase.
func (in *Token) Provisioned() bool {
	return in.Status.Phase == TokenPhaseActive
}

// CredentialSecretName returns the effective name of the owned Secret the
// token value is written to.
func (in *Token) CredentialSecretName() string {
	if in.Spec.SecretName != "" {
		return in.Spec.SecretName
	}

	return in.GetName() + "-credentials"
}

// +kubebuilder:object:root=true

// TokenList contains a list of Token.
type TokenList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Token `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Token{}, &TokenList{})
}
