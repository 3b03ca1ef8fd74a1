package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AppPhase tracks provisioning of an OAuth application.
type AppPhase string

const (
	AppPhasePending AppPhase = "Pending"
	AppPhaseActive  AppPhase = "Active"
	AppPhaseFailed  AppPhase = "Failed"
)

// AppSpec defines an OAuth application to register. The client secret is
// returned by the external service exactly once, at creation, and is written
// to a Secret owned by this object.
type AppSpec struct {
	// Name is the application name shown on the consent screen.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// RedirectURI is the OAuth redirect endpoint of the application.
	// +kubebuilder:validation:Required
	RedirectURI string `json:"redirectURI"`

	// SecretName overrides the name of the Secret the client credentials are
	// written to. Defaults to "<name>-credentials".
	// +optional
	SecretName string `json:"secretName,omitempty"`
}

// AppStatus defines the observed state of an App.
type AppStatus struct {
	// ObservedGeneration is the generation this status was written for.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Phase AppPhase `json:"phase,omitempty"`

	// AppID is the OAuth client identifier. The client secret is never
	// stored in status.
	// +optional
	AppID string `json:"appId,omitempty"`

	// SecretName is the Secret the client credentials were written to.
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
// +kubebuilder:printcolumn:name="ID",type="string",JSONPath=".status.appId"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// App is the Schema for the apps API.
type App struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AppSpec   `json:"spec,omitempty"`
	Status AppStatus `json:"status,omitempty"`
}

// GetConditions returns the conditions of the App.
func (in *App) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the conditions of the App.
func (in *App) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetRequeueAfter returns the duration after which the App is reconciled
// again. Apps are not drift-polled.
func (in *App) GetRequeueAfter() time.Duration {
	return 0
}

// ExternalID returns the external identifier of the App.
func (in *App) ExternalID() string {
	return in.Status.AppID
}

// Provisioned reports whether the App reached its ready phase.
func (in *App) Provisioned() bool {
	return in.Status.Phase == AppPhaseActive
}

// CredentialSecretName returns the effective name of the owned Secret the
// client credentials are written to.
func (in *App) CredentialSecretName() string {
	if in.Spec.SecretName != "" {
		return in.Spec.SecretName
	}

	return in.GetName() + "-credentials"
}

// +kubebuilder:object:root=true

// AppList contains a list of App.
type AppList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []App `json:"items"`
}

func init() {
	SchemeBuilder.Register(&App{}, &AppList{})
}
