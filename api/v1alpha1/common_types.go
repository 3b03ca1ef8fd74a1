package v1alpha1

// Reference points at a prerequisite object in the cluster. The referenced
// kind is fixed by the field the reference appears in (an addressRef always
// names an Address). Resolution reads the referent's status, never its spec.
type Reference struct {
	// Name of the referenced object.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// Namespace of the referenced object. Defaults to the namespace of the
	// referencing object.
	// +optional
	Namespace string `json:"namespace,omitempty"`
}

// Finalizers attached by the controllers. External cleanup runs before the
// finalizer is removed; kinds without an external delete operation still
// carry one so the deletion path is observable.
const (
	ProfileFinalizer      = "coffee.terminal.sh/profile"
	AddressFinalizer      = "coffee.terminal.sh/address"
	CardFinalizer         = "coffee.terminal.sh/card"
	TokenFinalizer        = "coffee.terminal.sh/token"
	AppFinalizer          = "coffee.terminal.sh/app"
	CartFinalizer         = "coffee.terminal.sh/cart"
	SubscriptionFinalizer = "coffee.terminal.sh/subscription"
	OrderFinalizer        = "coffee.terminal.sh/order"
)

const (
	// ValidationFailedReason is used when a required spec field or reference
	// is missing or malformed. Validation failures do not retry.
	ValidationFailedReason = "ValidationFailed"

	// ResolveDependencyFailedReason is used when a referenced prerequisite
	// does not exist or is not in its ready phase yet.
	ResolveDependencyFailedReason = "ResolveDependencyFailed"

	// ProvisionFailedReason is used when the external provisioning call
	// failed permanently (client-error class).
	ProvisionFailedReason = "ProvisionFailed"

	// ProvisionRetryingReason is used when the external provisioning call
	// failed with a retryable server-error or network class.
	ProvisionRetryingReason = "ProvisionRetrying"

	// ContractViolationReason is used when the external service reported
	// success but the response did not carry the expected identifier.
	ContractViolationReason = "ContractViolation"

	// RecordVanishedReason is used when a previously provisioned external
	// record can no longer be found.
	RecordVanishedReason = "RecordVanished"

	// DeletionFailedReason is used when external cleanup failed during
	// deletion. Cleanup failures never block finalizer removal.
	DeletionFailedReason = "DeletionFailed"

	// CredentialWriteFailedReason is used when credential material returned
	// by the external service could not be persisted to its Secret.
	CredentialWriteFailedReason = "CredentialWriteFailed"
)
