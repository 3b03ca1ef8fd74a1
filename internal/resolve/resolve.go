// Package resolve fetches referenced resources and gates on their
// provisioning state. Callers distinguish the failure modes with errors.Is
// against the marker errors below.
package resolve

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"terminal.sh/coffee-operator/api/v1alpha1"
)

// NotFoundError marks a reference to an object that does not exist.
type NotFoundError struct{}

func (e NotFoundError) Error() string {
	return "referenced object not found"
}

// NotReadyError marks a reference to an object that exists but has not
// provisioned its external counterpart yet.
type NotReadyError struct{}

func (e NotReadyError) Error() string {
	return "referenced object not ready"
}

// DeletionError marks a reference to an object that is being deleted.
type DeletionError struct{}

func (e DeletionError) Error() string {
	return "referenced object is being deleted"
}

// Object is a resource that provisions an external counterpart.
type Object interface {
	client.Object

	// ExternalID returns the provisioned identifier, empty until the
	// external counterpart exists.
	ExternalID() string

	// Provisioned reports whether the external counterpart is usable.
	Provisioned() bool
}

// ObjectPointer constrains P to a pointer to T implementing Object.
type ObjectPointer[T any] interface {
	*T
	Object
}

// Key resolves ref against the namespace of the referencing object. A
// reference without a namespace points into the referrer's namespace.
func Key(ref v1alpha1.Reference, namespace string) client.ObjectKey {
	if ref.Namespace != "" {
		namespace = ref.Namespace
	}

	return client.ObjectKey{Namespace: namespace, Name: ref.Name}
}

// GetProvisioned fetches key and requires it to be provisioned and not in
// deletion. The returned errors wrap NotFoundError, DeletionError or
// NotReadyError; any other error is a straight client failure.
func GetProvisioned[T any, P ObjectPointer[T]](ctx context.Context, reader client.Reader, key client.ObjectKey) (P, error) {
	obj := P(new(T))
	if err := reader.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", key.Namespace, key.Name, NotFoundError{})
		}

		return nil, fmt.Errorf("get %s/%s: %w", key.Namespace, key.Name, err)
	}

	if !obj.GetDeletionTimestamp().IsZero() {
		return nil, fmt.Errorf("%s/%s: %w", key.Namespace, key.Name, DeletionError{})
	}

	if !obj.Provisioned() {
		return nil, fmt.Errorf("%s/%s: %w", key.Namespace, key.Name, NotReadyError{})
	}

	return obj, nil
}
