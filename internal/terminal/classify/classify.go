// Package classify maps provisioning errors to a reconciliation outcome:
// permanent failures stop retrying, transient failures requeue after a fixed
// delay.
package classify

import (
	"errors"
	"fmt"
	"time"

	"terminal.sh/coffee-operator/internal/resolve"
	"terminal.sh/coffee-operator/internal/terminal"
)

// Class separates errors that retrying cannot fix from those it can.
type Class string

const (
	// ClassPermanent means the spec must change before another attempt is
	// made.
	ClassPermanent Class = "permanent"
	// ClassTransient means the same attempt is retried after a delay.
	ClassTransient Class = "transient"
)

const (
	// RetryBackend is the delay after a backend or network failure.
	RetryBackend = 60 * time.Second
	// RetryDependencyMissing is the delay while a referenced object does not
	// exist yet.
	RetryDependencyMissing = 60 * time.Second
	// RetryDependencyPending is the delay while a referenced object exists
	// but has not provisioned.
	RetryDependencyPending = 15 * time.Second
)

// Outcome is the verdict for one provisioning error.
type Outcome struct {
	Class        Class
	RequeueAfter time.Duration
}

// Permanent reports whether retrying is pointless.
func (o Outcome) Permanent() bool {
	return o.Class == ClassPermanent
}

// ValidationError marks a spec that can never provision as written. It is
// always classified permanent.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ContractViolation marks a success response that is missing data the service
// guarantees, e.g. a create without an identifier. It is always classified
// permanent so the violation surfaces instead of hammering the backend.
type ContractViolation struct {
	Op string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("%s returned success without the promised payload", e.Op)
}

// Classify maps err to an Outcome and counts it under kind. err must be
// non-nil.
//
// Client errors from the service (4xx) are permanent: the request is wrong
// and will stay wrong. Backend errors (5xx) and transport failures are
// transient. Unresolved references are transient with a delay depending on
// whether the referenced object is absent or merely not provisioned yet.
func Classify(kind string, err error) Outcome {
	outcome := outcomeFor(err)
	OutcomeCounter.WithLabelValues(kind, string(outcome.Class)).Inc()

	return outcome
}

func outcomeFor(err error) Outcome {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return Outcome{Class: ClassPermanent}
	}

	var violation *ContractViolation
	if errors.As(err, &violation) {
		return Outcome{Class: ClassPermanent}
	}

	// A missing dependency outranks an unready one: when both occur in a
	// joined resolve error the longer delay applies.
	switch {
	case errors.Is(err, resolve.NotFoundError{}), errors.Is(err, resolve.DeletionError{}):
		return Outcome{Class: ClassTransient, RequeueAfter: RetryDependencyMissing}
	case errors.Is(err, resolve.NotReadyError{}):
		return Outcome{Class: ClassTransient, RequeueAfter: RetryDependencyPending}
	case terminal.IsClientError(err):
		return Outcome{Class: ClassPermanent}
	}

	return Outcome{Class: ClassTransient, RequeueAfter: RetryBackend}
}
