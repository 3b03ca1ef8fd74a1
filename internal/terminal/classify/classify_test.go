package classify_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	. "github.com/onsi/gomega"

	"terminal.sh/coffee-operator/internal/resolve"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/classify"
)

func TestClassifyPermanent(t *testing.T) {
	g := NewWithT(t)

	for _, err := range []error{
		classify.NewValidationError("spec.email must be set"),
		&classify.ContractViolation{Op: "order.create"},
		&terminal.APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "bad country"},
		&terminal.APIError{Status: http.StatusUnprocessableEntity, Message: "unknown variant"},
		fmt.Errorf("create address: %w", &terminal.APIError{Status: http.StatusConflict}),
	} {
		outcome := classify.Classify("Address", err)
		g.Expect(outcome.Permanent()).To(BeTrue(), "expected permanent for %v", err)
		g.Expect(outcome.RequeueAfter).To(BeZero())
	}
}

func TestClassifyTransientBackend(t *testing.T) {
	g := NewWithT(t)

	for _, err := range []error{
		&terminal.APIError{Status: http.StatusInternalServerError},
		&terminal.APIError{Status: http.StatusBadGateway},
		errors.New("dial tcp: connection refused"),
	} {
		outcome := classify.Classify("Order", err)
		g.Expect(outcome.Class).To(Equal(classify.ClassTransient))
		g.Expect(outcome.RequeueAfter).To(Equal(classify.RetryBackend))
	}
}

func TestClassifyDependencyErrors(t *testing.T) {
	g := NewWithT(t)

	outcome := classify.Classify("Card", fmt.Errorf("profile: %w", resolve.NotFoundError{}))
	g.Expect(outcome.Class).To(Equal(classify.ClassTransient))
	g.Expect(outcome.RequeueAfter).To(Equal(classify.RetryDependencyMissing))

	outcome = classify.Classify("Card", fmt.Errorf("profile: %w", resolve.NotReadyError{}))
	g.Expect(outcome.RequeueAfter).To(Equal(classify.RetryDependencyPending))

	outcome = classify.Classify("Card", fmt.Errorf("profile: %w", resolve.DeletionError{}))
	g.Expect(outcome.RequeueAfter).To(Equal(classify.RetryDependencyMissing))
}

func TestClassifyMissingOutranksUnready(t *testing.T) {
	g := NewWithT(t)

	joined := errors.Join(
		fmt.Errorf("card: %w", resolve.NotReadyError{}),
		fmt.Errorf("address: %w", resolve.NotFoundError{}),
	)

	outcome := classify.Classify("Subscription", joined)
	g.Expect(outcome.Class).To(Equal(classify.ClassTransient))
	g.Expect(outcome.RequeueAfter).To(Equal(classify.RetryDependencyMissing))
}
