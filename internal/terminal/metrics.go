package terminal

import (
	kmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"terminal.sh/coffee-operator/internal/metrics"
)

func init() {
	kmetrics.Registry.MustRegister(
		RequestDurationHistogram,
	)
}

const (
	// RequestDurationHistogramLabel tracks the duration of coffee service requests.
	RequestDurationHistogramLabel = "request_duration_seconds"
	// MetricsNamespace defines the namespace of all the operator metrics.
	MetricsNamespace = "coffee_operator"
	// ClientComponent is the name of the component registering for these metrics.
	ClientComponent = "terminal_api"
)

const (
	// OperationLabel is the name of the label carrying the logical operation, e.g. order.create.
	OperationLabel = "operation"
	// CodeLabel is the name of the label carrying the HTTP status code, or "network" when no response arrived.
	CodeLabel = "code"

	codeNetwork = "network"
)

// RequestDurationHistogram tracks the duration of coffee service requests.
// [operation, code].
var RequestDurationHistogram = metrics.MustRegisterHistogramVec(
	MetricsNamespace,
	ClientComponent,
	RequestDurationHistogramLabel,
	"Duration of coffee service requests in seconds.",
	[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	OperationLabel, CodeLabel,
)
