package order

import (
	kmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"terminal.sh/coffee-operator/internal/metrics"
	"terminal.sh/coffee-operator/internal/terminal"
)

func init() {
	kmetrics.Registry.MustRegister(
		DriftPollCounterTotal,
	)
}

const (
	// DriftPollCounterLabel tracks how many shipping polls ran.
	DriftPollCounterLabel = "drift_polls"

	// OrderComponent is the name of the component registering for these metrics.
	OrderComponent = "order"
)

const (
	// ResultLabel is the name of the label carrying the poll outcome.
	ResultLabel = "result"

	resultUnchanged = "unchanged"
	resultShipped   = "shipped"
	resultVanished  = "vanished"
	resultError     = "error"
)

// DriftPollCounterTotal counts polls of the external order record.
// [result].
var DriftPollCounterTotal = metrics.MustRegisterCounterVec(
	terminal.MetricsNamespace,
	OrderComponent,
	DriftPollCounterLabel,
	"Number of polls of the external order record for shipping progress.",
	ResultLabel,
)
