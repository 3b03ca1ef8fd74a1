package classify

import (
	kmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"terminal.sh/coffee-operator/internal/metrics"
	"terminal.sh/coffee-operator/internal/terminal"
)

func init() {
	kmetrics.Registry.MustRegister(
		OutcomeCounter,
	)
}

const (
	// OutcomeCounterLabel tracks classified provisioning errors.
	OutcomeCounterLabel = "provision_errors_total"
	// ClassifierComponent is the name of the component registering for these metrics.
	ClassifierComponent = "reconciler"
)

const (
	// KindLabel is the name of the label carrying the resource kind.
	KindLabel = "kind"
	// ClassLabel is the name of the label carrying the outcome class.
	ClassLabel = "class"
)

// OutcomeCounter tracks classified provisioning errors. [kind, class].
var OutcomeCounter = metrics.MustRegisterCounterVec(
	terminal.MetricsNamespace,
	ClassifierComponent,
	OutcomeCounterLabel,
	"Number of provisioning errors by resource kind and outcome class.",
	KindLabel, ClassLabel,
)
