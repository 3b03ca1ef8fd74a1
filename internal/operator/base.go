// Package operator holds the shared plumbing every resource reconciler
// embeds.
package operator

import (
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

// Reconciler is the contract every resource reconciler in this operator
// fulfills.
type Reconciler interface {
	reconcile.Reconciler

	GetClient() client.Client
	GetEventRecorder() record.EventRecorder
}

// BaseReconciler carries the dependencies common to all reconcilers.
type BaseReconciler struct {
	client.Client
	Scheme        *runtime.Scheme
	EventRecorder record.EventRecorder
}

func (r *BaseReconciler) GetClient() client.Client {
	return r.Client
}

func (r *BaseReconciler) GetEventRecorder() record.EventRecorder {
	return r.EventRecorder
}
