package main

import (
	"crypto/tls"
	"flag"
	"os"

	// to ensure that exec-entrypoint and run can make use of them.
	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/fluxcd/pkg/runtime/events"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	"terminal.sh/coffee-operator/api/v1alpha1"
	"terminal.sh/coffee-operator/internal/catalog"
	"terminal.sh/coffee-operator/internal/configuration"
	"terminal.sh/coffee-operator/internal/controller/address"
	"terminal.sh/coffee-operator/internal/controller/app"
	"terminal.sh/coffee-operator/internal/controller/card"
	"terminal.sh/coffee-operator/internal/controller/cart"
	"terminal.sh/coffee-operator/internal/controller/order"
	"terminal.sh/coffee-operator/internal/controller/profile"
	"terminal.sh/coffee-operator/internal/controller/subscription"
	"terminal.sh/coffee-operator/internal/controller/token"
	"terminal.sh/coffee-operator/internal/operator"
	"terminal.sh/coffee-operator/internal/terminal"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(v1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

//nolint:funlen,maintidx // the main function is complex enough as it is - we don't want to separate the initialization
func main() {
	var (
		metricsAddr          string
		enableLeaderElection bool
		probeAddr            string
		secureMetrics        bool
		enableHTTP2          bool
		eventsAddr           string
		configPath           string
		orderConcurrency     int
	)

	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metric endpoint binds to. "+
		"Use the port :8080. If not set, it will be 0 in order to disable the metrics server")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", false,
		"If set the metrics endpoint is served securely")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.StringVar(&eventsAddr, "events-addr", "", "The address of the events receiver.")
	flag.StringVar(&configPath, "config", "",
		"Path to the operator configuration file. The bearer token can also be set via "+configuration.EnvBearerToken+".")
	flag.IntVar(&orderConcurrency, "order-controller-concurrency", 4, //nolint:mnd // no magic number
		"The order controller concurrency. This is the number of orders placed or polled in parallel.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	ctx := ctrl.SetupSignalHandler()

	cfg, err := configuration.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   metricsAddr,
			SecureServing: secureMetrics,
			TLSOpts:       tlsOpts,
		},
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "9c3f17ae.terminal.sh",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	apiClient, err := terminal.NewClient(terminal.Options{
		Environment: cfg.API.Environment,
		BaseURL:     cfg.API.BaseURL,
		Token:       cfg.API.Token,
		Logger:      ctrl.Log.WithName("terminal"),
	})
	if err != nil {
		setupLog.Error(err, "unable to create coffee service client")
		os.Exit(1)
	}
	products := catalog.New(apiClient, cfg.Catalog.RefreshInterval.Duration)

	var eventsRecorder *events.Recorder
	if eventsRecorder, err = events.NewRecorder(mgr, ctrl.Log, eventsAddr, "coffee-operator"); err != nil {
		setupLog.Error(err, "unable to create event recorder")
		os.Exit(1)
	}

	base := func() *operator.BaseReconciler {
		return &operator.BaseReconciler{
			Client:        mgr.GetClient(),
			Scheme:        mgr.GetScheme(),
			EventRecorder: eventsRecorder,
		}
	}

	if err = (&profile.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Profile")
		os.Exit(1)
	}
	if err = (&address.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Address")
		os.Exit(1)
	}
	if err = (&card.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
	}).SetupWithManager(ctx, mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Card")
		os.Exit(1)
	}
	if err = (&token.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Token")
		os.Exit(1)
	}
	if err = (&app.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "App")
		os.Exit(1)
	}
	if err = (&cart.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
		Catalog:        products,
	}).SetupWithManager(ctx, mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Cart")
		os.Exit(1)
	}
	if err = (&subscription.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
		Catalog:        products,
	}).SetupWithManager(ctx, mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Subscription")
		os.Exit(1)
	}
	if err = (&order.Reconciler{
		BaseReconciler: base(),
		API:            apiClient,
		Catalog:        products,
	}).SetupWithManager(ctx, mgr, orderConcurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Order")
		os.Exit(1)
	}
	// +kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
