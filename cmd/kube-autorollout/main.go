package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/ppiankov/kube-autorollout/internal/config"
	"github.com/ppiankov/kube-autorollout/internal/controller"
	"github.com/ppiankov/kube-autorollout/internal/credentials"
	"github.com/ppiankov/kube-autorollout/internal/events"
	"github.com/ppiankov/kube-autorollout/internal/metrics"
	"github.com/ppiankov/kube-autorollout/internal/notify"
	"github.com/ppiankov/kube-autorollout/internal/registry"
	"github.com/ppiankov/kube-autorollout/internal/scheduler"
	"github.com/ppiankov/kube-autorollout/internal/version"
	"github.com/ppiankov/kube-autorollout/internal/webserver"
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		namespace   string
		metricsAddr string
		leaderElect bool
	)

	cmd := &cobra.Command{
		Use:          "kube-autorollout",
		Short:        "Trigger rolling restarts when image tags move to new digests on their registry",
		Version:      version.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, namespace, metricsAddr, leaderElect)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/kube-autorollout/config.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace to reconcile (default: the pod's own namespace)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":8081", "address for the metrics endpoint")
	cmd.Flags().BoolVar(&leaderElect, "leader-elect", true, "enable leader election so only one replica reconciles")

	return cmd
}

func run(configPath, namespace, metricsAddr string, leaderElect bool) error {
	ctrl.SetLogger(zap.New())
	logger := ctrl.Log.WithName("setup")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if namespace == "" {
		namespace = ownNamespace()
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(corev1.AddToScheme(scheme))
	utilruntime.Must(appsv1.AddToScheme(scheme))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{namespace: {}},
		},
		LeaderElection:   leaderElect,
		LeaderElectionID: "kube-autorollout",
	})
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	httpClient, err := registry.NewHTTPClient(cfg.TLS.CACertificatePaths, cfg.RequestTimeout.Duration)
	if err != nil {
		return fmt.Errorf("building registry HTTP client: %w", err)
	}
	resolver, err := credentials.NewResolver(cfg.Entries())
	if err != nil {
		return fmt.Errorf("building credential resolver: %w", err)
	}

	engine := &controller.Engine{
		Client:               mgr.GetClient(),
		Registry:             registry.NewClient(httpClient, cfg.FeatureFlags.EnableJfrogArtifactoryFallback),
		Resolver:             resolver,
		Emitter:              events.NewEmitter(mgr.GetEventRecorder("kube-autorollout")),
		Metrics:              metrics.NewCounters(ctrlmetrics.Registry),
		Notifier:             notify.NewNotifier(cfg.Notifications.URL, cfg.Notifications.Events),
		Namespace:            namespace,
		UseKubectlAnnotation: cfg.FeatureFlags.EnableKubectlAnnotation,
	}

	sched, err := scheduler.New(cfg.CronSchedule, engine.RunCycle)
	if err != nil {
		return err
	}
	if err := mgr.Add(sched); err != nil {
		return fmt.Errorf("registering scheduler: %w", err)
	}
	if err := mgr.Add(webserver.New(cfg.Webserver.Port)); err != nil {
		return fmt.Errorf("registering health server: %w", err)
	}

	logger.Info("starting kube-autorollout",
		"version", version.Version,
		"namespace", namespace,
		"schedule", cfg.CronSchedule)
	return mgr.Start(ctrl.SetupSignalHandler())
}

// ownNamespace reads the namespace the controller pod runs in from the
// mounted service account, falling back to "default" outside a cluster.
func ownNamespace() string {
	data, err := os.ReadFile(namespaceFile)
	if err != nil {
		return "default"
	}
	if ns := strings.TrimSpace(string(data)); ns != "" {
		return ns
	}
	return "default"
}
