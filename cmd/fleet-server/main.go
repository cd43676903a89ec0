// Command fleet-server runs the control-plane HTTP API of spec §2 ("Control
// Server (stateless web) + relational DB + object store"). Grounded on the
// teacher's cmd/flightctl-server/main.go (config load, store init, router
// assembly, graceful shutdown via signal handling) generalized to use
// spf13/cobra for flag parsing and pkg/shutdown for the cancellation tree,
// per this system's device-fleet domain rather than flightctl's.
package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/edgefleet/edgefleet/internal/auth"
	"github.com/edgefleet/edgefleet/internal/auth/oidc"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/deployment"
	"github.com/edgefleet/edgefleet/internal/instrumentation"
	"github.com/edgefleet/edgefleet/internal/nettest"
	"github.com/edgefleet/edgefleet/internal/notify"
	"github.com/edgefleet/edgefleet/internal/objectstore"
	fleetserver "github.com/edgefleet/edgefleet/internal/server"
	"github.com/edgefleet/edgefleet/internal/store"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/edgefleet/edgefleet/pkg/queues"
	"github.com/edgefleet/edgefleet/pkg/shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "fleet-server",
		Short: "Control-plane API for the device fleet",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "/etc/fleet-server/config.yaml", "path to the server config file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("fleet-server: fatal error")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := fclog.NewPrefixLoggerFromLogger(base, "server")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log.Infof("loaded config: %s", cfg.StringSanitized())

	st, err := store.NewStore(cfg.DatabaseURL, base)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	notifier := buildNotifier(cfg, base.WithField("component", "notify"))
	objects, err := buildObjectStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := instrumentation.New(registry)

	deployer := deployment.New(st, base)
	nettests := nettest.New(st, base)

	listener, err := net.Listen("tcp", cfg.Service.Address)
	if err != nil {
		return err
	}

	var queue queues.Provider
	if cfg.RedisAddress != "" {
		queue, err = queues.NewRedisProvider(cfg.RedisAddress, "", 0)
		if err != nil {
			return err
		}
	}

	srv := fleetserver.New(base, cfg, st, verifier, notifier, objects, deployer, nettests, metrics, listener, queue)

	relay, err := fleetserver.NewRelay(cfg.TunnelRelayAddress, base.WithField("component", "tunnel-relay"))
	if err != nil {
		return err
	}

	mgr := shutdown.NewManager(cmd.Context(), log, 10*time.Second)

	if queue != nil {
		mgr.Register("log-relay-queue", func(context.Context) error {
			queue.Stop()
			queue.Wait()
			return nil
		})
	}

	recheckCron, err := deployer.StartRecheckLoop(mgr.Context(), cfg.DeploymentRecheckInterval)
	if err != nil {
		return err
	}
	mgr.Register("deployment-recheck", func(context.Context) error {
		recheckCron.Stop()
		return nil
	})

	metricsServer := &http.Server{Addr: ":9090", Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	mgr.Register("metrics-server", func(ctx context.Context) error {
		return metricsServer.Shutdown(ctx)
	})

	mgr.Register("store", func(context.Context) error { return st.Close() })

	go func() {
		if err := relay.Run(mgr.Context()); err != nil {
			log.WithError(err).Warn("ssh relay stopped")
		}
	}()

	go mgr.Run(mgr.Context())

	return srv.Run(mgr.Context())
}

func buildVerifier(ctx context.Context, cfg *config.Config, log *fclog.PrefixLogger) (auth.UserVerifier, error) {
	if cfg.Auth.OIDCIssuer == "" {
		log.Warn("no OIDC issuer configured; falling back to the permissive NilVerifier (dev only)")
		return oidc.NilVerifier{}, nil
	}
	jwksURL := cfg.Auth.OIDCIssuer + "/.well-known/jwks.json"
	return oidc.NewVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCAudience, jwksURL)
}

func buildNotifier(cfg *config.Config, log logrus.FieldLogger) notify.Notifier {
	if cfg.SlackWebhookURL == "" {
		return notify.NoopNotifier{}
	}
	return notify.NewSlackNotifier(cfg.SlackWebhookURL, log)
}

func buildObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.Region = aws.ToString(&cfg.AWS.Region) })
	return objectstore.New(client, cfg.AWS.PackagesBucketName, cfg.AWS.CloudfrontDomainName, cfg.AWS.CloudfrontPackageKeyPairID, cfg.AWS.CloudfrontPackagePrivateKey)
}
