// Package config loads the control server's configuration: a YAML base
// loaded via viper, overridden by the environment variables spec §6
// enumerates. Grounded on the teacher's internal/config (struct-of-structs
// config, secret redaction in String()) and internal/agent/config (env/flag
// override layering on top of a YAML default).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimit bounds request volume for a route group (teacher's
// cfg.Service.RateLimit, internal/api_server/server.go).
type RateLimit struct {
	Requests       int
	Window         time.Duration
	AuthRequests   int
	AuthWindow     time.Duration
	TrustedProxies []string
}

// ServiceConfig configures the HTTP listener and its guardrails.
type ServiceConfig struct {
	Address            string
	HttpMaxRequestSize int64
	HttpMaxURLLength   int
	HttpMaxNumHeaders  int
	RateLimit          *RateLimit
	BaseAgentEndpointURL string
}

// AuthConfig configures OIDC validation of user access tokens (validation
// internals — JWKS fetch + signature check — are out of scope per spec §1;
// this struct only carries what's needed to construct the verifier).
type AuthConfig struct {
	OIDCIssuer   string
	OIDCAudience string
}

// AWSConfig configures the object-store/CDN collaborator (out of scope per
// spec §1; interface-only).
type AWSConfig struct {
	Region                      string
	PackagesBucketName          string
	AssetsBucketName            string
	CloudfrontDomainName        string
	CloudfrontPackageKeyPairID  string
	CloudfrontPackagePrivateKey string `json:"-"`
}

// Config is the control server's full configuration.
type Config struct {
	DatabaseURL string `json:"-"`
	Service     ServiceConfig
	Auth        AuthConfig
	AWS         AWSConfig
	APIPublicURL string

	// SlackWebhookURL optionally enables the registration webhook
	// notifier (spec §4.1 "optionally fires a Slack-style webhook").
	SlackWebhookURL string `json:"-"`

	// DeploymentRecheckInterval is how often the deployment engine's
	// background loop re-evaluates in-progress deployments for
	// eligibility (this system's server-side analogue of the device
	// Updater's 60s control loop; spec §4.7 describes the state machine
	// but not a polling cadence since the CLI could also drive it).
	DeploymentRecheckInterval time.Duration

	// RedisAddress, when set, enables the log-stream rendezvous' cross-
	// replica relay (internal/logstream, pkg/queues). Empty disables it
	// and the rendezvous falls back to a purely in-process channel,
	// correct only behind sticky single-replica routing.
	RedisAddress string `json:"-"`

	// TunnelRelayAddress is where the reverse-SSH tunnel relay (spec
	// §4.3 OpenTunnel) listens for incoming device connections.
	TunnelRelayAddress string
}

// Load reads configFile (if it exists) via viper, applies the env
// overrides named in spec §6, and fills in defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Service: ServiceConfig{
			Address:            v.GetString("service.address"),
			HttpMaxRequestSize: v.GetInt64("service.http_max_request_size"),
			HttpMaxURLLength:   v.GetInt("service.http_max_url_length"),
			HttpMaxNumHeaders:  v.GetInt("service.http_max_num_headers"),
		},
		DeploymentRecheckInterval: 30 * time.Second,
	}
	if cfg.Service.Address == "" {
		cfg.Service.Address = ":8443"
	}
	if cfg.Service.HttpMaxRequestSize == 0 {
		cfg.Service.HttpMaxRequestSize = 50 << 20
	}

	applyEnvOverrides(cfg, v)
	if cfg.TunnelRelayAddress == "" {
		cfg.TunnelRelayAddress = ":2222"
	}
	return cfg, nil
}

// applyEnvOverrides binds the exact environment variable names spec §6
// enumerates, which don't otherwise follow viper's dotted-key convention.
func applyEnvOverrides(cfg *Config, v *viper.Viper) {
	setIfPresent(v, "DATABASE_URL", &cfg.DatabaseURL)
	setIfPresent(v, "PACKAGES_BUCKET_NAME", &cfg.AWS.PackagesBucketName)
	setIfPresent(v, "ASSETS_BUCKET_NAME", &cfg.AWS.AssetsBucketName)
	setIfPresent(v, "AWS_REGION", &cfg.AWS.Region)
	setIfPresent(v, "AUTH0_ISSUER", &cfg.Auth.OIDCIssuer)
	setIfPresent(v, "AUTH0_AUDIENCE", &cfg.Auth.OIDCAudience)
	setIfPresent(v, "CLOUDFRONT_DOMAIN_NAME", &cfg.AWS.CloudfrontDomainName)
	setIfPresent(v, "CLOUDFRONT_PACKAGE_KEY_PAIR_ID", &cfg.AWS.CloudfrontPackageKeyPairID)
	setIfPresent(v, "CLOUDFRONT_PACKAGE_PRIVATE_KEY", &cfg.AWS.CloudfrontPackagePrivateKey)
	setIfPresent(v, "API_PUBLIC_URL", &cfg.APIPublicURL)
	setIfPresent(v, "REDIS_ADDRESS", &cfg.RedisAddress)
	setIfPresent(v, "TUNNEL_RELAY_ADDRESS", &cfg.TunnelRelayAddress)
}

func setIfPresent(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

// StringSanitized renders the config for logging with every secret
// redacted, mirroring the teacher's Config.String() obfuscation.
func (c *Config) StringSanitized() string {
	return fmt.Sprintf(
		"DatabaseURL=[REDACTED] Service.Address=%s Auth.OIDCIssuer=%s AWS.Region=%s AWS.PackagesBucketName=%s "+
			"AWS.CloudfrontDomainName=%s AWS.CloudfrontPackagePrivateKey=[REDACTED] APIPublicURL=%s",
		c.Service.Address, c.Auth.OIDCIssuer, c.AWS.Region, c.AWS.PackagesBucketName,
		c.AWS.CloudfrontDomainName, c.APIPublicURL,
	)
}
