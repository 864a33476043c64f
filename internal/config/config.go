// Package config handles YAML configuration loading with environment
// variable expansion, and compiles the YAML Service section into the
// core.Service descriptor + method-info lookup the rest of the harness
// needs.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/eugener/sentinel/internal/circuitbreaker"
	"github.com/eugener/sentinel/internal/core"
)

// Config is the top-level sidecar configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Service      ServiceConfig      `yaml:"service"`
	RemoteClient RemoteClientConfig `yaml:"remote_client"`
	Aggregators  AggregatorConfig   `yaml:"aggregators"`
	Cache        CacheConfig        `yaml:"cache"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the audit ledger's SQLite settings. DSN empty
// disables the ledger entirely.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path, ":memory:", or "" to disable
}

// AuthProviderEntry configures one accepted token issuer.
type AuthProviderEntry struct {
	Issuer     string `yaml:"issuer"`
	ProviderID string `yaml:"provider_id"`
	JWKSURI    string `yaml:"jwks_uri"` // optional; OpenID discovery used when empty
}

// MethodEntry describes one managed HTTP method: its routing template, auth
// restriction, quota cost, and reporting shape. This is the Go-native
// config-file analog of the external Service descriptor's per-method rules.
type MethodEntry struct {
	Selector string `yaml:"selector"`
	Verb     string `yaml:"verb"`
	Template string `yaml:"template"`

	// AllowedProviders restricts which configured providers may authenticate
	// this method; empty means no provider restriction (HasAuth=false).
	AllowedProviders []string `yaml:"allowed_providers"`
	// Audiences maps provider id to its accepted audience set for this
	// method; a provider absent from this map (but present in
	// AllowedProviders) accepts any audience containing the service name.
	Audiences map[string][]string `yaml:"audiences"`

	QuotaCosts map[string]int64 `yaml:"quota_costs"`

	ReportingLogs    []string `yaml:"reporting_logs"`
	ReportingMetrics []string `yaml:"reporting_metrics"`
	ReportingLabels  []string `yaml:"reporting_labels"`
}

// ServiceConfig is the YAML section describing the single managed service
// this sidecar fronts.
type ServiceConfig struct {
	Name      string              `yaml:"name"`
	Backend   string              `yaml:"backend"` // upstream URL requests are proxied to
	Providers []AuthProviderEntry `yaml:"providers"`
	Methods   []MethodEntry       `yaml:"methods"`
}

// RemoteClientConfig configures the out-of-scope remote Service Control
// endpoint and its outbound auth.
type RemoteClientConfig struct {
	CheckURL         string            `yaml:"check_url"`
	AllocateQuotaURL string            `yaml:"allocate_quota_url"`
	ReportURL        string            `yaml:"report_url"`
	TimeoutMs        int               `yaml:"timeout_ms"`
	Auth             RemoteAuthEntry   `yaml:"auth"`
	CircuitBreaker   circuitBreakerCfg `yaml:"circuit_breaker"`
}

// RemoteAuthEntry configures the outbound auth transport used to call the
// remote Service Control endpoint.
type RemoteAuthEntry struct {
	Type      string `yaml:"type"` // "", "gcp_oauth", "aws_sigv4", "api_key"
	APIKey    string `yaml:"api_key"`
	AWSRegion string `yaml:"aws_region"`
}

// BreakerConfig converts the YAML breaker knobs to circuitbreaker.Config.
func (c RemoteClientConfig) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorThreshold: c.CircuitBreaker.ErrorThreshold,
		MinSamples:     c.CircuitBreaker.MinSamples,
		WindowSeconds:  c.CircuitBreaker.WindowSeconds,
		OpenTimeout:    c.CircuitBreaker.OpenTimeout,
	}
}

// circuitBreakerCfg mirrors circuitbreaker.Config field-for-field so
// BreakerConfig is a pure rename.
type circuitBreakerCfg struct {
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// AggregatorConfig tunes the Check/Quota/Report aggregators' cache sizes
// and flush intervals.
type AggregatorConfig struct {
	Check  aggregatorTuning `yaml:"check"`
	Quota  aggregatorTuning `yaml:"quota"`
	Report aggregatorTuning `yaml:"report"`
}

type aggregatorTuning struct {
	NumEntries         int           `yaml:"num_entries"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	ResponseExpiration time.Duration `yaml:"response_expiration"` // check/quota only
	MaxBatchOperations int           `yaml:"max_batch_operations"` // report only
}

// CacheConfig holds downstream response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "sentinel.db",
		},
		Aggregators: AggregatorConfig{
			Check:  aggregatorTuning{NumEntries: 10_000, FlushInterval: time.Second, ResponseExpiration: 5 * time.Second},
			Quota:  aggregatorTuning{NumEntries: 10_000, FlushInterval: time.Second, ResponseExpiration: 5 * time.Second},
			Report: aggregatorTuning{NumEntries: 10_000, FlushInterval: time.Minute, MaxBatchOperations: 1000},
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 30 * time.Second,
		},
		RemoteClient: RemoteClientConfig{
			TimeoutMs: 10_000,
			CircuitBreaker: circuitBreakerCfg{
				ErrorThreshold: 0.30,
				MinSamples:     10,
				WindowSeconds:  60,
				OpenTimeout:    30 * time.Second,
			},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ServiceSource loads the managed Service descriptor and its derived method
// registry from an opaque source: a real control-plane fetcher can
// implement this interface and replace YAMLServiceSource without
// internal/core ever changing.
type ServiceSource interface {
	Load(ctx context.Context) (core.Service, map[string]*core.Info, error)
}

// YAMLServiceSource reads the Service descriptor from the already-loaded
// config file. Load never blocks on I/O beyond what Config.Load already did.
type YAMLServiceSource struct {
	cfg ServiceConfig
}

// NewYAMLServiceSource builds a ServiceSource over cfg.
func NewYAMLServiceSource(cfg ServiceConfig) YAMLServiceSource {
	return YAMLServiceSource{cfg: cfg}
}

// Load compiles the YAML Methods list into a core.Service plus a
// selector -> *core.Info map, ready to hand to methodregistry.New.
func (s YAMLServiceSource) Load(context.Context) (core.Service, map[string]*core.Info, error) {
	svc := core.Service{Name: s.cfg.Name}
	infos := make(map[string]*core.Info, len(s.cfg.Methods))

	for _, p := range s.cfg.Providers {
		svc.Providers = append(svc.Providers, core.AuthProvider{
			Issuer:     p.Issuer,
			ProviderID: p.ProviderID,
			JWKSURI:    p.JWKSURI,
		})
	}

	for _, m := range s.cfg.Methods {
		svc.HTTPRules = append(svc.HTTPRules, core.HTTPRule{Selector: m.Selector, Verb: m.Verb, Template: m.Template})

		if len(m.QuotaCosts) > 0 {
			svc.Quota = append(svc.Quota, core.QuotaMethodBinding{Selector: m.Selector, Costs: m.QuotaCosts})
		}
		if len(m.ReportingLogs) > 0 || len(m.ReportingMetrics) > 0 || len(m.ReportingLabels) > 0 {
			svc.Reporting = append(svc.Reporting, core.ReportingRule{Logs: m.ReportingLogs, Metrics: m.ReportingMetrics, Labels: m.ReportingLabels})
		}

		info := &core.Info{Selector: m.Selector, QuotaCosts: m.QuotaCosts}
		if len(m.AllowedProviders) > 0 {
			info.HasAuth = true
			policy := make(core.AuthPolicy, len(m.AllowedProviders))
			for _, providerID := range m.AllowedProviders {
				var auds map[string]struct{}
				if raw := m.Audiences[providerID]; len(raw) > 0 {
					auds = make(map[string]struct{}, len(raw))
					for _, a := range raw {
						auds[a] = struct{}{}
					}
				}
				policy[providerID] = auds
			}
			info.AuthPolicy = policy
		}
		infos[m.Selector] = info
	}

	return svc, infos, nil
}
