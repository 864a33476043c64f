package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/sentinel/internal/authn"
	"github.com/eugener/sentinel/internal/cache"
	"github.com/eugener/sentinel/internal/circuitbreaker"
	"github.com/eugener/sentinel/internal/cloudauth"
	"github.com/eugener/sentinel/internal/config"
	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/check"
	"github.com/eugener/sentinel/internal/core/operation"
	"github.com/eugener/sentinel/internal/core/quota"
	"github.com/eugener/sentinel/internal/core/report"
	"github.com/eugener/sentinel/internal/jwks"
	"github.com/eugener/sentinel/internal/jwt"
	"github.com/eugener/sentinel/internal/methodregistry"
	"github.com/eugener/sentinel/internal/remoteclient"
	"github.com/eugener/sentinel/internal/server"
	"github.com/eugener/sentinel/internal/storage"
	"github.com/eugener/sentinel/internal/storage/sqlite"
	"github.com/eugener/sentinel/internal/telemetry"
	"github.com/eugener/sentinel/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting sentinel", "version", version, "addr", cfg.Server.Addr, "service", cfg.Service.Name)

	ctx := context.Background()
	clock := core.RealClock{}

	// Audit ledger: a write-only record of flushed batches, never read back
	// into any aggregator or cache. Empty DSN disables it entirely.
	var ledger storage.Ledger
	if cfg.Database.DSN != "" {
		store, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		ledger = store

		dsnLog := cfg.Database.DSN
		if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
			dsnLog = dsnLog[:i]
		}
		slog.Info("audit ledger opened", "dsn", dsnLog)
	} else {
		slog.Info("audit ledger disabled (no database.dsn configured)")
	}

	// Compile the managed Service descriptor and its method registry.
	svc, infos, err := config.NewYAMLServiceSource(cfg.Service).Load(ctx)
	if err != nil {
		return fmt.Errorf("load service descriptor: %w", err)
	}
	registry, err := methodregistry.New(svc, func(selector string) *core.Info { return infos[selector] })
	if err != nil {
		return fmt.Errorf("compile method registry: %w", err)
	}
	slog.Info("method registry compiled", "methods", len(svc.HTTPRules), "providers", len(svc.Providers))

	backend, err := url.Parse(cfg.Service.Backend)
	if err != nil {
		return fmt.Errorf("parse service.backend: %w", err)
	}

	// Bearer JWT authentication: OpenID/JWKS discovery + caching, decoding
	// and signature verification, then issuer/audience policy checks.
	jwksSupplier, err := jwks.New(&http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("build jwks supplier: %w", err)
	}
	jwtDecoder, err := jwt.New(jwksSupplier)
	if err != nil {
		return fmt.Errorf("build jwt decoder: %w", err)
	}
	authenticator, err := authn.New(svc.Providers, jwtDecoder, clock)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}

	// Outbound transport to the remote Service Control endpoint.
	outboundClient, err := buildRemoteClient(ctx, cfg.RemoteClient)
	if err != nil {
		return fmt.Errorf("build remote client transport: %w", err)
	}
	breakers := circuitbreaker.NewRegistry(cfg.RemoteClient.BreakerConfig())
	scClient := remoteclient.New(remoteclient.Endpoints{
		Check:         cfg.RemoteClient.CheckURL,
		AllocateQuota: cfg.RemoteClient.AllocateQuotaURL,
		Report:        cfg.RemoteClient.ReportURL,
	}, outboundClient, breakers)

	// Check/Quota/Report aggregators: local request admission without a
	// synchronous remote round trip on every request.
	kinds := operation.KindTable{}
	checker := check.New(svc.Name, cfg.Aggregators.Check.NumEntries,
		cfg.Aggregators.Check.FlushInterval, cfg.Aggregators.Check.ResponseExpiration,
		kinds, clock, slog.Default())
	quotaer, err := quota.New(svc.Name, cfg.Aggregators.Quota.NumEntries,
		cfg.Aggregators.Quota.FlushInterval, cfg.Aggregators.Quota.ResponseExpiration,
		kinds, clock, slog.Default())
	if err != nil {
		return fmt.Errorf("build quota aggregator: %w", err)
	}
	reporter := report.New(svc.Name, cfg.Aggregators.Report.NumEntries,
		cfg.Aggregators.Report.FlushInterval, kinds, clock, slog.Default(),
		cfg.Aggregators.Report.MaxBatchOperations)

	// Background flush workers: periodically drain each aggregator's evicted
	// entries to the remote RPC and record the batch in the audit ledger.
	workers := []worker.Worker{
		worker.NewCheckFlushWorker(checker, scClient, ledger, clock),
		worker.NewQuotaFlushWorker(quotaer, scClient, ledger, clock),
		worker.NewReportFlushWorker(reporter, scClient, ledger, clock),
	}
	runner := worker.NewRunner(workers...)

	// Downstream response cache for idempotent GET requests.
	var responseCache cache.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled", "max_size", cfg.Cache.MaxSize, "default_ttl", cfg.Cache.DefaultTTL)
	}

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("sentinel/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	readyCheck := server.ReadyChecker(func(context.Context) error { return nil })
	if cfg.Database.DSN != "" {
		if s, ok := ledger.(interface{ Ping(context.Context) error }); ok {
			readyCheck = s.Ping
		}
	}

	handler := server.New(server.Deps{
		Auth:        authenticator,
		Registry:    registry,
		ServiceName: svc.Name,
		Backend:     backend,

		Client:   scClient,
		Checker:  checker,
		Quotaer:  quotaer,
		Reporter: reporter,

		Cache:    responseCache,
		CacheTTL: cfg.Cache.DefaultTTL,

		Clock: clock,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     readyCheck,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("sentinel ready", "addr", cfg.Server.Addr, "backend", cfg.Service.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers, so in-flight requests still Report
	// before the aggregators stop flushing.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("sentinel stopped")
	return nil
}

// buildRemoteClient assembles the *http.Client used to call the remote
// Service Control endpoint, selecting an outbound auth transport per
// cfg.Auth.Type.
func buildRemoteClient(ctx context.Context, cfg config.RemoteClientConfig) (*http.Client, error) {
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	var transport http.RoundTripper = remoteclient.NewTransport(resolver)

	switch cfg.Auth.Type {
	case "gcp_oauth":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, transport,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case "aws_sigv4":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Auth.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws credentials: %w", err)
		}
		transport = cloudauth.NewAWSSigV4Transport(transport, awsCfg.Credentials, cfg.Auth.AWSRegion, "servicecontrol")
	case "api_key":
		if cfg.Auth.APIKey != "" {
			transport = &cloudauth.APIKeyTransport{
				Key:        cfg.Auth.APIKey,
				HeaderName: "Authorization",
				Prefix:     "Bearer ",
				Base:       transport,
			}
		}
	case "":
		// No outbound auth configured; plain HTTP.
	default:
		return nil, fmt.Errorf("unsupported remote_client.auth.type: %q", cfg.Auth.Type)
	}

	client := &http.Client{Transport: transport}
	if cfg.TimeoutMs > 0 {
		client.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return client, nil
}
