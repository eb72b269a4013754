package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// newInstanceID returns <service>-<first 8 hex chars of a random UUID>.
func newInstanceID(serviceName string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", serviceName, id[:8])
}

// newResource creates a resource describing the service.
func newResource(cfg *Config, instanceID string) *resource.Resource {
	// Standalone resource: resource.Default() carries a different semconv
	// schema URL and merging the two fails.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(instanceID),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.String("environment", cfg.Environment),
		attribute.String("instance.id", instanceID),
	)
}

// newSampler returns a parent-based ratio sampler.
func newSampler(rate float64) sdktrace.Sampler {
	var sampler sdktrace.Sampler
	switch {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(sampler)
}

// endpoint is a collector address split into the parts the OTLP exporters
// take separately.
type endpoint struct {
	Scheme string
	Host   string // host[:port]
	Path   string // URL path, empty when the endpoint has none
}

// parseEndpoint accepts both "host:port" and "scheme://host:port/path".
func parseEndpoint(raw string) endpoint {
	var ep endpoint
	rest := strings.TrimSpace(raw)
	if i := strings.Index(rest, "://"); i >= 0 {
		ep.Scheme = strings.ToLower(rest[:i])
		rest = rest[i+len("://"):]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		ep.Path = rest[i:]
		rest = rest[:i]
	}
	if ep.Path == "/" {
		ep.Path = ""
	}
	ep.Host = rest
	return ep
}

// exportHeaders returns the headers sent with every export request. Managed
// destinations get Basic auth from the configured username and API key.
func exportHeaders(cfg *Config) map[string]string {
	headers := make(map[string]string, len(cfg.Headers)+1)
	maps.Copy(headers, cfg.Headers)

	if cfg.Managed.Enabled && cfg.Managed.Username != "" && cfg.Managed.APIKey.IsSet() {
		creds := cfg.Managed.Username + ":" + cfg.Managed.APIKey.Value()
		headers["authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}
	return headers
}

// tlsConfig returns the client TLS config, or nil for plaintext.
func tlsConfig(cfg *Config) *tls.Config {
	if cfg.useInsecure() {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // User explicitly requested
	}
}

// connPool shares one gRPC connection per collector host between the three
// exporters and the reachability probes.
type connPool struct {
	creds credentials.TransportCredentials

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newConnPool(cfg *Config) *connPool {
	creds := insecure.NewCredentials()
	if tc := tlsConfig(cfg); tc != nil {
		creds = credentials.NewTLS(tc)
	}
	return &connPool{
		creds: creds,
		conns: make(map[string]*grpc.ClientConn),
	}
}

// get returns the connection for host, creating it on first use. Connections
// are lazy; nothing is dialled until the first export or probe.
func (p *connPool) get(host string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[host]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(host, grpc.WithTransportCredentials(p.creds))
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for %s: %w", host, err)
	}
	p.conns[host] = conn
	return conn, nil
}

// lookup returns an existing connection without creating one.
func (p *connPool) lookup(host string) (*grpc.ClientConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[host]
	return conn, ok
}

// Close closes every pooled connection.
func (p *connPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for host, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection to %s: %w", host, err))
		}
		delete(p.conns, host)
	}
	return errors.Join(errs...)
}

// newSpanExporter creates the OTLP span exporter for the configured protocol.
func newSpanExporter(ctx context.Context, cfg *Config, pool *connPool) (sdktrace.SpanExporter, error) {
	ep := parseEndpoint(cfg.TracesEndpoint())
	headers := exportHeaders(cfg)

	switch cfg.protocol() {
	case ProtocolHTTPProtobuf:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(ep.Host),
			otlptracehttp.WithHeaders(headers),
		}
		if ep.Path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(ep.Path))
		}
		if tc := tlsConfig(cfg); tc == nil {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tc))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		conn, err := pool.get(ep.Host)
		if err != nil {
			return nil, err
		}
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithGRPCConn(conn),
			otlptracegrpc.WithHeaders(headers),
		)
	}
}

// newMetricExporter creates the OTLP metric exporter for the configured protocol.
func newMetricExporter(ctx context.Context, cfg *Config, pool *connPool) (sdkmetric.Exporter, error) {
	ep := parseEndpoint(cfg.MetricsEndpoint())
	headers := exportHeaders(cfg)

	// Cumulative temporality for Prometheus-compatible backends. This also
	// overrides OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE inherited
	// from a parent process.
	cumulative := func(sdkmetric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	switch cfg.protocol() {
	case ProtocolHTTPProtobuf:
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(ep.Host),
			otlpmetrichttp.WithHeaders(headers),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if ep.Path != "" {
			opts = append(opts, otlpmetrichttp.WithURLPath(ep.Path))
		}
		if tc := tlsConfig(cfg); tc == nil {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		} else {
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tc))
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		conn, err := pool.get(ep.Host)
		if err != nil {
			return nil, err
		}
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithGRPCConn(conn),
			otlpmetricgrpc.WithHeaders(headers),
			otlpmetricgrpc.WithTemporalitySelector(cumulative),
		)
	}
}

// newLogExporter creates the OTLP log exporter for the configured protocol.
func newLogExporter(ctx context.Context, cfg *Config, pool *connPool) (sdklog.Exporter, error) {
	ep := parseEndpoint(cfg.LogsEndpoint())
	headers := exportHeaders(cfg)

	switch cfg.protocol() {
	case ProtocolHTTPProtobuf:
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(ep.Host),
			otlploghttp.WithHeaders(headers),
		}
		if ep.Path != "" {
			opts = append(opts, otlploghttp.WithURLPath(ep.Path))
		}
		if tc := tlsConfig(cfg); tc == nil {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tc))
		}
		return otlploghttp.New(ctx, opts...)
	default:
		conn, err := pool.get(ep.Host)
		if err != nil {
			return nil, err
		}
		return otlploggrpc.New(ctx,
			otlploggrpc.WithGRPCConn(conn),
			otlploggrpc.WithHeaders(headers),
		)
	}
}
