// Package prometheus exposes OpenTelemetry metrics of the service for Prometheus scraping.
package prometheus

import (
	"context"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/service/common/servicectx"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const (
	Endpoint                = "/metrics"
	readHeaderTimeout       = 10 * time.Second
	gracefulShutdownTimeout = 30 * time.Second
)

type Config struct {
	Listen string `configKey:"listen" configUsage:"Prometheus scraping metrics listen address, for example \"0.0.0.0:9000\". Empty disables the endpoint."`
}

func NewConfig() Config {
	return Config{}
}

// Server serves metrics collected by its MeterProvider.
type Server struct {
	provider *sdkmetric.MeterProvider
	listener net.Listener
}

// ServeMetrics starts the HTTP metrics endpoint, it is stopped on the process shutdown.
func ServeMetrics(ctx context.Context, serviceName string, cfg Config, logger log.Logger, proc *servicectx.Process) (*Server, error) {
	logger = logger.WithComponent("metrics")

	registry := prom.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry), otelprom.WithoutScopeInfo())
	if err != nil {
		return nil, errors.PrefixError(err, "cannot create prometheus exporter")
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, errors.PrefixErrorf(err, `cannot listen on "%s"`, cfg.Listen)
	}

	s := &Server{provider: provider, listener: listener}

	mux := http.NewServeMux()
	mux.Handle(Endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(log.ZapLogger(logger)),
	}

	proc.Add(func(ctx context.Context, errCh chan<- error) {
		logger.Infof(ctx, `started metrics HTTP server on "%s"`, s.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- errors.PrefixError(err, "metrics HTTP server failed"):
			default:
			}
		}
	})

	proc.OnShutdown(func(ctx context.Context) {
		ctx, cancel := context.WithTimeoutCause(ctx, gracefulShutdownTimeout, errors.New("graceful shutdown timeout"))
		defer cancel()

		logger.Infof(ctx, `shutting down metrics HTTP server at "%s"`, s.Addr())
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, "metrics HTTP server shutdown error: %s", err)
		}
		if err := provider.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, "cannot shutdown meter provider: %s", err)
		}
		logger.Info(ctx, "metrics HTTP server shutdown finished")
	})

	return s, nil
}

func (s *Server) MeterProvider() metric.MeterProvider {
	return s.provider
}

// Addr returns the actual listen address, it differs from the configured one if the port is 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) URL() string {
	return "http://" + s.Addr() + Endpoint
}
