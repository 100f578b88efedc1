package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	configpkg "github.com/drblury/pipeguard/internal/runtime/config"
	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/internal/runtime/readiness"
	"github.com/drblury/pipeguard/transport"
)

const shutdownTimeout = 5 * time.Second

// ErrServiceStarted is returned when Start is called twice.
var ErrServiceStarted = errors.New("pipeguard: service already started")

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// Transport replaces the transport built from Conf.PubSubSystem.
	Transport *transport.Transport
	// TransportRegistry resolves Conf.PubSubSystem. Defaults to transport.DefaultRegistry.
	TransportRegistry *transport.Registry

	// Resources are warmed concurrently by Start before any stage runs. Their
	// names join Conf.MandatoryResources on the readiness gate.
	Resources []readiness.Resource

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Service hosts pipeline stages: it owns the transport, the readiness gate,
// the health and metrics endpoints, and runs every registered stage.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport transport.Transport
	publisher message.Publisher

	gate       *readiness.Gate
	resources  []readiness.Resource
	metrics    *Metrics
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	middlewares   []message.HandlerMiddleware
	middlewaresMu sync.RWMutex

	stages   []*Stage
	stagesMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started atomic.Bool
}

// NewService validates conf, builds the transport and prepares the
// readiness gate. Register stages on the returned Service before calling
// Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	resolved := conf.WithDefaults()
	if err := configpkg.ValidateConfig(&resolved); err != nil {
		return nil, err
	}

	log.Info("Creating pipeline service", loggingpkg.LogFields{
		"service":       resolved.ServiceName,
		"pubsub_system": resolved.PubSubSystem,
		"config":        resolved.String(),
	})

	s := &Service{
		Conf:       &resolved,
		Logger:     log,
		resources:  deps.Resources,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		if g, ok := s.registerer.(prometheus.Gatherer); ok {
			s.gatherer = g
		} else {
			s.gatherer = prometheus.DefaultGatherer
		}
	}

	mandatory := append([]string(nil), resolved.MandatoryResources...)
	for _, res := range deps.Resources {
		mandatory = append(mandatory, res.Name())
	}
	s.gate = readiness.NewGate(mandatory...)

	if resolved.MetricsEnabled {
		m, err := NewMetrics(s.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
		s.gate.OnReady(func() { m.SetReady(true) })
	}
	s.gate.OnReady(func() {
		s.Logger.Info("Service ready", loggingpkg.LogFields{"resources": s.gate.Resources()})
	})

	if err := s.buildTransport(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.registerHealthHandlers()
	if resolved.MetricsEnabled && resolved.MetricsPort > 0 {
		s.RegisterHTTPHandler(resolved.MetricsPort, "/metrics", MetricsHandler(s.gatherer))
	}
	return s, nil
}

func (s *Service) buildTransport(ctx context.Context, deps ServiceDependencies) error {
	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		registry := deps.TransportRegistry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		t, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return err
		}
		s.transport = t
	}

	s.publisher = s.transport.Publisher
	if s.publisher != nil && s.Conf.MetricsEnabled {
		builder := metrics.NewPrometheusMetricsBuilder(s.registerer, "pipeguard", "watermill")
		decorated, err := builder.DecoratePublisher(s.publisher)
		if err != nil {
			return fmt.Errorf("decorate publisher: %w", err)
		}
		s.publisher = decorated
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start serves the health and metrics endpoints, warms the resources, then
// runs every stage until ctx is cancelled or a stage fails. It returns once
// all stages have drained their in-flight handlers.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServiceStarted
	}

	stopHTTP := s.startHTTPServers()
	defer stopHTTP()
	stopGRPC, err := s.startGRPCHealth()
	if err != nil {
		return err
	}
	defer stopGRPC()

	if err := readiness.Warm(ctx, s.gate, s.Logger, s.resources...); err != nil {
		return err
	}

	stages := s.Stages()
	if len(stages) == 0 {
		s.Logger.Info("No stages registered, serving health endpoints only", nil)
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range stages {
		g.Go(func() error { return st.run(gctx) })
	}
	err = g.Wait()
	s.Logger.Info("Service stopped", loggingpkg.LogFields{"stages": len(stages)})
	return err
}

// Close releases the transport.
func (s *Service) Close() error {
	return s.transport.Close()
}

// Gate returns the readiness gate. Resources that are not warmed by Start
// are marked on it by the application.
func (s *Service) Gate() *readiness.Gate {
	return s.gate
}

// Metrics returns the stage metrics, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Publisher returns the service publisher.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Transport returns the transport the service was built with.
func (s *Service) Transport() transport.Transport {
	return s.transport
}

// PublishProto emits event on topic through the service publisher.
func (s *Service) PublishProto(ctx context.Context, topic string, event proto.Message, md metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishProto(ctx, s.publisher, topic, event, md)
}

// PublishJSON emits event on topic through the service publisher.
func (s *Service) PublishJSON(ctx context.Context, topic string, event any, md metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishJSON(ctx, s.publisher, topic, event, md)
}

// RegisterHTTPHandler mounts handler on the server listening on port. The
// servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() func() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		if port <= 0 {
			continue
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}
	}
}

func (s *Service) startGRPCHealth() (func(), error) {
	if s.Conf.GRPCHealthPort <= 0 {
		return func() {}, nil
	}
	addr := fmt.Sprintf(":%d", s.Conf.GRPCHealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc health on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	readiness.NewHealthServer(s.gate, s.Logger).Register(srv)
	s.Logger.Info("Starting gRPC health server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.Logger.Error("gRPC health server failed", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return srv.GracefulStop, nil
}
