package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	idspkg "github.com/drblury/pipeguard/internal/runtime/ids"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to every stage
// handler chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the in-process retry middleware.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = errspkg.IsRetryable
	}
	return cfg
}

type stageNameKey struct{}

// StageNameFromContext returns the name of the stage handling the message
// that owns ctx.
func StageNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(stageNameKey{}).(string); ok {
		return name
	}
	return ""
}

func withStageName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stageNameKey{}, name)
}

// DefaultMiddlewares returns the standard chain, outermost first. Panic
// recovery and the handler timeout are applied by the consumer itself.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		ReadinessGuardMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs handled messages and their outcome at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// ReadinessGuardMiddleware rejects work with ErrResourceNotReady until the
// service's readiness gate is open.
func ReadinessGuardMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "readiness_guard",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.gate == nil {
				return nil, nil
			}
			return readinessGuardMiddleware(s.gate.IsReady), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(otel.Tracer("github.com/drblury/pipeguard")), nil
		},
	}
}

// MetricsMiddleware records handler execution time with Watermill's
// Prometheus middleware, labelled by stage.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf == nil || !s.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilderWithConfig(s.registerer, metrics.PrometheusMetricsBuilderConfig{
				Namespace: "pipeguard",
				Subsystem: "watermill",
				AdditionalLabels: []metrics.MetricLabel{{
					Label:          "stage",
					ComputeValueFn: StageNameFromContext,
				}},
			})
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// RetryMiddleware retries transient failures in process before the message
// is handed back to the broker. Config values override cfg when set.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			resolved := cfg
			if s.Conf != nil {
				if s.Conf.RetryMaxRetries > 0 {
					resolved.MaxRetries = s.Conf.RetryMaxRetries
				}
				if s.Conf.RetryInitialInterval > 0 {
					resolved.InitialInterval = s.Conf.RetryInitialInterval
				}
				if s.Conf.RetryMaxInterval > 0 {
					resolved.MaxInterval = s.Conf.RetryMaxInterval
				}
			}
			if resolved.MaxRetries <= 0 {
				return nil, nil
			}
			return retryMiddleware(resolved.withDefaults(), loggingpkg.NewWatermillAdapter(s.Logger)), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors. Stages already
// recover at the consumer; add this when a custom middleware may panic
// outside the handler.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends the middleware to every stage registered
// afterwards.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

// chain applies the registered middlewares so the first registered runs
// outermost.
func (s *Service) chain(h message.HandlerFunc) message.HandlerFunc {
	s.middlewaresMu.RLock()
	defer s.middlewaresMu.RUnlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.New())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"stage":        StageNameFromContext(msg.Context()),
				"attempt":      metadatapkg.Attempt(msg),
			}
			logger.Debug("Processing message", withField(fields, "metadata", msg.Metadata))

			start := time.Now()
			out, err := h(msg)
			fields["elapsed"] = time.Since(start)
			if err != nil {
				logger.Debug("Message handler returned error", withField(fields, "error", err.Error()))
				return out, err
			}
			logger.Debug("Message handled", withField(fields, "outputs", len(out)))
			return out, nil
		}
	}
}

func readinessGuardMiddleware(ready func() bool) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if !ready() {
				return nil, errspkg.ErrResourceNotReady
			}
			return h(msg)
		}
	}
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "ProcessMessage", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("pipeguard.stage", StageNameFromContext(ctx)),
				attribute.Int("pipeguard.attempt", metadatapkg.Attempt(msg)),
				attribute.String("pipeguard.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			)

			out, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, errspkg.Classify(err).String())
			}
			return out, err
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	return middleware.Retry{
		MaxRetries:          cfg.MaxRetries,
		InitialInterval:     cfg.InitialInterval,
		MaxInterval:         cfg.MaxInterval,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
		Logger: logger,
	}.Middleware
}

func withField(fields loggingpkg.LogFields, key string, value any) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
