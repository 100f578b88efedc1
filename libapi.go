package pipeguard

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/pipeguard/internal/runtime"
	configpkg "github.com/drblury/pipeguard/internal/runtime/config"
	"github.com/drblury/pipeguard/internal/runtime/consumer"
	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	handlerpkg "github.com/drblury/pipeguard/internal/runtime/handlers"
	idspkg "github.com/drblury/pipeguard/internal/runtime/ids"
	jsoncodec "github.com/drblury/pipeguard/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/internal/runtime/readiness"
	"github.com/drblury/pipeguard/internal/runtime/singleflight"
	"github.com/drblury/pipeguard/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Stage             = runtimepkg.Stage
	StageInfo         = runtimepkg.StageInfo
	StageRegistration = runtimepkg.StageRegistration
	Sink              = runtimepkg.Sink
	SinkFunc          = runtimepkg.SinkFunc
	ConsumerStats     = consumer.Stats

	JSONStageRegistration[T any, O any]     = runtimepkg.JSONStageRegistration[T, O]
	JSONMessageContext[T any]               = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]                = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]        = handlerpkg.JSONMessageHandler[T, O]
	ProtoStageRegistration[T proto.Message] = runtimepkg.ProtoStageRegistration[T]
	ProtoMessageContext[T proto.Message]    = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                      = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message]    = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                      = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Metrics            = runtimepkg.Metrics
	DeadLetterSnapshot = runtimepkg.DeadLetterSnapshot

	Cache[V any]       = singleflight.Cache[V]
	CacheOptions       = singleflight.Options
	CacheStats         = singleflight.Stats
	CacheLoader[V any] = singleflight.Loader[V]

	ReadinessGate     = readiness.Gate
	ReadinessStatus   = readiness.Status
	Resource          = readiness.Resource
	HealthServer      = readiness.HealthServer
	Metadata          = metadatapkg.Metadata
	LogFields         = loggingpkg.LogFields
	ServiceLogger     = loggingpkg.ServiceLogger
	Disposition       = errspkg.Disposition
	DownstreamError   = errspkg.DownstreamError
	LoadTimeoutError  = errspkg.LoadTimeoutError
	LoadError         = errspkg.LoadError
	DeadLetterError   = errspkg.DeadLetterError

	ConfigValidationError = errspkg.ConfigValidationError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	Source                = transport.Source
	SourceFactory         = transport.SourceFactory
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	RegisterStage = runtimepkg.RegisterStage

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware  = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware    = runtimepkg.LogMessagesMiddleware
	ReadinessGuardMiddleware = runtimepkg.ReadinessGuardMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	RetryMiddleware          = runtimepkg.RetryMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware
	StageNameFromContext     = runtimepkg.StageNameFromContext

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewMetrics     = runtimepkg.NewMetrics
	MetricsHandler = runtimepkg.MetricsHandler

	NewReadinessGate = readiness.NewGate
	NewHealthServer  = readiness.NewHealthServer
	ResourceFunc     = readiness.ResourceFunc
	WarmResources    = readiness.Warm

	PublishProto = runtimepkg.PublishProto
	PublishJSON  = runtimepkg.PublishJSON

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
	NewSubscriberSource      = transport.NewSubscriberSource

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired               = errspkg.ErrServiceRequired
	ErrHandlerRequired               = errspkg.ErrHandlerRequired
	ErrConsumeTopicRequired          = errspkg.ErrConsumeTopicRequired
	ErrStageNameRequired             = errspkg.ErrStageNameRequired
	ErrConsumeMessageTypeRequired    = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded   = errspkg.ErrConsumeMessagePointerNeeded
	ErrPublisherRequired             = errspkg.ErrPublisherRequired
	ErrSourceRequired                = errspkg.ErrSourceRequired
	ErrTopicRequired                 = errspkg.ErrTopicRequired
	ErrConfigRequired                = errspkg.ErrConfigRequired
	ErrLoggerRequired                = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired          = errspkg.ErrEventPayloadRequired
	ErrLoaderRequired                = errspkg.ErrLoaderRequired
	ErrMaxConcurrentHandlersRequired = errspkg.ErrMaxConcurrentHandlersRequired
	ErrLoadTimeout                   = errspkg.ErrLoadTimeout
	ErrResourceNotReady              = errspkg.ErrResourceNotReady
	ErrUnknownResource               = errspkg.ErrUnknownResource
	ErrRetry                         = errspkg.ErrRetry
	ErrDeadLetter                    = errspkg.ErrDeadLetter
	ErrSkip                          = errspkg.ErrSkip
	ErrUnprocessable                 = errspkg.ErrUnprocessable
	ErrSourceClosed                  = transport.ErrSourceClosed
	ErrUnknownTransport              = transport.ErrUnknownTransport
	ErrEmptyTransport                = transport.ErrEmptyTransport

	NewDownstreamError      = errspkg.NewDownstreamError
	ErrDeadLetterWithReason = errspkg.ErrDeadLetterWithReason
	ClassifyError           = errspkg.Classify
	IsRetryable             = errspkg.IsRetryable

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New
	Attempt     = metadatapkg.Attempt

	NewULID = idspkg.New
)

// Dispositions returned by ClassifyError.
const (
	DispositionAck        = errspkg.DispositionAck
	DispositionNack       = errspkg.DispositionNack
	DispositionDeadLetter = errspkg.DispositionDeadLetter
)

// Metadata keys set by the runtime.
const (
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema      = metadatapkg.KeyEventSchema
	MetadataKeyStage            = metadatapkg.KeyStage
	MetadataKeyDeliveryAttempt  = metadatapkg.KeyDeliveryAttempt
	MetadataKeyDeadLetterReason = metadatapkg.KeyDeadLetterReason
	MetadataKeyDeadLetterError  = metadatapkg.KeyDeadLetterError
	MetadataKeyOriginalTopic    = metadatapkg.KeyOriginalTopic
	MetadataKeyDeadLetteredAt   = metadatapkg.KeyDeadLetteredAt
)

// gRPC health service names served by HealthServer.
const (
	LivenessCheckService  = readiness.LivenessCheckService
	ReadinessCheckService = readiness.ReadinessCheckService
)

func RegisterJSONStage[T any, O any](svc *Service, cfg JSONStageRegistration[T, O]) error {
	return runtimepkg.RegisterJSONStage(svc, cfg)
}

func RegisterProtoStage[T proto.Message](svc *Service, cfg ProtoStageRegistration[T]) error {
	return runtimepkg.RegisterProtoStage(svc, cfg)
}

// NewCache builds a SingleFlightCache from the service configuration.
func NewCache[V any](svc *Service, name string) (*Cache[V], error) {
	return runtimepkg.NewCache[V](svc, name)
}

// NewStandaloneCache builds a SingleFlightCache outside a service.
func NewStandaloneCache[V any](opts CacheOptions) (*Cache[V], error) {
	return singleflight.New[V](opts)
}

// CacheWarmer loads keys into cache as a readiness resource.
func CacheWarmer[V any](name string, cache *Cache[V], loader CacheLoader[V], keys ...string) Resource {
	return runtimepkg.CacheWarmer(name, cache, loader, keys...)
}
