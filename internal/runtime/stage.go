package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/pipeguard/internal/runtime/consumer"
	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	"github.com/drblury/pipeguard/transport"
)

// Sink persists the outputs of a terminal stage instead of publishing them.
type Sink interface {
	Store(ctx context.Context, msgs ...*message.Message) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, msgs ...*message.Message) error

func (f SinkFunc) Store(ctx context.Context, msgs ...*message.Message) error {
	return f(ctx, msgs...)
}

// StageRegistration wires a raw Watermill handler as a pipeline stage.
type StageRegistration struct {
	Name         string
	ConsumeTopic string
	// PublishTopic receives the handler outputs. Leave empty for terminal
	// stages.
	PublishTopic string
	Handler      message.HandlerFunc

	// Source overrides the source opened from the service transport.
	Source transport.Source
	// Publisher overrides the service publisher for outputs and dead letters.
	Publisher message.Publisher
	// Sink receives outputs instead of PublishTopic.
	Sink Sink

	// Zero values fall back to the service config.
	MaxConcurrentHandlers int
	HandlerTimeout        time.Duration
	MaxDeliveries         int
	DeadLetterTopic       string
}

// StageInfo describes a registered stage and its counters.
type StageInfo struct {
	Name                  string         `json:"name"`
	ConsumeTopic          string         `json:"consume_topic"`
	PublishTopic          string         `json:"publish_topic,omitempty"`
	DeadLetterTopic       string         `json:"dead_letter_topic,omitempty"`
	MaxConcurrentHandlers int            `json:"max_concurrent_handlers"`
	Running               bool           `json:"running"`
	Stats                 consumer.Stats `json:"stats"`
}

// Stage is a bounded consumer feeding a handler chain whose outputs are
// forwarded to the next topic.
type Stage struct {
	svc       *Service
	cfg       consumer.Config
	publish   string
	source    transport.Source
	publisher message.Publisher
	sink      Sink
	handler   message.HandlerFunc
	logger    loggingpkg.ServiceLogger

	consumer atomic.Pointer[consumer.Consumer]
}

// RegisterStage validates reg and adds the stage to svc. Stages run when
// the service starts.
func RegisterStage(svc *Service, reg StageRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	_, err := svc.registerStage(reg)
	return err
}

func (s *Service) registerStage(reg StageRegistration) (*Stage, error) {
	if reg.Handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if reg.ConsumeTopic == "" {
		return nil, errspkg.ErrConsumeTopicRequired
	}
	if reg.Name == "" {
		return nil, errspkg.ErrStageNameRequired
	}
	if reg.MaxConcurrentHandlers == 0 {
		reg.MaxConcurrentHandlers = s.Conf.MaxConcurrentHandlers
	}
	if reg.MaxConcurrentHandlers <= 0 {
		return nil, fmt.Errorf("stage %s: %w", reg.Name, errspkg.ErrMaxConcurrentHandlersRequired)
	}
	if reg.HandlerTimeout == 0 {
		reg.HandlerTimeout = s.Conf.HandlerTimeout
	}
	if reg.MaxDeliveries == 0 {
		reg.MaxDeliveries = s.Conf.MaxDeliveries
	}
	if reg.DeadLetterTopic == "" {
		reg.DeadLetterTopic = s.Conf.DeadLetterTopic
	}
	if reg.Publisher == nil {
		reg.Publisher = s.publisher
	}
	if (reg.PublishTopic != "" || reg.DeadLetterTopic != "") && reg.Publisher == nil {
		return nil, fmt.Errorf("stage %s: %w", reg.Name, errspkg.ErrPublisherRequired)
	}

	st := &Stage{
		svc: s,
		cfg: consumer.Config{
			Name:                      reg.Name,
			Topic:                     reg.ConsumeTopic,
			MaxConcurrentHandlers:     reg.MaxConcurrentHandlers,
			HandlerTimeout:            reg.HandlerTimeout,
			MaxDeliveries:             reg.MaxDeliveries,
			DeadLetterTopic:           reg.DeadLetterTopic,
			RedeliveryInitialInterval: s.Conf.RedeliveryInitialInterval,
			RedeliveryMaxInterval:     s.Conf.RedeliveryMaxInterval,
		},
		publish:   reg.PublishTopic,
		source:    reg.Source,
		publisher: reg.Publisher,
		sink:      reg.Sink,
		handler:   s.chain(reg.Handler),
		logger:    loggingpkg.ForComponent(s.Logger, "stage", loggingpkg.LogFields{"stage": reg.Name}),
	}

	s.stagesMu.Lock()
	defer s.stagesMu.Unlock()
	for _, existing := range s.stages {
		if existing.cfg.Name == reg.Name {
			return nil, fmt.Errorf("stage %q is already registered", reg.Name)
		}
	}
	s.stages = append(s.stages, st)
	return st, nil
}

// Stages returns the registered stages in registration order.
func (s *Service) Stages() []*Stage {
	s.stagesMu.RLock()
	defer s.stagesMu.RUnlock()
	return append([]*Stage(nil), s.stages...)
}

// Stage returns the stage called name, or nil.
func (s *Service) Stage(name string) *Stage {
	for _, st := range s.Stages() {
		if st.cfg.Name == name {
			return st
		}
	}
	return nil
}

// Name returns the stage name.
func (st *Stage) Name() string {
	return st.cfg.Name
}

// Info returns the stage description and current counters.
func (st *Stage) Info() StageInfo {
	info := StageInfo{
		Name:                  st.cfg.Name,
		ConsumeTopic:          st.cfg.Topic,
		PublishTopic:          st.publish,
		DeadLetterTopic:       st.cfg.DeadLetterTopic,
		MaxConcurrentHandlers: st.cfg.MaxConcurrentHandlers,
	}
	if c := st.consumer.Load(); c != nil {
		info.Running = c.Running()
		info.Stats = c.Stats()
	}
	return info
}

// run waits for the readiness gate before opening its source, so work
// that arrives during warm-up stays with the broker.
func (st *Stage) run(ctx context.Context) error {
	if gate := st.svc.gate; !gate.IsReady() {
		st.logger.Info("Waiting for mandatory resources", loggingpkg.LogFields{"pending": gate.Snapshot().Pending})
		select {
		case <-gate.Ready():
		case <-ctx.Done():
			return nil
		}
	}

	src := st.source
	if src == nil {
		opened, err := st.svc.transport.OpenSource(ctx, st.cfg.Topic, st.cfg.MaxConcurrentHandlers)
		if err != nil {
			return fmt.Errorf("stage %s: open source: %w", st.cfg.Name, err)
		}
		src = opened
		defer func() {
			if err := src.Close(); err != nil {
				st.logger.Error("Closing source failed", err, nil)
			}
		}()
	}

	opts := []consumer.Option{consumer.WithLogger(st.logger)}
	if st.cfg.DeadLetterTopic != "" {
		opts = append(opts, consumer.WithDeadLetterPublisher(st.publisher))
	}
	if st.svc.metrics != nil {
		opts = append(opts, consumer.WithObserver(st.svc.metrics))
	}

	c, err := consumer.New(st.cfg, src, st.process, opts...)
	if err != nil {
		return fmt.Errorf("stage %s: %w", st.cfg.Name, err)
	}
	st.consumer.Store(c)
	return c.Run(ctx)
}

// process runs the handler chain and forwards its outputs. Its error decides
// the fate of msg in the consumer.
func (st *Stage) process(msg *message.Message) error {
	msg.SetContext(withStageName(msg.Context(), st.cfg.Name))

	outputs, err := st.handler(msg)
	if err != nil {
		return err
	}
	return st.forward(msg.Context(), outputs)
}

func (st *Stage) forward(ctx context.Context, outputs []*message.Message) error {
	if len(outputs) == 0 {
		return nil
	}
	for _, out := range outputs {
		out.SetContext(ctx)
	}

	switch {
	case st.sink != nil:
		if err := st.sink.Store(ctx, outputs...); err != nil {
			return errspkg.NewDownstreamError("sink", err)
		}
	case st.publish != "":
		if err := st.publisher.Publish(st.publish, outputs...); err != nil {
			return errspkg.NewDownstreamError(st.publish, err)
		}
	default:
		return fmt.Errorf("stage %s emitted %d messages but has no publish topic or sink", st.cfg.Name, len(outputs))
	}

	st.logger.Trace("Forwarded outputs", loggingpkg.LogFields{"count": len(outputs), "topic": st.publish})
	return nil
}
