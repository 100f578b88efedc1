// Package consumer pulls messages from a transport.Source and runs them
// through a handler with a hard ceiling on concurrent executions.
//
// The control loop reserves a handler slot before every pull. When all
// slots are taken it stops pulling, so unprocessed messages stay with the
// broker where other instances can take them. It never waits for a
// particular handler, only for any slot to free up.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/transport"
)

const (
	DefaultMaxDeliveries             = 5
	DefaultRedeliveryInitialInterval = time.Second
	DefaultRedeliveryMaxInterval     = 30 * time.Second
)

// ErrAlreadyRunning is returned when Run is called on a running consumer.
var ErrAlreadyRunning = errors.New("pipeguard: consumer already running")

// Config controls a Consumer.
type Config struct {
	// Name identifies the consumer in logs, metrics and dead-letter headers.
	Name string
	// Topic is the topic the source reads from.
	Topic string
	// MaxConcurrentHandlers is the hard ceiling on in-flight handlers. It is
	// required; there is no unlimited mode.
	MaxConcurrentHandlers int
	// HandlerTimeout bounds each handler via the message context. Zero
	// leaves handlers unbounded.
	HandlerTimeout time.Duration
	// MaxDeliveries is the attempt at which a failing message is
	// dead-lettered instead of nacked. Failures wrapping
	// errors.ErrResourceNotReady are always nacked.
	MaxDeliveries int
	// DeadLetterTopic receives dead-lettered messages. When empty, messages
	// that would be dead-lettered are nacked so a broker-side redrive
	// policy can take over.
	DeadLetterTopic string

	RedeliveryInitialInterval time.Duration
	RedeliveryMaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.RedeliveryInitialInterval <= 0 {
		c.RedeliveryInitialInterval = DefaultRedeliveryInitialInterval
	}
	if c.RedeliveryMaxInterval <= 0 {
		c.RedeliveryMaxInterval = DefaultRedeliveryMaxInterval
	}
	if c.RedeliveryMaxInterval < c.RedeliveryInitialInterval {
		c.RedeliveryMaxInterval = c.RedeliveryInitialInterval
	}
	return c
}

// Observer receives consumer events, typically to feed metrics.
type Observer interface {
	InFlightChanged(consumer string, inFlight int64)
	Handled(consumer string, disposition errspkg.Disposition, elapsed time.Duration)
	DeadLettered(consumer, reason string)
}

// Stats is a snapshot of consumer counters.
type Stats struct {
	InFlight     int64  `json:"in_flight"`
	MaxObserved  int64  `json:"max_observed"`
	Pulled       uint64 `json:"pulled"`
	Acked        uint64 `json:"acked"`
	Nacked       uint64 `json:"nacked"`
	DeadLettered uint64 `json:"dead_lettered"`
	Panics       uint64 `json:"panics"`
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDeadLetterPublisher sets the publisher used for DeadLetterTopic.
func WithDeadLetterPublisher(pub message.Publisher) Option {
	return func(c *Consumer) { c.deadLetters = pub }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(c *Consumer) { c.observer = o }
}

// WithPullBackoff overrides the backoff applied after failed pulls.
func WithPullBackoff(b backoff.BackOff) Option {
	return func(c *Consumer) {
		if b != nil {
			c.pullBackoff = b
		}
	}
}

// Consumer is a bounded-concurrency message consumer.
type Consumer struct {
	cfg         Config
	src         transport.Source
	handler     message.HandlerFunc
	logger      loggingpkg.ServiceLogger
	deadLetters message.Publisher
	observer    Observer
	pullBackoff backoff.BackOff

	inFlight    atomic.Int64
	maxObserved atomic.Int64
	// released carries at most one pending wake-up for the control loop.
	released chan struct{}
	handlers sync.WaitGroup
	running  atomic.Bool

	pulled, acked, nacked, deadLettered, panics atomic.Uint64
}

// New builds a Consumer. handler runs once per pulled message; its error
// decides between ack, nack and dead-letter (see errors.Classify).
func New(cfg Config, src transport.Source, handler message.NoPublishHandlerFunc, opts ...Option) (*Consumer, error) {
	if cfg.MaxConcurrentHandlers <= 0 {
		return nil, errspkg.ErrMaxConcurrentHandlersRequired
	}
	if src == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	cfg = cfg.withDefaults()

	c := &Consumer{
		cfg:      cfg,
		src:      src,
		logger:   loggingpkg.NewNopLogger(),
		released: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.DeadLetterTopic != "" && c.deadLetters == nil {
		return nil, fmt.Errorf("dead-letter topic %q: %w", cfg.DeadLetterTopic, errspkg.ErrPublisherRequired)
	}
	if c.pullBackoff == nil {
		c.pullBackoff = &backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          2,
			MaxInterval:         5 * time.Second,
		}
	}
	c.logger = c.logger.With(loggingpkg.LogFields{"consumer": cfg.Name, "topic": cfg.Topic})

	h := func(msg *message.Message) ([]*message.Message, error) {
		return nil, handler(msg)
	}
	if cfg.HandlerTimeout > 0 {
		h = middleware.Timeout(cfg.HandlerTimeout)(h)
	}
	c.handler = middleware.Recoverer(h)
	return c, nil
}

// Run pulls and dispatches messages until ctx is cancelled or the source
// closes, then waits for in-flight handlers to finish. A source error
// wrapped with backoff.Permanent stops the loop and is returned.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)
	defer c.handlers.Wait()

	c.logger.Info("Consumer started", loggingpkg.LogFields{"max_concurrent_handlers": c.cfg.MaxConcurrentHandlers})
	c.pullBackoff.Reset()

	for {
		if err := c.acquire(ctx); err != nil {
			c.logger.Info("Consumer stopping, draining in-flight handlers", loggingpkg.LogFields{"in_flight": c.inFlight.Load()})
			return nil
		}

		msg, err := c.src.Pull(ctx)
		if err != nil {
			c.release()
			if stop, runErr := c.pullFailed(ctx, err); stop {
				return runErr
			}
			continue
		}
		c.pullBackoff.Reset()
		c.pulled.Add(1)

		c.handlers.Add(1)
		go c.handle(msg)
	}
}

// pullFailed decides whether a pull error ends Run. Transient errors are
// retried after a backoff sleep.
func (c *Consumer) pullFailed(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, transport.ErrSourceClosed) {
		c.logger.Info("Source closed, consumer stopping", nil)
		return true, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		c.logger.Error("Source failed permanently", err, nil)
		return true, fmt.Errorf("consumer %s: %w", c.cfg.Name, permanent.Err)
	}

	wait := c.pullBackoff.NextBackOff()
	c.logger.Error("Pull failed, retrying", err, loggingpkg.LogFields{"backoff": wait})
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return true, nil
	}
}

// acquire reserves one handler slot, waiting for a release while the
// consumer is at capacity.
func (c *Consumer) acquire(ctx context.Context) error {
	limit := int64(c.cfg.MaxConcurrentHandlers)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := c.inFlight.Load()
		if cur < limit {
			if c.inFlight.CompareAndSwap(cur, cur+1) {
				c.recordInFlight(cur + 1)
				return nil
			}
			continue
		}
		select {
		case <-c.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) release() {
	n := c.inFlight.Add(-1)
	if c.observer != nil {
		c.observer.InFlightChanged(c.cfg.Name, n)
	}
	select {
	case c.released <- struct{}{}:
	default:
	}
}

func (c *Consumer) recordInFlight(n int64) {
	for {
		prev := c.maxObserved.Load()
		if n <= prev || c.maxObserved.CompareAndSwap(prev, n) {
			break
		}
	}
	if c.observer != nil {
		c.observer.InFlightChanged(c.cfg.Name, n)
	}
}

func (c *Consumer) handle(msg *message.Message) {
	defer c.handlers.Done()
	defer c.release()

	start := time.Now()
	_, err := c.handler(msg)
	disposition := c.resolve(msg, err)

	if c.observer != nil {
		c.observer.Handled(c.cfg.Name, disposition, time.Since(start))
	}
}

// resolve acks, nacks or dead-letters msg exactly once and reports which.
func (c *Consumer) resolve(msg *message.Message, err error) errspkg.Disposition {
	attempt := metadatapkg.Attempt(msg)
	fields := loggingpkg.LogFields{"message_uuid": msg.UUID, "attempt": attempt}

	var recovered middleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		c.panics.Add(1)
		c.logger.Error("Handler panicked", err, fields)
	}

	disposition := errspkg.Classify(err)
	reason := deadLetterReason(err)
	// Work refused during warm-up never exhausts the delivery budget.
	if disposition == errspkg.DispositionNack && attempt >= c.cfg.MaxDeliveries && !errors.Is(err, errspkg.ErrResourceNotReady) {
		disposition = errspkg.DispositionDeadLetter
		reason = "max_deliveries_exceeded"
	}

	switch disposition {
	case errspkg.DispositionAck:
		if err != nil {
			c.logger.Debug("Message skipped", fields)
		}
		msg.Ack()
		c.acked.Add(1)
	case errspkg.DispositionDeadLetter:
		if c.deadLetter(msg, reason, err) {
			msg.Ack()
			c.deadLettered.Add(1)
			return errspkg.DispositionDeadLetter
		}
		c.nack(msg, attempt, err, fields)
		return errspkg.DispositionNack
	default:
		c.nack(msg, attempt, err, fields)
	}
	return disposition
}

func (c *Consumer) nack(msg *message.Message, attempt int, err error, fields loggingpkg.LogFields) {
	delay := c.redeliveryDelay(attempt)
	metadatapkg.SetRedeliveryDelay(msg, delay)
	fields["redelivery_delay"] = delay
	c.logger.Error("Handler failed, message will be redelivered", err, fields)
	msg.Nack()
	c.nacked.Add(1)
}

// deadLetter publishes a copy of msg to the dead-letter topic. It reports
// false when the message could not be handed off and must be nacked.
func (c *Consumer) deadLetter(msg *message.Message, reason string, cause error) bool {
	if c.cfg.DeadLetterTopic == "" {
		c.logger.Error("No dead-letter topic configured, leaving message to the broker", cause, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"reason":       reason,
		})
		return false
	}

	dead := msg.Copy()
	dead.Metadata.Set(metadatapkg.KeyDeadLetterReason, reason)
	dead.Metadata.Set(metadatapkg.KeyOriginalTopic, c.cfg.Topic)
	dead.Metadata.Set(metadatapkg.KeyStage, c.cfg.Name)
	dead.Metadata.Set(metadatapkg.KeyDeadLetteredAt, time.Now().UTC().Format(time.RFC3339Nano))
	if cause != nil {
		dead.Metadata.Set(metadatapkg.KeyDeadLetterError, cause.Error())
	}

	if err := c.deadLetters.Publish(c.cfg.DeadLetterTopic, dead); err != nil {
		c.logger.Error("Dead-letter publish failed", err, loggingpkg.LogFields{"message_uuid": msg.UUID, "reason": reason})
		return false
	}

	c.logger.Info("Message dead-lettered", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"reason":       reason,
		"dlq_topic":    c.cfg.DeadLetterTopic,
	})
	if c.observer != nil {
		c.observer.DeadLettered(c.cfg.Name, reason)
	}
	return true
}

// redeliveryDelay is the exponential backoff interval for the given attempt.
func (c *Consumer) redeliveryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.RedeliveryInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.cfg.RedeliveryMaxInterval,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func deadLetterReason(err error) string {
	var dle *errspkg.DeadLetterError
	switch {
	case errors.As(err, &dle) && dle.Reason != "":
		return dle.Reason
	case errors.Is(err, errspkg.ErrUnprocessable):
		return "unprocessable"
	default:
		return "dead_letter_requested"
	}
}

// InFlight returns the number of handlers currently running.
func (c *Consumer) InFlight() int64 {
	return c.inFlight.Load()
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		InFlight:     c.inFlight.Load(),
		MaxObserved:  c.maxObserved.Load(),
		Pulled:       c.pulled.Load(),
		Acked:        c.acked.Load(),
		Nacked:       c.nacked.Load(),
		DeadLettered: c.deadLettered.Load(),
		Panics:       c.panics.Load(),
	}
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	return c.cfg.Name
}

// Running reports whether Run is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}
