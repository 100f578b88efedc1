// Package jetstream provides a NATS JetStream transport with a native pull
// source. Delivery counts come from the broker and nacks carry the
// consumer's redelivery delay.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "PIPEGUARD"

	// DefaultAckWait is how long the broker waits for an ack before
	// redelivering.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a single pull request.
	DefaultFetchWait = time.Second

	// HeaderMessageUUID carries the Watermill message UUID.
	HeaderMessageUUID = "Pipeguard-Message-Uuid"
)

var errTransportClosed = errors.New("jetstream: transport closed")

// JetStreamAPI is the subset of nats.JetStreamContext the transport uses.
type JetStreamAPI interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Fetcher pulls deliveries from one durable consumer.
type Fetcher interface {
	Fetch(ctx context.Context, batch int) ([]Delivery, error)
	Close() error
}

// Acker resolves a delivery on the broker. *nats.Msg implements it.
type Acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// Delivery is one message fetched from JetStream.
type Delivery struct {
	Subject string
	Data    []byte
	Header  nats.Header
	// Attempt is the broker's delivery count.
	Attempt int
	Acker   Acker
}

// ConnectFunc opens the JetStream context. The returned func closes the
// underlying connection.
type ConnectFunc func(url string, logger watermill.LoggerAdapter) (JetStreamAPI, func(), error)

// Connect allows overriding the connection for testing.
var Connect ConnectFunc = func(url string, logger watermill.LoggerAdapter) (JetStreamAPI, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("pipeguard"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": c.ConnectedUrlRedacted()})
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return js, nc.Close, nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a JetStream transport from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:           cfg.GetNATSURL(),
		StreamName:    cfg.GetJetStreamStream(),
		MaxDeliveries: cfg.GetMaxDeliveries(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return t.Transport(), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream specific settings.
type Config struct {
	URL string

	// StreamName is the stream all topics are stored in. Topics map to
	// subjects "<StreamName>.<topic>".
	StreamName string

	// MaxDeliveries is the consumer's dead-letter threshold. The broker is
	// allowed one more delivery so the consumer always sees the last
	// attempt and can dead-letter it.
	MaxDeliveries int

	AckWait   time.Duration
	FetchWait time.Duration
	Replicas  int

	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) brokerMaxDeliver() int {
	if c.MaxDeliveries <= 0 {
		return -1
	}
	return c.MaxDeliveries + 1
}

// Transport publishes to and pulls from one JetStream stream.
type Transport struct {
	js        JetStreamAPI
	closeConn func()
	config    Config
	logger    watermill.LoggerAdapter

	// pull opens the fetcher for a durable consumer.
	pull func(subject, durable string) (Fetcher, error)

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	wg       sync.WaitGroup
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	js, closeConn, err := Connect(cfg.URL, logger)
	if err != nil {
		return nil, err
	}
	t, err := newTransport(js, closeConn, cfg, logger)
	if err != nil {
		closeConn()
		return nil, err
	}
	return t, nil
}

func newTransport(js JetStreamAPI, closeConn func(), cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if closeConn == nil {
		closeConn = func() {}
	}
	t := &Transport{
		js:        js,
		closeConn: closeConn,
		config:    cfg.withDefaults(),
		logger:    logger,
		closedCh:  make(chan struct{}),
	}
	t.pull = t.pullSubscribe
	if err := t.ensureStream(); err != nil {
		return nil, err
	}
	return t, nil
}

// Transport exposes t as a publisher and a native source factory.
func (t *Transport) Transport() transport.Transport {
	return transport.Transport{
		Publisher: t,
		Sources:   t.OpenSource,
	}
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   7 * 24 * time.Hour,
		Replicas: t.config.Replicas,
	}
	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	_, err := t.js.AddStream(streamCfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = t.js.UpdateStream(streamCfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

// Publish stores messages on the topic subject. The message UUID doubles as
// the JetStream dedupe id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errTransportClosed
	}
	subject := t.subject(topic)
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(HeaderMessageUUID, msg.UUID)
		header.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// OpenSource creates or updates the durable consumer for topic and returns
// a pull source. MaxAckPending is set to prefetch so the broker never hands
// out more than the consumer can run.
func (t *Transport) OpenSource(ctx context.Context, topic string, prefetch int) (transport.Source, error) {
	if t.isClosed() {
		return nil, errTransportClosed
	}
	if prefetch < 1 {
		prefetch = 1
	}
	subject := t.subject(topic)
	durable := durableName(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.brokerMaxDeliver(),
		MaxAckPending: prefetch,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
		}
	}

	fetcher, err := t.pull(subject, durable)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", subject, err)
	}
	return newSource(t, topic, fetcher), nil
}

func (t *Transport) pullSubscribe(subject, durable string) (Fetcher, error) {
	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable), nats.ManualAck())
	if err != nil {
		return nil, err
	}
	return &pullFetcher{sub: sub, wait: t.config.FetchWait}, nil
}

// Close stops every source and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedCh)
	t.mu.Unlock()

	t.wg.Wait()
	t.closeConn()
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// durableName maps a topic to a valid durable consumer name.
func durableName(topic string) string {
	return "pipeguard_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(topic)
}

type pullFetcher struct {
	sub  *nats.Subscription
	wait time.Duration
}

func (f *pullFetcher) Fetch(ctx context.Context, batch int) ([]Delivery, error) {
	msgs, err := f.sub.Fetch(batch, nats.MaxWait(f.wait))
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		attempt := 1
		if meta, err := m.Metadata(); err == nil && meta.NumDelivered > 0 {
			attempt = int(meta.NumDelivered)
		}
		out = append(out, Delivery{Subject: m.Subject, Data: m.Data, Header: m.Header, Attempt: attempt, Acker: m})
	}
	return out, nil
}

func (f *pullFetcher) Close() error {
	return f.sub.Unsubscribe()
}

// source hands out one delivery per Pull. Fetching a single message per
// request keeps the unresolved count equal to the consumer's in-flight
// count.
type source struct {
	t       *Transport
	topic   string
	fetcher Fetcher

	once   sync.Once
	closed chan struct{}
}

func newSource(t *Transport, topic string, fetcher Fetcher) *source {
	return &source{
		t:       t,
		topic:   topic,
		fetcher: fetcher,
		closed:  make(chan struct{}),
	}
}

func (s *source) Pull(ctx context.Context) (*message.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, transport.ErrSourceClosed
		case <-s.t.closedCh:
			return nil, transport.ErrSourceClosed
		default:
		}

		deliveries, err := s.fetcher.Fetch(ctx, 1)
		switch {
		case errors.Is(err, nats.ErrTimeout), err == nil && len(deliveries) == 0:
			continue
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return nil, transport.ErrSourceClosed
		case err != nil:
			return nil, fmt.Errorf("fetch %s: %w", s.topic, err)
		}
		return s.deliver(deliveries[0]), nil
	}
}

// deliver converts d and resolves it on the broker once the consumer acks
// or nacks the returned message.
func (s *source) deliver(d Delivery) *message.Message {
	uuid := d.Header.Get(HeaderMessageUUID)
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, d.Data)
	for k, v := range d.Header {
		if k == HeaderMessageUUID || k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	metadatapkg.SetAttempt(msg, d.Attempt)

	fields := watermill.LogFields{"topic": s.topic, "uuid": uuid, "attempt": d.Attempt}
	s.t.wg.Add(1)
	go func() {
		defer s.t.wg.Done()
		select {
		case <-msg.Acked():
			if err := d.Acker.Ack(); err != nil {
				s.t.logger.Error("JetStream ack failed", err, fields)
			}
		case <-msg.Nacked():
			s.nack(msg, d, fields)
		case <-s.t.closedCh:
			// Unresolved deliveries are redelivered after AckWait.
		}
	}()
	return msg
}

func (s *source) nack(msg *message.Message, d Delivery, fields watermill.LogFields) {
	if limit := s.t.config.brokerMaxDeliver(); limit > 0 && d.Attempt >= limit {
		s.t.logger.Info("Delivery limit reached, terminating message", fields)
		if err := d.Acker.Term(); err != nil {
			s.t.logger.Error("JetStream term failed", err, fields)
		}
		return
	}
	if err := d.Acker.NakWithDelay(metadatapkg.RedeliveryDelay(msg)); err != nil {
		s.t.logger.Error("JetStream nak failed", err, fields)
	}
}

func (s *source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.fetcher.Close()
	})
	return err
}
