package jetstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/transport"
	"github.com/drblury/pipeguard/transport/transporttest"
)

type fakeJetStream struct {
	mu        sync.Mutex
	published []*nats.Msg
	streams   []*nats.StreamConfig
	consumers []*nats.ConsumerConfig
	streamErr error
	updated   bool
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return &nats.PubAck{Stream: DefaultStreamName}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.streams = append(f.streams, cfg)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &nats.StreamInfo{}, nil
}

func (f *fakeJetStream) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.updated = true
	return &nats.StreamInfo{}, nil
}

func (f *fakeJetStream) AddConsumer(_ string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.consumers = append(f.consumers, cfg)
	return &nats.ConsumerInfo{}, nil
}

func (f *fakeJetStream) UpdateConsumer(_ string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return &nats.ConsumerInfo{}, nil
}

func (f *fakeJetStream) PullSubscribe(string, string, ...nats.SubOpt) (*nats.Subscription, error) {
	return nil, errors.New("not used in tests")
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  int
	naks   []time.Duration
	termed int
}

func (a *fakeAcker) Ack(...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcker) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.naks = append(a.naks, d)
	return nil
}

func (a *fakeAcker) Term(...nats.AckOpt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.termed++
	return nil
}

func (a *fakeAcker) snapshot() (int, []time.Duration, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, append([]time.Duration(nil), a.naks...), a.termed
}

type fakeFetcher struct {
	deliveries chan Delivery
	closed     bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, batch int) ([]Delivery, error) {
	select {
	case d := <-f.deliveries:
		return []Delivery{d}, nil
	case <-time.After(5 * time.Millisecond):
		return nil, nats.ErrTimeout
	}
}

func (f *fakeFetcher) Close() error {
	f.closed = true
	return nil
}

func newTestTransport(t *testing.T, cfg Config) (*Transport, *fakeJetStream, *fakeFetcher) {
	t.Helper()
	js := &fakeJetStream{}
	tr, err := newTransport(js, nil, cfg, watermill.NopLogger{})
	require.NoError(t, err)
	fetcher := &fakeFetcher{deliveries: make(chan Delivery, 8)}
	tr.pull = func(subject, durable string) (Fetcher, error) { return fetcher, nil }
	t.Cleanup(func() { _ = tr.Close() })
	return tr, js, fetcher
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSJetStreamCapabilities, caps)
	assert.True(t, caps.NativePull)
	assert.True(t, caps.TracksDeliveries)
	assert.True(t, caps.SupportsDelayedNack)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, DefaultFetchWait, cfg.FetchWait)
	assert.Equal(t, 1, cfg.Replicas)

	assert.Equal(t, -1, Config{}.brokerMaxDeliver())
	assert.Equal(t, 6, Config{MaxDeliveries: 5}.brokerMaxDeliver())
}

func TestEnsureStream(t *testing.T) {
	t.Run("creates stream covering all topics", func(t *testing.T) {
		_, js, _ := newTestTransport(t, Config{StreamName: "PAYMENTS", RetentionPolicy: "workqueue"})
		require.Len(t, js.streams, 1)
		assert.Equal(t, []string{"PAYMENTS.>"}, js.streams[0].Subjects)
		assert.Equal(t, nats.WorkQueuePolicy, js.streams[0].Retention)
		assert.False(t, js.updated)
	})

	t.Run("updates an existing stream", func(t *testing.T) {
		js := &fakeJetStream{streamErr: nats.ErrStreamNameAlreadyInUse}
		_, err := newTransport(js, nil, Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.True(t, js.updated)
	})

	t.Run("fails on other errors", func(t *testing.T) {
		js := &fakeJetStream{streamErr: errors.New("no responders")}
		_, err := newTransport(js, nil, Config{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ensure stream PIPEGUARD")
	})
}

func TestBuildUsesConnect(t *testing.T) {
	original := Connect
	t.Cleanup(func() { Connect = original })

	js := &fakeJetStream{}
	var closed bool
	Connect = func(url string, logger watermill.LoggerAdapter) (JetStreamAPI, func(), error) {
		assert.Equal(t, "nats://localhost:4222", url)
		return js, func() { closed = true }, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{
		NATSURL:         "nats://localhost:4222",
		JetStreamStream: "ORDERS",
		MaxDeliveries:   4,
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Sources)
	assert.Nil(t, tr.Subscriber)
	assert.Equal(t, "ORDERS", js.streams[0].Name)

	require.NoError(t, tr.Close())
	assert.True(t, closed)
}

func TestBuildPropagatesConnectError(t *testing.T) {
	original := Connect
	t.Cleanup(func() { Connect = original })
	Connect = func(string, watermill.LoggerAdapter) (JetStreamAPI, func(), error) {
		return nil, nil, errors.New("connection refused")
	}

	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://nowhere"}, watermill.NopLogger{})
	require.Error(t, err)
}

func TestPublishSetsHeaders(t *testing.T) {
	tr, js, _ := newTestTransport(t, Config{})

	msg := message.NewMessage("uuid-1", []byte(`{"amount":5}`))
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	require.NoError(t, tr.Publish("payments.initiated", msg))

	require.Len(t, js.published, 1)
	out := js.published[0]
	assert.Equal(t, "PIPEGUARD.payments.initiated", out.Subject)
	assert.Equal(t, "uuid-1", out.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "uuid-1", out.Header.Get(HeaderMessageUUID))
	assert.Equal(t, "corr-1", out.Header.Get(metadatapkg.KeyCorrelationID))
}

func TestOpenSourceConfiguresConsumer(t *testing.T) {
	tr, js, _ := newTestTransport(t, Config{MaxDeliveries: 5})

	src, err := tr.OpenSource(context.Background(), "payments.initiated", 8)
	require.NoError(t, err)
	defer src.Close()

	require.Len(t, js.consumers, 1)
	c := js.consumers[0]
	assert.Equal(t, "pipeguard_payments_initiated", c.Durable)
	assert.Equal(t, "PIPEGUARD.payments.initiated", c.FilterSubject)
	assert.Equal(t, 8, c.MaxAckPending)
	assert.Equal(t, 6, c.MaxDeliver)
	assert.Equal(t, nats.AckExplicitPolicy, c.AckPolicy)
}

func TestSourceDeliversAndAcks(t *testing.T) {
	tr, _, fetcher := newTestTransport(t, Config{})
	src, err := tr.OpenSource(context.Background(), "in", 1)
	require.NoError(t, err)

	acker := &fakeAcker{}
	fetcher.deliveries <- Delivery{
		Data:    []byte("hello"),
		Header:  nats.Header{HeaderMessageUUID: []string{"uuid-7"}, "tenant": []string{"tenantA"}},
		Attempt: 3,
		Acker:   acker,
	}

	msg, err := src.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "uuid-7", msg.UUID)
	assert.Equal(t, "hello", string(msg.Payload))
	assert.Equal(t, "tenantA", msg.Metadata.Get("tenant"))
	assert.Equal(t, 3, metadatapkg.Attempt(msg))
	assert.Empty(t, msg.Metadata.Get(HeaderMessageUUID))

	msg.Ack()
	assert.Eventually(t, func() bool {
		acked, _, _ := acker.snapshot()
		return acked == 1
	}, time.Second, 2*time.Millisecond)
}

func TestSourceNackCarriesRedeliveryDelay(t *testing.T) {
	tr, _, fetcher := newTestTransport(t, Config{MaxDeliveries: 5})
	src, err := tr.OpenSource(context.Background(), "in", 1)
	require.NoError(t, err)

	acker := &fakeAcker{}
	fetcher.deliveries <- Delivery{Data: []byte("x"), Header: nats.Header{}, Attempt: 2, Acker: acker}

	msg, err := src.Pull(context.Background())
	require.NoError(t, err)
	metadatapkg.SetRedeliveryDelay(msg, 400*time.Millisecond)
	msg.Nack()

	assert.Eventually(t, func() bool {
		_, naks, _ := acker.snapshot()
		return len(naks) == 1 && naks[0] == 400*time.Millisecond
	}, time.Second, 2*time.Millisecond)
}

func TestSourceTerminatesAtBrokerLimit(t *testing.T) {
	tr, _, fetcher := newTestTransport(t, Config{MaxDeliveries: 2})
	src, err := tr.OpenSource(context.Background(), "in", 1)
	require.NoError(t, err)

	acker := &fakeAcker{}
	fetcher.deliveries <- Delivery{Data: []byte("x"), Header: nats.Header{}, Attempt: 3, Acker: acker}

	msg, err := src.Pull(context.Background())
	require.NoError(t, err)
	msg.Nack()

	assert.Eventually(t, func() bool {
		_, naks, termed := acker.snapshot()
		return termed == 1 && len(naks) == 0
	}, time.Second, 2*time.Millisecond)
}

func TestSourcePullHonoursContextAndClose(t *testing.T) {
	tr, _, fetcher := newTestTransport(t, Config{})
	src, err := tr.OpenSource(context.Background(), "in", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Pull(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, src.Close())
	assert.True(t, fetcher.closed)
	_, err = src.Pull(context.Background())
	assert.ErrorIs(t, err, transport.ErrSourceClosed)
}

func TestClosedTransportRejectsWork(t *testing.T) {
	tr, _, _ := newTestTransport(t, Config{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Error(t, tr.Publish("in", message.NewMessage("u", nil)))
	_, err := tr.OpenSource(context.Background(), "in", 1)
	assert.Error(t, err)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "pipeguard_a_b_c", durableName("a.b.c"))
	assert.Equal(t, "pipeguard_events__", durableName("events.>"))
}
