package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/pipeguard/internal/runtime/config"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
	"github.com/drblury/pipeguard/transport/channel"
)

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName:               "pipeguard-test",
		PubSubSystem:              "channel",
		MaxConcurrentHandlers:     4,
		HealthPort:                -1,
		RedeliveryInitialInterval: 5 * time.Millisecond,
		RedeliveryMaxInterval:     20 * time.Millisecond,
		MetricsEnabled:            true,
	}
}

// newTestService builds a service on an in-memory queue with its own
// Prometheus registry.
func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) (*Service, *channel.Queue) {
	t.Helper()
	q := channel.NewQueue(nil)
	if deps.Transport == nil {
		tr := q.Transport()
		deps.Transport = &tr
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(conf, loggingpkg.NewNopLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return svc, q
}

// startService runs svc in the background. The returned func cancels it and
// returns the Start error.
func startService(t *testing.T, svc *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	var (
		once sync.Once
		err  error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Errorf("service did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func publishRaw(t *testing.T, q *channel.Queue, topic, payload string) {
	t.Helper()
	if err := q.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte(payload))); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// pullOne takes the next message from topic and acks it.
func pullOne(t *testing.T, q *channel.Queue, topic string) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := q.Pull(ctx, topic)
	if err != nil {
		t.Fatalf("pull %s: %v", topic, err)
	}
	msg.Ack()
	return msg
}

func echoHandler(msg *message.Message) ([]*message.Message, error) {
	return []*message.Message{message.NewMessage(watermill.NewUUID(), msg.Payload)}, nil
}

type captureLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (c *captureLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return c }
func (c *captureLogger) Debug(string, loggingpkg.LogFields)                 {}
func (c *captureLogger) Trace(string, loggingpkg.LogFields)                 {}

func (c *captureLogger) Info(msg string, _ loggingpkg.LogFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, msg)
}

func (c *captureLogger) Error(msg string, _ error, _ loggingpkg.LogFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, msg)
}
