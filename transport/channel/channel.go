// Package channel provides an in-memory competing-consumer queue transport.
// It is meant for tests and local development: messages live only in the
// process that published them.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// ErrQueueClosed is returned when publishing to a closed queue.
var ErrQueueClosed = errors.New("channel: queue closed")

// Factory allows overriding the queue creation for testing.
var Factory = func(logger watermill.LoggerAdapter) *Queue {
	return NewQueue(logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-memory queue transport. Publisher, Subscriber and
// Sources all share one Queue.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return Factory(logger).Transport(), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type item struct {
	msg     *message.Message
	attempt int
}

type topicQueue struct {
	mu      sync.Mutex
	pending []item
	// signal wakes one waiting puller. Pullers re-signal while items remain.
	signal chan struct{}
}

func (t *topicQueue) push(it item) {
	t.mu.Lock()
	t.pending = append(t.pending, it)
	t.mu.Unlock()
	t.wake()
}

func (t *topicQueue) pop() (item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return item{}, false
	}
	it := t.pending[0]
	t.pending[0] = item{}
	t.pending = t.pending[1:]
	if len(t.pending) > 0 {
		t.wake()
	}
	return it, true
}

func (t *topicQueue) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Queue is an in-memory topic queue. Each message is delivered to exactly
// one puller; nacked messages are requeued after the delay recorded in
// their redelivery metadata.
type Queue struct {
	mu     sync.Mutex
	topics map[string]*topicQueue
	closed chan struct{}
	once   sync.Once
	logger watermill.LoggerAdapter
	wg     sync.WaitGroup
}

// NewQueue creates an empty queue.
func NewQueue(logger watermill.LoggerAdapter) *Queue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Queue{
		topics: make(map[string]*topicQueue),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (q *Queue) topic(name string) *topicQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[name]
	if !ok {
		t = &topicQueue{signal: make(chan struct{}, 1)}
		q.topics[name] = t
	}
	return t
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Publish enqueues copies of messages on topic.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	t := q.topic(topic)
	for _, msg := range messages {
		t.push(item{msg: msg.Copy(), attempt: 1})
	}
	return nil
}

// Pending returns the number of messages waiting on topic.
func (q *Queue) Pending(topic string) int {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pull blocks until a message is available on topic, ctx ends or the queue
// closes.
func (q *Queue) Pull(ctx context.Context, topic string) (*message.Message, error) {
	t := q.topic(topic)
	for {
		if it, ok := t.pop(); ok {
			return q.deliver(topic, it), nil
		}
		select {
		case <-t.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, transport.ErrSourceClosed
		}
	}
}

// deliver hands out a fresh copy with its own ack channels and watches the
// outcome in the background.
func (q *Queue) deliver(topic string, it item) *message.Message {
	out := it.msg.Copy()
	out.SetContext(context.Background())
	metadatapkg.SetAttempt(out, it.attempt)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-out.Acked():
		case <-out.Nacked():
			q.requeue(topic, item{msg: it.msg, attempt: it.attempt + 1}, out)
		case <-q.closed:
		}
	}()
	return out
}

func (q *Queue) requeue(topic string, it item, nacked *message.Message) {
	delay := metadatapkg.RedeliveryDelay(nacked)
	q.logger.Trace("Requeueing nacked message", watermill.LogFields{
		"topic":   topic,
		"uuid":    it.msg.UUID,
		"attempt": it.attempt,
		"delay":   delay,
	})
	if delay <= 0 {
		q.topic(topic).push(it)
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		q.topic(topic).push(it)
	case <-q.closed:
	}
}

// Subscribe adapts the queue to message.Subscriber. Like other Watermill
// subscribers, the next message is delivered only after the previous one
// was acked or nacked.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(out)
		for {
			msg, err := q.Pull(ctx, topic)
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			case <-q.closed:
				return
			}
			select {
			case <-msg.Acked():
			case <-msg.Nacked():
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			}
		}
	}()
	return out, nil
}

// Transport exposes q as a transport.
func (q *Queue) Transport() transport.Transport {
	return transport.Transport{
		Publisher:  q,
		Subscriber: q,
		Sources: func(ctx context.Context, topic string, prefetch int) (transport.Source, error) {
			return q.Source(topic), nil
		},
	}
}

// Source returns a pull source bound to topic.
func (q *Queue) Source(topic string) transport.Source {
	return &source{queue: q, topic: topic, done: make(chan struct{})}
}

// Close stops all deliveries. Unresolved messages are dropped.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.closed) })
	q.wg.Wait()
	return nil
}

type source struct {
	queue *Queue
	topic string
	done  chan struct{}
	once  sync.Once
}

func (s *source) Pull(ctx context.Context) (*message.Message, error) {
	select {
	case <-s.done:
		return nil, transport.ErrSourceClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	msg, err := s.queue.Pull(ctx, s.topic)
	if err != nil {
		select {
		case <-s.done:
			return nil, transport.ErrSourceClosed
		default:
		}
		return nil, err
	}
	return msg, nil
}

func (s *source) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
