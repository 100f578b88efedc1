package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru/v2"

	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
)

// DefaultTrackedDeliveries bounds how many unsettled message UUIDs a
// SubscriberSource counts attempts for.
const DefaultTrackedDeliveries = 10000

// SubscriberSource adapts a push-based Watermill subscriber to Source.
//
// Watermill subscriptions deliver the next message only after the previous
// one was acked or nacked, so a single subscription would serialise the
// consumer. SubscriberSource opens prefetch subscriptions on the same topic
// and merges them. On brokers with competing consumers (Kafka consumer
// groups, AMQP queues, NATS queue groups) this yields up to prefetch
// messages in parallel.
//
// These brokers do not report delivery counts, so the source counts
// redeliveries per message UUID in process and stamps the attempt on every
// message it hands out. A nack is passed upstream only after the redelivery
// delay recorded on the message has elapsed.
type SubscriberSource struct {
	out    chan *message.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	attemptsMu sync.Mutex
	attempts   *lru.Cache[string, int]
}

// NewSubscriberSource subscribes prefetch times to topic.
func NewSubscriberSource(ctx context.Context, sub message.Subscriber, topic string, prefetch int) (*SubscriberSource, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	attempts, err := lru.New[string, int](DefaultTrackedDeliveries)
	if err != nil {
		return nil, fmt.Errorf("delivery tracker: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &SubscriberSource{
		out:      make(chan *message.Message),
		cancel:   cancel,
		attempts: attempts,
	}

	for i := 0; i < prefetch; i++ {
		messages, err := sub.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			s.wg.Wait()
			return nil, fmt.Errorf("subscribe %s (%d/%d): %w", topic, i+1, prefetch, err)
		}
		s.wg.Add(1)
		go s.forward(subCtx, messages)
	}

	go func() {
		s.wg.Wait()
		close(s.out)
	}()
	return s, nil
}

func (s *SubscriberSource) forward(ctx context.Context, messages <-chan *message.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			delivery := s.track(msg)
			select {
			case s.out <- delivery:
			case <-ctx.Done():
				// Never handed out; give it back to the broker.
				s.untrack(msg.UUID, false)
				msg.Nack()
				return
			}
			s.settle(ctx, msg, delivery)
		}
	}
}

// track returns the copy handed to the consumer, stamped with its attempt.
func (s *SubscriberSource) track(msg *message.Message) *message.Message {
	attempt := 1
	if msg.UUID != "" {
		s.attemptsMu.Lock()
		if n, ok := s.attempts.Get(msg.UUID); ok {
			attempt = n + 1
		}
		s.attempts.Add(msg.UUID, attempt)
		s.attemptsMu.Unlock()
	}

	delivery := msg.Copy()
	delivery.SetContext(msg.Context())
	metadatapkg.SetAttempt(delivery, attempt)
	return delivery
}

// untrack forgets msg once it is settled for good. A message handed back
// without being processed does not use up an attempt.
func (s *SubscriberSource) untrack(uuid string, settled bool) {
	if uuid == "" {
		return
	}
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	if settled {
		s.attempts.Remove(uuid)
		return
	}
	if n, ok := s.attempts.Get(uuid); ok {
		if n <= 1 {
			s.attempts.Remove(uuid)
		} else {
			s.attempts.Add(uuid, n-1)
		}
	}
}

// settle mirrors the consumer's verdict on delivery to the upstream msg.
// The subscription receives its next message only after this returns.
func (s *SubscriberSource) settle(ctx context.Context, msg, delivery *message.Message) {
	select {
	case <-delivery.Acked():
		s.untrack(msg.UUID, true)
		msg.Ack()
		return
	case <-delivery.Nacked():
	case <-ctx.Done():
		// Closing: the consumer still drains the handler, pass its verdict
		// through without delaying it.
		select {
		case <-delivery.Acked():
			s.untrack(msg.UUID, true)
			msg.Ack()
		case <-delivery.Nacked():
			msg.Nack()
		}
		return
	}

	if delay := metadatapkg.RedeliveryDelay(delivery); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
	msg.Nack()
}

// Attempts returns how many times the message with uuid was handed out
// without being acked.
func (s *SubscriberSource) Attempts(uuid string) int {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	n, _ := s.attempts.Get(uuid)
	return n
}

// Pull returns the next message from any subscription.
func (s *SubscriberSource) Pull(ctx context.Context) (*message.Message, error) {
	select {
	case msg, ok := <-s.out:
		if !ok {
			return nil, ErrSourceClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends all subscriptions. It does not close the subscriber itself.
func (s *SubscriberSource) Close() error {
	s.once.Do(s.cancel)
	return nil
}
