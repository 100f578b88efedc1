package aws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	metadatapkg "github.com/drblury/pipeguard/internal/runtime/metadata"
	"github.com/drblury/pipeguard/transport"
)

const (
	// DefaultVisibilityTimeout hides a received message from other
	// consumers until it is resolved.
	DefaultVisibilityTimeout = 30 * time.Second

	// DefaultWaitTime is the long-poll duration of one receive call.
	DefaultWaitTime = time.Second

	// maxVisibilityTimeout is the SQS upper bound for visibility changes.
	maxVisibilityTimeout = 12 * time.Hour

	// uuidAttribute carries the message UUID written by the SNS marshaler.
	uuidAttribute = "_watermill_message_uuid"
)

var errQueuesClosed = errors.New("aws: transport closed")

// SQSAPI is the subset of the SQS client used by queue sources.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
}

// QueueConfig configures queue sources.
type QueueConfig struct {
	QueuePrefix       string
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.WaitTime <= 0 {
		c.WaitTime = DefaultWaitTime
	}
	return c
}

func (c QueueConfig) queueName(topic string) string {
	return c.QueuePrefix + topic
}

// queueSources opens pull sources on the queue behind each topic.
type queueSources struct {
	client      SQSAPI
	provisioner message.Subscriber
	config      QueueConfig
	logger      watermill.LoggerAdapter

	closed   chan struct{}
	closeMu  sync.Once
	inflight sync.WaitGroup
}

func newQueueSources(client SQSAPI, provisioner message.Subscriber, cfg QueueConfig, logger watermill.LoggerAdapter) *queueSources {
	return &queueSources{
		client:      client,
		provisioner: provisioner,
		config:      cfg.withDefaults(),
		logger:      logger,
		closed:      make(chan struct{}),
	}
}

// OpenSource provisions the topic's queue when the provisioner supports it
// and resolves its URL. prefetch does not apply: every Pull receives a
// single message.
func (q *queueSources) OpenSource(ctx context.Context, topic string, _ int) (transport.Source, error) {
	select {
	case <-q.closed:
		return nil, errQueuesClosed
	default:
	}

	if p, ok := q.provisioner.(message.SubscribeInitializer); ok {
		if err := p.SubscribeInitialize(topic); err != nil {
			return nil, fmt.Errorf("provision queue for %s: %w", topic, err)
		}
	}

	name := q.config.queueName(topic)
	out, err := q.client.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("resolve queue %s: %w", name, err)
	}
	return &queueSource{
		q:        q,
		topic:    topic,
		queueURL: aws.ToString(out.QueueUrl),
		closed:   make(chan struct{}),
	}, nil
}

// Close stops every source and waits for pending resolutions.
func (q *queueSources) Close() {
	q.closeMu.Do(func() { close(q.closed) })
	q.inflight.Wait()
}

// queueSubscriber stops queue sources before closing the provisioner.
type queueSubscriber struct {
	message.Subscriber
	queues *queueSources
}

func (s queueSubscriber) Close() error {
	s.queues.Close()
	return s.Subscriber.Close()
}

type queueSource struct {
	q        *queueSources
	topic    string
	queueURL string

	once   sync.Once
	closed chan struct{}
}

func (s *queueSource) Pull(ctx context.Context) (*message.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, transport.ErrSourceClosed
		case <-s.q.closed:
			return nil, transport.ErrSourceClosed
		default:
		}

		out, err := s.q.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(s.queueURL),
			MaxNumberOfMessages:         1,
			WaitTimeSeconds:             int32(s.q.config.WaitTime / time.Second),
			VisibilityTimeout:           int32(s.q.config.VisibilityTimeout / time.Second),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive from %s: %w", s.topic, err)
		}
		if len(out.Messages) == 0 {
			continue
		}
		return s.deliver(out.Messages[0]), nil
	}
}

func (s *queueSource) deliver(m sqstypes.Message) *message.Message {
	uuid := aws.ToString(m.MessageId)
	if attr, ok := m.MessageAttributes[uuidAttribute]; ok && aws.ToString(attr.StringValue) != "" {
		uuid = aws.ToString(attr.StringValue)
	}
	msg := message.NewMessage(uuid, []byte(aws.ToString(m.Body)))
	for k, v := range m.MessageAttributes {
		if k == uuidAttribute || v.StringValue == nil {
			continue
		}
		msg.Metadata.Set(k, *v.StringValue)
	}
	attempt := receiveCount(m)
	metadatapkg.SetAttempt(msg, attempt)

	receipt := m.ReceiptHandle
	fields := watermill.LogFields{"topic": s.topic, "uuid": uuid, "attempt": attempt}
	s.q.inflight.Add(1)
	go func() {
		defer s.q.inflight.Done()
		select {
		case <-msg.Acked():
			s.remove(receipt, fields)
		case <-msg.Nacked():
			s.nack(msg, receipt, attempt, fields)
		case <-s.q.closed:
			// The message reappears once its visibility timeout expires.
		}
	}()
	return msg
}

func (s *queueSource) nack(msg *message.Message, receipt *string, attempt int, fields watermill.LogFields) {
	if limit := s.q.config.MaxDeliveries; limit > 0 && attempt > limit {
		s.q.logger.Info("Delivery limit exceeded, deleting message", fields)
		s.remove(receipt, fields)
		return
	}
	_, err := s.q.client.ChangeMessageVisibility(context.Background(), &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.queueURL),
		ReceiptHandle:     receipt,
		VisibilityTimeout: visibilitySeconds(metadatapkg.RedeliveryDelay(msg)),
	})
	if err != nil {
		s.q.logger.Error("SQS visibility change failed", err, fields)
	}
}

func (s *queueSource) remove(receipt *string, fields watermill.LogFields) {
	_, err := s.q.client.DeleteMessage(context.Background(), &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		s.q.logger.Error("SQS delete failed", err, fields)
	}
}

func (s *queueSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func receiveCount(m sqstypes.Message) int {
	n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// visibilitySeconds rounds d up to whole seconds within the SQS bounds.
func visibilitySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxVisibilityTimeout {
		d = maxVisibilityTimeout
	}
	return int32(math.Ceil(d.Seconds()))
}
