package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"shepherd/pkg/platform/circuit"
)

const defaultRetryInterval = 5 * time.Second

// KafkaPublisher produces events asynchronously, keyed by PartitionKey so
// events for one person stay ordered. When the broker keeps failing the
// breaker opens and events are dropped (and counted) except for a periodic
// retry, so publishing never stalls a caller.
type KafkaPublisher struct {
	client        *kgo.Client
	topic         string
	breaker       *circuit.Breaker
	logger        *slog.Logger
	retryInterval time.Duration

	lastRetry atomic.Int64
	dropped   atomic.Int64
}

// KafkaOption configures the publisher.
type KafkaOption func(*KafkaPublisher)

func WithKafkaLogger(logger *slog.Logger) KafkaOption {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

func WithKafkaBreaker(b *circuit.Breaker) KafkaOption {
	return func(p *KafkaPublisher) {
		p.breaker = b
	}
}

// NewKafkaPublisher connects a producer to the given seed brokers.
func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	p := &KafkaPublisher{
		client:        client,
		topic:         topic,
		breaker:       circuit.New("kafka-events", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		logger:        slog.New(slog.DiscardHandler),
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Client exposes the underlying client for topic administration.
func (p *KafkaPublisher) Client() *kgo.Client { return p.client }

// Dropped is the number of events skipped while the breaker was open.
func (p *KafkaPublisher) Dropped() int64 { return p.dropped.Load() }

// Publish enqueues the event and returns without waiting for the broker.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if p.breaker.IsOpen() && !p.retryDue() {
		p.dropped.Add(1)
		p.logger.WarnContext(ctx, "event dropped: kafka circuit open",
			"event_type", event.EventType(),
			"key", event.PartitionKey(),
		)
		return nil
	}

	payload, err := Encode(event)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.PartitionKey()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(event.EventType())},
		},
	}
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			if _, change := p.breaker.RecordFailure(); change.Opened {
				p.logger.Error("kafka circuit opened", "topic", r.Topic, "error", err)
			}
			p.logger.Warn("event produce failed", "event_type", event.EventType(), "error", err)
			return
		}
		if _, change := p.breaker.RecordSuccess(); change.Closed {
			p.logger.Info("kafka circuit closed", "topic", r.Topic)
		}
	})
	return nil
}

func (p *KafkaPublisher) retryDue() bool {
	now := time.Now().UnixNano()
	last := p.lastRetry.Load()
	if now-last < p.retryInterval.Nanoseconds() {
		return false
	}
	return p.lastRetry.CompareAndSwap(last, now)
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

// EnsureTopic creates the topic if it does not exist.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, partitions, replication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	return nil
}
