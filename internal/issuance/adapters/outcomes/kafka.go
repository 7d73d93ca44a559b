// Package outcomes publishes terminal issuance outcomes to downstream
// consumers.
package outcomes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"certmint/internal/issuance/models"
)

const (
	DefaultTopic = "certmint.issuance.outcomes"

	headerOutcome = "outcome"
	headerVersion = "schema-version"
	schemaVersion = "1"
)

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher writes one record per outcome, keyed by course ID so all
// attempts for a course land on the same partition in order.
type KafkaPublisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

type KafkaOption func(*KafkaPublisher)

func WithTopic(topic string) KafkaOption {
	return func(p *KafkaPublisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

func WithKafkaLogger(logger *slog.Logger) KafkaOption {
	return func(p *KafkaPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewKafkaPublisher connects to brokers.
func NewKafkaPublisher(brokers []string, opts ...KafkaOption) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return NewKafkaPublisherWithProducer(client, opts...)
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer Producer, opts ...KafkaOption) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    DefaultTopic,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish blocks until the record is acknowledged or ctx ends.
func (p *KafkaPublisher) Publish(ctx context.Context, event models.OutcomeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode outcome event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.CourseID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerOutcome, Value: []byte(event.Outcome)},
			{Key: headerVersion, Value: []byte(schemaVersion)},
		},
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce outcome event: %w", err)
	}
	p.logger.DebugContext(ctx, "outcome published",
		"topic", p.topic,
		"attempt_id", event.AttemptID.String(),
		"outcome", string(event.Outcome),
	)
	return nil
}

func (p *KafkaPublisher) Close() {
	p.producer.Close()
}
