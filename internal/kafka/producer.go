// Package kafka is the bus gateway: a franz-go backed producer/consumer pair
// with manual commits, plus an in-process mock bus for tests and MOCK_KAFKA.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer publishes opaque payloads to named topics. Produce returns only
// after the broker has acknowledged the message.
type Producer interface {
	Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close()
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Logger   *zap.Logger
}

// KafkaProducer is the franz-go implementation of Producer
type KafkaProducer struct {
	client *kgo.Client
	log    *zap.Logger
}

// NewKafkaProducer creates a producer and verifies broker connectivity
func NewKafkaProducer(ctx context.Context, cfg *ProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka brokers: %w", err)
	}

	return &KafkaProducer{client: client, log: log}, nil
}

// Produce publishes synchronously and returns the broker ack result
func (p *KafkaProducer) Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.log.Error("kafka produce failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the underlying client
func (p *KafkaProducer) Close() {
	p.client.Close()
}
