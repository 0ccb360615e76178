package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ErrConsumerClosed is returned from Poll after Close
var ErrConsumerClosed = errors.New("consumer closed")

// Record is one consumed message with enough position information to commit
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string

	leaderEpoch int32
}

// Consumer provides an ordered stream of records for a consumer group with
// manual commit semantics.
type Consumer interface {
	Poll(ctx context.Context) ([]*Record, error)
	CommitRecords(ctx context.Context, records ...*Record) error
	Close()
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	ClientID         string
	Topics           []string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	Logger           *zap.Logger
}

// KafkaConsumer is the franz-go implementation of Consumer. Auto-commit is
// disabled; offsets advance only through CommitRecords.
type KafkaConsumer struct {
	client *kgo.Client
	log    *zap.Logger
}

// NewKafkaConsumer creates a consumer group member and verifies connectivity
func NewKafkaConsumer(ctx context.Context, cfg *ConsumerConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group id is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.RebalanceTimeout > 0 {
		opts = append(opts, kgo.RebalanceTimeout(cfg.RebalanceTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka brokers: %w", err)
	}

	return &KafkaConsumer{client: client, log: log}, nil
}

// Poll fetches the next batch of records, preserving per-partition order
func (c *KafkaConsumer) Poll(ctx context.Context) ([]*Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrConsumerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		c.log.Error("kafka fetch error",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
			zap.Error(err))
	})

	var records []*Record
	fetches.EachRecord(func(r *kgo.Record) {
		headers := make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
		records = append(records, &Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			Key:         r.Key,
			Value:       r.Value,
			Headers:     headers,
			leaderEpoch: r.LeaderEpoch,
		})
	})
	return records, nil
}

// CommitRecords commits the offsets of the given records
func (c *KafkaConsumer) CommitRecords(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		return nil
	}
	kgoRecords := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		kgoRecords = append(kgoRecords, &kgo.Record{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.leaderEpoch,
		})
	}
	if err := c.client.CommitRecords(ctx, kgoRecords...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client
func (c *KafkaConsumer) Close() {
	c.client.Close()
}
