package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DLQMessage is the payload written to a dead letter topic
type DLQMessage struct {
	ID            string            `json:"id"`
	OriginalTopic string            `json:"original_topic"`
	OriginalKey   string            `json:"original_key"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Error         string            `json:"error"`
	Attempts      int               `json:"attempts"`
	MovedToDLQAt  time.Time         `json:"moved_to_dlq_at"`
	Source        string            `json:"source"`
}

// DLQPublisher publishes failed messages to a dead letter queue
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
	GetDLQTopic(originalTopic string) string
}

// BusPublisher is the producer surface the DLQ publisher needs
type BusPublisher interface {
	Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// DLQConfig configures dead letter topic naming
type DLQConfig struct {
	// TopicSuffix is appended to the original topic (default ".dlq")
	TopicSuffix string
	// Source names the publishing service
	Source string
}

// DefaultDLQConfig returns the default DLQ configuration
func DefaultDLQConfig() *DLQConfig {
	return &DLQConfig{TopicSuffix: ".dlq", Source: "unknown"}
}

// KafkaDLQPublisher writes dead letters to <topic><suffix>
type KafkaDLQPublisher struct {
	producer BusPublisher
	config   *DLQConfig
}

// NewKafkaDLQPublisher creates a Kafka-backed DLQ publisher
func NewKafkaDLQPublisher(producer BusPublisher, config *DLQConfig) *KafkaDLQPublisher {
	if config == nil {
		config = DefaultDLQConfig()
	}
	if config.TopicSuffix == "" {
		config.TopicSuffix = ".dlq"
	}
	return &KafkaDLQPublisher{producer: producer, config: config}
}

// PublishToDLQ publishes msg to the dead letter topic for its original topic
func (p *KafkaDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return fmt.Errorf("dlq message cannot be nil")
	}

	msg.MovedToDLQAt = time.Now().UTC()
	msg.Source = p.config.Source

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq message: %w", err)
	}

	headers := map[string]string{
		"content_type":    "application/json",
		"original_topic":  msg.OriginalTopic,
		"error":           msg.Error,
		"attempts":        fmt.Sprintf("%d", msg.Attempts),
		"moved_to_dlq_at": msg.MovedToDLQAt.Format(time.RFC3339),
		"source":          msg.Source,
	}

	return p.producer.Produce(ctx, p.GetDLQTopic(msg.OriginalTopic), msg.OriginalKey, data, headers)
}

// GetDLQTopic returns the dead letter topic for originalTopic
func (p *KafkaDLQPublisher) GetDLQTopic(originalTopic string) string {
	return originalTopic + p.config.TopicSuffix
}

// NoOpDLQPublisher discards dead letters (tests, disabled DLQ)
type NoOpDLQPublisher struct{}

// NewNoOpDLQPublisher creates a no-op DLQ publisher
func NewNoOpDLQPublisher() *NoOpDLQPublisher { return &NoOpDLQPublisher{} }

func (p *NoOpDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	return nil
}

func (p *NoOpDLQPublisher) GetDLQTopic(originalTopic string) string {
	return originalTopic + ".dlq"
}
