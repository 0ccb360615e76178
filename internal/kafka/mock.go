package kafka

import (
	"context"
	"sync"
)

// MockBus is an in-process bus implementing both Producer and Consumer.
// It backs MOCK_KAFKA mode and the runtime tests: published records are
// recorded per topic, and records on subscribed topics are also queued for
// Poll, so commands and injected replies flow through one pipeline.
type MockBus struct {
	mu         sync.Mutex
	subscribed map[string]bool
	published  map[string][]*Record
	offsets    map[string]int64
	committed  map[string]int64
	pending    chan *Record
	produceErr error
	closed     bool
}

var (
	_ Producer = (*MockBus)(nil)
	_ Consumer = (*MockBus)(nil)
)

// NewMockBus creates a bus that delivers records published or injected on
// the given topics to Poll.
func NewMockBus(subscribeTopics ...string) *MockBus {
	subs := make(map[string]bool, len(subscribeTopics))
	for _, t := range subscribeTopics {
		subs[t] = true
	}
	return &MockBus{
		subscribed: subs,
		published:  make(map[string][]*Record),
		offsets:    make(map[string]int64),
		committed:  make(map[string]int64),
		pending:    make(chan *Record, 1024),
	}
}

// Produce records the message and queues it if the topic is subscribed
func (m *MockBus) Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	if m.produceErr != nil {
		err := m.produceErr
		m.mu.Unlock()
		return err
	}
	record := &Record{
		Topic:   topic,
		Offset:  m.offsets[topic],
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}
	m.offsets[topic]++
	m.published[topic] = append(m.published[topic], record)
	deliver := m.subscribed[topic] && !m.closed
	m.mu.Unlock()

	if deliver {
		select {
		case m.pending <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Inject queues an external reply as if a downstream service published it
func (m *MockBus) Inject(topic string, value []byte) {
	m.InjectKeyed(topic, "", value)
}

// InjectKeyed queues an external reply with a partition key
func (m *MockBus) InjectKeyed(topic, key string, value []byte) {
	m.mu.Lock()
	record := &Record{
		Topic:  topic,
		Offset: m.offsets[topic],
		Key:    []byte(key),
		Value:  value,
	}
	m.offsets[topic]++
	closed := m.closed
	m.mu.Unlock()

	if !closed {
		m.pending <- record
	}
}

// Poll blocks for the next record, then drains whatever else is queued
func (m *MockBus) Poll(ctx context.Context) ([]*Record, error) {
	var records []*Record
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-m.pending:
		if !ok {
			return nil, ErrConsumerClosed
		}
		records = append(records, r)
	}
	for {
		select {
		case r, ok := <-m.pending:
			if !ok {
				return records, nil
			}
			records = append(records, r)
		default:
			return records, nil
		}
	}
}

// CommitRecords tracks the highest committed offset per topic
func (m *MockBus) CommitRecords(ctx context.Context, records ...*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.Offset+1 > m.committed[r.Topic] {
			m.committed[r.Topic] = r.Offset + 1
		}
	}
	return nil
}

// Close stops delivery; pending records are discarded
func (m *MockBus) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.pending)
	}
}

// SetProduceError makes subsequent Produce calls fail with err (nil resets)
func (m *MockBus) SetProduceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.produceErr = err
}

// Published returns the records produced to topic, in order
func (m *MockBus) Published(topic string) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.published[topic]))
	copy(out, m.published[topic])
	return out
}

// CommittedOffset returns the committed offset for topic
func (m *MockBus) CommittedOffset(topic string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[topic]
}

// PublishedCount returns how many records were produced to topic
func (m *MockBus) PublishedCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published[topic])
}
