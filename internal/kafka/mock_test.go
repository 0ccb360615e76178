package kafka

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockBusProduceAndPoll(t *testing.T) {
	bus := NewMockBus("events")
	ctx := context.Background()

	if err := bus.Produce(ctx, "events", "k1", []byte("v1"), map[string]string{"h": "1"}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if err := bus.Produce(ctx, "commands", "k2", []byte("v2"), nil); err != nil {
		t.Fatalf("produce: %v", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	records, err := bus.Poll(pollCtx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	// Only the subscribed topic is delivered.
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if string(records[0].Value) != "v1" || records[0].Headers["h"] != "1" {
		t.Errorf("unexpected record: %+v", records[0])
	}

	if bus.PublishedCount("commands") != 1 {
		t.Error("unsubscribed topic should still be recorded")
	}
}

func TestMockBusInjectAndCommit(t *testing.T) {
	bus := NewMockBus("events")
	ctx := context.Background()

	bus.Inject("events", []byte("reply"))

	pollCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	records, err := bus.Poll(pollCtx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	if err := bus.CommitRecords(ctx, records...); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := bus.CommittedOffset("events"); got != 1 {
		t.Errorf("expected committed offset 1, got %d", got)
	}
}

func TestMockBusProduceError(t *testing.T) {
	bus := NewMockBus()
	boom := errors.New("broker down")
	bus.SetProduceError(boom)

	if err := bus.Produce(context.Background(), "t", "k", nil, nil); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}

	bus.SetProduceError(nil)
	if err := bus.Produce(context.Background(), "t", "k", nil, nil); err != nil {
		t.Errorf("expected success after reset, got %v", err)
	}
}

func TestMockBusPollRespectsContext(t *testing.T) {
	bus := NewMockBus("events")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := bus.Poll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
