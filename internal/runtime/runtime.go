// Package runtime drives the saga engine from the Kafka event stream. The
// loop per record is decode, load, apply, publish, persist, commit; offsets
// advance only after the new saga state is durable. The fetcher never resends
// a record it already handed out, so failed records are held in the loop and
// retried in place until they go through; the idempotency gate absorbs any
// duplicates a restart produces on top of that.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/engine"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/event"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/kafka"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/metrics"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/retry"
)

// Config holds runtime tunables.
type Config struct {
	// PublishRetry shapes the backoff for command publishes
	PublishRetry *retry.Config
	// RetryInterval is the pause before a failed record is retried in place
	RetryInterval time.Duration
}

// Runtime owns the consume loop.
type Runtime struct {
	store         saga.Store
	engine        *engine.Engine
	consumer      kafka.Consumer
	producer      kafka.Producer
	dlq           retry.DLQPublisher
	metrics       *metrics.Metrics
	retrier       *retry.Retrier
	retryInterval time.Duration
	log           *zap.Logger

	wg sync.WaitGroup
}

// New creates a Runtime. dlq and m may be nil (dead letters dropped, metrics
// skipped).
func New(store saga.Store, eng *engine.Engine, consumer kafka.Consumer, producer kafka.Producer, dlq retry.DLQPublisher, m *metrics.Metrics, cfg *Config, log *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &Config{}
	}
	retryCfg := cfg.PublishRetry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
		retryCfg.MaxRetries = 3
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		store:         store,
		engine:        eng,
		consumer:      consumer,
		producer:      producer,
		dlq:           dlq,
		metrics:       m,
		retrier:       retry.New(retryCfg),
		retryInterval: retryInterval,
		log:           log,
	}
}

// Start launches the consume loop. It returns immediately; use Stop to wait
// for the loop to drain.
func (r *Runtime) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop waits for the consume loop to exit. The caller cancels the context
// passed to Start and closes the consumer first.
func (r *Runtime) Stop() {
	r.wg.Wait()
}

func (r *Runtime) run(ctx context.Context) {
	r.log.Info("runtime consume loop started")
	// Records polled but not yet committed. The fetcher only resends them
	// after a rebalance or restart, so a failed record stays at the head of
	// the backlog and is retried here until it succeeds.
	var backlog []*kafka.Record
	for {
		if len(backlog) == 0 {
			records, err := r.consumer.Poll(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrConsumerClosed) {
					r.log.Info("runtime consume loop stopping", zap.Error(err))
					return
				}
				r.log.Error("poll failed", zap.Error(err))
				continue
			}
			backlog = records
			continue
		}

		record := backlog[0]
		commit, err := r.processRecord(ctx, record)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("record processing failed, retrying in place",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			if !r.pause(ctx) {
				return
			}
			continue
		}
		if !commit {
			// Version conflict: re-evaluate against the fresh record after a
			// pause; the idempotency gate drops anything already applied.
			if !r.pause(ctx) {
				return
			}
			continue
		}
		backlog = backlog[1:]
		if err := r.consumer.CommitRecords(ctx, record); err != nil {
			// The saga is already persisted. A lost commit means redelivery
			// after a restart, which the idempotency gate absorbs.
			r.log.Error("offset commit failed",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
		}
	}
}

// pause sleeps for the retry interval. It returns false when the context is
// canceled.
func (r *Runtime) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.retryInterval):
		return true
	}
}

// processRecord handles one record. commit=true means the offset may advance;
// a non-nil error or commit=false means the caller must retry the record.
func (r *Runtime) processRecord(ctx context.Context, record *kafka.Record) (bool, error) {
	env, err := event.Decode(record.Value)
	if err != nil {
		// Undecodable payloads would wedge the partition; move them aside.
		r.log.Error("undecodable event moved to dead letter topic",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		if dlqErr := r.dlq.PublishToDLQ(ctx, &retry.DLQMessage{
			ID:            fmt.Sprintf("%s-%d-%d", record.Topic, record.Partition, record.Offset),
			OriginalTopic: record.Topic,
			OriginalKey:   string(record.Key),
			Payload:       json.RawMessage(record.Value),
			Headers:       record.Headers,
			Error:         err.Error(),
			Attempts:      1,
		}); dlqErr != nil {
			return false, fmt.Errorf("publish dead letter: %w", dlqErr)
		}
		if r.metrics != nil {
			r.metrics.EventsDeadLettered.Add(ctx, 1)
		}
		return true, nil
	}

	log := r.log.With(
		zap.String("saga_id", env.SagaID),
		zap.String("event_id", env.EventID),
		zap.String("type", env.Type))

	sg, err := r.store.Load(ctx, env.SagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			// Replies can outlive their saga record (manual topic resets,
			// retention mismatches). Ack and move on.
			log.Warn("event for unknown saga dropped")
			if r.metrics != nil {
				r.metrics.EventsDropped.Add(ctx, 1, metrics.EventAttrs(env.Type))
			}
			return true, nil
		}
		return false, fmt.Errorf("load saga: %w", err)
	}

	if sg.HasProcessed(env.EventID) {
		log.Debug("duplicate event dropped")
		if r.metrics != nil {
			r.metrics.EventsDuplicate.Add(ctx, 1, metrics.EventAttrs(env.Type))
		}
		return true, nil
	}

	expectedVersion := sg.Version
	stageStarted := sg.UpdatedAt

	out, err := r.engine.Apply(ctx, sg, env)
	if err != nil {
		return false, fmt.Errorf("apply event: %w", err)
	}
	if !out.Applied {
		if r.metrics != nil {
			r.metrics.EventsDropped.Add(ctx, 1, metrics.EventAttrs(env.Type))
		}
		return true, nil
	}

	// Publish before persist. If the saga record were written first and the
	// process died, the commands would never go out and the saga would hang
	// until the reaper; losing the publish loses nothing because the event
	// is retried with the offset still uncommitted.
	for _, cmd := range out.Commands {
		if err := r.publish(ctx, cmd); err != nil {
			if r.metrics != nil {
				r.metrics.PublishFailures.Add(ctx, 1)
			}
			return false, fmt.Errorf("publish %s to %s: %w", cmd.Envelope.Type, cmd.Topic, err)
		}
	}

	if err := r.store.Update(ctx, out.Saga, expectedVersion); err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			// Another writer advanced the saga; discard this work and let
			// redelivery re-evaluate against the fresh record.
			log.Warn("version conflict, discarding work",
				zap.Int64("expected_version", expectedVersion))
			return false, nil
		}
		return false, fmt.Errorf("persist saga: %w", err)
	}

	log.Info("event applied",
		zap.String("state", string(out.Saga.State)),
		zap.Int64("version", out.Saga.Version),
		zap.Int("commands", len(out.Commands)))

	if r.metrics != nil {
		r.metrics.EventsProcessed.Add(ctx, 1, metrics.EventAttrs(env.Type))
		r.metrics.RecordState(ctx, string(out.Saga.State))
		if !stageStarted.IsZero() {
			r.metrics.StageLatency.Record(ctx, time.Since(stageStarted).Seconds())
		}
	}
	return true, nil
}

// publish encodes and produces one command, keyed by saga id so all events
// for a saga land on one partition.
func (r *Runtime) publish(ctx context.Context, cmd engine.Command) error {
	payload, err := event.Encode(cmd.Envelope)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.producer.Produce(ctx, cmd.Topic, cmd.Envelope.SagaID, payload, nil)
	})
	return result.Err
}
