package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/event"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/kafka"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
)

// timeoutEvents maps a stuck state to the synthetic event that unsticks it.
// The events go through the same topic and loop as real downstream replies,
// so the engine stays the single place transitions happen.
var timeoutEvents = map[saga.State]string{
	saga.StateInitiated:                   event.TypeCheckoutTimedOut,
	saga.StateInventoryReservationPending: event.TypeInventoryReservationFailed,
	saga.StatePaymentProcessingPending:    event.TypePaymentFailed,
	saga.StateOrderCreationPending:        event.TypeOrderCreationFailed,
	saga.StateCartClearancePending:        event.TypeCartClearanceFailed,
	saga.StateCompensating:                event.TypeCompensationTimedOut,
}

const timeoutReason = "stage_timeout"

// ReaperConfig holds the sweep timings.
type ReaperConfig struct {
	// Interval is how often the sweep runs
	Interval time.Duration
	// StageTimeout is how long a pending stage may go without progress
	StageTimeout time.Duration
	// CompensationDeadline is the COMPENSATING-specific allowance
	CompensationDeadline time.Duration
	// BatchSize caps sagas per sweep
	BatchSize int
}

// Reaper periodically sweeps the store for sagas that stopped moving and
// publishes synthetic timeout events for them.
type Reaper struct {
	store    saga.Store
	producer kafka.Producer
	cfg      ReaperConfig
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewReaper creates a Reaper.
func NewReaper(store saga.Store, producer kafka.Producer, cfg ReaperConfig, log *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.CompensationDeadline <= 0 {
		cfg.CompensationDeadline = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{store: store, producer: producer, cfg: cfg, log: log}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		r.log.Info("reaper started",
			zap.Duration("interval", r.cfg.Interval),
			zap.Duration("stage_timeout", r.cfg.StageTimeout),
			zap.Duration("compensation_deadline", r.cfg.CompensationDeadline))
		for {
			select {
			case <-ctx.Done():
				r.log.Info("reaper stopping")
				return
			case <-ticker.C:
				if err := r.Sweep(ctx); err != nil {
					r.log.Error("reaper sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop waits for the sweep loop to exit.
func (r *Reaper) Stop() {
	r.wg.Wait()
}

// Sweep publishes one synthetic timeout event per overdue saga. Publishing is
// at-least-once on purpose: the engine drops the event if the saga moved in
// the meantime.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	// List against the shorter allowance, then apply the per-state one.
	maxCutoff := now.Add(-r.minTimeout())
	stale, err := r.store.ListStale(ctx, maxCutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, sg := range stale {
		allowance := r.cfg.StageTimeout
		if sg.State == saga.StateCompensating {
			allowance = r.cfg.CompensationDeadline
		}
		if now.Sub(sg.UpdatedAt) < allowance {
			continue
		}

		eventType, ok := timeoutEvents[sg.State]
		if !ok {
			continue
		}

		env := event.New(eventType, sg.ID)
		env.Reason = timeoutReason
		payload, err := event.Encode(env)
		if err != nil {
			r.log.Error("encode timeout event failed",
				zap.String("saga_id", sg.ID),
				zap.Error(err))
			continue
		}
		if err := r.producer.Produce(ctx, event.TopicCheckoutEvents, sg.ID, payload, nil); err != nil {
			r.log.Error("publish timeout event failed",
				zap.String("saga_id", sg.ID),
				zap.String("type", eventType),
				zap.Error(err))
			continue
		}
		r.log.Warn("saga stalled, timeout event published",
			zap.String("saga_id", sg.ID),
			zap.String("state", string(sg.State)),
			zap.String("type", eventType),
			zap.Duration("stalled_for", now.Sub(sg.UpdatedAt)))
	}
	return nil
}

func (r *Reaper) minTimeout() time.Duration {
	if r.cfg.CompensationDeadline < r.cfg.StageTimeout {
		return r.cfg.CompensationDeadline
	}
	return r.cfg.StageTimeout
}
