// Package engine implements the checkout saga state machine. Apply takes a
// loaded saga and one inbound event and returns the mutated copy plus the
// commands to publish; persistence and offset commits stay with the runtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/event"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/metrics"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/pricing"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/retry"
)

// Compensation step names tracked in context.compensations_pending.
const (
	compInventory = "inventory"
	compPayment   = "payment"
)

// Command is an outbound envelope bound for a topic
type Command struct {
	Topic    string
	Envelope *event.Envelope
}

// Outcome is the result of applying one event to one saga
type Outcome struct {
	// Saga is the mutated copy to persist; untouched when Applied is false
	Saga *saga.Saga
	// Commands are published before the saga is persisted
	Commands []Command
	// Applied is false when the event matched no transition and must be
	// acked without touching the record
	Applied bool
}

// Config holds engine tunables
type Config struct {
	// PricingMaxAttempts bounds pricing RPC attempts per InventoryReserved
	// delivery; exhaustion compensates the saga
	PricingMaxAttempts int
	// PricingRetry shapes the backoff between pricing attempts
	PricingRetry *retry.Config
}

// Engine is the saga state machine
type Engine struct {
	pricing pricing.Calculator
	retrier *retry.Retrier
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates an Engine. m may be nil (metrics skipped).
func New(calculator pricing.Calculator, cfg *Config, m *metrics.Metrics, log *zap.Logger) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	maxAttempts := cfg.PricingMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryCfg := cfg.PricingRetry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	retryCfg.MaxRetries = maxAttempts - 1
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		pricing: calculator,
		retrier: retry.New(retryCfg),
		metrics: m,
		log:     log,
	}
}

// Apply computes the transition for env against current. The returned saga is
// a mutated clone; current is never modified. A nil error with Applied=false
// means "ack and drop". A non-nil error means the event must be redelivered
// (nothing may be persisted or committed).
func (e *Engine) Apply(ctx context.Context, current *saga.Saga, env *event.Envelope) (*Outcome, error) {
	if current.Terminal() {
		e.log.Info("event for terminal saga dropped",
			zap.String("saga_id", current.ID),
			zap.String("event_id", env.EventID),
			zap.String("type", env.Type),
			zap.String("state", string(current.State)))
		return &Outcome{Applied: false}, nil
	}

	sg := current.Clone()

	var (
		commands []Command
		err      error
	)

	switch {
	case sg.State == saga.StateInitiated && env.Type == event.TypeCheckoutInitiated:
		commands, err = e.handleCheckoutInitiated(sg, env)
	case sg.State == saga.StateInventoryReservationPending && env.Type == event.TypeInventoryReserved:
		commands, err = e.handleInventoryReserved(ctx, sg, env)
	case sg.State == saga.StateInventoryReservationPending && env.Type == event.TypeInventoryReservationFailed:
		commands, err = e.handleInventoryReservationFailed(sg, env)
	case sg.State == saga.StatePaymentProcessingPending && env.Type == event.TypePaymentProcessed:
		commands, err = e.handlePaymentProcessed(sg, env)
	case sg.State == saga.StatePaymentProcessingPending && env.Type == event.TypePaymentFailed:
		commands, err = e.handlePaymentFailed(sg, env)
	case sg.State == saga.StateOrderCreationPending && env.Type == event.TypeOrderCreated:
		commands, err = e.handleOrderCreated(sg, env)
	case sg.State == saga.StateOrderCreationPending && env.Type == event.TypeOrderCreationFailed:
		commands, err = e.handleOrderCreationFailed(sg, env)
	case sg.State == saga.StateCartClearancePending && env.Type == event.TypeCartCleared:
		commands, err = e.handleCartCleared(sg, env)
	case sg.State == saga.StateCartClearancePending && env.Type == event.TypeCartClearanceFailed:
		commands, err = e.handleCartClearanceFailed(sg, env)
	case sg.State == saga.StateCompensating && (env.Type == event.TypeInventoryReleased || env.Type == event.TypePaymentRefunded):
		commands, err = e.handleCompensationAck(sg, env)
	case sg.State == saga.StateCompensating && env.Type == event.TypeCompensationTimedOut:
		commands, err = e.handleCompensationTimedOut(sg, env)
	case sg.State == saga.StateInitiated && env.Type == event.TypeCheckoutTimedOut:
		commands, err = e.handleCheckoutTimedOut(sg, env)
	default:
		// Unknown state/event pairing: ack and drop so redelivered events
		// for already-processed stages stay harmless.
		e.log.Info("no transition for event, dropping",
			zap.String("saga_id", sg.ID),
			zap.String("event_id", env.EventID),
			zap.String("type", env.Type),
			zap.String("state", string(sg.State)))
		return &Outcome{Applied: false}, nil
	}

	if err != nil {
		return nil, err
	}

	sg.MarkProcessed(env.EventID)
	return &Outcome{Saga: sg, Commands: commands, Applied: true}, nil
}

func (e *Engine) handleCheckoutInitiated(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	if sg.Context.CartDetails == nil && env.CartDetails != nil {
		sg.Context.CartDetails = env.CartDetails
	}
	sg.Context.CurrentStep = "inventory_reservation"

	cart := sg.Context.CartDetails
	if cart == nil || len(cart.Items) == 0 {
		sg.RecordError("validation", "empty_cart")
		return nil, sg.TransitionTo(saga.StateFailed)
	}
	for _, item := range cart.Items {
		if !saga.ValidUUIDv4(item.ProductID) {
			sg.RecordError("validation", "invalid_product_id")
			return nil, sg.TransitionTo(saga.StateFailed)
		}
	}

	if err := sg.TransitionTo(saga.StateInventoryReservationPending); err != nil {
		return nil, err
	}

	cmd := event.New(event.TypeReserveInventory, sg.ID)
	cmd.UserID = sg.UserID
	cmd.CartID = sg.CartID
	cmd.Items = cart.Items
	cmd.ReplyToTopic = event.TopicCheckoutEvents
	return []Command{{Topic: event.TopicInventoryCommand, Envelope: cmd}}, nil
}

func (e *Engine) handleInventoryReserved(ctx context.Context, sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	if env.ReservationDetails != nil {
		sg.Context.InventoryReservationDetails = env.ReservationDetails
	}
	if err := sg.TransitionTo(saga.StateInventoryReserved); err != nil {
		return nil, err
	}
	sg.Context.CurrentStep = "pricing"

	cart := sg.Context.CartDetails
	var discount, tax int64
	result := e.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		var err error
		discount, err = e.pricing.CalculateDiscount(ctx, sg.CartID, sg.UserID, cart.Items)
		if err != nil {
			return err
		}
		tax, err = e.pricing.CalculateTax(ctx, sg.CartID, cart.Items)
		return err
	}, func(attempt int, err error, next time.Duration) {
		if e.metrics != nil {
			e.metrics.PricingRetries.Add(ctx, 1)
		}
		e.log.Warn("pricing attempt failed, retrying",
			zap.String("saga_id", sg.ID),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry", next),
			zap.Error(err))
	})
	sg.Context.PricingAttempts += result.Attempts

	if result.Err != nil {
		if errors.Is(result.Err, retry.ErrContextCanceled) {
			// Shutdown mid-pricing: leave the record untouched so
			// redelivery retries naturally.
			return nil, result.Err
		}
		e.log.Warn("pricing attempts exhausted, compensating",
			zap.String("saga_id", sg.ID),
			zap.Int("attempts", sg.Context.PricingAttempts),
			zap.Error(result.LastError))
		sg.RecordError("pricing", "pricing_exhausted")
		return e.startCompensation(sg, compInventory)
	}

	final := cart.TotalPriceCents + tax - discount
	if final < 0 {
		e.log.Warn("pricing underflow, compensating",
			zap.String("saga_id", sg.ID),
			zap.Int64("total", cart.TotalPriceCents),
			zap.Int64("discount", discount),
			zap.Int64("tax", tax))
		sg.RecordError("pricing", "pricing_underflow")
		return e.startCompensation(sg, compInventory)
	}

	sg.Context.DiscountCents = discount
	sg.Context.TaxCents = tax
	sg.Context.FinalAmountCents = final
	sg.Context.CurrentStep = "payment"

	if err := sg.TransitionTo(saga.StatePaymentProcessingPending); err != nil {
		return nil, err
	}

	cmd := event.New(event.TypeProcessPayment, sg.ID)
	cmd.UserID = sg.UserID
	cmd.AmountCents = final
	cmd.ReplyToTopic = event.TopicCheckoutEvents
	return []Command{{Topic: event.TopicPaymentCommand, Envelope: cmd}}, nil
}

func (e *Engine) handleInventoryReservationFailed(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	sg.RecordError("inventory", reasonOf(env))
	// Nothing was reserved, so there is nothing to compensate.
	return nil, sg.TransitionTo(saga.StateFailed)
}

func (e *Engine) handlePaymentProcessed(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	if env.PaymentDetails != nil {
		sg.Context.PaymentDetails = env.PaymentDetails
	}
	if err := sg.TransitionTo(saga.StatePaymentProcessed); err != nil {
		return nil, err
	}
	sg.Context.CurrentStep = "order_creation"
	if err := sg.TransitionTo(saga.StateOrderCreationPending); err != nil {
		return nil, err
	}

	cmd := event.New(event.TypeCreateOrder, sg.ID)
	cmd.UserID = sg.UserID
	cmd.CartDetails = sg.Context.CartDetails
	cmd.PaymentDetails = sg.Context.PaymentDetails
	cmd.ReservationDetails = sg.Context.InventoryReservationDetails
	cmd.ReplyToTopic = event.TopicCheckoutEvents
	return []Command{{Topic: event.TopicOrderCommand, Envelope: cmd}}, nil
}

func (e *Engine) handlePaymentFailed(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	sg.RecordError("payment", reasonOf(env))
	return e.startCompensation(sg, compInventory)
}

func (e *Engine) handleOrderCreated(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	if env.OrderDetails != nil {
		sg.Context.OrderDetails = env.OrderDetails
	}
	if err := sg.TransitionTo(saga.StateOrderCreated); err != nil {
		return nil, err
	}
	sg.Context.CurrentStep = "cart_clearance"
	if err := sg.TransitionTo(saga.StateCartClearancePending); err != nil {
		return nil, err
	}

	cmd := event.New(event.TypeClearCart, sg.ID)
	cmd.UserID = sg.UserID
	cmd.CartID = sg.CartID
	cmd.ReplyToTopic = event.TopicCheckoutEvents
	return []Command{{Topic: event.TopicCartCommand, Envelope: cmd}}, nil
}

func (e *Engine) handleOrderCreationFailed(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	sg.RecordError("order", reasonOf(env))
	// Payment is compensated before inventory, the reverse of forward order.
	return e.startCompensation(sg, compPayment, compInventory)
}

func (e *Engine) handleCartCleared(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	sg.Context.CurrentStep = "completed"
	return nil, sg.TransitionTo(saga.StateCompleted)
}

func (e *Engine) handleCartClearanceFailed(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	// The order is already committed; clearance failure terminates the saga
	// with an operator alert instead of unwinding it.
	sg.RecordError("cart", reasonOf(env))
	if err := sg.TransitionTo(saga.StateFailed); err != nil {
		return nil, err
	}
	return []Command{alertCommand(sg, "cart_clearance_failed")}, nil
}

func (e *Engine) handleCompensationAck(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	step := compInventory
	if env.Type == event.TypePaymentRefunded {
		step = compPayment
	}

	var remaining []string
	acked := false
	for _, pending := range sg.Context.CompensationsPending {
		if pending == step && !acked {
			acked = true
			continue
		}
		remaining = append(remaining, pending)
	}
	if !acked {
		e.log.Info("compensation ack for step not pending, dropping",
			zap.String("saga_id", sg.ID),
			zap.String("step", step))
		return nil, nil
	}

	sg.Context.CompensationsPending = remaining
	sg.Context.CompensationsDone = append(sg.Context.CompensationsDone, step)

	if len(remaining) == 0 {
		sg.Context.CurrentStep = "compensated"
		return nil, sg.TransitionTo(saga.StateFailed)
	}
	return nil, nil
}

func (e *Engine) handleCompensationTimedOut(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	sg.RecordError("compensation", "stage_timeout")
	if err := sg.TransitionTo(saga.StateFailed); err != nil {
		return nil, err
	}
	return []Command{alertCommand(sg, "compensation_timed_out")}, nil
}

func (e *Engine) handleCheckoutTimedOut(sg *saga.Saga, env *event.Envelope) ([]Command, error) {
	sg.RecordError("checkout", "stage_timeout")
	return nil, sg.TransitionTo(saga.StateFailed)
}

// startCompensation moves the saga to COMPENSATING and emits the compensating
// commands for the given steps, in the order given.
func (e *Engine) startCompensation(sg *saga.Saga, steps ...string) ([]Command, error) {
	if err := sg.TransitionTo(saga.StateCompensating); err != nil {
		return nil, err
	}
	sg.Context.CurrentStep = "compensation"
	sg.Context.CompensationsPending = append([]string{}, steps...)

	var commands []Command
	for _, step := range steps {
		switch step {
		case compPayment:
			cmd := event.New(event.TypeCompensatePayment, sg.ID)
			cmd.UserID = sg.UserID
			cmd.AmountCents = sg.Context.FinalAmountCents
			cmd.ReplyToTopic = event.TopicCheckoutEvents
			commands = append(commands, Command{Topic: event.TopicPaymentCommand, Envelope: cmd})
		case compInventory:
			cmd := event.New(event.TypeCompensateInventory, sg.ID)
			cmd.UserID = sg.UserID
			cmd.CartID = sg.CartID
			if sg.Context.CartDetails != nil {
				cmd.Items = sg.Context.CartDetails.Items
			}
			cmd.ReservationDetails = sg.Context.InventoryReservationDetails
			cmd.ReplyToTopic = event.TopicCheckoutEvents
			commands = append(commands, Command{Topic: event.TopicInventoryCommand, Envelope: cmd})
		default:
			return nil, fmt.Errorf("unknown compensation step %q", step)
		}
	}
	return commands, nil
}

func alertCommand(sg *saga.Saga, reason string) Command {
	alert := event.New(event.TypeCheckoutAlert, sg.ID)
	alert.Reason = reason
	return Command{Topic: event.TopicCheckoutEvents, Envelope: alert}
}

func reasonOf(env *event.Envelope) string {
	if env.Reason != "" {
		return env.Reason
	}
	return "unknown"
}
