package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/event"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/metrics"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/retry"
)

// fakePricing returns scripted results, failing the first FailTimes calls.
type fakePricing struct {
	mu        sync.Mutex
	Discount  int64
	Tax       int64
	FailTimes int
	calls     int
}

func (f *fakePricing) CalculateDiscount(ctx context.Context, cartID, userID string, items []saga.CartItem) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.FailTimes {
		return 0, errors.New("discount engine 500")
	}
	return f.Discount, nil
}

func (f *fakePricing) CalculateTax(ctx context.Context, cartID string, items []saga.CartItem) (int64, error) {
	return f.Tax, nil
}

func fastEngine(p *fakePricing) *Engine {
	return New(p, &Config{
		PricingMaxAttempts: 3,
		PricingRetry: &retry.Config{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	}, nil, nil)
}

func newSaga() *saga.Saga {
	return saga.New(uuid.New().String(), uuid.New().String(), &saga.CartDetails{
		Items: []saga.CartItem{
			{ProductID: uuid.New().String(), Quantity: 2, UnitPriceCents: 5000},
		},
		TotalPriceCents: 10000,
	})
}

func apply(t *testing.T, e *Engine, sg *saga.Saga, env *event.Envelope) *Outcome {
	t.Helper()
	out, err := e.Apply(context.Background(), sg, env)
	if err != nil {
		t.Fatalf("apply %s in %s: %v", env.Type, sg.State, err)
	}
	if !out.Applied {
		t.Fatalf("expected %s to apply in %s", env.Type, sg.State)
	}
	return out
}

func TestCheckoutInitiatedReservesInventory(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()

	env := event.New(event.TypeCheckoutInitiated, sg.ID)
	out := apply(t, e, sg, env)

	if out.Saga.State != saga.StateInventoryReservationPending {
		t.Errorf("expected INVENTORY_RESERVATION_PENDING, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(out.Commands))
	}
	cmd := out.Commands[0]
	if cmd.Topic != event.TopicInventoryCommand || cmd.Envelope.Type != event.TypeReserveInventory {
		t.Errorf("unexpected command: %s to %s", cmd.Envelope.Type, cmd.Topic)
	}
	if cmd.Envelope.ReplyToTopic != event.TopicCheckoutEvents {
		t.Errorf("expected reply_to_topic, got '%s'", cmd.Envelope.ReplyToTopic)
	}
	if cmd.Envelope.SagaID != sg.ID {
		t.Errorf("command saga_id mismatch")
	}
	if !out.Saga.HasProcessed(env.EventID) {
		t.Error("event id not recorded as processed")
	}
	// Source saga must be untouched.
	if sg.State != saga.StateInitiated {
		t.Error("engine mutated the input saga")
	}
}

func TestInvalidProductIDFailsBeforeAnyCommand(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := saga.New(uuid.New().String(), uuid.New().String(), &saga.CartDetails{
		Items:           []saga.CartItem{{ProductID: "not-a-uuid", Quantity: 1, UnitPriceCents: 100}},
		TotalPriceCents: 100,
	})

	out := apply(t, e, sg, event.New(event.TypeCheckoutInitiated, sg.ID))

	if out.Saga.State != saga.StateFailed {
		t.Errorf("expected FAILED, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 0 {
		t.Errorf("expected no commands, got %d", len(out.Commands))
	}
	if len(out.Saga.Context.Errors) != 1 || out.Saga.Context.Errors[0].Step != "validation" {
		t.Errorf("expected validation error recorded, got %v", out.Saga.Context.Errors)
	}
}

func TestInventoryReservedPricesAndRequestsPayment(t *testing.T) {
	e := fastEngine(&fakePricing{Discount: 500, Tax: 800})
	sg := newSaga()
	sg.State = saga.StateInventoryReservationPending

	env := event.New(event.TypeInventoryReserved, sg.ID)
	env.ReservationDetails = map[string]interface{}{"reservation_id": "r-1"}
	out := apply(t, e, sg, env)

	if out.Saga.State != saga.StatePaymentProcessingPending {
		t.Errorf("expected PAYMENT_PROCESSING_PENDING, got '%s'", out.Saga.State)
	}
	if out.Saga.Context.FinalAmountCents != 10300 {
		t.Errorf("expected final amount 10300, got %d", out.Saga.Context.FinalAmountCents)
	}
	if out.Saga.Context.DiscountCents != 500 || out.Saga.Context.TaxCents != 800 {
		t.Errorf("pricing not stored: %+v", out.Saga.Context)
	}
	if out.Saga.Context.InventoryReservationDetails["reservation_id"] != "r-1" {
		t.Error("reservation details not stored")
	}
	if len(out.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(out.Commands))
	}
	cmd := out.Commands[0]
	if cmd.Envelope.Type != event.TypeProcessPayment || cmd.Topic != event.TopicPaymentCommand {
		t.Errorf("unexpected command %s to %s", cmd.Envelope.Type, cmd.Topic)
	}
	if cmd.Envelope.AmountCents != 10300 {
		t.Errorf("expected amount 10300, got %d", cmd.Envelope.AmountCents)
	}
}

func TestPricingFlakeRetriesWithinBudget(t *testing.T) {
	// Two 500s, then success: one ProcessPayment at full price.
	pricing := &fakePricing{Discount: 0, Tax: 0, FailTimes: 2}
	e := fastEngine(pricing)
	sg := newSaga()
	sg.State = saga.StateInventoryReservationPending

	out := apply(t, e, sg, event.New(event.TypeInventoryReserved, sg.ID))

	if out.Saga.State != saga.StatePaymentProcessingPending {
		t.Fatalf("expected PAYMENT_PROCESSING_PENDING, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 1 || out.Commands[0].Envelope.AmountCents != 10000 {
		t.Errorf("expected one ProcessPayment with amount=total, got %+v", out.Commands)
	}
	if out.Saga.Context.PricingAttempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", out.Saga.Context.PricingAttempts)
	}
}

func TestPricingExhaustedCompensates(t *testing.T) {
	pricing := &fakePricing{FailTimes: 100}
	e := fastEngine(pricing)
	sg := newSaga()
	sg.State = saga.StateInventoryReservationPending

	out := apply(t, e, sg, event.New(event.TypeInventoryReserved, sg.ID))

	if out.Saga.State != saga.StateCompensating {
		t.Errorf("expected COMPENSATING, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 1 || out.Commands[0].Envelope.Type != event.TypeCompensateInventory {
		t.Errorf("expected CompensateInventory, got %+v", out.Commands)
	}
	found := false
	for _, e := range out.Saga.Context.Errors {
		if e.Reason == "pricing_exhausted" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected pricing_exhausted recorded, got %v", out.Saga.Context.Errors)
	}
}

func TestPricingUnderflowCompensates(t *testing.T) {
	// discount > total + tax
	e := fastEngine(&fakePricing{Discount: 20000, Tax: 0})
	sg := newSaga()
	sg.State = saga.StateInventoryReservationPending

	out := apply(t, e, sg, event.New(event.TypeInventoryReserved, sg.ID))

	if out.Saga.State != saga.StateCompensating {
		t.Errorf("expected COMPENSATING, got '%s'", out.Saga.State)
	}
	found := false
	for _, e := range out.Saga.Context.Errors {
		if e.Reason == "pricing_underflow" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected pricing_underflow recorded, got %v", out.Saga.Context.Errors)
	}
}

func TestInventoryReservationFailedTerminatesWithoutCompensation(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateInventoryReservationPending

	env := event.New(event.TypeInventoryReservationFailed, sg.ID)
	env.Reason = "oos"
	out := apply(t, e, sg, env)

	if out.Saga.State != saga.StateFailed {
		t.Errorf("expected FAILED, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 0 {
		t.Errorf("expected no compensation commands, got %d", len(out.Commands))
	}
	errs := out.Saga.Context.Errors
	if len(errs) != 1 || errs[0].Step != "inventory" || errs[0].Reason != "oos" {
		t.Errorf("expected [{inventory oos}], got %v", errs)
	}
}

func TestPaymentProcessedCreatesOrder(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StatePaymentProcessingPending
	sg.Context.FinalAmountCents = 10300

	env := event.New(event.TypePaymentProcessed, sg.ID)
	env.PaymentDetails = map[string]interface{}{"transaction_id": "tx-1"}
	out := apply(t, e, sg, env)

	if out.Saga.State != saga.StateOrderCreationPending {
		t.Errorf("expected ORDER_CREATION_PENDING, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 1 || out.Commands[0].Envelope.Type != event.TypeCreateOrder {
		t.Fatalf("expected CreateOrder, got %+v", out.Commands)
	}
	cmd := out.Commands[0].Envelope
	if cmd.PaymentDetails["transaction_id"] != "tx-1" {
		t.Error("payment details not carried into CreateOrder")
	}
	if cmd.CartDetails == nil {
		t.Error("cart details not carried into CreateOrder")
	}
}

func TestPaymentFailedCompensatesInventory(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StatePaymentProcessingPending
	sg.Context.InventoryReservationDetails = map[string]interface{}{"reservation_id": "r-1"}

	env := event.New(event.TypePaymentFailed, sg.ID)
	env.Reason = "card_declined"
	out := apply(t, e, sg, env)

	if out.Saga.State != saga.StateCompensating {
		t.Errorf("expected COMPENSATING, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 1 || out.Commands[0].Envelope.Type != event.TypeCompensateInventory {
		t.Fatalf("expected CompensateInventory, got %+v", out.Commands)
	}
	if got := out.Saga.Context.CompensationsPending; len(got) != 1 || got[0] != "inventory" {
		t.Errorf("expected pending [inventory], got %v", got)
	}
}

func TestOrderCreationFailedCompensatesPaymentThenInventory(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateOrderCreationPending
	sg.Context.FinalAmountCents = 10300

	out := apply(t, e, sg, event.New(event.TypeOrderCreationFailed, sg.ID))

	if out.Saga.State != saga.StateCompensating {
		t.Errorf("expected COMPENSATING, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(out.Commands))
	}
	// Reverse of forward order: payment first, then inventory.
	if out.Commands[0].Envelope.Type != event.TypeCompensatePayment {
		t.Errorf("expected CompensatePayment first, got %s", out.Commands[0].Envelope.Type)
	}
	if out.Commands[0].Envelope.AmountCents != 10300 {
		t.Errorf("refund amount mismatch: %d", out.Commands[0].Envelope.AmountCents)
	}
	if out.Commands[1].Envelope.Type != event.TypeCompensateInventory {
		t.Errorf("expected CompensateInventory second, got %s", out.Commands[1].Envelope.Type)
	}
}

func TestCompensationAcksDrainToFailed(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateCompensating
	sg.Context.CompensationsPending = []string{"payment", "inventory"}

	out := apply(t, e, sg, event.New(event.TypePaymentRefunded, sg.ID))
	if out.Saga.State != saga.StateCompensating {
		t.Errorf("expected still COMPENSATING, got '%s'", out.Saga.State)
	}
	if got := out.Saga.Context.CompensationsPending; len(got) != 1 || got[0] != "inventory" {
		t.Errorf("expected pending [inventory], got %v", got)
	}

	out2 := apply(t, e, out.Saga, event.New(event.TypeInventoryReleased, out.Saga.ID))
	if out2.Saga.State != saga.StateFailed {
		t.Errorf("expected FAILED after all acks, got '%s'", out2.Saga.State)
	}
	if len(out2.Saga.Context.CompensationsDone) != 2 {
		t.Errorf("expected 2 compensations done, got %v", out2.Saga.Context.CompensationsDone)
	}
}

func TestCompensationTimedOutAlertsAndFails(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateCompensating
	sg.Context.CompensationsPending = []string{"inventory"}

	out := apply(t, e, sg, event.New(event.TypeCompensationTimedOut, sg.ID))

	if out.Saga.State != saga.StateFailed {
		t.Errorf("expected FAILED, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 1 || out.Commands[0].Envelope.Type != event.TypeCheckoutAlert {
		t.Errorf("expected CheckoutAlert, got %+v", out.Commands)
	}
}

func TestCartClearedCompletes(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateCartClearancePending

	out := apply(t, e, sg, event.New(event.TypeCartCleared, sg.ID))

	if out.Saga.State != saga.StateCompleted {
		t.Errorf("expected COMPLETED, got '%s'", out.Saga.State)
	}
	if len(out.Commands) != 0 {
		t.Errorf("expected no commands, got %d", len(out.Commands))
	}
}

func TestCartClearanceFailedDoesNotUnwindOrder(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateCartClearancePending

	env := event.New(event.TypeCartClearanceFailed, sg.ID)
	env.Reason = "cart_service_down"
	out := apply(t, e, sg, env)

	if out.Saga.State != saga.StateFailed {
		t.Errorf("expected FAILED, got '%s'", out.Saga.State)
	}
	for _, cmd := range out.Commands {
		if cmd.Envelope.Type == event.TypeCompensatePayment || cmd.Envelope.Type == event.TypeCompensateInventory {
			t.Errorf("clearance failure must not compensate, got %s", cmd.Envelope.Type)
		}
	}
	if len(out.Commands) != 1 || out.Commands[0].Envelope.Type != event.TypeCheckoutAlert {
		t.Errorf("expected alert command, got %+v", out.Commands)
	}
}

func TestUnknownPairingIsDropped(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()
	sg.State = saga.StateOrderCreationPending

	out, err := e.Apply(context.Background(), sg, event.New(event.TypeInventoryReserved, sg.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Applied {
		t.Error("expected unknown pairing to be dropped")
	}
}

func TestTerminalSagaIsImmutable(t *testing.T) {
	e := fastEngine(&fakePricing{})
	for _, state := range []saga.State{saga.StateCompleted, saga.StateFailed} {
		sg := newSaga()
		sg.State = state
		out, err := e.Apply(context.Background(), sg, event.New(event.TypeCartCleared, sg.ID))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Applied {
			t.Errorf("expected drop for terminal state %s", state)
		}
	}
}

func TestCheckoutTimedOutFails(t *testing.T) {
	e := fastEngine(&fakePricing{})
	sg := newSaga()

	out := apply(t, e, sg, event.New(event.TypeCheckoutTimedOut, sg.ID))
	if out.Saga.State != saga.StateFailed {
		t.Errorf("expected FAILED, got '%s'", out.Saga.State)
	}
}

func TestPricingRetriesAreCounted(t *testing.T) {
	m, err := metrics.Init("checkout-orchestrator")
	if err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	e := New(&fakePricing{Discount: 500, Tax: 800, FailTimes: 2}, &Config{
		PricingMaxAttempts: 3,
		PricingRetry: &retry.Config{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2.0,
		},
	}, m, nil)

	sg := newSaga()
	sg.State = saga.StateInventoryReservationPending
	apply(t, e, sg, event.New(event.TypeInventoryReserved, sg.ID))

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()

	// Two failed attempts before success means two retries on the counter.
	re := regexp.MustCompile(`checkout_pricing_retries_total(\{[^}]*\})? 2`)
	if !re.MatchString(body) {
		t.Errorf("expected 2 pricing retries on the scrape, got:\n%s", body)
	}
}
