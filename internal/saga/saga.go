// Package saga defines the checkout saga record, its state graph, and the
// durable Store contract.
package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a checkout saga
type State string

const (
	StateInitiated                   State = "INITIATED"
	StateInventoryReservationPending State = "INVENTORY_RESERVATION_PENDING"
	StateInventoryReserved           State = "INVENTORY_RESERVED"
	StatePaymentProcessingPending    State = "PAYMENT_PROCESSING_PENDING"
	StatePaymentProcessed            State = "PAYMENT_PROCESSED"
	StateOrderCreationPending        State = "ORDER_CREATION_PENDING"
	StateOrderCreated                State = "ORDER_CREATED"
	StateCartClearancePending        State = "CART_CLEARANCE_PENDING"
	StateCompensating                State = "COMPENSATING"
	StateCompleted                   State = "COMPLETED"
	StateFailed                      State = "FAILED"
)

// Terminal reports whether no further transition may mutate the record
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// forwardEdges is the directed transition graph. INVENTORY_RESERVED,
// PAYMENT_PROCESSED and ORDER_CREATED are transient in-memory states the
// engine passes through within a single handler.
var forwardEdges = map[State][]State{
	StateInitiated:                   {StateInventoryReservationPending},
	StateInventoryReservationPending: {StateInventoryReserved, StatePaymentProcessingPending},
	StateInventoryReserved:           {StatePaymentProcessingPending},
	StatePaymentProcessingPending:    {StatePaymentProcessed, StateOrderCreationPending},
	StatePaymentProcessed:            {StateOrderCreationPending},
	StateOrderCreationPending:        {StateOrderCreated, StateCartClearancePending},
	StateOrderCreated:                {StateCartClearancePending},
	StateCartClearancePending:        {StateCompleted},
	StateCompensating:                {},
}

// CanTransition reports whether from→to is a legal edge. Every non-terminal
// state may move to FAILED or COMPENSATING.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	if to == StateCompensating {
		return from != StateCompensating
	}
	for _, next := range forwardEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CartItem is a single line in the checkout cart
type CartItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// CartDetails carries the cart snapshot the saga operates on.
// TotalPriceCents is in cents, matching the bus payload field total_price.
type CartDetails struct {
	Items           []CartItem `json:"items"`
	TotalPriceCents int64      `json:"total_price"`
}

// StepError records one failure observed during the saga
type StepError struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// Context is the structured document accumulated through the saga lifetime
type Context struct {
	CartDetails                 *CartDetails           `json:"cart_details,omitempty"`
	InventoryReservationDetails map[string]interface{} `json:"inventory_reservation_details,omitempty"`
	DiscountCents               int64                  `json:"discount_cents"`
	TaxCents                    int64                  `json:"tax_cents"`
	FinalAmountCents            int64                  `json:"final_amount_cents"`
	PaymentDetails              map[string]interface{} `json:"payment_details,omitempty"`
	OrderDetails                map[string]interface{} `json:"order_details,omitempty"`
	CurrentStep                 string                 `json:"current_step,omitempty"`
	Errors                      []StepError            `json:"errors,omitempty"`
	PricingAttempts             int                    `json:"pricing_attempts,omitempty"`
	CompensationsPending        []string               `json:"compensations_pending,omitempty"`
	CompensationsDone           []string               `json:"compensations_done,omitempty"`
}

// Saga is the durable checkout saga record
type Saga struct {
	ID                string    `json:"id"`
	State             State     `json:"state"`
	UserID            string    `json:"user_id"`
	CartID            string    `json:"cart_id"`
	Context           Context   `json:"context"`
	ProcessedEventIDs []string  `json:"processed_event_ids"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// New creates a saga in INITIATED with a fresh UUID
func New(userID, cartID string, cart *CartDetails) *Saga {
	now := time.Now().UTC()
	return &Saga{
		ID:                uuid.New().String(),
		State:             StateInitiated,
		UserID:            userID,
		CartID:            cartID,
		Context:           Context{CartDetails: cart},
		ProcessedEventIDs: []string{},
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy via JSON round trip
func (s *Saga) Clone() *Saga {
	data, err := json.Marshal(s)
	if err != nil {
		// Saga only holds JSON-serializable fields.
		panic(fmt.Sprintf("saga clone: %v", err))
	}
	var out Saga
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("saga clone: %v", err))
	}
	return &out
}

// TransitionTo moves the saga to next, refusing illegal edges
func (s *Saga) TransitionTo(next State) error {
	if !CanTransition(s.State, next) {
		return fmt.Errorf("illegal saga transition %s -> %s (saga %s)", s.State, next, s.ID)
	}
	s.State = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// HasProcessed reports whether eventID was already consumed
func (s *Saga) HasProcessed(eventID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkProcessed appends eventID to the dedup log
func (s *Saga) MarkProcessed(eventID string) {
	if s.HasProcessed(eventID) {
		return
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
}

// RecordError appends a step failure to the context
func (s *Saga) RecordError(step, reason string) {
	s.Context.Errors = append(s.Context.Errors, StepError{Step: step, Reason: reason})
}

// Terminal reports whether the saga reached COMPLETED or FAILED
func (s *Saga) Terminal() bool {
	return s.State.Terminal()
}

// ValidUUIDv4 reports whether id parses as a version-4 UUID
func ValidUUIDv4(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4
}
