// Package event defines the bus envelope for saga commands and events and
// the codec that validates them on the way in and out.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
)

// Topic names are contractual; downstream services subscribe by these.
const (
	TopicCheckoutInitiated = "checkout.checkout-initiated"
	TopicInventoryCommand  = "checkout.inventory-command"
	TopicPaymentCommand    = "checkout.payment-command"
	TopicOrderCommand      = "checkout.order-command"
	TopicCartCommand       = "checkout.cart-command"
	TopicCheckoutEvents    = "checkout.checkout-events"
)

// Event and command type tags.
const (
	TypeCheckoutInitiated          = "CheckoutInitiated"
	TypeReserveInventory           = "ReserveInventory"
	TypeInventoryReserved          = "InventoryReserved"
	TypeInventoryReservationFailed = "InventoryReservationFailed"
	TypeProcessPayment             = "ProcessPayment"
	TypePaymentProcessed           = "PaymentProcessed"
	TypePaymentFailed              = "PaymentFailed"
	TypeCreateOrder                = "CreateOrder"
	TypeOrderCreated               = "OrderCreated"
	TypeOrderCreationFailed        = "OrderCreationFailed"
	TypeClearCart                  = "ClearCart"
	TypeCartCleared                = "CartCleared"
	TypeCartClearanceFailed        = "CartClearanceFailed"
	TypeCompensateInventory        = "CompensateInventory"
	TypeCompensatePayment          = "CompensatePayment"
	TypeInventoryReleased          = "InventoryReleased"
	TypePaymentRefunded            = "PaymentRefunded"
	TypeCheckoutTimedOut           = "CheckoutTimedOut"
	TypeCompensationTimedOut       = "CompensationTimedOut"
	TypeCheckoutAlert              = "CheckoutAlert"
)

var knownTypes = map[string]struct{}{
	TypeCheckoutInitiated:          {},
	TypeReserveInventory:           {},
	TypeInventoryReserved:          {},
	TypeInventoryReservationFailed: {},
	TypeProcessPayment:             {},
	TypePaymentProcessed:           {},
	TypePaymentFailed:              {},
	TypeCreateOrder:                {},
	TypeOrderCreated:               {},
	TypeOrderCreationFailed:        {},
	TypeClearCart:                  {},
	TypeCartCleared:                {},
	TypeCartClearanceFailed:        {},
	TypeCompensateInventory:        {},
	TypeCompensatePayment:          {},
	TypeInventoryReleased:          {},
	TypePaymentRefunded:            {},
	TypeCheckoutTimedOut:           {},
	TypeCompensationTimedOut:       {},
	TypeCheckoutAlert:              {},
}

var (
	// ErrUnknownEventType is returned for a type tag outside the contract
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidEnvelope is returned when required fields are missing or malformed
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Envelope is the wire shape shared by events and commands. Commands carry
// ReplyToTopic; replies carry the payload fields of their type. Field order
// in this struct fixes the encoded byte layout, so encoding is deterministic.
type Envelope struct {
	Type    string `json:"type"`
	SagaID  string `json:"saga_id"`
	EventID string `json:"event_id"`

	UserID string `json:"user_id,omitempty"`
	CartID string `json:"cart_id,omitempty"`

	CartDetails        *saga.CartDetails      `json:"cart_details,omitempty"`
	Items              []saga.CartItem        `json:"items,omitempty"`
	ReservationDetails map[string]interface{} `json:"reservation_details,omitempty"`
	PaymentDetails     map[string]interface{} `json:"payment_details,omitempty"`
	OrderDetails       map[string]interface{} `json:"order_details,omitempty"`

	// AmountCents is the payment amount in cents (field name per contract)
	AmountCents  int64  `json:"amount,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ReplyToTopic string `json:"reply_to_topic,omitempty"`
}

// New builds an envelope with a fresh event id
func New(eventType, sagaID string) *Envelope {
	return &Envelope{
		Type:    eventType,
		SagaID:  sagaID,
		EventID: uuid.New().String(),
	}
}

// Encode marshals the envelope. Struct field order keeps the output stable
// for byte comparison in tests.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates an inbound payload
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the type tag and the UUID shape of saga_id and event_id
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if !saga.ValidUUIDv4(e.SagaID) {
		return fmt.Errorf("%w: saga_id %q is not a v4 uuid", ErrInvalidEnvelope, e.SagaID)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrInvalidEnvelope)
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("%w: event_id %q is not a uuid", ErrInvalidEnvelope, e.EventID)
	}
	return nil
}
