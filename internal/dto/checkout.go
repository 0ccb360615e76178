// Package dto defines the request and response shapes of the checkout API.
package dto

import (
	"fmt"
	"time"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
)

// CartItemRequest is one cart line in the admission request
type CartItemRequest struct {
	ProductID      string `json:"product_id" binding:"required"`
	Quantity       int    `json:"quantity" binding:"required,min=1"`
	UnitPriceCents int64  `json:"unit_price_cents" binding:"required,min=0"`
}

// CartDetailsRequest is the cart snapshot the saga will operate on
type CartDetailsRequest struct {
	Items           []CartItemRequest `json:"items" binding:"required,min=1,dive"`
	TotalPriceCents int64             `json:"total_price" binding:"min=0"`
}

// InitiateCheckoutRequest represents request to start a checkout saga
type InitiateCheckoutRequest struct {
	UserID      string             `json:"user_id" binding:"required"`
	CartID      string             `json:"cart_id" binding:"required"`
	CartDetails CartDetailsRequest `json:"cart_details" binding:"required"`
}

// InitiateCheckoutResponse represents response after admitting a checkout
type InitiateCheckoutResponse struct {
	CheckoutID string `json:"checkout_id"`
	Message    string `json:"message"`
}

// CheckoutStatusResponse represents a saga in API responses
type CheckoutStatusResponse struct {
	CheckoutID       string           `json:"checkout_id"`
	State            string           `json:"state"`
	Message          string           `json:"message"`
	UserID           string           `json:"user_id"`
	CartID           string           `json:"cart_id"`
	CurrentStep      string           `json:"current_step,omitempty"`
	FinalAmountCents int64            `json:"final_amount_cents"`
	DiscountCents    int64            `json:"discount_cents"`
	TaxCents         int64            `json:"tax_cents"`
	Errors           []saga.StepError `json:"errors,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ToCartDetails converts the request cart to the saga cart snapshot
func (r *CartDetailsRequest) ToCartDetails() *saga.CartDetails {
	items := make([]saga.CartItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, saga.CartItem{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	return &saga.CartDetails{Items: items, TotalPriceCents: r.TotalPriceCents}
}

// FromSaga converts a saga record to its API representation
func FromSaga(sg *saga.Saga) *CheckoutStatusResponse {
	return &CheckoutStatusResponse{
		CheckoutID:       sg.ID,
		State:            string(sg.State),
		Message:          statusMessage(sg),
		UserID:           sg.UserID,
		CartID:           sg.CartID,
		CurrentStep:      sg.Context.CurrentStep,
		FinalAmountCents: sg.Context.FinalAmountCents,
		DiscountCents:    sg.Context.DiscountCents,
		TaxCents:         sg.Context.TaxCents,
		Errors:           sg.Context.Errors,
		CreatedAt:        sg.CreatedAt,
		UpdatedAt:        sg.UpdatedAt,
	}
}

// statusMessage renders the saga state for API consumers
func statusMessage(sg *saga.Saga) string {
	switch sg.State {
	case saga.StateCompleted:
		return "checkout completed"
	case saga.StateFailed:
		if n := len(sg.Context.Errors); n > 0 {
			return fmt.Sprintf("checkout failed: %s", sg.Context.Errors[n-1].Reason)
		}
		return "checkout failed"
	case saga.StateCompensating:
		return "checkout failed, compensation in progress"
	default:
		if sg.Context.CurrentStep != "" {
			return fmt.Sprintf("checkout in progress: %s", sg.Context.CurrentStep)
		}
		return "checkout in progress"
	}
}
