// Package pricing calls the discount and tax engines synchronously.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
)

const (
	discountPath = "/api/discounts/calculate"
	taxPath      = "/api/tax/calculate"
)

// Error is a pricing RPC failure. The engine treats it as transient.
type Error struct {
	Service string
	Status  int
	Reason  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("pricing %s failed: status %d: %s", e.Service, e.Status, e.Reason)
	}
	return fmt.Sprintf("pricing %s failed: %s", e.Service, e.Reason)
}

// Calculator is the pricing surface the engine consumes
type Calculator interface {
	CalculateDiscount(ctx context.Context, cartID, userID string, items []saga.CartItem) (int64, error)
	CalculateTax(ctx context.Context, cartID string, items []saga.CartItem) (int64, error)
}

// Config holds the engine base URLs; both are required at startup
type Config struct {
	DiscountBaseURL string
	TaxBaseURL      string
	Timeout         time.Duration
}

// Client is the HTTP implementation of Calculator
type Client struct {
	discountBaseURL string
	taxBaseURL      string
	httpClient      *http.Client
	log             *zap.Logger
}

// NewClient builds a pricing client; missing base URLs are a config error
func NewClient(cfg *Config, log *zap.Logger) (*Client, error) {
	if cfg.DiscountBaseURL == "" {
		return nil, fmt.Errorf("discount engine base url is required")
	}
	if cfg.TaxBaseURL == "" {
		return nil, fmt.Errorf("tax engine base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		discountBaseURL: cfg.DiscountBaseURL,
		taxBaseURL:      cfg.TaxBaseURL,
		httpClient:      &http.Client{Timeout: timeout},
		log:             log,
	}, nil
}

type discountRequest struct {
	CartID string          `json:"cart_id"`
	UserID string          `json:"user_id"`
	Items  []saga.CartItem `json:"items"`
}

type discountResponse struct {
	TotalDiscountCents *int64 `json:"totalDiscountCents"`
}

type taxRequest struct {
	CartID string          `json:"cart_id"`
	Items  []saga.CartItem `json:"items"`
}

type taxResponse struct {
	TaxCents *int64 `json:"taxCents"`
}

// CalculateDiscount returns the total discount in cents for the cart
func (c *Client) CalculateDiscount(ctx context.Context, cartID, userID string, items []saga.CartItem) (int64, error) {
	var resp discountResponse
	err := c.post(ctx, "discount", c.discountBaseURL+discountPath,
		discountRequest{CartID: cartID, UserID: userID, Items: items}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.TotalDiscountCents == nil {
		return 0, &Error{Service: "discount", Reason: "missing totalDiscountCents in response"}
	}
	if *resp.TotalDiscountCents < 0 {
		return 0, &Error{Service: "discount", Reason: fmt.Sprintf("negative discount %d", *resp.TotalDiscountCents)}
	}
	return *resp.TotalDiscountCents, nil
}

// CalculateTax returns the tax in cents for the cart
func (c *Client) CalculateTax(ctx context.Context, cartID string, items []saga.CartItem) (int64, error) {
	var resp taxResponse
	err := c.post(ctx, "tax", c.taxBaseURL+taxPath, taxRequest{CartID: cartID, Items: items}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.TaxCents == nil {
		return 0, &Error{Service: "tax", Reason: "missing taxCents in response"}
	}
	if *resp.TaxCents < 0 {
		return 0, &Error{Service: "tax", Reason: fmt.Sprintf("negative tax %d", *resp.TaxCents)}
	}
	return *resp.TaxCents, nil
}

func (c *Client) post(ctx context.Context, service, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Service: service, Reason: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &Error{Service: service, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Service: service, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("pricing call returned non-2xx",
			zap.String("service", service),
			zap.Int("status", resp.StatusCode))
		return &Error{Service: service, Status: resp.StatusCode, Reason: "non-2xx response"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Service: service, Reason: fmt.Sprintf("read response: %v", err)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Service: service, Reason: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}
