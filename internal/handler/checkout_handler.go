// Package handler exposes the checkout HTTP API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/dto"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/metrics"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/service"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/response"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/telemetry"
)

// HealthChecker reports readiness of one dependency
type HealthChecker func(ctx context.Context) error

// CheckoutHandler handles checkout HTTP requests
type CheckoutHandler struct {
	service  service.CheckoutService
	checkers map[string]HealthChecker
}

// NewCheckoutHandler creates a checkout handler. checkers feed /health.
func NewCheckoutHandler(svc service.CheckoutService, checkers map[string]HealthChecker) *CheckoutHandler {
	return &CheckoutHandler{service: svc, checkers: checkers}
}

// RegisterRoutes mounts the API on the router
func (h *CheckoutHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/api/checkout", h.InitiateCheckout)
	r.GET("/api/checkout/:id", h.GetCheckout)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// InitiateCheckout handles POST /api/checkout
func (h *CheckoutHandler) InitiateCheckout(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.checkout.initiate")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.InitiateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("cart_id", req.CartID),
		attribute.Int("items", len(req.CartDetails.Items)),
	)

	resp, err := h.service.InitiateCheckout(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("checkout_id", resp.CheckoutID))
	span.SetStatus(codes.Ok, "")
	response.Created(c, resp)
}

// GetCheckout handles GET /api/checkout/:id
func (h *CheckoutHandler) GetCheckout(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.checkout.get")
	defer span.End()

	checkoutID := c.Param("id")
	span.SetAttributes(attribute.String("checkout_id", checkoutID))

	resp, err := h.service.GetCheckout(ctx, checkoutID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, resp)
}

// Health handles GET /health. Any failing dependency turns the response 503.
func (h *CheckoutHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checkers))
	for name, check := range h.checkers {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}

	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	c.JSON(status, body)
}

func (h *CheckoutHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidUserID),
		errors.Is(err, service.ErrInvalidCartID),
		errors.Is(err, service.ErrInvalidProductID),
		errors.Is(err, service.ErrEmptyCart):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrCheckoutNotFound):
		response.NotFound(c, "checkout not found")
	default:
		response.InternalError(c, err)
	}
}
