// Package service implements the checkout admission flow: validate, create
// the saga record, and publish the initiating event.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/dto"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/event"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/kafka"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/metrics"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
)

// Validation errors surfaced to the API layer.
var (
	ErrInvalidUserID    = errors.New("user_id must be a v4 uuid")
	ErrInvalidCartID    = errors.New("cart_id must be a v4 uuid")
	ErrInvalidProductID = errors.New("product_id must be a v4 uuid")
	ErrEmptyCart        = errors.New("cart must contain at least one item")
	ErrCheckoutNotFound = errors.New("checkout not found")
)

// CheckoutService is the admission and status surface behind the HTTP API
type CheckoutService interface {
	InitiateCheckout(ctx context.Context, req *dto.InitiateCheckoutRequest) (*dto.InitiateCheckoutResponse, error)
	GetCheckout(ctx context.Context, checkoutID string) (*dto.CheckoutStatusResponse, error)
}

type checkoutService struct {
	store    saga.Store
	producer kafka.Producer
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewCheckoutService creates a CheckoutService
func NewCheckoutService(store saga.Store, producer kafka.Producer, m *metrics.Metrics, log *zap.Logger) CheckoutService {
	if log == nil {
		log = zap.NewNop()
	}
	return &checkoutService{store: store, producer: producer, metrics: m, log: log}
}

// InitiateCheckout validates the request, persists a fresh saga in INITIATED
// and publishes CheckoutInitiated. The saga record goes first: if the publish
// fails the reaper times the orphan out, whereas an event without a record
// would be dropped as unknown.
func (s *checkoutService) InitiateCheckout(ctx context.Context, req *dto.InitiateCheckoutRequest) (*dto.InitiateCheckoutResponse, error) {
	if !saga.ValidUUIDv4(req.UserID) {
		return nil, ErrInvalidUserID
	}
	if !saga.ValidUUIDv4(req.CartID) {
		return nil, ErrInvalidCartID
	}
	if len(req.CartDetails.Items) == 0 {
		return nil, ErrEmptyCart
	}
	for _, item := range req.CartDetails.Items {
		if !saga.ValidUUIDv4(item.ProductID) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProductID, item.ProductID)
		}
	}

	sg := saga.New(req.UserID, req.CartID, req.CartDetails.ToCartDetails())
	if err := s.store.Create(ctx, sg); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	env := event.New(event.TypeCheckoutInitiated, sg.ID)
	env.UserID = sg.UserID
	env.CartID = sg.CartID
	env.CartDetails = sg.Context.CartDetails
	payload, err := event.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode checkout event: %w", err)
	}
	if err := s.producer.Produce(ctx, event.TopicCheckoutInitiated, sg.ID, payload, nil); err != nil {
		s.log.Error("publish checkout initiated failed",
			zap.String("saga_id", sg.ID),
			zap.Error(err))
		return nil, fmt.Errorf("publish checkout event: %w", err)
	}

	s.log.Info("checkout admitted",
		zap.String("saga_id", sg.ID),
		zap.String("user_id", sg.UserID),
		zap.String("cart_id", sg.CartID),
		zap.Int("items", len(sg.Context.CartDetails.Items)))
	if s.metrics != nil {
		s.metrics.SagasStarted.Add(ctx, 1)
	}

	return &dto.InitiateCheckoutResponse{
		CheckoutID: sg.ID,
		Message:    "checkout initiated",
	}, nil
}

// GetCheckout returns the current saga state for polling clients
func (s *checkoutService) GetCheckout(ctx context.Context, checkoutID string) (*dto.CheckoutStatusResponse, error) {
	if !saga.ValidUUIDv4(checkoutID) {
		return nil, ErrCheckoutNotFound
	}
	sg, err := s.store.Load(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			return nil, ErrCheckoutNotFound
		}
		return nil, fmt.Errorf("load saga: %w", err)
	}
	return dto.FromSaga(sg), nil
}
