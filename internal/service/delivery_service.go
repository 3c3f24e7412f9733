package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/totoapp/delivery-core/internal/fare"
	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/model"
	"github.com/totoapp/delivery-core/internal/repository"
)

// maxCodeAttempts bounds the retry loop for the 4-digit confirmation code.
// After that the code falls back to 8 hex characters, where a collision is
// no longer a realistic concern.
const maxCodeAttempts = 5

// DeliveryService owns the delivery lifecycle: creation, the accept path
// that spends credit, cancellation with its refund, generic transitions and
// proof-code verification.
type DeliveryService struct {
	store repository.Store
	cache *repository.RedisCache
	fares *fare.Calculator
}

func NewDeliveryService(store repository.Store, cache *repository.RedisCache, fares *fare.Calculator) *DeliveryService {
	return &DeliveryService{
		store: store,
		cache: cache,
		fares: fares,
	}
}

// Create prices and stores a new delivery for the requester. The proof
// tokens and the confirmation code are generated here, once, and never
// change afterwards.
func (s *DeliveryService) Create(ctx context.Context, requesterID string, req *model.CreateDeliveryRequest) (*model.Delivery, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	distance, price := s.fares.Quote(
		req.PickupLatitude, req.PickupLongitude,
		req.DropoffLatitude, req.DropoffLongitude,
	)

	code, err := s.generateConfirmationCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	delivery := &model.Delivery{
		ID:          uuid.New().String(),
		RequesterID: requesterID,

		PickupAddress:   req.PickupAddress,
		PickupLatitude:  req.PickupLatitude,
		PickupLongitude: req.PickupLongitude,
		PickupPhone:     req.PickupPhone,

		DropoffAddress:   req.DropoffAddress,
		DropoffLatitude:  req.DropoffLatitude,
		DropoffLongitude: req.DropoffLongitude,
		DropoffPhone:     req.DropoffPhone,
		ReceiverName:     req.ReceiverName,

		PackageDescription:  req.PackageDescription,
		PackageWeight:       req.PackageWeight,
		SpecialInstructions: req.SpecialInstructions,

		PickupToken:      generateProofToken(model.ProofPickup),
		DeliveryToken:    generateProofToken(model.ProofDelivery),
		ConfirmationCode: code,

		Status:     model.StatusPending,
		Price:      price,
		DistanceKm: distance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, err
	}

	metrics.DeliveriesCreatedTotal.Inc()
	logger.Info("delivery created", map[string]interface{}{
		"delivery_id":  delivery.ID,
		"requester_id": requesterID,
		"distance_km":  distance,
		"price":        price,
	})

	s.cacheDelivery(ctx, delivery)
	return delivery, nil
}

func validateCreateRequest(req *model.CreateDeliveryRequest) error {
	switch {
	case req.PickupAddress == "":
		return fmt.Errorf("%w: pickup_address is required", model.ErrValidation)
	case req.DropoffAddress == "":
		return fmt.Errorf("%w: dropoff_address is required", model.ErrValidation)
	case req.DropoffPhone == "":
		return fmt.Errorf("%w: dropoff_phone is required", model.ErrValidation)
	case req.ReceiverName == "":
		return fmt.Errorf("%w: receiver_name is required", model.ErrValidation)
	}
	for _, lat := range []float64{req.PickupLatitude, req.DropoffLatitude} {
		if lat < -90 || lat > 90 {
			return fmt.Errorf("%w: latitude out of range", model.ErrValidation)
		}
	}
	for _, lon := range []float64{req.PickupLongitude, req.DropoffLongitude} {
		if lon < -180 || lon > 180 {
			return fmt.Errorf("%w: longitude out of range", model.ErrValidation)
		}
	}
	return nil
}

// Get fetches a delivery visible to the actor. Requesters see their own
// deliveries, couriers the ones assigned to them.
func (s *DeliveryService) Get(ctx context.Context, deliveryID, actorID string, role model.ActorRole) (*model.Delivery, error) {
	delivery, err := s.getDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	switch role {
	case model.RoleRequester:
		if delivery.RequesterID != actorID {
			return nil, model.ErrForbidden
		}
	case model.RoleCourier:
		// A courier may inspect a pending delivery before accepting it.
		if delivery.Status != model.StatusPending && delivery.CourierID != actorID {
			return nil, model.ErrForbidden
		}
	default:
		return nil, model.ErrForbidden
	}
	return delivery, nil
}

func (s *DeliveryService) getDelivery(ctx context.Context, deliveryID string) (*model.Delivery, error) {
	if s.cache != nil {
		cached, err := s.cache.GetCachedDelivery(ctx, deliveryID)
		if err == nil && cached != nil {
			return cached, nil
		}
	}

	delivery, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, model.ErrNotFound
	}
	s.cacheDelivery(ctx, delivery)
	return delivery, nil
}

// ListForActor returns the actor's deliveries, optionally filtered by
// status, newest first.
func (s *DeliveryService) ListForActor(ctx context.Context, actorID string, role model.ActorRole, status model.DeliveryStatus) ([]*model.Delivery, error) {
	if status != "" && !model.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrValidation, status)
	}
	return s.store.ListDeliveriesForActor(ctx, actorID, role, status)
}

// ListAvailable returns pending deliveries couriers can accept, newest
// first.
func (s *DeliveryService) ListAvailable(ctx context.Context) ([]*model.Delivery, error) {
	return s.store.ListPendingDeliveries(ctx)
}

// Accept claims a pending delivery for the courier and spends one credit
// unit, all as one atomic store operation. When any check fails nothing is
// applied: the delivery stays pending and unclaimed, the balance untouched.
func (s *DeliveryService) Accept(ctx context.Context, deliveryID, courierID string) (*model.Delivery, error) {
	delivery, err := s.store.AcceptDelivery(ctx, deliveryID, courierID)
	if err != nil {
		return nil, err
	}

	metrics.DeliveriesAcceptedTotal.Inc()
	metrics.CreditUnitsConsumedTotal.Inc()
	logger.Info("delivery accepted", map[string]interface{}{
		"delivery_id": deliveryID,
		"courier_id":  courierID,
	})

	s.cacheDelivery(ctx, delivery)
	s.invalidateAccountCache(ctx, courierID)
	return delivery, nil
}

// Cancel cancels a non-terminal delivery. The requester may cancel their
// own delivery, the assigned courier theirs; the refund, when due, always
// flows to the courier who spent the credit.
func (s *DeliveryService) Cancel(ctx context.Context, deliveryID, actorID string, role model.ActorRole) (*model.Delivery, error) {
	delivery, err := s.getDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	switch role {
	case model.RoleRequester:
		if delivery.RequesterID != actorID {
			return nil, model.ErrForbidden
		}
	case model.RoleCourier:
		if delivery.CourierID != actorID {
			return nil, model.ErrForbidden
		}
	default:
		return nil, model.ErrForbidden
	}

	cancelled, refunded, err := s.store.CancelDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	metrics.DeliveriesCancelledTotal.Inc()
	if refunded {
		metrics.CreditUnitsRefundedTotal.Inc()
		s.invalidateAccountCache(ctx, cancelled.CourierID)
	}
	logger.Info("delivery cancelled", map[string]interface{}{
		"delivery_id": deliveryID,
		"actor_id":    actorID,
		"role":        role,
		"refunded":    refunded,
	})

	s.cacheDelivery(ctx, cancelled)
	return cancelled, nil
}

// RequestTransition applies a generic lifecycle transition. Requesters may
// only cancel; acceptance must go through Accept so credit is spent.
func (s *DeliveryService) RequestTransition(ctx context.Context, deliveryID string, newStatus model.DeliveryStatus, actorID string, role model.ActorRole) (*model.Delivery, error) {
	if !model.ValidStatus(newStatus) {
		return nil, model.ErrInvalidTransition
	}
	if role == model.RoleRequester && newStatus != model.StatusCancelled {
		return nil, model.ErrForbidden
	}
	if newStatus == model.StatusCancelled {
		return s.Cancel(ctx, deliveryID, actorID, role)
	}
	// Claiming a delivery without paying for it is not a transition.
	if newStatus == model.StatusAccepted {
		return nil, model.ErrInvalidTransition
	}

	delivery, err := s.getDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if role != model.RoleCourier || delivery.CourierID != actorID {
		return nil, model.ErrForbidden
	}

	updated, err := s.store.TransitionDelivery(ctx, deliveryID, newStatus)
	if err != nil {
		return nil, err
	}

	if newStatus == model.StatusDelivered {
		metrics.DeliveriesCompletedTotal.Inc()
	}
	logger.Info("delivery transitioned", map[string]interface{}{
		"delivery_id": deliveryID,
		"status":      newStatus,
	})

	s.cacheDelivery(ctx, updated)
	return updated, nil
}

// VerifyProofCode checks a presented pickup or delivery code and applies
// the corresponding checkpoint transition. The comparison is an exact
// string match against the kind's token, with the short confirmation code
// accepted as a manual fallback for either kind.
func (s *DeliveryService) VerifyProofCode(ctx context.Context, deliveryID, presented string, kind model.ProofKind) (*model.Delivery, error) {
	if kind != model.ProofPickup && kind != model.ProofDelivery {
		return nil, model.ErrInvalidCode
	}

	delivery, err := s.getDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	expected := delivery.PickupToken
	if kind == model.ProofDelivery {
		expected = delivery.DeliveryToken
	}
	if presented != expected && presented != delivery.ConfirmationCode {
		logger.Warn("proof code mismatch", map[string]interface{}{
			"delivery_id": deliveryID,
			"kind":        kind,
		})
		return nil, model.ErrInvalidCode
	}

	updated, err := s.store.CompleteCheckpoint(ctx, deliveryID, kind)
	if err != nil {
		return nil, err
	}

	if updated.Status == model.StatusDelivered {
		metrics.DeliveriesCompletedTotal.Inc()
	}
	logger.Info("proof code verified", map[string]interface{}{
		"delivery_id": deliveryID,
		"kind":        kind,
		"status":      updated.Status,
	})

	s.cacheDelivery(ctx, updated)
	return updated, nil
}

func generateProofToken(kind model.ProofKind) string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return fmt.Sprintf("TOTO-%s-%d-%s",
		strings.ToUpper(string(kind)), time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// generateConfirmationCode draws 4-digit codes until one is unused. The
// attempt count is capped; near-exhaustion of the 4-digit space falls back
// to a longer hex code instead of looping forever.
func (s *DeliveryService) generateConfirmationCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("%04d", n.Int64())

		exists, err := s.store.ConfirmationCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}

	buf := make([]byte, 4)
	rand.Read(buf)
	code := hex.EncodeToString(buf)
	exists, err := s.store.ConfirmationCodeExists(ctx, code)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("could not generate a unique confirmation code")
	}
	return code, nil
}

func (s *DeliveryService) cacheDelivery(ctx context.Context, delivery *model.Delivery) {
	if s.cache == nil {
		return
	}
	if err := s.cache.CacheDelivery(ctx, delivery); err != nil {
		logger.Warn("failed to cache delivery", map[string]interface{}{
			"delivery_id": delivery.ID,
			"error":       err.Error(),
		})
	}
}

func (s *DeliveryService) invalidateAccountCache(ctx context.Context, courierID string) {
	if s.cache == nil || courierID == "" {
		return
	}
	if err := s.cache.InvalidateActiveAccount(ctx, courierID); err != nil {
		logger.Warn("failed to invalidate credit account cache", map[string]interface{}{
			"courier_id": courierID,
			"error":      err.Error(),
		})
	}
}
