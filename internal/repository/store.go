package repository

import (
	"context"
	"time"

	"github.com/totoapp/delivery-core/internal/model"
)

// Store is the shared transactional store behind the delivery state machine
// and the credit ledger. Mutations that touch both a delivery row and an
// account row (accept, cancel-with-refund) are single atomic operations
// here; the lock order inside them is fixed globally as delivery row first,
// account row second.
type Store interface {
	// Deliveries
	CreateDelivery(ctx context.Context, d *model.Delivery) error
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)
	ListDeliveriesForActor(ctx context.Context, actorID string, role model.ActorRole, status model.DeliveryStatus) ([]*model.Delivery, error)
	ListPendingDeliveries(ctx context.Context) ([]*model.Delivery, error)
	ConfirmationCodeExists(ctx context.Context, code string) (bool, error)

	// AcceptDelivery atomically claims a pending delivery for the courier
	// and consumes one credit unit. It fails with ErrAlreadyHasActiveJob,
	// ErrAlreadyTaken, ErrNoActiveCredit or ErrNotFound; on any failure the
	// delivery is left unclaimed and no credit is spent.
	AcceptDelivery(ctx context.Context, deliveryID, courierID string) (*model.Delivery, error)

	// CancelDelivery atomically cancels a non-terminal delivery and, when a
	// usage transaction exists for it, refunds the assigned courier. The
	// returned flag reports whether a refund was issued.
	CancelDelivery(ctx context.Context, deliveryID string) (*model.Delivery, bool, error)

	// TransitionDelivery moves a delivery to newStatus under the lifecycle
	// table, stamping the status timestamp. ErrInvalidTransition when the
	// current status does not allow it.
	TransitionDelivery(ctx context.Context, deliveryID string, newStatus model.DeliveryStatus) (*model.Delivery, error)

	// CompleteCheckpoint applies a proof-code driven jump: pickup moves
	// {accepted, pickupInProgress} to pickedUp, delivery moves {pickedUp,
	// deliveryInProgress} to delivered. ErrInvalidTransition from any other
	// state.
	CompleteCheckpoint(ctx context.Context, deliveryID string, kind model.ProofKind) (*model.Delivery, error)

	// Credit ledger
	PurchaseCredit(ctx context.Context, courierID string, units int, price float64, expiresAt time.Time, description string) (*model.CreditAccount, error)
	GetActiveAccount(ctx context.Context, courierID string) (*model.CreditAccount, error)
	GetAccount(ctx context.Context, accountID string) (*model.CreditAccount, error)
	ListAccounts(ctx context.Context, courierID string) ([]*model.CreditAccount, error)
	ConsumeCredit(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error)
	RefundCredit(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error)
	ExpireAccounts(ctx context.Context, now time.Time) (int, error)
	ListTransactions(ctx context.Context, accountID string) ([]*model.CreditTransaction, error)

	// Tracking (append-only)
	AppendLocationSample(ctx context.Context, s *model.LocationSample) error
	ListLocationSamples(ctx context.Context, deliveryID string) ([]*model.LocationSample, error)

	Close() error
}
