package model

import (
	"time"
)

// DeliveryStatus is the lifecycle state of a delivery.
type DeliveryStatus string

const (
	StatusPending            DeliveryStatus = "pending"
	StatusAccepted           DeliveryStatus = "accepted"
	StatusPickupInProgress   DeliveryStatus = "pickupInProgress"
	StatusPickedUp           DeliveryStatus = "pickedUp"
	StatusDeliveryInProgress DeliveryStatus = "deliveryInProgress"
	StatusDelivered          DeliveryStatus = "delivered"
	StatusCancelled          DeliveryStatus = "cancelled"
)

// allowedTransitions is the full lifecycle table. Terminal states map to nil.
var allowedTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:            {StatusAccepted, StatusCancelled},
	StatusAccepted:           {StatusPickupInProgress, StatusCancelled},
	StatusPickupInProgress:   {StatusPickedUp, StatusCancelled},
	StatusPickedUp:           {StatusDeliveryInProgress, StatusCancelled},
	StatusDeliveryInProgress: {StatusDelivered, StatusCancelled},
	StatusDelivered:          nil,
	StatusCancelled:          nil,
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s DeliveryStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s DeliveryStatus) bool {
	return s == StatusDelivered || s == StatusCancelled
}

// ActorRole identifies who is acting on a delivery. The core trusts the
// caller to have authenticated the actor already.
type ActorRole string

const (
	RoleRequester ActorRole = "requester"
	RoleCourier   ActorRole = "courier"
)

type Delivery struct {
	ID          string `json:"id" db:"id"`
	RequesterID string `json:"requester_id" db:"requester_id"`
	// CourierID stays empty until a courier accepts the job.
	CourierID string `json:"courier_id,omitempty" db:"courier_id"`

	PickupAddress   string  `json:"pickup_address" db:"pickup_address"`
	PickupLatitude  float64 `json:"pickup_latitude" db:"pickup_latitude"`
	PickupLongitude float64 `json:"pickup_longitude" db:"pickup_longitude"`
	PickupPhone     string  `json:"pickup_phone,omitempty" db:"pickup_phone"`

	DropoffAddress   string  `json:"dropoff_address" db:"dropoff_address"`
	DropoffLatitude  float64 `json:"dropoff_latitude" db:"dropoff_latitude"`
	DropoffLongitude float64 `json:"dropoff_longitude" db:"dropoff_longitude"`
	DropoffPhone     string  `json:"dropoff_phone" db:"dropoff_phone"`
	ReceiverName     string  `json:"receiver_name" db:"receiver_name"`

	PackageDescription string   `json:"package_description,omitempty" db:"package_description"`
	PackageWeight      *float64 `json:"package_weight,omitempty" db:"package_weight"`

	// Proof tokens are generated once at creation and never change.
	PickupToken   string `json:"pickup_token" db:"pickup_token"`
	DeliveryToken string `json:"delivery_token" db:"delivery_token"`
	// ConfirmationCode is the short human-enterable fallback for both tokens.
	ConfirmationCode string `json:"confirmation_code" db:"confirmation_code"`

	Status              DeliveryStatus `json:"status" db:"status"`
	Price               float64        `json:"price" db:"price"`
	DistanceKm          float64        `json:"distance_km" db:"distance_km"`
	SpecialInstructions string         `json:"special_instructions,omitempty" db:"special_instructions"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty" db:"picked_up_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// ProofKind selects which checkpoint a presented code is verified against.
type ProofKind string

const (
	ProofPickup   ProofKind = "pickup"
	ProofDelivery ProofKind = "delivery"
)

// Request/Response models
type CreateDeliveryRequest struct {
	PickupAddress   string  `json:"pickup_address" binding:"required"`
	PickupLatitude  float64 `json:"pickup_latitude" binding:"required"`
	PickupLongitude float64 `json:"pickup_longitude" binding:"required"`
	PickupPhone     string  `json:"pickup_phone"`

	DropoffAddress   string  `json:"dropoff_address" binding:"required"`
	DropoffLatitude  float64 `json:"dropoff_latitude" binding:"required"`
	DropoffLongitude float64 `json:"dropoff_longitude" binding:"required"`
	DropoffPhone     string  `json:"dropoff_phone" binding:"required"`
	ReceiverName     string  `json:"receiver_name" binding:"required"`

	PackageDescription  string   `json:"package_description"`
	PackageWeight       *float64 `json:"package_weight"`
	SpecialInstructions string   `json:"special_instructions"`
}

type TransitionRequest struct {
	Status DeliveryStatus `json:"status" binding:"required"`
}

type VerifyProofRequest struct {
	Code string    `json:"code" binding:"required"`
	Kind ProofKind `json:"kind" binding:"required"`
}
