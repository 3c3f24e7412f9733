package model

import (
	"time"
)

// PackageType selects a prepaid credit package from the catalog.
type PackageType string

const (
	PackageBasic    PackageType = "basic"
	PackageStandard PackageType = "standard"
	PackagePremium  PackageType = "premium"
	PackageCustom   PackageType = "custom"
)

// CreditAccount holds a courier's prepaid delivery credit. A courier has at
// most one account; purchases merge into it additively.
type CreditAccount struct {
	ID             string     `json:"id" db:"id"`
	CourierID      string     `json:"courier_id" db:"courier_id"`
	TotalUnits     int        `json:"total_units" db:"total_units"`
	UsedUnits      int        `json:"used_units" db:"used_units"`
	RemainingUnits int        `json:"remaining_units" db:"remaining_units"`
	PricePaid      float64    `json:"price_paid" db:"price_paid"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	PurchasedAt    time.Time  `json:"purchased_at" db:"purchased_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// TransactionType tags a ledger entry.
type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"
	TxUsage      TransactionType = "usage"
	TxRefund     TransactionType = "refund"
	TxExpiration TransactionType = "expiration"
)

// CreditTransaction is an append-only ledger entry. Entries are never
// updated or deleted once written.
type CreditTransaction struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	DeliveryID    string          `json:"delivery_id,omitempty" db:"delivery_id"`
	Type          TransactionType `json:"transaction_type" db:"transaction_type"`
	Amount        int             `json:"amount" db:"amount"`
	BalanceBefore int             `json:"balance_before" db:"balance_before"`
	BalanceAfter  int             `json:"balance_after" db:"balance_after"`
	Description   string          `json:"description,omitempty" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CreditPackage describes one entry of the purchase catalog.
type CreditPackage struct {
	Type         PackageType `json:"package_type"`
	Units        int         `json:"units"`
	Price        float64     `json:"price"`
	PricePerUnit float64     `json:"price_per_unit"`
	ValidityDays int         `json:"validity_days"`
	SavingsPct   int         `json:"savings_pct"`
}

type PurchaseCreditRequest struct {
	PackageType      PackageType `json:"package_type" binding:"required"`
	CustomQuantity   int         `json:"custom_quantity"`
	PaymentMethod    string      `json:"payment_method"`
	PaymentReference string      `json:"payment_reference"`
}
