package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/totoapp/delivery-core/internal/model"
)

// MemoryStore is a mutex-guarded in-memory Store with the same semantics as
// PostgresStore. It backs the test suite and local development without a
// database; the single mutex stands in for the row locks.
type MemoryStore struct {
	mu           sync.Mutex
	deliveries   map[string]*model.Delivery
	accounts     map[string]*model.CreditAccount // keyed by account id
	transactions []*model.CreditTransaction
	samples      map[string][]*model.LocationSample // keyed by delivery id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deliveries: make(map[string]*model.Delivery),
		accounts:   make(map[string]*model.CreditAccount),
		samples:    make(map[string][]*model.LocationSample),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyDelivery(d *model.Delivery) *model.Delivery {
	c := *d
	return &c
}

func copyAccount(a *model.CreditAccount) *model.CreditAccount {
	c := *a
	return &c
}

func (s *MemoryStore) CreateDelivery(ctx context.Context, d *model.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}
	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *MemoryStore) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	return copyDelivery(d), nil
}

func (s *MemoryStore) ListDeliveriesForActor(ctx context.Context, actorID string, role model.ActorRole, status model.DeliveryStatus) ([]*model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*model.Delivery{}
	for _, d := range s.deliveries {
		owned := d.RequesterID == actorID
		if role == model.RoleCourier {
			owned = d.CourierID == actorID
		}
		if !owned {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		result = append(result, copyDelivery(d))
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) ListPendingDeliveries(ctx context.Context) ([]*model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*model.Delivery{}
	for _, d := range s.deliveries {
		if d.Status == model.StatusPending {
			result = append(result, copyDelivery(d))
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func sortNewestFirst(deliveries []*model.Delivery) {
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].CreatedAt.After(deliveries[j].CreatedAt)
	})
}

func (s *MemoryStore) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.ConfirmationCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) AcceptDelivery(ctx context.Context, deliveryID, courierID string) (*model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if d.Status != model.StatusPending || d.CourierID != "" {
		return nil, model.ErrAlreadyTaken
	}

	for _, other := range s.deliveries {
		if other.CourierID == courierID && !model.IsTerminal(other.Status) {
			return nil, model.ErrAlreadyHasActiveJob
		}
	}

	if _, err := s.consumeLocked(courierID, deliveryID); err != nil {
		return nil, err
	}

	now := time.Now()
	d.CourierID = courierID
	d.Status = model.StatusAccepted
	d.AcceptedAt = &now
	d.UpdatedAt = now
	return copyDelivery(d), nil
}

func (s *MemoryStore) CancelDelivery(ctx context.Context, deliveryID string) (*model.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, false, model.ErrNotFound
	}
	if model.IsTerminal(d.Status) {
		return nil, false, model.ErrInvalidTransition
	}

	now := time.Now()
	d.Status = model.StatusCancelled
	d.CancelledAt = &now
	d.UpdatedAt = now

	refunded := false
	if d.CourierID != "" {
		account, err := s.refundLocked(d.CourierID, deliveryID)
		if err != nil {
			return nil, false, err
		}
		refunded = account != nil
	}
	return copyDelivery(d), refunded, nil
}

func (s *MemoryStore) TransitionDelivery(ctx context.Context, deliveryID string, newStatus model.DeliveryStatus) (*model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !model.CanTransition(d.Status, newStatus) {
		return nil, model.ErrInvalidTransition
	}

	now := time.Now()
	switch newStatus {
	case model.StatusAccepted:
		d.AcceptedAt = &now
	case model.StatusPickedUp:
		d.PickedUpAt = &now
	case model.StatusDelivered:
		d.DeliveredAt = &now
	case model.StatusCancelled:
		d.CancelledAt = &now
	}
	d.Status = newStatus
	d.UpdatedAt = now
	return copyDelivery(d), nil
}

func (s *MemoryStore) CompleteCheckpoint(ctx context.Context, deliveryID string, kind model.ProofKind) (*model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, model.ErrNotFound
	}

	now := time.Now()
	switch kind {
	case model.ProofPickup:
		if d.Status != model.StatusAccepted && d.Status != model.StatusPickupInProgress {
			return nil, model.ErrInvalidTransition
		}
		d.Status = model.StatusPickedUp
		d.PickedUpAt = &now
	case model.ProofDelivery:
		if d.Status != model.StatusPickedUp && d.Status != model.StatusDeliveryInProgress {
			return nil, model.ErrInvalidTransition
		}
		d.Status = model.StatusDelivered
		d.DeliveredAt = &now
	default:
		return nil, model.ErrInvalidCode
	}
	d.UpdatedAt = now
	return copyDelivery(d), nil
}

func (s *MemoryStore) PurchaseCredit(ctx context.Context, courierID string, units int, price float64, expiresAt time.Time, description string) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var account *model.CreditAccount
	for _, a := range s.accounts {
		if a.CourierID == courierID {
			account = a
			break
		}
	}

	now := time.Now()
	var balanceBefore int

	if account == nil {
		account = &model.CreditAccount{
			ID:             uuid.New().String(),
			CourierID:      courierID,
			TotalUnits:     units,
			RemainingUnits: units,
			PricePaid:      price,
			ExpiresAt:      &expiresAt,
			IsActive:       true,
			PurchasedAt:    now,
			UpdatedAt:      now,
		}
		s.accounts[account.ID] = account
	} else {
		balanceBefore = account.RemainingUnits
		account.TotalUnits += units
		account.RemainingUnits += units
		account.PricePaid += price
		if account.ExpiresAt == nil || expiresAt.After(*account.ExpiresAt) {
			exp := expiresAt
			account.ExpiresAt = &exp
		}
		account.IsActive = true
		account.UpdatedAt = now
	}

	if err := s.appendTransactionLocked(&model.CreditTransaction{
		AccountID:     account.ID,
		Type:          model.TxPurchase,
		Amount:        units,
		BalanceBefore: balanceBefore,
		BalanceAfter:  account.RemainingUnits,
		Description:   description,
	}); err != nil {
		return nil, err
	}
	return copyAccount(account), nil
}

// activeAccountLocked finds the courier's spendable account: active,
// unexpired, with remaining units, soonest expiry first.
func (s *MemoryStore) activeAccountLocked(courierID string, now time.Time) *model.CreditAccount {
	var best *model.CreditAccount
	for _, a := range s.accounts {
		if a.CourierID != courierID || !a.IsActive || a.RemainingUnits <= 0 {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.ExpiresAt != nil && (best.ExpiresAt == nil || a.ExpiresAt.Before(*best.ExpiresAt)) {
			best = a
		}
	}
	return best
}

func (s *MemoryStore) GetActiveAccount(ctx context.Context, courierID string) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.activeAccountLocked(courierID, time.Now())
	if account == nil {
		return nil, nil
	}
	return copyAccount(account), nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return copyAccount(account), nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, courierID string) ([]*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := []*model.CreditAccount{}
	for _, a := range s.accounts {
		if a.CourierID == courierID {
			result = append(result, copyAccount(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PurchasedAt.After(result[j].PurchasedAt)
	})
	return result, nil
}

func (s *MemoryStore) ConsumeCredit(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, err := s.consumeLocked(courierID, deliveryID)
	if err != nil {
		return nil, err
	}
	return copyAccount(account), nil
}

func (s *MemoryStore) RefundCredit(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, err := s.refundLocked(courierID, deliveryID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}
	return copyAccount(account), nil
}

func (s *MemoryStore) consumeLocked(courierID, deliveryID string) (*model.CreditAccount, error) {
	account := s.activeAccountLocked(courierID, time.Now())
	if account == nil {
		return nil, model.ErrNoActiveCredit
	}

	balanceBefore := account.RemainingUnits
	account.UsedUnits++
	account.RemainingUnits--
	if account.RemainingUnits == 0 {
		account.IsActive = false
	}
	account.UpdatedAt = time.Now()

	if err := s.appendTransactionLocked(&model.CreditTransaction{
		AccountID:     account.ID,
		DeliveryID:    deliveryID,
		Type:          model.TxUsage,
		Amount:        -1,
		BalanceBefore: balanceBefore,
		BalanceAfter:  account.RemainingUnits,
		Description:   fmt.Sprintf("Used credit for delivery %s", deliveryID),
	}); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *MemoryStore) refundLocked(courierID, deliveryID string) (*model.CreditAccount, error) {
	var usage *model.CreditTransaction
	for _, t := range s.transactions {
		if t.DeliveryID == deliveryID && t.Type == model.TxUsage {
			usage = t
		}
		if t.DeliveryID == deliveryID && t.Type == model.TxRefund {
			return nil, nil // already refunded
		}
	}
	if usage == nil {
		return nil, nil
	}

	account, ok := s.accounts[usage.AccountID]
	if !ok {
		return nil, model.ErrNotFound
	}

	balanceBefore := account.RemainingUnits
	account.UsedUnits--
	account.RemainingUnits++
	if !account.IsActive && account.RemainingUnits > 0 {
		if account.ExpiresAt == nil || account.ExpiresAt.After(time.Now()) {
			account.IsActive = true
		}
	}
	account.UpdatedAt = time.Now()

	if err := s.appendTransactionLocked(&model.CreditTransaction{
		AccountID:     account.ID,
		DeliveryID:    deliveryID,
		Type:          model.TxRefund,
		Amount:        1,
		BalanceBefore: balanceBefore,
		BalanceAfter:  account.RemainingUnits,
		Description:   fmt.Sprintf("Refund for cancelled delivery %s", deliveryID),
	}); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *MemoryStore) appendTransactionLocked(t *model.CreditTransaction) error {
	if t.DeliveryID != "" && (t.Type == model.TxUsage || t.Type == model.TxRefund) {
		for _, existing := range s.transactions {
			if existing.DeliveryID == t.DeliveryID && existing.Type == t.Type {
				return fmt.Errorf("%w: duplicate %s transaction for delivery %s",
					model.ErrLedgerIntegrity, t.Type, t.DeliveryID)
			}
		}
	}
	entry := *t
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()
	s.transactions = append(s.transactions, &entry)
	return nil
}

func (s *MemoryStore) ExpireAccounts(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, account := range s.accounts {
		if !account.IsActive || account.ExpiresAt == nil || account.ExpiresAt.After(now) {
			continue
		}
		account.IsActive = false
		account.UpdatedAt = now
		count++

		if account.RemainingUnits > 0 {
			if err := s.appendTransactionLocked(&model.CreditTransaction{
				AccountID:     account.ID,
				Type:          model.TxExpiration,
				Amount:        -account.RemainingUnits,
				BalanceBefore: account.RemainingUnits,
				BalanceAfter:  0,
				Description:   fmt.Sprintf("Credit expired with %d unused units", account.RemainingUnits),
			}); err != nil {
				return 0, err
			}
		}
	}
	return count, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string) ([]*model.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*model.CreditTransaction{}
	// transactions is append-only, so walking it backwards yields newest
	// first.
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].AccountID == accountID {
			entry := *s.transactions[i]
			result = append(result, &entry)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendLocationSample(ctx context.Context, sample *model.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := *sample
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	s.samples[entry.DeliveryID] = append(s.samples[entry.DeliveryID], &entry)
	return nil
}

func (s *MemoryStore) ListLocationSamples(ctx context.Context, deliveryID string) ([]*model.LocationSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*model.LocationSample{}
	for _, sample := range s.samples[deliveryID] {
		entry := *sample
		result = append(result, &entry)
	}
	return result, nil
}
