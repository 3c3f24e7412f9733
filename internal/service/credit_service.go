package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/totoapp/delivery-core/internal/logger"
	"github.com/totoapp/delivery-core/internal/metrics"
	"github.com/totoapp/delivery-core/internal/model"
	"github.com/totoapp/delivery-core/internal/repository"
)

// baseUnitPrice is the reference per-unit price used to compute package
// savings.
const baseUnitPrice = 800.0

type packageInfo struct {
	Units        int
	Price        float64
	ValidityDays int
}

// creditPackages is the purchase catalog. The custom package is priced per
// unit; its Units field is unused.
var creditPackages = map[model.PackageType]packageInfo{
	model.PackageBasic:    {Units: 10, Price: 8000, ValidityDays: 30},
	model.PackageStandard: {Units: 50, Price: 35000, ValidityDays: 60},
	model.PackagePremium:  {Units: 100, Price: 60000, ValidityDays: 90},
	model.PackageCustom:   {Units: 0, Price: 700, ValidityDays: 90},
}

// CreditService owns the prepaid credit ledger: purchases, consumption,
// refunds and the periodic expiry sweep.
type CreditService struct {
	store repository.Store
	cache *repository.RedisCache
}

func NewCreditService(store repository.Store, cache *repository.RedisCache) *CreditService {
	return &CreditService{
		store: store,
		cache: cache,
	}
}

// Packages lists the purchase catalog.
func (s *CreditService) Packages() []model.CreditPackage {
	result := []model.CreditPackage{}
	for _, packageType := range []model.PackageType{
		model.PackageBasic, model.PackageStandard, model.PackagePremium, model.PackageCustom,
	} {
		info := creditPackages[packageType]
		entry := model.CreditPackage{
			Type:         packageType,
			Units:        info.Units,
			Price:        info.Price,
			ValidityDays: info.ValidityDays,
		}
		if packageType == model.PackageCustom {
			entry.PricePerUnit = info.Price
		} else {
			entry.PricePerUnit = math.Round(info.Price / float64(info.Units))
			entry.SavingsPct = packageSavings(info)
		}
		result = append(result, entry)
	}
	return result
}

func packageSavings(info packageInfo) int {
	standardPrice := float64(info.Units) * baseUnitPrice
	if standardPrice <= info.Price {
		return 0
	}
	return int(math.Round((standardPrice - info.Price) / standardPrice * 100))
}

// Purchase buys a credit package for the courier. A courier holds a single
// account; repeat purchases merge into it. The payment reference is opaque
// to the core and recorded only for the audit trail.
func (s *CreditService) Purchase(ctx context.Context, courierID string, req *model.PurchaseCreditRequest) (*model.CreditAccount, error) {
	info, ok := creditPackages[req.PackageType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown package type %q", model.ErrValidation, req.PackageType)
	}

	units := info.Units
	price := info.Price
	if req.PackageType == model.PackageCustom {
		if req.CustomQuantity < 1 {
			return nil, fmt.Errorf("%w: custom quantity is required for the custom package", model.ErrValidation)
		}
		units = req.CustomQuantity
		price = float64(req.CustomQuantity) * info.Price
	}

	expiresAt := time.Now().AddDate(0, 0, info.ValidityDays)
	description := fmt.Sprintf("Purchase of %s package (%d units)", req.PackageType, units)

	account, err := s.store.PurchaseCredit(ctx, courierID, units, price, expiresAt, description)
	if err != nil {
		return nil, err
	}

	metrics.CreditUnitsPurchasedTotal.Add(float64(units))
	logger.Info("credit purchased", map[string]interface{}{
		"courier_id":        courierID,
		"package_type":      req.PackageType,
		"units":             units,
		"price":             price,
		"payment_reference": req.PaymentReference,
	})

	s.refreshAccountCache(ctx, account)
	return account, nil
}

// GetActive returns the courier's spendable account, or nil when the
// courier has no usable credit.
func (s *CreditService) GetActive(ctx context.Context, courierID string) (*model.CreditAccount, error) {
	if s.cache != nil {
		cached, err := s.cache.GetCachedActiveAccount(ctx, courierID)
		if err == nil && cached != nil && accountUsable(cached, time.Now()) {
			return cached, nil
		}
	}

	account, err := s.store.GetActiveAccount(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if account != nil {
		s.refreshAccountCache(ctx, account)
	}
	return account, nil
}

func accountUsable(a *model.CreditAccount, now time.Time) bool {
	if !a.IsActive || a.RemainingUnits <= 0 {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Consume spends one unit for the delivery. Callers accepting a delivery go
// through the store's atomic accept instead; this entry point exists for
// ledger-only use.
func (s *CreditService) Consume(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error) {
	account, err := s.store.ConsumeCredit(ctx, courierID, deliveryID)
	if err != nil {
		return nil, err
	}

	metrics.CreditUnitsConsumedTotal.Inc()
	s.refreshAccountCache(ctx, account)
	return account, nil
}

// Refund returns the unit spent on the delivery. A delivery with no usage
// transaction, or one already refunded, yields (nil, nil).
func (s *CreditService) Refund(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error) {
	account, err := s.store.RefundCredit(ctx, courierID, deliveryID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}

	metrics.CreditUnitsRefundedTotal.Inc()
	s.refreshAccountCache(ctx, account)
	return account, nil
}

// Accounts lists all of the courier's accounts, newest purchase first.
func (s *CreditService) Accounts(ctx context.Context, courierID string) ([]*model.CreditAccount, error) {
	return s.store.ListAccounts(ctx, courierID)
}

// History returns the account and its ledger, newest entries first. The
// account must belong to the courier.
func (s *CreditService) History(ctx context.Context, courierID, accountID string) (*model.CreditAccount, []*model.CreditTransaction, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if account == nil {
		return nil, nil, model.ErrNotFound
	}
	if account.CourierID != courierID {
		return nil, nil, model.ErrForbidden
	}

	transactions, err := s.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return account, transactions, nil
}

// ExpireSweep deactivates every active account past its expiry, recording
// the forfeited remainder. Returns the number of accounts deactivated.
func (s *CreditService) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	count, err := s.store.ExpireAccounts(ctx, now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.CreditAccountsExpiredTotal.Add(float64(count))
		logger.Info("expired credit accounts", map[string]interface{}{
			"count": count,
		})
	}
	return count, nil
}

// RunSweeper runs ExpireSweep on a fixed interval until ctx is cancelled.
func (s *CreditService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.ExpireSweep(ctx, now); err != nil {
				logger.Error("credit expiry sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *CreditService) refreshAccountCache(ctx context.Context, account *model.CreditAccount) {
	if s.cache == nil {
		return
	}
	var err error
	if accountUsable(account, time.Now()) {
		err = s.cache.CacheActiveAccount(ctx, account)
	} else {
		err = s.cache.InvalidateActiveAccount(ctx, account.CourierID)
	}
	if err != nil {
		logger.Warn("failed to update credit account cache", map[string]interface{}{
			"courier_id": account.CourierID,
			"error":      err.Error(),
		})
	}
}
