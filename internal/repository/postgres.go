package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/totoapp/delivery-core/internal/config"
	"github.com/totoapp/delivery-core/internal/model"
)

// PostgresStore implements Store over a shared Postgres database. Accept and
// cancel run as single transactions; the delivery row is always locked
// before the account row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(config config.DatabaseConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id UUID PRIMARY KEY,
			requester_id UUID NOT NULL,
			courier_id UUID,
			pickup_address VARCHAR(500) NOT NULL,
			pickup_latitude DOUBLE PRECISION NOT NULL,
			pickup_longitude DOUBLE PRECISION NOT NULL,
			pickup_phone VARCHAR(20),
			dropoff_address VARCHAR(500) NOT NULL,
			dropoff_latitude DOUBLE PRECISION NOT NULL,
			dropoff_longitude DOUBLE PRECISION NOT NULL,
			dropoff_phone VARCHAR(20) NOT NULL,
			receiver_name VARCHAR(200) NOT NULL,
			package_description VARCHAR(200),
			package_weight NUMERIC(10,2),
			pickup_token TEXT NOT NULL UNIQUE,
			delivery_token TEXT NOT NULL UNIQUE,
			confirmation_code VARCHAR(8) NOT NULL UNIQUE,
			status VARCHAR(30) NOT NULL,
			price NUMERIC(10,2) NOT NULL,
			distance_km NUMERIC(10,2) NOT NULL,
			special_instructions TEXT,
			accepted_at TIMESTAMPTZ,
			picked_up_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries (status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_courier ON deliveries (courier_id)`,
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			id UUID PRIMARY KEY,
			courier_id UUID NOT NULL UNIQUE,
			total_units INT NOT NULL,
			used_units INT NOT NULL DEFAULT 0,
			remaining_units INT NOT NULL CHECK (remaining_units >= 0),
			price_paid NUMERIC(12,2) NOT NULL,
			expires_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			purchased_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES credit_accounts(id),
			delivery_id UUID,
			transaction_type VARCHAR(20) NOT NULL,
			amount INT NOT NULL,
			balance_before INT NOT NULL,
			balance_after INT NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		// One usage and one refund per delivery across the whole ledger. A
		// violation here means the locking discipline failed; it surfaces as
		// ErrLedgerIntegrity instead of silently patching balances.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_delivery_kind
			ON credit_transactions (delivery_id, transaction_type)
			WHERE delivery_id IS NOT NULL AND transaction_type IN ('usage', 'refund')`,
		`CREATE TABLE IF NOT EXISTS location_samples (
			id UUID PRIMARY KEY,
			delivery_id UUID NOT NULL,
			courier_id UUID NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			speed NUMERIC(5,2),
			heading NUMERIC(5,2),
			accuracy NUMERIC(6,2),
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_location_samples_delivery
			ON location_samples (delivery_id, recorded_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const deliveryColumns = `
	id, requester_id, courier_id,
	pickup_address, pickup_latitude, pickup_longitude, pickup_phone,
	dropoff_address, dropoff_latitude, dropoff_longitude, dropoff_phone, receiver_name,
	package_description, package_weight,
	pickup_token, delivery_token, confirmation_code,
	status, price, distance_km, special_instructions,
	accepted_at, picked_up_at, delivered_at, cancelled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (*model.Delivery, error) {
	var d model.Delivery
	var courierID, pickupPhone, packageDescription, specialInstructions sql.NullString
	var packageWeight sql.NullFloat64
	var acceptedAt, pickedUpAt, deliveredAt, cancelledAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.RequesterID, &courierID,
		&d.PickupAddress, &d.PickupLatitude, &d.PickupLongitude, &pickupPhone,
		&d.DropoffAddress, &d.DropoffLatitude, &d.DropoffLongitude, &d.DropoffPhone, &d.ReceiverName,
		&packageDescription, &packageWeight,
		&d.PickupToken, &d.DeliveryToken, &d.ConfirmationCode,
		&d.Status, &d.Price, &d.DistanceKm, &specialInstructions,
		&acceptedAt, &pickedUpAt, &deliveredAt, &cancelledAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.CourierID = courierID.String
	d.PickupPhone = pickupPhone.String
	d.PackageDescription = packageDescription.String
	d.SpecialInstructions = specialInstructions.String
	if packageWeight.Valid {
		w := packageWeight.Float64
		d.PackageWeight = &w
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		d.AcceptedAt = &t
	}
	if pickedUpAt.Valid {
		t := pickedUpAt.Time
		d.PickedUpAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		d.CancelledAt = &t
	}
	return &d, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *model.Delivery) error {
	query := `
		INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`

	var weight sql.NullFloat64
	if d.PackageWeight != nil {
		weight = sql.NullFloat64{Float64: *d.PackageWeight, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx, query,
		d.ID, d.RequesterID, nullStr(d.CourierID),
		d.PickupAddress, d.PickupLatitude, d.PickupLongitude, nullStr(d.PickupPhone),
		d.DropoffAddress, d.DropoffLatitude, d.DropoffLongitude, d.DropoffPhone, d.ReceiverName,
		nullStr(d.PackageDescription), weight,
		d.PickupToken, d.DeliveryToken, d.ConfirmationCode,
		d.Status, d.Price, d.DistanceKm, nullStr(d.SpecialInstructions),
		d.AcceptedAt, d.PickedUpAt, d.DeliveredAt, d.CancelledAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No delivery found
		}
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) ListDeliveriesForActor(ctx context.Context, actorID string, role model.ActorRole, status model.DeliveryStatus) ([]*model.Delivery, error) {
	column := "requester_id"
	if role == model.RoleCourier {
		column = "courier_id"
	}

	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE ` + column + ` = $1
		AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, actorID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

func (s *PostgresStore) ListPendingDeliveries(ctx context.Context) ([]*model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE status = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, model.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

func collectDeliveries(rows *sql.Rows) ([]*model.Delivery, error) {
	deliveries := []*model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (s *PostgresStore) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deliveries WHERE confirmation_code = $1)`, code,
	).Scan(&exists)
	return exists, err
}

// lockDelivery reads a delivery row FOR UPDATE inside tx.
func lockDelivery(ctx context.Context, tx *sql.Tx, id string) (*model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1 FOR UPDATE`
	d, err := scanDelivery(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// courierHasActiveJobTx reports whether the courier holds a delivery that is
// not yet delivered or cancelled.
func courierHasActiveJobTx(ctx context.Context, tx *sql.Tx, courierID string) (bool, error) {
	var busy bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deliveries WHERE courier_id = $1 AND status NOT IN ($2, $3))`,
		courierID, model.StatusDelivered, model.StatusCancelled,
	).Scan(&busy)
	return busy, err
}

func (s *PostgresStore) AcceptDelivery(ctx context.Context, deliveryID, courierID string) (*model.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := lockDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.StatusPending || d.CourierID != "" {
		return nil, model.ErrAlreadyTaken
	}

	busy, err := courierHasActiveJobTx(ctx, tx, courierID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, model.ErrAlreadyHasActiveJob
	}

	if _, err := consumeCreditTx(ctx, tx, courierID, deliveryID); err != nil {
		return nil, err
	}

	// The check above ran before any same-courier serialization: under read
	// committed, two accepts by one courier on different deliveries can both
	// see it pass. consumeCreditTx locks the courier's account row, so any
	// concurrent accept has now committed or rolled back; re-check here to
	// make the single-active-job invariant hold.
	busy, err = courierHasActiveJobTx(ctx, tx, courierID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, model.ErrAlreadyHasActiveJob
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET courier_id = $2, status = $3, accepted_at = $4, updated_at = $4 WHERE id = $1`,
		deliveryID, courierID, model.StatusAccepted, now,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.CourierID = courierID
	d.Status = model.StatusAccepted
	d.AcceptedAt = &now
	d.UpdatedAt = now
	return d, nil
}

func (s *PostgresStore) CancelDelivery(ctx context.Context, deliveryID string) (*model.Delivery, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	d, err := lockDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, false, err
	}
	if model.IsTerminal(d.Status) {
		return nil, false, model.ErrInvalidTransition
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET status = $2, cancelled_at = $3, updated_at = $3 WHERE id = $1`,
		deliveryID, model.StatusCancelled, now,
	)
	if err != nil {
		return nil, false, err
	}

	refunded := false
	if d.CourierID != "" {
		account, err := refundCreditTx(ctx, tx, d.CourierID, deliveryID)
		if err != nil {
			return nil, false, err
		}
		refunded = account != nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	d.Status = model.StatusCancelled
	d.CancelledAt = &now
	d.UpdatedAt = now
	return d, refunded, nil
}

func (s *PostgresStore) TransitionDelivery(ctx context.Context, deliveryID string, newStatus model.DeliveryStatus) (*model.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := lockDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(d.Status, newStatus) {
		return nil, model.ErrInvalidTransition
	}

	now := time.Now()
	stampColumn := ""
	switch newStatus {
	case model.StatusAccepted:
		stampColumn = "accepted_at"
		d.AcceptedAt = &now
	case model.StatusPickedUp:
		stampColumn = "picked_up_at"
		d.PickedUpAt = &now
	case model.StatusDelivered:
		stampColumn = "delivered_at"
		d.DeliveredAt = &now
	case model.StatusCancelled:
		stampColumn = "cancelled_at"
		d.CancelledAt = &now
	}

	query := `UPDATE deliveries SET status = $2, updated_at = $3 WHERE id = $1`
	if stampColumn != "" {
		query = `UPDATE deliveries SET status = $2, updated_at = $3, ` + stampColumn + ` = $3 WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, query, deliveryID, newStatus, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.Status = newStatus
	d.UpdatedAt = now
	return d, nil
}

func (s *PostgresStore) CompleteCheckpoint(ctx context.Context, deliveryID string, kind model.ProofKind) (*model.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	d, err := lockDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var query string
	switch kind {
	case model.ProofPickup:
		if d.Status != model.StatusAccepted && d.Status != model.StatusPickupInProgress {
			return nil, model.ErrInvalidTransition
		}
		d.Status = model.StatusPickedUp
		d.PickedUpAt = &now
		query = `UPDATE deliveries SET status = $2, picked_up_at = $3, updated_at = $3 WHERE id = $1`
	case model.ProofDelivery:
		if d.Status != model.StatusPickedUp && d.Status != model.StatusDeliveryInProgress {
			return nil, model.ErrInvalidTransition
		}
		d.Status = model.StatusDelivered
		d.DeliveredAt = &now
		query = `UPDATE deliveries SET status = $2, delivered_at = $3, updated_at = $3 WHERE id = $1`
	default:
		return nil, model.ErrInvalidCode
	}

	if _, err := tx.ExecContext(ctx, query, deliveryID, d.Status, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.UpdatedAt = now
	return d, nil
}

const accountColumns = `
	id, courier_id, total_units, used_units, remaining_units,
	price_paid, expires_at, is_active, purchased_at, updated_at`

func scanAccount(row rowScanner) (*model.CreditAccount, error) {
	var a model.CreditAccount
	var expiresAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.CourierID, &a.TotalUnits, &a.UsedUnits, &a.RemainingUnits,
		&a.PricePaid, &expiresAt, &a.IsActive, &a.PurchasedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}

func (s *PostgresStore) PurchaseCredit(ctx context.Context, courierID string, units int, price float64, expiresAt time.Time, description string) (*model.CreditAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE courier_id = $1 FOR UPDATE`, courierID))
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now()
	var balanceBefore int

	if account == nil {
		account = &model.CreditAccount{
			ID:             uuid.New().String(),
			CourierID:      courierID,
			TotalUnits:     units,
			UsedUnits:      0,
			RemainingUnits: units,
			PricePaid:      price,
			ExpiresAt:      &expiresAt,
			IsActive:       true,
			PurchasedAt:    now,
			UpdatedAt:      now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credit_accounts (`+accountColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			account.ID, account.CourierID, account.TotalUnits, account.UsedUnits, account.RemainingUnits,
			account.PricePaid, account.ExpiresAt, account.IsActive, account.PurchasedAt, account.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Purchases merge into the courier's single account: totals and
		// price sum, expiry extends to the later of the two.
		balanceBefore = account.RemainingUnits
		account.TotalUnits += units
		account.RemainingUnits += units
		account.PricePaid += price
		if account.ExpiresAt == nil || expiresAt.After(*account.ExpiresAt) {
			account.ExpiresAt = &expiresAt
		}
		account.IsActive = true
		account.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`UPDATE credit_accounts
			 SET total_units = $2, remaining_units = $3, price_paid = $4,
			     expires_at = $5, is_active = TRUE, updated_at = $6
			 WHERE id = $1`,
			account.ID, account.TotalUnits, account.RemainingUnits, account.PricePaid,
			account.ExpiresAt, now,
		)
		if err != nil {
			return nil, err
		}
	}

	err = insertTransactionTx(ctx, tx, &model.CreditTransaction{
		AccountID:     account.ID,
		Type:          model.TxPurchase,
		Amount:        units,
		BalanceBefore: balanceBefore,
		BalanceAfter:  account.RemainingUnits,
		Description:   description,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *PostgresStore) GetActiveAccount(ctx context.Context, courierID string) (*model.CreditAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts
		 WHERE courier_id = $1 AND is_active = TRUE AND remaining_units > 0
		   AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY expires_at ASC
		 LIMIT 1`, courierID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.CreditAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1`, accountID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, courierID string) ([]*model.CreditAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE courier_id = $1 ORDER BY purchased_at DESC`, courierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []*model.CreditAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ConsumeCredit(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := consumeCreditTx(ctx, tx, courierID, deliveryID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *PostgresStore) RefundCredit(ctx context.Context, courierID, deliveryID string) (*model.CreditAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := refundCreditTx(ctx, tx, courierID, deliveryID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return account, nil
}

// consumeCreditTx spends one unit from the courier's active account inside
// tx. The FOR UPDATE lock serializes concurrent consumes so remaining_units
// can never go below zero.
func consumeCreditTx(ctx context.Context, tx *sql.Tx, courierID, deliveryID string) (*model.CreditAccount, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts
		 WHERE courier_id = $1 AND is_active = TRUE AND remaining_units > 0
		   AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY expires_at ASC
		 LIMIT 1
		 FOR UPDATE`, courierID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrNoActiveCredit
		}
		return nil, err
	}

	balanceBefore := account.RemainingUnits
	account.UsedUnits++
	account.RemainingUnits--
	if account.RemainingUnits == 0 {
		account.IsActive = false
	}
	account.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET used_units = $2, remaining_units = $3, is_active = $4, updated_at = $5
		 WHERE id = $1`,
		account.ID, account.UsedUnits, account.RemainingUnits, account.IsActive, account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = insertTransactionTx(ctx, tx, &model.CreditTransaction{
		AccountID:     account.ID,
		DeliveryID:    deliveryID,
		Type:          model.TxUsage,
		Amount:        -1,
		BalanceBefore: balanceBefore,
		BalanceAfter:  account.RemainingUnits,
		Description:   fmt.Sprintf("Used credit for delivery %s", deliveryID),
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// refundCreditTx returns one unit for a cancelled delivery. When no usage
// transaction exists for the delivery it is a no-op returning (nil, nil),
// which also makes a second refund attempt harmless.
func refundCreditTx(ctx context.Context, tx *sql.Tx, courierID, deliveryID string) (*model.CreditAccount, error) {
	var accountID string
	err := tx.QueryRowContext(ctx,
		`SELECT account_id FROM credit_transactions
		 WHERE delivery_id = $1 AND transaction_type = $2`,
		deliveryID, model.TxUsage,
	).Scan(&accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var refunded bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE delivery_id = $1 AND transaction_type = $2)`,
		deliveryID, model.TxRefund,
	).Scan(&refunded)
	if err != nil {
		return nil, err
	}
	if refunded {
		return nil, nil
	}

	account, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	balanceBefore := account.RemainingUnits
	account.UsedUnits--
	account.RemainingUnits++
	// Reactivate only when the account was shut off by exhaustion, not by
	// expiry.
	if !account.IsActive && account.RemainingUnits > 0 {
		if account.ExpiresAt == nil || account.ExpiresAt.After(time.Now()) {
			account.IsActive = true
		}
	}
	account.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET used_units = $2, remaining_units = $3, is_active = $4, updated_at = $5
		 WHERE id = $1`,
		account.ID, account.UsedUnits, account.RemainingUnits, account.IsActive, account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = insertTransactionTx(ctx, tx, &model.CreditTransaction{
		AccountID:     account.ID,
		DeliveryID:    deliveryID,
		Type:          model.TxRefund,
		Amount:        1,
		BalanceBefore: balanceBefore,
		BalanceAfter:  account.RemainingUnits,
		Description:   fmt.Sprintf("Refund for cancelled delivery %s", deliveryID),
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func insertTransactionTx(ctx context.Context, tx *sql.Tx, t *model.CreditTransaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions
			(id, account_id, delivery_id, transaction_type, amount, balance_before, balance_after, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), t.AccountID, nullStr(t.DeliveryID), t.Type,
		t.Amount, t.BalanceBefore, t.BalanceAfter, nullStr(t.Description), time.Now(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: duplicate %s transaction for delivery %s",
				model.ErrLedgerIntegrity, t.Type, t.DeliveryID)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ExpireAccounts(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts
		 WHERE is_active = TRUE AND expires_at IS NOT NULL AND expires_at <= $1
		 FOR UPDATE`, now)
	if err != nil {
		return 0, err
	}

	expired := []*model.CreditAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, account := range expired {
		_, err = tx.ExecContext(ctx,
			`UPDATE credit_accounts SET is_active = FALSE, updated_at = $2 WHERE id = $1`,
			account.ID, now,
		)
		if err != nil {
			return 0, err
		}

		if account.RemainingUnits > 0 {
			err = insertTransactionTx(ctx, tx, &model.CreditTransaction{
				AccountID:     account.ID,
				Type:          model.TxExpiration,
				Amount:        -account.RemainingUnits,
				BalanceBefore: account.RemainingUnits,
				BalanceAfter:  0,
				Description:   fmt.Sprintf("Credit expired with %d unused units", account.RemainingUnits),
			})
			if err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string) ([]*model.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, delivery_id, transaction_type, amount, balance_before, balance_after, description, created_at
		 FROM credit_transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []*model.CreditTransaction{}
	for rows.Next() {
		var t model.CreditTransaction
		var deliveryID, description sql.NullString
		err := rows.Scan(
			&t.ID, &t.AccountID, &deliveryID, &t.Type,
			&t.Amount, &t.BalanceBefore, &t.BalanceAfter, &description, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		t.DeliveryID = deliveryID.String
		t.Description = description.String
		transactions = append(transactions, &t)
	}
	return transactions, rows.Err()
}

func (s *PostgresStore) AppendLocationSample(ctx context.Context, sample *model.LocationSample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO location_samples
			(id, delivery_id, courier_id, latitude, longitude, speed, heading, accuracy, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sample.ID, sample.DeliveryID, sample.CourierID,
		sample.Latitude, sample.Longitude, sample.Speed, sample.Heading, sample.Accuracy,
		sample.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("error appending location sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLocationSamples(ctx context.Context, deliveryID string) ([]*model.LocationSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, courier_id, latitude, longitude, speed, heading, accuracy, recorded_at
		 FROM location_samples
		 WHERE delivery_id = $1
		 ORDER BY recorded_at ASC`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []*model.LocationSample{}
	for rows.Next() {
		var sample model.LocationSample
		var speed, heading, accuracy sql.NullFloat64
		err := rows.Scan(
			&sample.ID, &sample.DeliveryID, &sample.CourierID,
			&sample.Latitude, &sample.Longitude, &speed, &heading, &accuracy,
			&sample.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		if speed.Valid {
			v := speed.Float64
			sample.Speed = &v
		}
		if heading.Valid {
			v := heading.Float64
			sample.Heading = &v
		}
		if accuracy.Valid {
			v := accuracy.Float64
			sample.Accuracy = &v
		}
		samples = append(samples, &sample)
	}
	return samples, rows.Err()
}
