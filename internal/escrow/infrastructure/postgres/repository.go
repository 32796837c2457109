// Package postgres persists the escrow aggregate. All multi-row
// operations run through Repository.Do, which scopes one pgx transaction:
// commit on normal exit, rollback on any failure exit, original error
// propagated. Row locks acquired inside are held until that boundary.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zemipay/zemi-escrow/internal/escrow/application"
	"github.com/zemipay/zemi-escrow/internal/escrow/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	orderReferenceConstraint     = "orders_order_reference_key"
	paymentTransactionConstraint = "payments_transaction_id_key"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var (
	_ application.UnitOfWork  = (*Repository)(nil)
	_ application.OrderReader = (*Repository)(nil)
)

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// Migrate applies the schema. Intended for tests and fresh environments.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return err
}

func (r *Repository) Do(ctx context.Context, fn func(ctx context.Context, s application.Stores) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &txStores{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const orderColumns = `id, order_reference, buyer_phone_hash, buyer_phone_last4,
	seller_phone_hash, seller_phone_last4, amount, product_description,
	delivery_code_hash, status, created_at, updated_at, paid_at, completed_at`

func (r *Repository) OrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_reference = $1`, reference)
	return scanOrder(row)
}

// txStores is the transaction-scoped view handed to the orchestrator.
type txStores struct {
	tx pgx.Tx
}

var _ application.Stores = (*txStores)(nil)

func (s *txStores) CreateOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO orders (id, order_reference, buyer_phone_hash, buyer_phone_last4,
			seller_phone_hash, seller_phone_last4, amount, product_description,
			delivery_code_hash, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.Reference, o.BuyerPhoneHash, o.BuyerPhoneLast4,
		o.SellerPhoneHash, o.SellerPhoneLast4, o.Amount, o.ProductDescription,
		o.DeliveryCodeHash, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err, orderReferenceConstraint) {
		return domain.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *txStores) LockOrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_reference = $1 FOR UPDATE`, reference)
	return scanOrder(row)
}

func (s *txStores) SaveOrder(ctx context.Context, o *domain.Order) error {
	ct, err := s.tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=$3, paid_at=$4, completed_at=$5
		WHERE id=$1`,
		o.ID, o.Status, o.UpdatedAt, o.PaidAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (s *txStores) CreatePayment(ctx context.Context, p *domain.Payment) error {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.tx.Exec(ctx, `
		INSERT INTO payments (id, order_id, payment_method, amount, transaction_id,
			provider_reference, payer_phone_hash, payer_phone_last4, status,
			metadata, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,$10,$11,$12,$13)`,
		p.ID, p.OrderID, p.Method, p.Amount, p.TransactionID,
		p.ProviderReference, p.PayerPhoneHash, p.PayerPhoneLast4, p.Status,
		metadata, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if isUniqueViolation(err, paymentTransactionConstraint) {
		return domain.ErrDuplicateTransactionID
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *txStores) TransactionIDExists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := s.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE transaction_id = $1)`, transactionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction id: %w", err)
	}
	return exists, nil
}

func (s *txStores) CompletedPaymentForOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	row := s.tx.QueryRow(ctx, `
		SELECT id, order_id, payment_method, amount, transaction_id,
			COALESCE(provider_reference,''), COALESCE(payer_phone_hash,''),
			COALESCE(payer_phone_last4,''), status, metadata,
			created_at, updated_at, completed_at
		FROM payments
		WHERE order_id = $1 AND status = 'completed'
		ORDER BY created_at
		LIMIT 1`, orderID)

	var p domain.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Method, &p.Amount, &p.TransactionID,
		&p.ProviderReference, &p.PayerPhoneHash, &p.PayerPhoneLast4, &p.Status,
		&p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoCompletedPayment
	}
	if err != nil {
		return nil, fmt.Errorf("query completed payment: %w", err)
	}
	return &p, nil
}

func (s *txStores) CreatePayout(ctx context.Context, p *domain.Payout) error {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.tx.Exec(ctx, `
		INSERT INTO payouts (id, order_id, payment_id, amount, seller_phone_hash,
			seller_phone_last4, transaction_id, provider_reference, status,
			failure_reason, metadata, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14)`,
		p.ID, p.OrderID, p.PaymentID, p.Amount, p.SellerPhoneHash,
		p.SellerPhoneLast4, p.TransactionID, p.ProviderReference, p.Status,
		p.FailureReason, metadata, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

const payoutColumns = `id, order_id, payment_id, amount, seller_phone_hash,
	seller_phone_last4, transaction_id, COALESCE(provider_reference,''), status,
	failure_reason, metadata, created_at, updated_at, completed_at`

func (s *txStores) LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
	return scanPayout(row)
}

func (s *txStores) LockPayoutByProviderReference(ctx context.Context, providerRef string) (*domain.Payout, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE provider_reference = $1 FOR UPDATE`, providerRef)
	return scanPayout(row)
}

func (s *txStores) SavePayout(ctx context.Context, p *domain.Payout) error {
	ct, err := s.tx.Exec(ctx, `
		UPDATE payouts SET status=$2, transaction_id=$3, provider_reference=NULLIF($4,''),
			failure_reason=$5, updated_at=$6, completed_at=$7
		WHERE id=$1`,
		p.ID, p.Status, p.TransactionID, p.ProviderReference,
		p.FailureReason, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrPayoutNotFound
	}
	return nil
}

func (s *txStores) AppendEvent(ctx context.Context, eventType, aggregateID string, payload []byte, traceparent string) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ('order', $1, $2, $3, NULLIF($4,''), 'pending')`,
		aggregateID, eventType, payload, traceparent,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.Reference, &o.BuyerPhoneHash, &o.BuyerPhoneLast4,
		&o.SellerPhoneHash, &o.SellerPhoneLast4, &o.Amount, &o.ProductDescription,
		&o.DeliveryCodeHash, &o.Status, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if isLockTimeout(err) {
		return nil, domain.ErrLockTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(&p.ID, &p.OrderID, &p.PaymentID, &p.Amount, &p.SellerPhoneHash,
		&p.SellerPhoneLast4, &p.TransactionID, &p.ProviderReference, &p.Status,
		&p.FailureReason, &p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPayoutNotFound
	}
	if isLockTimeout(err) {
		return nil, domain.ErrLockTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("scan payout: %w", err)
	}
	return &p, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// 55P03 is lock_not_available (lock_timeout), 57014 is query_canceled
// (statement_timeout); both surface as the ambient lock timeout.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "57014")
}
