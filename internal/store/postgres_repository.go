/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the webhook configuration singleton,
 * both transfer record shapes (with their supplier joins), the guarded
 * approval transactions, the audit trail, and the manual-review queries.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Money amounts; numerics travel as text to
 *   avoid lossy float conversions.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cotafacil/escrow-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrWebhookConfigNotFound = errors.New("webhook config not found")
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrPaymentNotFound       = errors.New("escrow payment not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetWebhookConfig reads the webhook configuration singleton. A missing row
// means the webhook endpoint has never been provisioned and every delivery
// must be rejected.
func (r *PostgresRepository) GetWebhookConfig(ctx context.Context) (*domain.WebhookConfig, error) {
	var (
		cfg     domain.WebhookConfig
		ceiling string
	)
	query := `
		SELECT enabled, auth_token, max_auto_approve_amount::text, validate_pix_key, audit_rejections
		FROM webhook_config
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query).Scan(
		&cfg.Enabled,
		&cfg.AuthToken,
		&ceiling,
		&cfg.ValidatePixKey,
		&cfg.AuditRejections,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWebhookConfigNotFound
		}
		return nil, err
	}
	cfg.MaxAutoApproveAmount, err = decimal.NewFromString(ceiling)
	if err != nil {
		return nil, fmt.Errorf("parse max_auto_approve_amount: %w", err)
	}
	if !cfg.MaxAutoApproveAmount.IsPositive() {
		cfg.MaxAutoApproveAmount = domain.DefaultMaxAutoApproveAmount
	}
	return &cfg, nil
}

const supplierTransferColumns = `
	t.id, t.external_transfer_id, t.amount::text, t.status, t.supplier_id,
	t.supplier_pix_key, t.notes, t.created_at, t.updated_at,
	s.id, s.name, s.pix_key, s.bank_data
`

func scanSupplierTransfer(row pgx.Row) (*domain.SupplierTransfer, error) {
	var (
		t         domain.SupplierTransfer
		amount    string
		sID       *uuid.UUID
		sName     *string
		sPixKey   *string
		sBankData []byte
	)
	err := row.Scan(
		&t.ID, &t.ExternalTransferID, &amount, &t.Status, &t.SupplierID,
		&t.SupplierPixKey, &t.Notes, &t.CreatedAt, &t.UpdatedAt,
		&sID, &sName, &sPixKey, &sBankData,
	)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse transfer amount: %w", err)
	}
	t.Supplier = buildSupplier(sID, sName, sPixKey, sBankData)
	return &t, nil
}

const escrowPaymentColumns = `
	p.id, p.external_transfer_id, p.amount::text, p.status, p.supplier_id,
	p.supplier_pix_key, p.quote_id, p.notes, p.released_at, p.created_at, p.updated_at,
	s.id, s.name, s.pix_key, s.bank_data
`

func scanEscrowPayment(row pgx.Row) (*domain.EscrowPayment, error) {
	var (
		p         domain.EscrowPayment
		amount    string
		sID       *uuid.UUID
		sName     *string
		sPixKey   *string
		sBankData []byte
	)
	err := row.Scan(
		&p.ID, &p.ExternalTransferID, &amount, &p.Status, &p.SupplierID,
		&p.SupplierPixKey, &p.QuoteID, &p.Notes, &p.ReleasedAt, &p.CreatedAt, &p.UpdatedAt,
		&sID, &sName, &sPixKey, &sBankData,
	)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	p.Supplier = buildSupplier(sID, sName, sPixKey, sBankData)
	return &p, nil
}

func buildSupplier(id *uuid.UUID, name, pixKey *string, bankData []byte) *domain.Supplier {
	if id == nil {
		return nil
	}
	supplier := &domain.Supplier{ID: *id}
	if name != nil {
		supplier.Name = *name
	}
	if pixKey != nil {
		supplier.PixKey = *pixKey
	}
	if len(bankData) > 0 {
		var bd domain.BankData
		if err := json.Unmarshal(bankData, &bd); err == nil {
			supplier.BankData = &bd
		}
	}
	return supplier
}

// FindSupplierTransferByExternalID retrieves a dedicated-shape transfer by the
// payment network's id, with its supplier joined.
func (r *PostgresRepository) FindSupplierTransferByExternalID(ctx context.Context, externalTransferID string) (*domain.SupplierTransfer, error) {
	query := `
		SELECT ` + supplierTransferColumns + `
		FROM supplier_transfers t
		LEFT JOIN suppliers s ON s.id = t.supplier_id
		WHERE t.external_transfer_id = $1
	`
	t, err := scanSupplierTransfer(r.db.QueryRow(ctx, query, externalTransferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindEscrowPaymentByExternalID retrieves a generic-shape payment by the
// payment network's id, with its supplier joined.
func (r *PostgresRepository) FindEscrowPaymentByExternalID(ctx context.Context, externalTransferID string) (*domain.EscrowPayment, error) {
	query := `
		SELECT ` + escrowPaymentColumns + `
		FROM escrow_payments p
		LEFT JOIN suppliers s ON s.id = p.supplier_id
		WHERE p.external_transfer_id = $1
	`
	p, err := scanEscrowPayment(r.db.QueryRow(ctx, query, externalTransferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindSupplierTransferByID retrieves a dedicated-shape transfer by primary key.
func (r *PostgresRepository) FindSupplierTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.SupplierTransfer, error) {
	query := `
		SELECT ` + supplierTransferColumns + `
		FROM supplier_transfers t
		LEFT JOIN suppliers s ON s.id = t.supplier_id
		WHERE t.id = $1
	`
	t, err := scanSupplierTransfer(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindEscrowPaymentByID retrieves a generic-shape payment by primary key.
func (r *PostgresRepository) FindEscrowPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.EscrowPayment, error) {
	query := `
		SELECT ` + escrowPaymentColumns + `
		FROM escrow_payments p
		LEFT JOIN suppliers s ON s.id = p.supplier_id
		WHERE p.id = $1
	`
	p, err := scanEscrowPayment(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// MarkSupplierTransferFailed moves a dedicated-shape transfer to failed and
// appends the reason to its notes.
func (r *PostgresRepository) MarkSupplierTransferFailed(ctx context.Context, transferID uuid.UUID, reason string) error {
	query := `
		UPDATE supplier_transfers
		SET status = 'failed',
		    notes = COALESCE(notes || E'\n', '') || $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, transferID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// MarkEscrowPaymentFailed moves a generic-shape payment to failed and appends
// the reason to its notes.
func (r *PostgresRepository) MarkEscrowPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	query := `
		UPDATE escrow_payments
		SET status = 'failed',
		    notes = COALESCE(notes || E'\n', '') || $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, paymentID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// DeferSupplierTransfer keeps a dedicated-shape transfer in pending for
// manual review, recording why auto-approval declined it.
func (r *PostgresRepository) DeferSupplierTransfer(ctx context.Context, transferID uuid.UUID, reason string) error {
	query := `
		UPDATE supplier_transfers
		SET status = 'pending',
		    notes = COALESCE(notes || E'\n', '') || $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, transferID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// DeferEscrowPayment parks a generic-shape payment in pending_approval for
// manual review.
func (r *PostgresRepository) DeferEscrowPayment(ctx context.Context, paymentID uuid.UUID, reason string) error {
	query := `
		UPDATE escrow_payments
		SET status = 'pending_approval',
		    notes = COALESCE(notes || E'\n', '') || $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, paymentID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ApproveSupplierTransferAtomic transitions a transfer to processing and
// writes the audit row in one transaction. The status guard makes concurrent
// deliveries race-safe: the loser sees zero rows affected and reports false.
func (r *PostgresRepository) ApproveSupplierTransferAtomic(ctx context.Context, transferID uuid.UUID, fromStatuses []string, audit domain.AuditLogEntry) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin approval tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE supplier_transfers
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, transferID, fromStatuses)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertAuditLogEntry(ctx, tx, audit); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit approval tx: %w", err)
	}
	return true, nil
}

// ApproveEscrowPaymentAtomic transitions a payment to released, stamps
// released_at, flips the linked quote to paid when present, and writes the
// audit row, all in one transaction.
func (r *PostgresRepository) ApproveEscrowPaymentAtomic(ctx context.Context, paymentID uuid.UUID, quoteID *uuid.UUID, fromStatuses []string, audit domain.AuditLogEntry) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin approval tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_payments
		SET status = 'released', released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, paymentID, fromStatuses)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if quoteID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE quotes SET status = 'paid', updated_at = NOW() WHERE id = $1
		`, *quoteID); err != nil {
			return false, fmt.Errorf("mark quote paid: %w", err)
		}
	}

	if err := insertAuditLogEntry(ctx, tx, audit); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit approval tx: %w", err)
	}
	return true, nil
}

// CreateAuditLogEntry appends one audit row outside of an approval
// transaction (rejection/deferral auditing, manual review).
func (r *PostgresRepository) CreateAuditLogEntry(ctx context.Context, entry domain.AuditLogEntry) error {
	return insertAuditLogEntry(ctx, r.db, entry)
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAuditLogEntry(ctx context.Context, db execer, entry domain.AuditLogEntry) error {
	validations, err := json.Marshal(entry.Validations)
	if err != nil {
		return fmt.Errorf("marshal audit validations: %w", err)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err = db.Exec(ctx, `
		INSERT INTO transfer_audit_log (
			id, action, entity_type, entity_id, external_transfer_id,
			supplier_id, supplier_name, amount, record_kind, validations, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`,
		entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.ExternalTransferID,
		entry.SupplierID, entry.SupplierName, entry.Amount.StringFixed(2), entry.RecordKind, validations,
	)
	return err
}

// ListPendingReviewItems returns transfers parked for manual review in both
// shapes: dedicated transfers still pending with a deferral note, and
// generic payments in pending_approval.
func (r *PostgresRepository) ListPendingReviewItems(ctx context.Context, limit int) ([]domain.ReviewItem, error) {
	query := `
		SELECT 'supplier_transfer' AS kind, t.id, t.external_transfer_id, t.amount::text,
		       t.supplier_id, COALESCE(s.name, ''), t.notes, t.created_at
		FROM supplier_transfers t
		LEFT JOIN suppliers s ON s.id = t.supplier_id
		WHERE t.status = 'pending' AND t.notes IS NOT NULL
		UNION ALL
		SELECT 'escrow_payment' AS kind, p.id, p.external_transfer_id, p.amount::text,
		       p.supplier_id, COALESCE(s.name, ''), p.notes, p.created_at
		FROM escrow_payments p
		LEFT JOIN suppliers s ON s.id = p.supplier_id
		WHERE p.status = 'pending_approval'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ReviewItem
	for rows.Next() {
		var (
			item   domain.ReviewItem
			kind   string
			amount string
		)
		if err := rows.Scan(&kind, &item.ID, &item.ExternalTransferID, &amount,
			&item.SupplierID, &item.SupplierName, &item.Notes, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Kind = domain.RecordKind(kind)
		if item.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse review amount: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListStaleReleasingPayments finds payments stuck mid-release since before
// the cutoff, oldest first.
func (r *PostgresRepository) ListStaleReleasingPayments(ctx context.Context, cutoff time.Time, limit int) ([]domain.StaleRelease, error) {
	query := `
		SELECT id, external_transfer_id, amount::text, updated_at
		FROM escrow_payments
		WHERE status = 'releasing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []domain.StaleRelease
	for rows.Next() {
		var (
			item   domain.StaleRelease
			amount string
		)
		if err := rows.Scan(&item.ID, &item.ExternalTransferID, &amount, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if item.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse stale amount: %w", err)
		}
		stale = append(stale, item)
	}
	return stale, rows.Err()
}
