/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the escrow-service needs. The authorization engine and the review
 * service depend on this interface rather than on PostgreSQL directly, which
 * keeps the gate logic testable with in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Record identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/cotafacil/escrow-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Webhook configuration, read fresh per delivery.
	GetWebhookConfig(ctx context.Context) (*domain.WebhookConfig, error)

	// Transfer lookup by the payment network's id: the dedicated shape is
	// tried first, the generic shape second. Both join the supplier.
	FindSupplierTransferByExternalID(ctx context.Context, externalTransferID string) (*domain.SupplierTransfer, error)
	FindEscrowPaymentByExternalID(ctx context.Context, externalTransferID string) (*domain.EscrowPayment, error)

	// Failure and deferral mutations append a human-readable reason to the
	// record's notes.
	MarkSupplierTransferFailed(ctx context.Context, transferID uuid.UUID, reason string) error
	MarkEscrowPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error
	DeferSupplierTransfer(ctx context.Context, transferID uuid.UUID, reason string) error
	DeferEscrowPayment(ctx context.Context, paymentID uuid.UUID, reason string) error

	// Approval mutations run as one transaction: a status transition guarded
	// by fromStatuses, the linked quote flip (generic shape), and the audit
	// row. They report false when a concurrent caller already moved the
	// record out of the guarded set. The engine guards on the
	// valid-initial-status set; manual review guards on the deferred status.
	ApproveSupplierTransferAtomic(ctx context.Context, transferID uuid.UUID, fromStatuses []string, audit domain.AuditLogEntry) (bool, error)
	ApproveEscrowPaymentAtomic(ctx context.Context, paymentID uuid.UUID, quoteID *uuid.UUID, fromStatuses []string, audit domain.AuditLogEntry) (bool, error)

	// Audit trail (append-only).
	CreateAuditLogEntry(ctx context.Context, entry domain.AuditLogEntry) error

	// Manual review surface.
	ListPendingReviewItems(ctx context.Context, limit int) ([]domain.ReviewItem, error)
	FindSupplierTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.SupplierTransfer, error)
	FindEscrowPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.EscrowPayment, error)

	// Operational sweep: escrow payments stuck in `releasing` since before
	// the cutoff. Read-only.
	ListStaleReleasingPayments(ctx context.Context, cutoff time.Time, limit int) ([]domain.StaleRelease, error)
}
