/**
 * @description
 * This file defines the core domain models for the escrow-service: the two
 * payout record shapes the authorization engine unifies, the supplier
 * (recipient) entity, the persisted webhook configuration, and the audit
 * trail entry written on authorization decisions.
 *
 * @notes
 * - Amounts are `decimal.Decimal` with currency-minor-unit (2 decimal)
 *   precision. The payment network reports decimal values, so transfers are
 *   matched with an absolute tolerance of 0.01 rather than exact equality.
 * - The two record shapes carry different status vocabularies; RecordKind
 *   tags which vocabulary applies once a record has been resolved.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordKind tags which persisted shape a resolved transfer record has.
type RecordKind string

const (
	KindSupplierTransfer RecordKind = "supplier_transfer"
	KindEscrowPayment    RecordKind = "escrow_payment"
)

// Supplier transfer statuses (dedicated shape).
const (
	TransferStatusPending    = "pending"
	TransferStatusProcessing = "processing"
	TransferStatusFailed     = "failed"
)

// Escrow payment statuses (generic shape).
const (
	PaymentStatusEscrow          = "escrow"
	PaymentStatusReleasing       = "releasing"
	PaymentStatusProcessing      = "processing"
	PaymentStatusReleased        = "released"
	PaymentStatusFailed          = "failed"
	PaymentStatusPendingApproval = "pending_approval"
)

// BankData holds a supplier's structured bank account details.
type BankData struct {
	BankCode        string `json:"bank_code"`
	AccountNumber   string `json:"account_number"`
	AccountType     string `json:"account_type"`
	SecondaryPixKey string `json:"secondary_pix_key,omitempty"`
	Verified        bool   `json:"verified"`
}

// Supplier is the payee entity with on-file PIX key and bank data. The
// authorization engine reads suppliers but never mutates them.
type Supplier struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	PixKey   string    `json:"pix_key"`
	BankData *BankData `json:"bank_data,omitempty"`
}

// SupplierTransfer is the dedicated payout shape.
// Status vocabulary: pending, processing, failed.
type SupplierTransfer struct {
	ID                 uuid.UUID       `json:"id"`
	ExternalTransferID string          `json:"external_transfer_id"`
	Amount             decimal.Decimal `json:"amount"`
	Status             string          `json:"status"`
	SupplierID         uuid.UUID       `json:"supplier_id"`
	SupplierPixKey     *string         `json:"supplier_pix_key,omitempty"`
	Notes              *string         `json:"notes,omitempty"`
	Supplier           *Supplier       `json:"supplier,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// EscrowPayment is the generic payment shape. It may link a marketplace
// quote that is flipped to "paid" when the payout is approved.
// Status vocabulary: escrow, releasing, processing, released, failed,
// pending_approval.
type EscrowPayment struct {
	ID                 uuid.UUID       `json:"id"`
	ExternalTransferID string          `json:"external_transfer_id"`
	Amount             decimal.Decimal `json:"amount"`
	Status             string          `json:"status"`
	SupplierID         uuid.UUID       `json:"supplier_id"`
	SupplierPixKey     *string         `json:"supplier_pix_key,omitempty"`
	QuoteID            *uuid.UUID      `json:"quote_id,omitempty"`
	Notes              *string         `json:"notes,omitempty"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
	Supplier           *Supplier       `json:"supplier,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TransferRecord is the tagged union the lookup gate resolves: exactly one of
// Transfer or Payment is set, indicated by Kind. Subsequent gates switch on
// Kind instead of duck-typing field presence.
type TransferRecord struct {
	Kind     RecordKind
	Transfer *SupplierTransfer
	Payment  *EscrowPayment
}

// ID returns the persisted record's identity.
func (r *TransferRecord) ID() uuid.UUID {
	if r.Kind == KindSupplierTransfer {
		return r.Transfer.ID
	}
	return r.Payment.ID
}

// Amount returns the recorded payout amount.
func (r *TransferRecord) Amount() decimal.Decimal {
	if r.Kind == KindSupplierTransfer {
		return r.Transfer.Amount
	}
	return r.Payment.Amount
}

// Status returns the record's current status in its own vocabulary.
func (r *TransferRecord) Status() string {
	if r.Kind == KindSupplierTransfer {
		return r.Transfer.Status
	}
	return r.Payment.Status
}

// Supplier returns the joined recipient, which may be nil.
func (r *TransferRecord) Supplier() *Supplier {
	if r.Kind == KindSupplierTransfer {
		return r.Transfer.Supplier
	}
	return r.Payment.Supplier
}

// ValidInitialStatuses returns the statuses from which this record may still
// be authorized. Everything else is terminal for the engine.
func (r *TransferRecord) ValidInitialStatuses() []string {
	if r.Kind == KindSupplierTransfer {
		return []string{TransferStatusPending}
	}
	return []string{PaymentStatusEscrow, PaymentStatusReleasing}
}

// DefaultMaxAutoApproveAmount is the auto-approve ceiling used when the
// stored configuration carries no positive value. A missing ceiling must
// never mean an unlimited one.
var DefaultMaxAutoApproveAmount = decimal.NewFromInt(50000)

// WebhookConfig is the persisted configuration singleton gating the webhook
// endpoint. It is read fresh from the store on every delivery.
type WebhookConfig struct {
	Enabled              bool            `json:"enabled"`
	AuthToken            *string         `json:"auth_token,omitempty"`
	MaxAutoApproveAmount decimal.Decimal `json:"max_auto_approve_amount"`
	ValidatePixKey       bool            `json:"validate_pix_key"`
	// AuditRejections extends the audit trail to failure and deferral
	// mutations. Off by default: historically only approvals were audited.
	AuditRejections bool `json:"audit_rejections"`
}

// WebhookNotification is the ephemeral payload the payment network delivers
// before executing a payout. Never persisted.
type WebhookNotification struct {
	Transfer WebhookTransfer `json:"transfer"`
}

// WebhookTransfer carries the network's view of the transfer about to run.
type WebhookTransfer struct {
	ID          string          `json:"id"`
	Value       decimal.Decimal `json:"value"`
	PixKey      string          `json:"pixKey,omitempty"`
	BankAccount string          `json:"bankAccount,omitempty"`
}

// AuditLogEntry is one append-only row in the authorization audit trail.
type AuditLogEntry struct {
	ID                 uuid.UUID       `json:"id"`
	Action             string          `json:"action"`
	EntityType         string          `json:"entity_type"`
	EntityID           uuid.UUID       `json:"entity_id"`
	ExternalTransferID string          `json:"external_transfer_id"`
	SupplierID         *uuid.UUID      `json:"supplier_id,omitempty"`
	SupplierName       string          `json:"supplier_name,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	RecordKind         RecordKind      `json:"record_kind"`
	Validations        []string        `json:"validations,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Audit action tags.
const (
	AuditActionTransferApproved = "transfer_approved"
	AuditActionTransferRejected = "transfer_rejected"
	AuditActionTransferDeferred = "transfer_deferred"
	AuditActionManualApproval   = "transfer_manual_approval"
	AuditActionManualRejection  = "transfer_manual_rejection"
)

// ReviewItem is one transfer awaiting manual review, in either shape.
type ReviewItem struct {
	Kind               RecordKind      `json:"kind"`
	ID                 uuid.UUID       `json:"id"`
	ExternalTransferID string          `json:"external_transfer_id"`
	Amount             decimal.Decimal `json:"amount"`
	SupplierID         uuid.UUID       `json:"supplier_id"`
	SupplierName       string          `json:"supplier_name,omitempty"`
	Notes              *string         `json:"notes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// StaleRelease identifies an escrow payment stuck in "releasing" beyond the
// sweep threshold. The sweeper reports these; it never mutates them.
type StaleRelease struct {
	ID                 uuid.UUID       `json:"id"`
	ExternalTransferID string          `json:"external_transfer_id"`
	Amount             decimal.Decimal `json:"amount"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
