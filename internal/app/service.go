/**
 * @description
 * This file contains the core business logic for the escrow-service. The
 * `Service` struct implements the transfer authorization engine: a pipeline
 * of gates that decides, for every pre-execution webhook the payment network
 * delivers, whether the payout may proceed. It also generates PIX
 * copy-and-paste payment codes for supplier checkout flows.
 *
 * Key features:
 * - Config, auth, payload, lookup, validation, ceiling and key-match gates,
 *   evaluated strictly in order with short-circuit on the first failure.
 * - Fail-closed error handling: any unexpected condition rejects the payout.
 * - Atomic approval through guarded repository updates, so concurrent
 *   deliveries for the same transfer approve at most once.
 * - Publishes a decision event to RabbitMQ for every terminal outcome.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Exact currency arithmetic.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/pix, pkg/rabbitmq: BR Code generation and event publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cotafacil/escrow-service/internal/domain"
	"github.com/cotafacil/escrow-service/internal/store"
	"github.com/cotafacil/escrow-service/pkg/pix"
	"github.com/cotafacil/escrow-service/pkg/rabbitmq"
)

// amountTolerance bounds the absolute difference between the persisted
// amount and the amount the payment network reports. The match requires the
// difference to stay strictly below the tolerance: a full one-cent gap is a
// mismatch.
var amountTolerance = decimal.NewFromFloat(0.01)

// Decision statuses returned to the payment network.
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// Decision is the engine's verdict on one webhook delivery. HTTPStatus is the
// code the handler must answer with: the network retries non-2xx responses,
// so business rejections ride on 200 and only config/auth/payload failures
// and internal errors use error codes.
type Decision struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func approved(message string) Decision {
	return Decision{Status: DecisionApproved, Message: message, HTTPStatus: 200}
}

func rejected(httpStatus int, message string) Decision {
	return Decision{Status: DecisionRejected, Message: message, HTTPStatus: httpStatus}
}

// Service provides the core business logic for transfer authorization and
// payment code generation.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	merchantCity  string
}

// NewService creates a new escrow service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, merchantCity string) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		merchantCity:  merchantCity,
	}
}

// AuthorizeTransfer runs the gate pipeline against one webhook delivery and
// returns the decision. token is the raw value of the auth header; body is
// the raw request body. The method never returns an error: every failure
// mode, including panics in gate logic, collapses into a REJECTED decision.
func (s *Service) AuthorizeTransfer(ctx context.Context, token string, body []byte) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=authorization_engine msg=\"panic during authorization; failing closed\" panic=%v", r)
			decision = rejected(500, "Internal error during authorization")
		}
	}()

	// Gate 1: configuration. Read fresh on every delivery so toggling the
	// kill switch takes effect without a restart.
	cfg, err := s.repo.GetWebhookConfig(ctx)
	if err != nil {
		if errors.Is(err, store.ErrWebhookConfigNotFound) {
			log.Printf("level=warn component=authorization_engine msg=\"webhook config missing; rejecting\"")
			return rejected(403, "Webhook is not configured")
		}
		log.Printf("level=error component=authorization_engine msg=\"failed to load webhook config\" err=%v", err)
		return rejected(500, "Internal error during authorization")
	}
	if !cfg.Enabled {
		log.Printf("level=warn component=authorization_engine msg=\"webhook disabled; rejecting\"")
		return rejected(403, "Webhook is disabled")
	}

	// Gate 2: authentication. Only enforced when a token is configured.
	if cfg.AuthToken != nil && *cfg.AuthToken != "" {
		if strings.TrimSpace(token) != strings.TrimSpace(*cfg.AuthToken) {
			log.Printf("level=warn component=authorization_engine msg=\"auth token mismatch; rejecting\"")
			return rejected(401, "Invalid authentication token")
		}
	}

	// Gate 3: payload shape.
	var notification domain.WebhookNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		log.Printf("level=warn component=authorization_engine msg=\"malformed webhook payload\" err=%v", err)
		return rejected(400, "Malformed payload")
	}
	if notification.Transfer.ID == "" {
		log.Printf("level=warn component=authorization_engine msg=\"payload missing transfer id\"")
		return rejected(400, "Missing transfer id")
	}

	// Gate 4: lookup. Dedicated shape first, then the generic one. An
	// unknown transfer is a soft rejection: the network must not retry a
	// delivery we will never recognize.
	record, err := s.findRecord(ctx, notification.Transfer.ID)
	if err != nil {
		log.Printf("level=error component=authorization_engine msg=\"record lookup failed\" external_transfer_id=%s err=%v", notification.Transfer.ID, err)
		return rejected(500, "Internal error during authorization")
	}
	if record == nil {
		log.Printf("level=warn component=authorization_engine msg=\"transfer not found; soft reject\" external_transfer_id=%s", notification.Transfer.ID)
		return rejected(200, "Transfer not recognized")
	}

	// Gates 5-7: validation, ceiling, key match, then approval.
	return s.evaluateRecord(ctx, cfg, record, notification.Transfer)
}

// findRecord resolves the external transfer id to a persisted record, or nil
// when neither shape knows it.
func (s *Service) findRecord(ctx context.Context, externalTransferID string) (*domain.TransferRecord, error) {
	transfer, err := s.repo.FindSupplierTransferByExternalID(ctx, externalTransferID)
	if err == nil {
		return &domain.TransferRecord{Kind: domain.KindSupplierTransfer, Transfer: transfer}, nil
	}
	if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, err
	}

	payment, err := s.repo.FindEscrowPaymentByExternalID(ctx, externalTransferID)
	if err == nil {
		return &domain.TransferRecord{Kind: domain.KindEscrowPayment, Payment: payment}, nil
	}
	if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, err
	}
	return nil, nil
}

// evaluateRecord runs the business gates against a resolved record. The
// caller has already cleared config, auth, payload and lookup.
func (s *Service) evaluateRecord(ctx context.Context, cfg *domain.WebhookConfig, record *domain.TransferRecord, incoming domain.WebhookTransfer) Decision {
	// Validation gate: all checks are evaluated so the audit trail and the
	// rejection reason name every discrepancy, not just the first.
	var failures []string
	var passed []string

	if !incoming.Value.Sub(record.Amount()).Abs().LessThan(amountTolerance) {
		failures = append(failures, fmt.Sprintf("amount mismatch: recorded %s, reported %s", record.Amount().StringFixed(2), incoming.Value.StringFixed(2)))
	} else {
		passed = append(passed, "amount matches")
	}

	if !statusIn(record.Status(), record.ValidInitialStatuses()) {
		failures = append(failures, fmt.Sprintf("status %q is not authorizable", record.Status()))
	} else {
		passed = append(passed, "status authorizable")
	}

	if record.Supplier() == nil {
		failures = append(failures, "supplier not found")
	} else {
		passed = append(passed, "supplier present")
	}

	if !incoming.Value.IsPositive() {
		failures = append(failures, fmt.Sprintf("non-positive amount %s", incoming.Value.String()))
	} else {
		passed = append(passed, "amount positive")
	}

	if len(failures) > 0 {
		reason := "Authorization rejected: " + strings.Join(failures, "; ")
		if err := s.markFailed(ctx, record, reason); err != nil {
			log.Printf("level=error component=authorization_engine msg=\"failed to mark record failed\" record_id=%s err=%v", record.ID(), err)
			return rejected(500, "Internal error during authorization")
		}
		if cfg.AuditRejections {
			s.writeAudit(ctx, record, domain.AuditActionTransferRejected, failures)
		}
		s.publishDecision(ctx, record, domain.AuditActionTransferRejected, reason)
		log.Printf("level=info component=authorization_engine decision=rejected external_transfer_id=%s reason=%q", incoming.ID, reason)
		return rejected(200, reason)
	}

	// Ceiling gate: amounts above the auto-approve ceiling are deferred for
	// manual review, not failed. The record stays recoverable. A config row
	// without a positive ceiling falls back to the default rather than
	// auto-approving unbounded amounts.
	ceiling := cfg.MaxAutoApproveAmount
	if !ceiling.IsPositive() {
		ceiling = domain.DefaultMaxAutoApproveAmount
	}
	if incoming.Value.GreaterThan(ceiling) {
		reason := fmt.Sprintf("Amount %s exceeds auto-approve ceiling %s; deferred for manual review", incoming.Value.StringFixed(2), ceiling.StringFixed(2))
		if err := s.deferRecord(ctx, record, reason); err != nil {
			log.Printf("level=error component=authorization_engine msg=\"failed to defer record\" record_id=%s err=%v", record.ID(), err)
			return rejected(500, "Internal error during authorization")
		}
		if cfg.AuditRejections {
			s.writeAudit(ctx, record, domain.AuditActionTransferDeferred, []string{reason})
		}
		s.publishDecision(ctx, record, domain.AuditActionTransferDeferred, reason)
		log.Printf("level=info component=authorization_engine decision=deferred external_transfer_id=%s amount=%s", incoming.ID, incoming.Value.StringFixed(2))
		return rejected(200, reason)
	}

	// Key-match gate: the destination PIX key the network is about to pay
	// must match the key on file for the supplier.
	if cfg.ValidatePixKey {
		expected := record.Supplier().PixKey
		if expected == "" && record.Kind == domain.KindSupplierTransfer && record.Transfer.SupplierPixKey != nil {
			expected = *record.Transfer.SupplierPixKey
		}
		if expected == "" && record.Kind == domain.KindEscrowPayment && record.Payment.SupplierPixKey != nil {
			expected = *record.Payment.SupplierPixKey
		}
		if !pixKeysMatch(expected, incoming.PixKey) {
			reason := "Destination PIX key does not match the key on file"
			if err := s.markFailed(ctx, record, reason); err != nil {
				log.Printf("level=error component=authorization_engine msg=\"failed to mark record failed\" record_id=%s err=%v", record.ID(), err)
				return rejected(500, "Internal error during authorization")
			}
			if cfg.AuditRejections {
				s.writeAudit(ctx, record, domain.AuditActionTransferRejected, []string{reason})
			}
			s.publishDecision(ctx, record, domain.AuditActionTransferRejected, reason)
			log.Printf("level=warn component=authorization_engine decision=rejected external_transfer_id=%s reason=\"pix key mismatch\"", incoming.ID)
			return rejected(200, reason)
		}
		passed = append(passed, "pix key matches")
	}

	// Approval: a guarded atomic update. Losing the guard means a concurrent
	// delivery already moved the record; approving again would double-pay.
	ok, err := s.approveRecord(ctx, record, domain.AuditActionTransferApproved, "webhook", passed)
	if err != nil {
		log.Printf("level=error component=authorization_engine msg=\"approval transaction failed\" record_id=%s err=%v", record.ID(), err)
		return rejected(500, "Internal error during authorization")
	}
	if !ok {
		reason := "Transfer was already processed"
		s.publishDecision(ctx, record, domain.AuditActionTransferRejected, reason)
		log.Printf("level=warn component=authorization_engine decision=rejected external_transfer_id=%s reason=\"concurrent update won\"", incoming.ID)
		return rejected(200, reason)
	}

	s.publishDecision(ctx, record, domain.AuditActionTransferApproved, "Transfer authorized")
	log.Printf("level=info component=authorization_engine decision=approved external_transfer_id=%s record_id=%s amount=%s", incoming.ID, record.ID(), incoming.Value.StringFixed(2))
	return approved("Transfer authorized")
}

// approveRecord commits the approval transaction for either record shape.
// reviewer tags who approved: "webhook" for the engine, an operator id for
// manual review.
func (s *Service) approveRecord(ctx context.Context, record *domain.TransferRecord, action, reviewer string, validations []string) (bool, error) {
	audit := s.buildAudit(record, action, validations)
	if reviewer != "webhook" {
		audit.Validations = append(audit.Validations, "reviewed_by: "+reviewer)
	}
	if record.Kind == domain.KindSupplierTransfer {
		return s.repo.ApproveSupplierTransferAtomic(ctx, record.ID(), record.ValidInitialStatuses(), audit)
	}
	return s.repo.ApproveEscrowPaymentAtomic(ctx, record.ID(), record.Payment.QuoteID, record.ValidInitialStatuses(), audit)
}

func (s *Service) markFailed(ctx context.Context, record *domain.TransferRecord, reason string) error {
	if record.Kind == domain.KindSupplierTransfer {
		return s.repo.MarkSupplierTransferFailed(ctx, record.ID(), reason)
	}
	return s.repo.MarkEscrowPaymentFailed(ctx, record.ID(), reason)
}

func (s *Service) deferRecord(ctx context.Context, record *domain.TransferRecord, reason string) error {
	if record.Kind == domain.KindSupplierTransfer {
		return s.repo.DeferSupplierTransfer(ctx, record.ID(), reason)
	}
	return s.repo.DeferEscrowPayment(ctx, record.ID(), reason)
}

func (s *Service) buildAudit(record *domain.TransferRecord, action string, validations []string) domain.AuditLogEntry {
	entry := domain.AuditLogEntry{
		Action:     action,
		EntityID:   record.ID(),
		Amount:     record.Amount(),
		RecordKind: record.Kind,
		// copy: the caller may keep appending to its slice
		Validations: append([]string(nil), validations...),
		CreatedAt:   time.Now().UTC(),
	}
	if record.Kind == domain.KindSupplierTransfer {
		entry.EntityType = "supplier_transfer"
		entry.ExternalTransferID = record.Transfer.ExternalTransferID
		id := record.Transfer.SupplierID
		entry.SupplierID = &id
	} else {
		entry.EntityType = "escrow_payment"
		entry.ExternalTransferID = record.Payment.ExternalTransferID
		id := record.Payment.SupplierID
		entry.SupplierID = &id
	}
	if sup := record.Supplier(); sup != nil {
		entry.SupplierName = sup.Name
	}
	return entry
}

// writeAudit records a non-approval decision. Approval audit rows ride inside
// the approval transaction instead. Best-effort: an audit failure must not
// flip an already-taken decision.
func (s *Service) writeAudit(ctx context.Context, record *domain.TransferRecord, action string, validations []string) {
	if err := s.repo.CreateAuditLogEntry(ctx, s.buildAudit(record, action, validations)); err != nil {
		log.Printf("level=error component=authorization_engine msg=\"failed to write audit entry\" record_id=%s action=%s err=%v", record.ID(), action, err)
	}
}

// publishDecision emits the terminal decision event. Best-effort: the
// decision stands whether or not the broker accepts the event.
func (s *Service) publishDecision(ctx context.Context, record *domain.TransferRecord, action, message string) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.TransferDecisionEvent{
		Action:     action,
		RecordKind: string(record.Kind),
		EntityID:   record.ID(),
		Amount:     record.Amount().StringFixed(2),
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	if record.Kind == domain.KindSupplierTransfer {
		event.ExternalTransferID = record.Transfer.ExternalTransferID
		id := record.Transfer.SupplierID
		event.SupplierID = &id
	} else {
		event.ExternalTransferID = record.Payment.ExternalTransferID
		id := record.Payment.SupplierID
		event.SupplierID = &id
	}
	if err := s.eventProducer.PublishTransferDecision(ctx, event); err != nil {
		log.Printf("level=warn component=authorization_engine msg=\"failed to publish decision event\" record_id=%s action=%s err=%v", record.ID(), action, err)
	}
}

// pixKeysMatch compares two PIX keys case-insensitively after trimming. Both
// sides must be present: an empty expected or incoming key fails the match.
func pixKeysMatch(expected, incoming string) bool {
	e := strings.ToLower(strings.TrimSpace(expected))
	i := strings.ToLower(strings.TrimSpace(incoming))
	if e == "" || i == "" {
		return false
	}
	return e == i
}

func statusIn(status string, valid []string) bool {
	for _, v := range valid {
		if status == v {
			return true
		}
	}
	return false
}

// PaymentCodeRequest asks for a PIX copy-and-paste code.
type PaymentCodeRequest struct {
	PixKey        string          `json:"pix_key"`
	Amount        decimal.Decimal `json:"amount"`
	RecipientName string          `json:"recipient_name"`
	Description   string          `json:"description,omitempty"`
}

// PaymentCodeResult is the generated code plus the classified key.
type PaymentCodeResult struct {
	Code         string `json:"code"`
	Key          string `json:"key"`
	KeyType      string `json:"key_type"`
	FallbackUsed bool   `json:"fallback_used"`
}

// ClassifyPixKey formats a raw PIX key and names its type.
func (s *Service) ClassifyPixKey(raw string) (string, string) {
	formatted, keyType := pix.ClassifyKey(raw)
	return formatted, string(keyType)
}

// GeneratePaymentCode builds a BR Code payload for the request. When payload
// generation fails the cleaned key itself is returned as a degraded code, so
// the caller can still surface something the buyer can paste into a banking
// app manually.
func (s *Service) GeneratePaymentCode(req PaymentCodeRequest) PaymentCodeResult {
	formatted, keyType := pix.ClassifyKey(req.PixKey)

	code, err := pix.Payload(pix.PayloadOptions{
		Key:           pix.CleanKey(req.PixKey),
		Amount:        req.Amount,
		RecipientName: req.RecipientName,
		Description:   req.Description,
		MerchantCity:  s.merchantCity,
	})
	if err != nil {
		log.Printf("level=warn component=payment_codes msg=\"payload generation failed; falling back to raw key\" key_type=%s err=%v", keyType, err)
		return PaymentCodeResult{
			Code:         pix.CleanKey(req.PixKey),
			Key:          formatted,
			KeyType:      string(keyType),
			FallbackUsed: true,
		}
	}

	return PaymentCodeResult{
		Code:    code,
		Key:     formatted,
		KeyType: string(keyType),
	}
}
