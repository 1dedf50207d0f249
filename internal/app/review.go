/**
 * @description
 * Manual review operations for transfers the engine deferred: listing the
 * review queue and resolving an item as approved or rejected. Resolution
 * reuses the same guarded approval transaction the engine uses, guarded on
 * the deferred status instead of the authorizable set, so a webhook retry
 * and an operator can never both move the same record.
 *
 * @dependencies
 * - context, errors, fmt, log, strings: Standard Go libraries.
 * - github.com/google/uuid: Record identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/cotafacil/escrow-service/internal/domain"
	"github.com/cotafacil/escrow-service/internal/store"
)

// Review errors surfaced to the admin API.
var (
	ErrReviewNotFound    = errors.New("review item not found")
	ErrReviewNotPending  = errors.New("record is no longer awaiting review")
	ErrUnknownRecordKind = errors.New("unknown record kind")
)

// defaultReviewListLimit caps the review queue page size.
const defaultReviewListLimit = 100

// ReviewResolution is an operator's verdict on one deferred transfer.
type ReviewResolution struct {
	Kind     domain.RecordKind
	ID       uuid.UUID
	Approve  bool
	Reviewer string
	Note     string
}

// ListPendingReviews returns transfers awaiting manual review, both shapes.
func (s *Service) ListPendingReviews(ctx context.Context, limit int) ([]domain.ReviewItem, error) {
	if limit <= 0 || limit > defaultReviewListLimit {
		limit = defaultReviewListLimit
	}
	items, err := s.repo.ListPendingReviewItems(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	return items, nil
}

// ResolveReview applies an operator decision to a deferred transfer. Manual
// decisions are always audited, regardless of the webhook audit flag.
func (s *Service) ResolveReview(ctx context.Context, res ReviewResolution) error {
	if strings.TrimSpace(res.Reviewer) == "" {
		return errors.New("reviewer is required")
	}

	record, guard, err := s.loadReviewRecord(ctx, res)
	if err != nil {
		return err
	}
	if !statusIn(record.Status(), guard) {
		return ErrReviewNotPending
	}

	if res.Approve {
		return s.approveReviewed(ctx, record, guard, res)
	}
	return s.rejectReviewed(ctx, record, res)
}

// loadReviewRecord fetches the record by kind and id and returns the status
// guard the resolution must hold.
func (s *Service) loadReviewRecord(ctx context.Context, res ReviewResolution) (*domain.TransferRecord, []string, error) {
	switch res.Kind {
	case domain.KindSupplierTransfer:
		transfer, err := s.repo.FindSupplierTransferByID(ctx, res.ID)
		if err != nil {
			return nil, nil, s.mapReviewLookupErr(err)
		}
		record := &domain.TransferRecord{Kind: domain.KindSupplierTransfer, Transfer: transfer}
		// Deferred dedicated transfers stay in pending with a review note.
		return record, []string{domain.TransferStatusPending}, nil
	case domain.KindEscrowPayment:
		payment, err := s.repo.FindEscrowPaymentByID(ctx, res.ID)
		if err != nil {
			return nil, nil, s.mapReviewLookupErr(err)
		}
		record := &domain.TransferRecord{Kind: domain.KindEscrowPayment, Payment: payment}
		return record, []string{domain.PaymentStatusPendingApproval}, nil
	default:
		return nil, nil, ErrUnknownRecordKind
	}
}

func (s *Service) mapReviewLookupErr(err error) error {
	if errors.Is(err, store.ErrTransferNotFound) || errors.Is(err, store.ErrPaymentNotFound) {
		return ErrReviewNotFound
	}
	return fmt.Errorf("failed to load record for review: %w", err)
}

func (s *Service) approveReviewed(ctx context.Context, record *domain.TransferRecord, guard []string, res ReviewResolution) error {
	validations := []string{"manual review approval"}
	if res.Note != "" {
		validations = append(validations, "note: "+res.Note)
	}
	audit := s.buildAudit(record, domain.AuditActionManualApproval, validations)
	audit.Validations = append(audit.Validations, "reviewed_by: "+res.Reviewer)

	var (
		ok  bool
		err error
	)
	if record.Kind == domain.KindSupplierTransfer {
		ok, err = s.repo.ApproveSupplierTransferAtomic(ctx, record.ID(), guard, audit)
	} else {
		ok, err = s.repo.ApproveEscrowPaymentAtomic(ctx, record.ID(), record.Payment.QuoteID, guard, audit)
	}
	if err != nil {
		return fmt.Errorf("failed to approve reviewed transfer: %w", err)
	}
	if !ok {
		return ErrReviewNotPending
	}

	s.publishDecision(ctx, record, domain.AuditActionManualApproval, "Manually approved by "+res.Reviewer)
	log.Printf("level=info component=review decision=approved record_id=%s reviewer=%s", record.ID(), res.Reviewer)
	return nil
}

func (s *Service) rejectReviewed(ctx context.Context, record *domain.TransferRecord, res ReviewResolution) error {
	reason := "Manually rejected by " + res.Reviewer
	if res.Note != "" {
		reason += ": " + res.Note
	}
	if err := s.markFailed(ctx, record, reason); err != nil {
		return fmt.Errorf("failed to reject reviewed transfer: %w", err)
	}
	s.writeAudit(ctx, record, domain.AuditActionManualRejection, []string{reason})
	s.publishDecision(ctx, record, domain.AuditActionManualRejection, reason)
	log.Printf("level=info component=review decision=rejected record_id=%s reviewer=%s", record.ID(), res.Reviewer)
	return nil
}
