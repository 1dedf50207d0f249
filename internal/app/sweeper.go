/**
 * @description
 * Stale-release sweep: a periodic job that finds escrow payments stuck in
 * the transient `releasing` status beyond a threshold and raises an alert
 * event for each. The sweep is read-only; recovering a stuck payment is an
 * operator decision.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - pkg/rabbitmq: Alert event publishing.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/cotafacil/escrow-service/pkg/rabbitmq"
)

// staleSweepBatchSize caps how many stuck payments one sweep reports.
const staleSweepBatchSize = 50

// SweepStaleReleases reports escrow payments that entered `releasing` before
// now-threshold and never reached a terminal status. Returns the number of
// stale payments found.
func (s *Service) SweepStaleReleases(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	stale, err := s.repo.ListStaleReleasingPayments(ctx, cutoff, staleSweepBatchSize)
	if err != nil {
		log.Printf("level=error component=stale_sweeper msg=\"sweep query failed\" err=%v", err)
		return 0, err
	}
	if len(stale) == 0 {
		log.Printf("level=info component=stale_sweeper msg=\"sweep complete\" stale=0")
		return 0, nil
	}

	for _, payment := range stale {
		log.Printf("level=warn component=stale_sweeper msg=\"payment stuck in releasing\" payment_id=%s external_transfer_id=%s stuck_since=%s",
			payment.ID, payment.ExternalTransferID, payment.UpdatedAt.Format(time.RFC3339))
		if s.eventProducer == nil {
			continue
		}
		event := rabbitmq.StaleReleaseEvent{
			PaymentID:          payment.ID,
			ExternalTransferID: payment.ExternalTransferID,
			Amount:             payment.Amount.StringFixed(2),
			StuckSince:         payment.UpdatedAt,
			Timestamp:          time.Now().UTC(),
		}
		if err := s.eventProducer.PublishStaleRelease(ctx, event); err != nil {
			log.Printf("level=warn component=stale_sweeper msg=\"failed to publish stale release event\" payment_id=%s err=%v", payment.ID, err)
		}
	}

	log.Printf("level=info component=stale_sweeper msg=\"sweep complete\" stale=%d", len(stale))
	return len(stale), nil
}
