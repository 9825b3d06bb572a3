package notification

import (
	"context"
	"fmt"
	"log/slog"
)

const sweepBatchSize = 100

// ProcessScheduledNotifications finds pending notifications whose scheduled
// time has arrived and re-enters the pipeline at fan-out for each. Expired
// notifications are flipped to expired first so they never dispatch.
//
// Idempotent: dispatch flips status to delivered, which removes the
// notification from the selection, so a second pass over the same due set
// picks up nothing.
func (s *Service) ProcessScheduledNotifications(ctx context.Context, tenantID string) (int, error) {
	now := s.now().UTC()

	expired, err := s.store.ExpireNotifications(ctx, tenantID, now)
	if err != nil {
		return 0, fmt.Errorf("expire notifications: %w", err)
	}
	if expired > 0 {
		s.log.Info("expired notifications", slog.String("tenant", tenantID), slog.Int64("count", expired))
	}

	due, err := s.store.ListDueScheduled(ctx, tenantID, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}

	processed := 0
	for _, n := range due {
		if _, err := s.dispatcher.DeliverNotification(ctx, n.ID); err != nil {
			s.log.Error("scheduled dispatch failed",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()))
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessPendingRetries finds failed deliveries that are due for another
// attempt and resubmits each to its channel sender.
//
// Idempotent: each resubmission claims the row (clearing next_retry_at)
// before the attempt runs, so running the sweep twice with no elapsed time
// creates no duplicate attempts and never double-increments attempt counts.
func (s *Service) ProcessPendingRetries(ctx context.Context, tenantID string) (int, error) {
	now := s.now().UTC()

	due, err := s.store.ListDueRetries(ctx, tenantID, now, s.dispatcher.policy.MaxAttempts, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	resubmitted := 0
	for _, del := range due {
		ok, err := s.dispatcher.ResubmitDelivery(ctx, del)
		if err != nil {
			s.log.Error("retry resubmission failed",
				slog.String("delivery", del.ID),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			resubmitted++
		}
	}
	return resubmitted, nil
}
