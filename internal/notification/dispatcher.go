package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Directory resolves household membership. Owned by the platform's household
// CRUD; injected so fan-out can expand a household target into its members.
type Directory interface {
	HouseholdMembers(ctx context.Context, householdID, tenantID string) ([]string, error)
}

// RetryPolicy controls transient-failure backoff. Delays grow as
// base * 2^(attempt-1) up to the attempt ceiling.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second}
}

// NextRetryAt returns when the attempt after this one may run, or nil when
// the ceiling is reached.
func (p RetryPolicy) NextRetryAt(attempt int, now time.Time) *time.Time {
	if attempt >= p.MaxAttempts {
		return nil
	}
	delay := p.BaseDelay << (attempt - 1)
	at := now.Add(delay)
	return &at
}

// Dispatcher expands a notification into per-recipient, per-channel delivery
// attempts and hands each one to the work queue.
type Dispatcher struct {
	store       Store
	prefs       *PreferenceResolver
	senders     *SenderRegistry
	directory   Directory
	queue       TaskQueue
	events      Publisher
	log         *slog.Logger
	policy      RetryPolicy
	sendTimeout time.Duration

	now func() time.Time
}

func NewDispatcher(store Store, prefs *PreferenceResolver, senders *SenderRegistry, directory Directory, queue TaskQueue, events Publisher, log *slog.Logger, policy RetryPolicy) *Dispatcher {
	if queue == nil {
		queue = SyncQueue{}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Dispatcher{
		store:       store,
		prefs:       prefs,
		senders:     senders,
		directory:   directory,
		queue:       queue,
		events:      events,
		log:         log,
		policy:      policy,
		sendTimeout: 30 * time.Second,
		now:         time.Now,
	}
}

// DeliverNotification runs fan-out and dispatch for one notification.
//
// A failure while processing one recipient never aborts the others; partial
// delivery beats total failure. The returned slice holds the deliveries
// created in this pass, for auditing. It is not a success verdict, since
// sends complete asynchronously on the work queue.
func (d *Dispatcher) DeliverNotification(ctx context.Context, notificationID string) ([]*Delivery, error) {
	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}
	if n == nil {
		return nil, fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}

	now := d.now().UTC()
	switch {
	case n.Status == StatusDelivered || n.Status == StatusExpired:
		return nil, nil
	case n.ExpiresAt != nil && !n.ExpiresAt.After(now):
		if err := d.store.UpdateNotificationStatus(ctx, n.ID, StatusExpired); err != nil {
			return nil, fmt.Errorf("expire notification: %w", err)
		}
		return nil, nil
	}

	recipients, err := d.store.ListRecipients(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	if len(recipients) == 0 {
		// Fan-out normally happens at creation; rebuild it from the primary
		// target if the rows are missing.
		recipients, err = ExpandRecipients(ctx, d.directory, n.RecipientType, n.RecipientID, n.TenantID)
		if err != nil {
			return nil, fmt.Errorf("materialize recipients: %w", err)
		}
		for _, rcpt := range recipients {
			rcpt.NotificationID = n.ID
		}
		if err := d.store.CreateRecipients(ctx, recipients); err != nil {
			return nil, fmt.Errorf("persist recipients: %w", err)
		}
	}

	channels, err := d.store.ListActiveChannels(ctx, n.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	if len(channels) == 0 {
		// No channels configured is a valid operational state.
		if err := d.store.UpdateNotificationStatus(ctx, n.ID, StatusDelivered); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var mu sync.Mutex
	var created []*Delivery
	g := &errgroup.Group{}
	for _, rcpt := range recipients {
		rcpt := rcpt
		g.Go(func() error {
			deliveries := d.dispatchRecipient(ctx, n, rcpt, channels, now)
			mu.Lock()
			created = append(created, deliveries...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := d.store.UpdateNotificationStatus(ctx, n.ID, StatusDelivered); err != nil {
		return created, fmt.Errorf("mark notification delivered: %w", err)
	}
	publishEvent(ctx, d.events, d.log, EventNotificationDelivered, map[string]any{
		"notification_id": n.ID,
		"tenant_id":       n.TenantID,
		"deliveries":      len(created),
	})
	return created, nil
}

// dispatchRecipient creates delivery rows for one recipient. Errors are
// logged and swallowed so the remaining recipients still get their turn.
func (d *Dispatcher) dispatchRecipient(ctx context.Context, n *Notification, rcpt *Recipient, channels []*Channel, now time.Time) []*Delivery {
	pref, err := d.prefs.Resolve(ctx, rcpt.RecipientType, rcpt.RecipientID, n.Type, n.TenantID)
	if err != nil {
		d.log.Error("preference lookup failed, skipping recipient",
			slog.String("notification_id", n.ID),
			slog.String("recipient", rcpt.ID),
			slog.String("error", err.Error()))
		return nil
	}

	// Quiet hours and frequency limits suppress channel noise, never
	// visibility: the recipient row already exists, so the notification
	// still shows in the in-app inbox. High priority bypasses both.
	if n.Priority != PriorityHigh {
		if IsWithinQuietHours(pref, now) {
			deliveriesSuppressed.WithLabelValues("quiet_hours").Inc()
			d.log.Info("quiet hours, skipping channels",
				slog.String("notification_id", n.ID),
				slog.String("recipient", rcpt.ID))
			return nil
		}
		if d.overFrequencyLimit(ctx, pref, rcpt, now) {
			deliveriesSuppressed.WithLabelValues("frequency_limit").Inc()
			d.log.Info("frequency limit reached, skipping channels",
				slog.String("notification_id", n.ID),
				slog.String("recipient", rcpt.ID))
			return nil
		}
	}

	var created []*Delivery
	for _, ch := range channels {
		if !ChannelAllowed(pref, ch.ID) {
			deliveriesSuppressed.WithLabelValues("channel_disabled").Inc()
			continue
		}

		del := &Delivery{
			NotificationID: n.ID,
			RecipientID:    rcpt.ID,
			ChannelID:      ch.ID,
		}
		if err := d.store.CreateDelivery(ctx, del); err != nil {
			d.log.Error("delivery create failed",
				slog.String("notification_id", n.ID),
				slog.String("recipient", rcpt.ID),
				slog.String("channel", ch.ID),
				slog.String("error", err.Error()))
			continue
		}
		created = append(created, del)

		del, ch := del, ch
		d.queue.Submit(func(taskCtx context.Context) {
			d.executeSend(taskCtx, del, n, rcpt, ch)
		})
	}
	return created
}

func (d *Dispatcher) overFrequencyLimit(ctx context.Context, pref *Preference, rcpt *Recipient, now time.Time) bool {
	if pref == nil || pref.FrequencyLimit <= 0 {
		return false
	}
	count, err := d.store.CountRecentDeliveries(ctx, rcpt.RecipientType, rcpt.RecipientID, now.Add(-24*time.Hour))
	if err != nil {
		d.log.Warn("frequency count failed, allowing delivery", slog.String("error", err.Error()))
		return false
	}
	return count >= pref.FrequencyLimit
}

// executeSend runs one send attempt and records its terminal outcome. A
// timeout on the provider call becomes a failed attempt; a delivery is never
// left pending by a slow sender.
func (d *Dispatcher) executeSend(ctx context.Context, del *Delivery, n *Notification, rcpt *Recipient, ch *Channel) {
	deliveriesAttempted.WithLabelValues(string(ch.Type)).Inc()

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err := d.senders.For(ch.Type).Send(sendCtx, n, rcpt, ch)
	cancel()

	attempt := del.AttemptCount + 1
	if err == nil {
		if err := d.store.MarkDeliveryDelivered(ctx, del.ID); err != nil {
			d.log.Error("mark delivered failed", slog.String("delivery", del.ID), slog.String("error", err.Error()))
			return
		}
		deliveriesSucceeded.WithLabelValues(string(ch.Type)).Inc()
		publishEvent(ctx, d.events, d.log, EventDeliveryDelivered, map[string]any{
			"delivery_id":     del.ID,
			"notification_id": n.ID,
			"channel":         string(ch.Type),
		})
		return
	}

	permanent := IsPermanentSendError(err)
	var nextRetry *time.Time
	if !permanent {
		nextRetry = d.policy.NextRetryAt(attempt, d.now().UTC())
	}

	deliveriesFailed.WithLabelValues(string(ch.Type), strconv.FormatBool(permanent)).Inc()
	d.log.Warn("delivery failed",
		slog.String("delivery", del.ID),
		slog.String("channel", string(ch.Type)),
		slog.Int("attempt", attempt),
		slog.Bool("permanent", permanent),
		slog.String("error", err.Error()))

	if markErr := d.store.MarkDeliveryFailed(ctx, del.ID, err.Error(), attempt, nextRetry); markErr != nil {
		d.log.Error("mark failed failed", slog.String("delivery", del.ID), slog.String("error", markErr.Error()))
		return
	}

	eventType := EventDeliveryFailed
	if !permanent && nextRetry == nil {
		eventType = EventDeliveryExhausted
	}
	publishEvent(ctx, d.events, d.log, eventType, map[string]any{
		"delivery_id":     del.ID,
		"notification_id": n.ID,
		"channel":         string(ch.Type),
		"attempt":         attempt,
		"reason":          err.Error(),
	})
}

// ResubmitDelivery claims a failed delivery for another attempt and enqueues
// the send. The claim clears next_retry_at first, so a concurrent or
// repeated sweep pass cannot double-submit the same row.
func (d *Dispatcher) ResubmitDelivery(ctx context.Context, del *Delivery) (bool, error) {
	n, err := d.store.GetNotification(ctx, del.NotificationID)
	if err != nil {
		return false, fmt.Errorf("load notification for retry: %w", err)
	}
	rcpt, err := d.store.GetRecipient(ctx, del.RecipientID)
	if err != nil {
		return false, fmt.Errorf("load recipient for retry: %w", err)
	}
	ch, err := d.store.GetChannel(ctx, del.ChannelID)
	if err != nil {
		return false, fmt.Errorf("load channel for retry: %w", err)
	}
	if n == nil || rcpt == nil || ch == nil {
		return false, fmt.Errorf("delivery %s references missing rows: %w", del.ID, ErrNotFound)
	}

	claimed, err := d.store.ClaimRetry(ctx, del.ID)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	if !claimed {
		return false, nil
	}

	retriesSwept.Inc()
	d.queue.Submit(func(taskCtx context.Context) {
		d.executeSend(taskCtx, del, n, rcpt, ch)
	})
	return true, nil
}

// ExpandRecipients turns a primary target into concrete recipient rows. A
// household expands to its members; an empty membership list falls back to a
// single household-level recipient so the one-recipient invariant holds.
func ExpandRecipients(ctx context.Context, dir Directory, entityType EntityType, entityID, tenantID string) ([]*Recipient, error) {
	switch entityType {
	case EntityMember:
		return []*Recipient{{RecipientType: EntityMember, RecipientID: entityID}}, nil
	case EntityHousehold:
		members, err := dir.HouseholdMembers(ctx, entityID, tenantID)
		if err != nil {
			return nil, fmt.Errorf("resolve household members: %w", err)
		}
		if len(members) == 0 {
			return []*Recipient{{RecipientType: EntityHousehold, RecipientID: entityID}}, nil
		}
		recipients := make([]*Recipient, 0, len(members))
		for _, memberID := range members {
			recipients = append(recipients, &Recipient{RecipientType: EntityMember, RecipientID: memberID})
		}
		return recipients, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, entityType)
	}
}
