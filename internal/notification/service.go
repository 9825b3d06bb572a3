package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Service is the engine's public surface. The platform's CRUD services call
// it in-process; there is no network listener here. Delivery is always
// fire-and-forget relative to the caller: a failed notification never blocks
// or rolls back the business operation that triggered it.
type Service struct {
	store      Store
	prefs      *PreferenceResolver
	dispatcher *Dispatcher
	directory  Directory
	events     Publisher
	log        *slog.Logger

	now func() time.Time
}

func NewService(store Store, prefs *PreferenceResolver, dispatcher *Dispatcher, directory Directory, events Publisher, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		prefs:      prefs,
		dispatcher: dispatcher,
		directory:  directory,
		events:     events,
		log:        log,
		now:        time.Now,
	}
}

// CreateInput carries the caller-supplied fields for a new notification.
type CreateInput struct {
	TenantID      string
	Type          string
	Title         string
	Body          string
	Data          map[string]any
	Priority      Priority
	RecipientType EntityType
	RecipientID   string
	ScheduledFor  *time.Time
	ExpiresAt     *time.Time
}

// CreateNotification records a logical event and, when due, dispatches it.
//
// When preferences disable this notification type for the primary target,
// creation is a silent no-op: (nil, nil), not an error. Producers treat
// "preferences disabled" as legitimate, so nothing is persisted and nothing
// is logged above debug level.
func (s *Service) CreateNotification(ctx context.Context, in CreateInput) (*Notification, error) {
	if in.Type == "" || in.TenantID == "" {
		return nil, fmt.Errorf("notification type and tenant are required")
	}
	if !ValidEntityType(in.RecipientType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, in.RecipientType)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !ValidPriority(in.Priority) {
		return nil, fmt.Errorf("invalid priority %q", in.Priority)
	}

	if !s.prefs.IsEnabled(ctx, in.RecipientType, in.RecipientID, in.Type, in.TenantID) {
		s.log.Debug("notification type disabled for target, skipping",
			slog.String("type", in.Type),
			slog.String("target", string(in.RecipientType)+":"+in.RecipientID))
		return nil, nil
	}

	recipients, err := ExpandRecipients(ctx, s.directory, in.RecipientType, in.RecipientID, in.TenantID)
	if err != nil {
		return nil, err
	}

	n := &Notification{
		TenantID:      in.TenantID,
		Type:          in.Type,
		Title:         in.Title,
		Body:          in.Body,
		Data:          in.Data,
		Priority:      in.Priority,
		Status:        StatusPending,
		RecipientType: in.RecipientType,
		RecipientID:   in.RecipientID,
		ScheduledFor:  in.ScheduledFor,
		ExpiresAt:     in.ExpiresAt,
	}
	if err := s.store.CreateNotification(ctx, n, recipients); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	notificationsCreated.WithLabelValues(n.Type).Inc()
	publishEvent(ctx, s.events, s.log, EventNotificationCreated, map[string]any{
		"notification_id": n.ID,
		"tenant_id":       n.TenantID,
		"type":            n.Type,
		"priority":        string(n.Priority),
	})

	if n.ScheduledFor == nil || !n.ScheduledFor.After(s.now().UTC()) {
		// Due now: dispatch immediately. Dispatch errors are logged, never
		// returned; the triggering business operation already succeeded.
		if _, err := s.dispatcher.DeliverNotification(ctx, n.ID); err != nil {
			s.log.Error("immediate dispatch failed",
				slog.String("notification_id", n.ID),
				slog.String("error", err.Error()))
		}
	}
	return n, nil
}

// CreateFromTemplate renders a named template and creates the notification
// from the result. Rendering happens here, at creation time; editing the
// template later never changes this notification.
func (s *Service) CreateFromTemplate(ctx context.Context, templateName string, data map[string]any, in CreateInput) (*Notification, error) {
	tmpl, err := s.store.GetTemplate(ctx, in.TenantID, templateName)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %q: %w", templateName, ErrTemplateNotFound)
	}

	rendered := RenderTemplate(tmpl, data, s.log)
	in.Type = tmpl.Type
	in.Title = rendered.Title
	in.Body = rendered.Body
	in.Data = rendered.Data
	return s.CreateNotification(ctx, in)
}

// DeliverNotification re-enters the pipeline at fan-out. Exposed for the
// scheduled sweep and for callers that created a notification out-of-band.
func (s *Service) DeliverNotification(ctx context.Context, notificationID string) ([]*Delivery, error) {
	return s.dispatcher.DeliverNotification(ctx, notificationID)
}

// GetNotificationsForRecipient lists the entity's inbox, newest first.
func (s *Service) GetNotificationsForRecipient(ctx context.Context, entityType EntityType, entityID, tenantID string, limit, offset int) ([]*InboxEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListInbox(ctx, entityType, entityID, tenantID, limit, offset)
}

// GetUnreadCount counts pending recipient rows for the entity. Read-state
// never depends on channel delivery outcome.
func (s *Service) GetUnreadCount(ctx context.Context, entityType EntityType, entityID string) (int, error) {
	return s.store.CountUnread(ctx, entityType, entityID)
}

// MarkAsRead transitions one recipient row to read. Idempotent: marking an
// already-read recipient again is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, recipientID string) error {
	return s.store.MarkRead(ctx, recipientID, s.now().UTC())
}

// MarkAllAsRead marks every pending recipient row for the entity and returns
// how many rows it touched. Idempotent.
func (s *Service) MarkAllAsRead(ctx context.Context, entityType EntityType, entityID string) (int64, error) {
	return s.store.MarkAllRead(ctx, entityType, entityID, s.now().UTC())
}

// SetPreferences upserts the entity's preference row and invalidates any
// cached copy.
func (s *Service) SetPreferences(ctx context.Context, p *Preference) error {
	if !ValidEntityType(p.EntityType) {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, p.EntityType)
	}
	if err := s.store.UpsertPreference(ctx, p); err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	s.prefs.Invalidate(ctx, p.EntityType, p.EntityID, p.NotificationType, p.TenantID)
	return nil
}
