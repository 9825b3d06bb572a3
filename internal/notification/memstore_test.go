package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store used across the package tests. It also
// implements Directory and ContactBook.
type memStore struct {
	mu            sync.Mutex
	notifications map[string]*Notification
	recipients    map[string]*Recipient
	channels      map[string]*Channel
	deliveries    map[string]*Delivery
	templates     map[string]*Template
	preferences   map[string]*Preference

	members map[string][]string // householdID -> member IDs
	emails  map[string]string
	tokens  map[string]string

	membersErr error
	prefErrFor string // entity ID whose preference lookup fails
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[string]*Notification),
		recipients:    make(map[string]*Recipient),
		channels:      make(map[string]*Channel),
		deliveries:    make(map[string]*Delivery),
		templates:     make(map[string]*Template),
		preferences:   make(map[string]*Preference),
		members:       make(map[string][]string),
		emails:        make(map[string]string),
		tokens:        make(map[string]string),
	}
}

func prefKey(tenantID string, entityType EntityType, entityID, notificationType string) string {
	return fmt.Sprintf("%s|%s|%s|%s", tenantID, entityType, entityID, notificationType)
}

func (m *memStore) CreateNotification(ctx context.Context, n *Notification, recipients []*Recipient) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now().UTC()
	if n.Status == "" {
		n.Status = StatusPending
	}
	m.notifications[n.ID] = n
	for _, rcpt := range recipients {
		rcpt.ID = uuid.New().String()
		rcpt.NotificationID = n.ID
		rcpt.Status = RecipientPending
		rcpt.CreatedAt = n.CreatedAt
		m.recipients[rcpt.ID] = rcpt
	}
	return nil
}

func (m *memStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifications[id], nil
}

func (m *memStore) UpdateNotificationStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Status = status
	}
	return nil
}

func (m *memStore) ListDueScheduled(ctx context.Context, tenantID string, now time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.TenantID != tenantID || n.Status != StatusPending {
			continue
		}
		if n.ScheduledFor == nil || n.ScheduledFor.After(now) {
			continue
		}
		if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ExpireNotifications(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.notifications {
		if n.TenantID == tenantID && n.Status == StatusPending &&
			n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			n.Status = StatusExpired
			count++
		}
	}
	return count, nil
}

func (m *memStore) CreateRecipients(ctx context.Context, recipients []*Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rcpt := range recipients {
		if rcpt.ID == "" {
			rcpt.ID = uuid.New().String()
		}
		rcpt.Status = RecipientPending
		rcpt.CreatedAt = time.Now().UTC()
		m.recipients[rcpt.ID] = rcpt
	}
	return nil
}

func (m *memStore) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recipients[id], nil
}

func (m *memStore) ListRecipients(ctx context.Context, notificationID string) ([]*Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Recipient
	for _, rcpt := range m.recipients {
		if rcpt.NotificationID == notificationID {
			out = append(out, rcpt)
		}
	}
	return out, nil
}

func (m *memStore) ListInbox(ctx context.Context, entityType EntityType, entityID, tenantID string, limit, offset int) ([]*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InboxEntry
	for _, rcpt := range m.recipients {
		if rcpt.RecipientType != entityType || rcpt.RecipientID != entityID {
			continue
		}
		n := m.notifications[rcpt.NotificationID]
		if n == nil || n.TenantID != tenantID {
			continue
		}
		out = append(out, &InboxEntry{Recipient: rcpt, Notification: n})
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkRead(ctx context.Context, recipientID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rcpt, ok := m.recipients[recipientID]
	if !ok || rcpt.Status != RecipientPending {
		return nil
	}
	rcpt.Status = RecipientRead
	rcpt.ReadAt = &at
	return nil
}

func (m *memStore) MarkAllRead(ctx context.Context, entityType EntityType, entityID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, rcpt := range m.recipients {
		if rcpt.RecipientType == entityType && rcpt.RecipientID == entityID && rcpt.Status == RecipientPending {
			rcpt.Status = RecipientRead
			rcpt.ReadAt = &at
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountUnread(ctx context.Context, entityType EntityType, entityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rcpt := range m.recipients {
		if rcpt.RecipientType == entityType && rcpt.RecipientID == entityID && rcpt.Status == RecipientPending {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListActiveChannels(ctx context.Context, tenantID string) ([]*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Channel
	for _, ch := range m.channels {
		if ch.TenantID == tenantID && ch.Active {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (m *memStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id], nil
}

func (m *memStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New().String()
	d.Status = DeliveryPending
	d.CreatedAt = time.Now().UTC()
	m.deliveries[d.ID] = d
	return nil
}

func (m *memStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[id], nil
}

func (m *memStore) MarkDeliveryDelivered(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status == DeliveryDelivered {
		return nil
	}
	d.Status = DeliveryDelivered
	d.FailureReason = nil
	d.NextRetryAt = nil
	d.AttemptCount++
	return nil
}

func (m *memStore) MarkDeliveryFailed(ctx context.Context, id, reason string, attemptCount int, nextRetryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status == DeliveryDelivered {
		return nil
	}
	d.Status = DeliveryFailed
	d.FailureReason = &reason
	d.AttemptCount = attemptCount
	d.NextRetryAt = nextRetryAt
	return nil
}

func (m *memStore) ClaimRetry(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != DeliveryFailed || d.NextRetryAt == nil {
		return false, nil
	}
	d.NextRetryAt = nil
	return true, nil
}

func (m *memStore) ListDueRetries(ctx context.Context, tenantID string, now time.Time, maxAttempts, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.Status != DeliveryFailed || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		if d.AttemptCount >= maxAttempts {
			continue
		}
		n := m.notifications[d.NotificationID]
		if n == nil || n.TenantID != tenantID {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CountRecentDeliveries(ctx context.Context, entityType EntityType, entityID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.deliveries {
		rcpt := m.recipients[d.RecipientID]
		if rcpt == nil || rcpt.RecipientType != entityType || rcpt.RecipientID != entityID {
			continue
		}
		if !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetTemplate(ctx context.Context, tenantID, name string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.templates[tenantID+"|"+name], nil
}

func (m *memStore) GetPreference(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) (*Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefErrFor != "" && m.prefErrFor == entityID {
		return nil, fmt.Errorf("simulated preference store failure")
	}
	return m.preferences[prefKey(tenantID, entityType, entityID, notificationType)], nil
}

func (m *memStore) UpsertPreference(ctx context.Context, p *Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.preferences[prefKey(p.TenantID, p.EntityType, p.EntityID, p.NotificationType)] = p
	return nil
}

func (m *memStore) HouseholdMembers(ctx context.Context, householdID, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membersErr != nil {
		return nil, m.membersErr
	}
	return m.members[householdID], nil
}

func (m *memStore) EmailAddress(ctx context.Context, memberID, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emails[memberID], nil
}

func (m *memStore) PushToken(ctx context.Context, memberID, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[memberID], nil
}

func (m *memStore) addChannel(id, tenantID string, chType ChannelType, active bool) *Channel {
	ch := &Channel{ID: id, TenantID: tenantID, Type: chType, Active: active}
	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()
	return ch
}

func (m *memStore) deliveriesFor(notificationID string) []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Delivery
	for _, d := range m.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, d)
		}
	}
	return out
}
