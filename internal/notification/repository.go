package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the durable source of truth for the delivery pipeline. Single-row
// lookups return (nil, nil) when the row does not exist.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification, recipients []*Recipient) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	UpdateNotificationStatus(ctx context.Context, id string, status Status) error
	ListDueScheduled(ctx context.Context, tenantID string, now time.Time, limit int) ([]*Notification, error)
	ExpireNotifications(ctx context.Context, tenantID string, now time.Time) (int64, error)

	CreateRecipients(ctx context.Context, recipients []*Recipient) error
	GetRecipient(ctx context.Context, id string) (*Recipient, error)
	ListRecipients(ctx context.Context, notificationID string) ([]*Recipient, error)
	ListInbox(ctx context.Context, entityType EntityType, entityID, tenantID string, limit, offset int) ([]*InboxEntry, error)
	MarkRead(ctx context.Context, recipientID string, at time.Time) error
	MarkAllRead(ctx context.Context, entityType EntityType, entityID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, entityType EntityType, entityID string) (int, error)

	ListActiveChannels(ctx context.Context, tenantID string) ([]*Channel, error)
	GetChannel(ctx context.Context, id string) (*Channel, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	MarkDeliveryDelivered(ctx context.Context, id string) error
	MarkDeliveryFailed(ctx context.Context, id, reason string, attemptCount int, nextRetryAt *time.Time) error
	ClaimRetry(ctx context.Context, id string) (bool, error)
	ListDueRetries(ctx context.Context, tenantID string, now time.Time, maxAttempts, limit int) ([]*Delivery, error)
	CountRecentDeliveries(ctx context.Context, entityType EntityType, entityID string, since time.Time) (int, error)

	GetTemplate(ctx context.Context, tenantID, name string) (*Template, error)
	GetPreference(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) (*Preference, error)
	UpsertPreference(ctx context.Context, p *Preference) error
}

// Repository is the PostgreSQL implementation of Store. It also implements
// Directory against the platform-owned household_members and member_contacts
// tables.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateNotification inserts the notification and its recipient rows in one
// transaction so a notification can never exist with zero recipients.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification, recipients []*Recipient) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	n.ID = uuid.New().String()
	n.CreatedAt = time.Now().UTC()
	if n.Status == "" {
		n.Status = StatusPending
	}

	data, err := marshalJSONColumn(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, tenant_id, type, title, body, data, priority, status,
			recipient_type, recipient_id, scheduled_for, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, n.ID, n.TenantID, n.Type, n.Title, n.Body, data, n.Priority, n.Status,
		n.RecipientType, n.RecipientID, n.ScheduledFor, n.ExpiresAt, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	for _, rcpt := range recipients {
		rcpt.ID = uuid.New().String()
		rcpt.NotificationID = n.ID
		rcpt.Status = RecipientPending
		rcpt.CreatedAt = n.CreatedAt
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notification_recipients (id, notification_id, recipient_type, recipient_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rcpt.ID, rcpt.NotificationID, rcpt.RecipientType, rcpt.RecipientID, rcpt.Status, rcpt.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) GetNotification(ctx context.Context, id string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, title, body, data, priority, status,
			recipient_type, recipient_id, scheduled_for, expires_at, created_at
		FROM notifications WHERE id = $1
	`, id)
	return scanNotification(row)
}

func (r *Repository) UpdateNotificationStatus(ctx context.Context, id string, status Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET status = $1 WHERE id = $2`, status, id)
	return err
}

// ListDueScheduled returns pending notifications whose scheduled time has
// arrived. Notifications without a schedule are dispatched at creation and
// never enter this selection.
func (r *Repository) ListDueScheduled(ctx context.Context, tenantID string, now time.Time, limit int) ([]*Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, title, body, data, priority, status,
			recipient_type, recipient_id, scheduled_for, expires_at, created_at
		FROM notifications
		WHERE tenant_id = $1 AND status = 'pending'
			AND scheduled_for IS NOT NULL AND scheduled_for <= $2
			AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY scheduled_for
		LIMIT $3
	`, tenantID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repository) ExpireNotifications(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'expired'
		WHERE tenant_id = $1 AND status = 'pending'
			AND expires_at IS NOT NULL AND expires_at <= $2
	`, tenantID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) CreateRecipients(ctx context.Context, recipients []*Recipient) error {
	for _, rcpt := range recipients {
		if rcpt.ID == "" {
			rcpt.ID = uuid.New().String()
		}
		rcpt.Status = RecipientPending
		rcpt.CreatedAt = time.Now().UTC()
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO notification_recipients (id, notification_id, recipient_type, recipient_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rcpt.ID, rcpt.NotificationID, rcpt.RecipientType, rcpt.RecipientID, rcpt.Status, rcpt.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, notification_id, recipient_type, recipient_id, status, read_at, created_at
		FROM notification_recipients WHERE id = $1
	`, id)
	return scanRecipient(row)
}

func (r *Repository) ListRecipients(ctx context.Context, notificationID string) ([]*Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, notification_id, recipient_type, recipient_id, status, read_at, created_at
		FROM notification_recipients WHERE notification_id = $1
	`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Recipient
	for rows.Next() {
		rcpt, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rcpt)
	}
	return out, rows.Err()
}

func (r *Repository) ListInbox(ctx context.Context, entityType EntityType, entityID, tenantID string, limit, offset int) ([]*InboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.id, r.notification_id, r.recipient_type, r.recipient_id, r.status, r.read_at, r.created_at,
			n.id, n.tenant_id, n.type, n.title, n.body, n.data, n.priority, n.status,
			n.recipient_type, n.recipient_id, n.scheduled_for, n.expires_at, n.created_at
		FROM notification_recipients r
		JOIN notifications n ON n.id = r.notification_id
		WHERE r.recipient_type = $1 AND r.recipient_id = $2 AND n.tenant_id = $3
		ORDER BY n.created_at DESC
		LIMIT $4 OFFSET $5
	`, entityType, entityID, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InboxEntry
	for rows.Next() {
		var rcpt Recipient
		var n Notification
		var data []byte
		err := rows.Scan(
			&rcpt.ID, &rcpt.NotificationID, &rcpt.RecipientType, &rcpt.RecipientID, &rcpt.Status, &rcpt.ReadAt, &rcpt.CreatedAt,
			&n.ID, &n.TenantID, &n.Type, &n.Title, &n.Body, &data, &n.Priority, &n.Status,
			&n.RecipientType, &n.RecipientID, &n.ScheduledFor, &n.ExpiresAt, &n.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := unmarshalJSONColumn(data, &n.Data); err != nil {
			return nil, err
		}
		out = append(out, &InboxEntry{Recipient: &rcpt, Notification: &n})
	}
	return out, rows.Err()
}

// MarkRead is idempotent: a recipient already read is left untouched.
func (r *Repository) MarkRead(ctx context.Context, recipientID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_recipients SET status = 'read', read_at = $1
		WHERE id = $2 AND status = 'pending'
	`, at, recipientID)
	return err
}

func (r *Repository) MarkAllRead(ctx context.Context, entityType EntityType, entityID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notification_recipients SET status = 'read', read_at = $1
		WHERE recipient_type = $2 AND recipient_id = $3 AND status = 'pending'
	`, at, entityType, entityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUnread counts pending recipient rows only. Read-state never depends
// on delivery outcome, so no join through deliveries happens here.
func (r *Repository) CountUnread(ctx context.Context, entityType EntityType, entityID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notification_recipients
		WHERE recipient_type = $1 AND recipient_id = $2 AND status = 'pending'
	`, entityType, entityID).Scan(&count)
	return count, err
}

func (r *Repository) ListActiveChannels(ctx context.Context, tenantID string) ([]*Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, config, active
		FROM notification_channels WHERE tenant_id = $1 AND active = TRUE
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *Repository) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, type, config, active FROM notification_channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

func (r *Repository) CreateDelivery(ctx context.Context, d *Delivery) error {
	d.ID = uuid.New().String()
	d.Status = DeliveryPending
	d.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (id, notification_id, recipient_id, channel_id, status, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.NotificationID, d.RecipientID, d.ChannelID, d.Status, d.AttemptCount, d.CreatedAt)
	return err
}

func (r *Repository) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, notification_id, recipient_id, channel_id, status, failure_reason, attempt_count, next_retry_at, created_at
		FROM notification_deliveries WHERE id = $1
	`, id)
	return scanDelivery(row)
}

// MarkDeliveryDelivered is one-directional: a delivery never leaves the
// delivered state.
func (r *Repository) MarkDeliveryDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = 'delivered', failure_reason = NULL, next_retry_at = NULL,
			attempt_count = attempt_count + 1
		WHERE id = $1 AND status != 'delivered'
	`, id)
	return err
}

func (r *Repository) MarkDeliveryFailed(ctx context.Context, id, reason string, attemptCount int, nextRetryAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = 'failed', failure_reason = $1, attempt_count = $2, next_retry_at = $3
		WHERE id = $4 AND status != 'delivered'
	`, reason, attemptCount, nextRetryAt, id)
	return err
}

// ClaimRetry advances a failed delivery out of the retry selection before the
// new attempt runs, so a second sweep pass over the same due set picks up
// nothing. Returns false when another pass already claimed the row.
func (r *Repository) ClaimRetry(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notification_deliveries SET next_retry_at = NULL
		WHERE id = $1 AND status = 'failed' AND next_retry_at IS NOT NULL
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) ListDueRetries(ctx context.Context, tenantID string, now time.Time, maxAttempts, limit int) ([]*Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.id, d.notification_id, d.recipient_id, d.channel_id, d.status, d.failure_reason, d.attempt_count, d.next_retry_at, d.created_at
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE n.tenant_id = $1 AND d.status = 'failed'
			AND d.next_retry_at IS NOT NULL AND d.next_retry_at <= $2
			AND d.attempt_count < $3
		ORDER BY d.next_retry_at
		LIMIT $4
	`, tenantID, now, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) CountRecentDeliveries(ctx context.Context, entityType EntityType, entityID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notification_deliveries d
		JOIN notification_recipients r ON r.id = d.recipient_id
		WHERE r.recipient_type = $1 AND r.recipient_id = $2 AND d.created_at >= $3
	`, entityType, entityID, since).Scan(&count)
	return count, err
}

func (r *Repository) GetTemplate(ctx context.Context, tenantID, name string) (*Template, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, type, title_template, body_template, data_schema
		FROM notification_templates WHERE tenant_id = $1 AND name = $2
	`, tenantID, name)

	var t Template
	var schema []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Type, &t.TitleTemplate, &t.BodyTemplate, &schema)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(schema, &t.DataSchema); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetPreference(ctx context.Context, entityType EntityType, entityID, notificationType, tenantID string) (*Preference, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, entity_type, entity_id, notification_type, enabled,
			channels, quiet_hours_start, quiet_hours_end, frequency_limit
		FROM notification_preferences
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND notification_type = $4
	`, tenantID, entityType, entityID, notificationType)

	var p Preference
	var channels []byte
	var start, end sql.NullString
	err := row.Scan(&p.ID, &p.TenantID, &p.EntityType, &p.EntityID, &p.NotificationType,
		&p.Enabled, &channels, &start, &end, &p.FrequencyLimit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.QuietHoursStart = start.String
	p.QuietHoursEnd = end.String
	if err := unmarshalJSONColumn(channels, &p.Channels); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) UpsertPreference(ctx context.Context, p *Preference) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	channels, err := marshalJSONColumn(p.Channels)
	if err != nil {
		return fmt.Errorf("marshal channel preferences: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences
			(id, tenant_id, entity_type, entity_id, notification_type, enabled,
			 channels, quiet_hours_start, quiet_hours_end, frequency_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, entity_type, entity_id, notification_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			channels = EXCLUDED.channels,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			frequency_limit = EXCLUDED.frequency_limit
	`, p.ID, p.TenantID, p.EntityType, p.EntityID, p.NotificationType, p.Enabled,
		channels, p.QuietHoursStart, p.QuietHoursEnd, p.FrequencyLimit)
	return err
}

// HouseholdMembers implements Directory against the platform's membership
// table.
func (r *Repository) HouseholdMembers(ctx context.Context, householdID, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT member_id FROM household_members
		WHERE household_id = $1 AND tenant_id = $2
	`, householdID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// EmailAddress implements ContactBook for the email channel sender.
func (r *Repository) EmailAddress(ctx context.Context, memberID, tenantID string) (string, error) {
	var email sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM member_contacts WHERE member_id = $1 AND tenant_id = $2`,
		memberID, tenantID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return email.String, err
}

// PushToken implements ContactBook for the push channel sender.
func (r *Repository) PushToken(ctx context.Context, memberID, tenantID string) (string, error) {
	var token sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT push_token FROM member_contacts WHERE member_id = $1 AND tenant_id = $2`,
		memberID, tenantID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token.String, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (*Notification, error) {
	var n Notification
	var data []byte
	err := row.Scan(&n.ID, &n.TenantID, &n.Type, &n.Title, &n.Body, &data, &n.Priority, &n.Status,
		&n.RecipientType, &n.RecipientID, &n.ScheduledFor, &n.ExpiresAt, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(data, &n.Data); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanRecipient(row scanner) (*Recipient, error) {
	var rcpt Recipient
	err := row.Scan(&rcpt.ID, &rcpt.NotificationID, &rcpt.RecipientType, &rcpt.RecipientID,
		&rcpt.Status, &rcpt.ReadAt, &rcpt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rcpt, nil
}

func scanChannel(row scanner) (*Channel, error) {
	var ch Channel
	var config []byte
	err := row.Scan(&ch.ID, &ch.TenantID, &ch.Type, &config, &ch.Active)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(config, &ch.Config); err != nil {
		return nil, err
	}
	return &ch, nil
}

func scanDelivery(row scanner) (*Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.NotificationID, &d.RecipientID, &d.ChannelID, &d.Status,
		&d.FailureReason, &d.AttemptCount, &d.NextRetryAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func marshalJSONColumn(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSONColumn(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
