package notification

import (
	"time"
)

// ChannelType identifies the transport a notification travels over.
type ChannelType string

const (
	ChannelInApp ChannelType = "in-app"
	ChannelEmail ChannelType = "email"
	ChannelPush  ChannelType = "push"
	ChannelChat  ChannelType = "chat"
)

// Priority controls quiet-hours and frequency-limit bypass. High priority is
// never suppressed.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status of the logical notification, not of any individual delivery.
// "delivered" means dispatch was attempted for every recipient.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExpired   Status = "expired"
)

// RecipientStatus tracks read-state, which is independent of channel
// delivery outcome.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientRead    RecipientStatus = "read"
)

// DeliveryStatus is the per-(recipient, channel) attempt state.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// EntityType distinguishes household-level from member-level targets.
type EntityType string

const (
	EntityHousehold EntityType = "household"
	EntityMember    EntityType = "member"
)

// Notification is the durable record of one logical event. Immutable except
// Status once created. RecipientType/RecipientID record the primary target
// supplied at creation so fan-out can be rebuilt if the recipient rows are
// ever missing.
type Notification struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Data          map[string]any `json:"data,omitempty"`
	Priority      Priority       `json:"priority"`
	Status        Status         `json:"status"`
	RecipientType EntityType     `json:"recipient_type"`
	RecipientID   string         `json:"recipient_id"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Recipient is one fan-out target of a notification. A notification always
// has at least one.
type Recipient struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	RecipientType  EntityType      `json:"recipient_type"`
	RecipientID    string          `json:"recipient_id"`
	Status         RecipientStatus `json:"status"`
	ReadAt         *time.Time      `json:"read_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Channel is tenant-scoped transport configuration, read-only to the
// delivery pipeline.
type Channel struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Type     ChannelType    `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Active   bool           `json:"active"`
}

// Delivery is one (recipient, channel) attempt record. AttemptCount only
// increases; a nil NextRetryAt on a failed delivery means it is not eligible
// for retry (permanent failure or attempts exhausted).
type Delivery struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	RecipientID    string         `json:"recipient_id"`
	ChannelID      string         `json:"channel_id"`
	Status         DeliveryStatus `json:"status"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Template holds a named title/body template pair. Rendering happens at
// creation time, so editing a template never rewrites historical
// notifications. DataSchema is a documented list of expected data keys,
// checked best-effort only.
type Template struct {
	ID            string   `json:"id"`
	TenantID      string   `json:"tenant_id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	TitleTemplate string   `json:"title_template"`
	BodyTemplate  string   `json:"body_template"`
	DataSchema    []string `json:"data_schema,omitempty"`
}

// Preference is the per-entity, per-notification-type opt-in row. At most one
// exists per (entity, type, tenant). Absence means "enabled, all channels".
type Preference struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	EntityType       EntityType      `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	NotificationType string          `json:"notification_type"`
	Enabled          bool            `json:"enabled"`
	Channels         map[string]bool `json:"channels,omitempty"`
	QuietHoursStart  string          `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd    string          `json:"quiet_hours_end,omitempty"`
	FrequencyLimit   int             `json:"frequency_limit"`
}

// InboxEntry pairs a recipient row with its notification for inbox listings.
type InboxEntry struct {
	Recipient    *Recipient    `json:"recipient"`
	Notification *Notification `json:"notification"`
}

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ValidEntityType reports whether t is a known recipient entity type.
func ValidEntityType(t EntityType) bool {
	return t == EntityHousehold || t == EntityMember
}
