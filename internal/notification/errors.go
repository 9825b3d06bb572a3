package notification

import "errors"

var (
	// ErrNoRecipients means fan-out resolved zero targets. A notification
	// must never exist without at least one recipient row.
	ErrNoRecipients = errors.New("notification has no resolvable recipients")

	// ErrTemplateNotFound is a configuration error: the caller referenced a
	// template name that does not exist for the tenant.
	ErrTemplateNotFound = errors.New("notification template not found")

	// ErrUnsupportedChannel marks a channel type with no registered sender.
	// Deliveries failing with it are never retried.
	ErrUnsupportedChannel = errors.New("unsupported channel type")

	// ErrChannelMisconfigured marks a channel whose config is missing a
	// required setting (e.g. a chat channel without a webhook URL).
	// Deliveries failing with it are never retried.
	ErrChannelMisconfigured = errors.New("channel misconfigured")

	// ErrInvalidRecipient means the recipient type is not household or member.
	ErrInvalidRecipient = errors.New("invalid recipient type")

	// ErrNotFound is returned by operations that require an existing row.
	ErrNotFound = errors.New("not found")
)

// IsPermanentSendError reports whether a send failure is a configuration
// error that retrying can never fix.
func IsPermanentSendError(err error) bool {
	return errors.Is(err, ErrUnsupportedChannel) || errors.Is(err, ErrChannelMisconfigured)
}
