package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ChannelSender delivers one notification to one recipient over one channel.
// Implementations must translate timeouts into an error return; a delivery
// may never be left permanently pending.
type ChannelSender interface {
	Type() ChannelType
	Send(ctx context.Context, n *Notification, rcpt *Recipient, ch *Channel) error
}

// ContactBook resolves member contact endpoints. The platform's member CRUD
// owns this data; the engine only reads it.
type ContactBook interface {
	EmailAddress(ctx context.Context, memberID, tenantID string) (string, error)
	PushToken(ctx context.Context, memberID, tenantID string) (string, error)
}

// SenderRegistry maps channel types to senders. Unknown types resolve to a
// sentinel sender that always fails with a configuration error, so a typo in
// channel config surfaces as a permanently failed delivery instead of a
// crash or a silent skip.
type SenderRegistry struct {
	senders map[ChannelType]ChannelSender
}

func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{senders: make(map[ChannelType]ChannelSender)}
}

func (r *SenderRegistry) Register(s ChannelSender) {
	r.senders[s.Type()] = s
}

// For never returns nil.
func (r *SenderRegistry) For(t ChannelType) ChannelSender {
	if s, ok := r.senders[t]; ok {
		return s
	}
	return &unsupportedSender{channelType: t}
}

type unsupportedSender struct {
	channelType ChannelType
}

func (s *unsupportedSender) Type() ChannelType { return s.channelType }

func (s *unsupportedSender) Send(ctx context.Context, n *Notification, rcpt *Recipient, ch *Channel) error {
	return fmt.Errorf("no sender registered for channel type %q: %w", s.channelType, ErrUnsupportedChannel)
}

// InAppSender always succeeds: "sending" in-app means nothing more than the
// recipient row being queryable by the client, which already happened at
// fan-out time.
type InAppSender struct{}

func NewInAppSender() *InAppSender { return &InAppSender{} }

func (s *InAppSender) Type() ChannelType { return ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, n *Notification, rcpt *Recipient, ch *Channel) error {
	return nil
}

// EmailSender resolves the recipient's address and hands the rendered
// notification to the email transport.
type EmailSender struct {
	transport EmailTransport
	contacts  ContactBook
}

func NewEmailSender(transport EmailTransport, contacts ContactBook) *EmailSender {
	return &EmailSender{transport: transport, contacts: contacts}
}

func (s *EmailSender) Type() ChannelType { return ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n *Notification, rcpt *Recipient, ch *Channel) error {
	to, err := s.contacts.EmailAddress(ctx, rcpt.RecipientID, n.TenantID)
	if err != nil {
		return fmt.Errorf("resolve email address: %w", err)
	}
	if to == "" {
		return fmt.Errorf("member %s has no email address on file", rcpt.RecipientID)
	}
	if err := s.transport.SendEmail(ctx, to, n.Title, n.Body); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// PushTransport is the external push provider call, injected so tests and
// deployments without a provider can run.
type PushTransport interface {
	SendPush(ctx context.Context, token, title, body string) error
}

// PushSender resolves the recipient's device token and invokes the push
// transport.
type PushSender struct {
	transport PushTransport
	contacts  ContactBook
}

func NewPushSender(transport PushTransport, contacts ContactBook) *PushSender {
	return &PushSender{transport: transport, contacts: contacts}
}

func (s *PushSender) Type() ChannelType { return ChannelPush }

func (s *PushSender) Send(ctx context.Context, n *Notification, rcpt *Recipient, ch *Channel) error {
	token, err := s.contacts.PushToken(ctx, rcpt.RecipientID, n.TenantID)
	if err != nil {
		return fmt.Errorf("resolve push token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("member %s has no push token registered", rcpt.RecipientID)
	}
	if err := s.transport.SendPush(ctx, token, n.Title, n.Body); err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	return nil
}

// LogPushTransport logs instead of calling a real provider (FCM, APNs).
type LogPushTransport struct {
	log *slog.Logger
}

func NewLogPushTransport(log *slog.Logger) *LogPushTransport {
	return &LogPushTransport{log: log}
}

func (t *LogPushTransport) SendPush(ctx context.Context, token, title, body string) error {
	t.log.Info("push notification sent",
		slog.String("token", token),
		slog.String("title", title))
	return nil
}

// ChatSender posts the notification to the webhook URL configured on the
// channel. A channel without a URL is a configuration error, not a transient
// failure.
type ChatSender struct {
	client *http.Client
}

func NewChatSender(client *http.Client) *ChatSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &ChatSender{client: client}
}

func (s *ChatSender) Type() ChannelType { return ChannelChat }

func (s *ChatSender) Send(ctx context.Context, n *Notification, rcpt *Recipient, ch *Channel) error {
	url, _ := ch.Config["webhook_url"].(string)
	if url == "" {
		return fmt.Errorf("chat channel %s has no webhook_url: %w", ch.ID, ErrChannelMisconfigured)
	}

	payload, err := json.Marshal(map[string]string{
		"title": n.Title,
		"text":  n.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}
	return nil
}
