package bus

import "time"

// Event is a domain notification for the presentation layer or other components.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, e.g. "message." or "connection.".
const (
	KindStatusChanged = "connection.status_changed"
	KindRetryTick     = "connection.retry_tick"

	KindMessageNew     = "message.new"
	KindMessageStatus  = "message.status"
	KindMessageSent    = "message.sent"
	KindMessageFailed  = "message.failed"
	KindOutboxFlushed  = "message.outbox_flushed"
	KindSecurityError  = "security.error"
	KindChatState      = "chat.state"
	KindChatCreated    = "chat.created"
	KindGroupChanged   = "chat.group_changed"
	KindContactChanged = "contact.changed"

	KindSubscriptionRequest = "contact.subscription_request"

	KindKeyPending  = "key.pending"
	KindKeyAccepted = "key.accepted"
	KindKeyRejected = "key.rejected"

	KindAttachmentProgress = "attachment.progress"
	KindAttachmentError    = "attachment.error"
	KindPreviewSaved       = "attachment.preview"

	KindAccountPasswordRequired = "account.password_required"
	KindAccountError            = "account.error"
)
