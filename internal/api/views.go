package api

import (
	"time"

	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/store"
)

// Request and reply bodies. They travel as google.protobuf.Struct values
// built from their JSON form.

type StatusReply struct {
	Profile            string `json:"profile" yaml:"profile"`
	State              string `json:"state" yaml:"state"`
	JID                string `json:"jid,omitempty" yaml:"jid,omitempty"`
	Fingerprint        string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	UptimeMs           int64  `json:"uptime_ms" yaml:"uptime_ms"`
	Chats              int    `json:"chats" yaml:"chats"`
	PendingKeys        int    `json:"pending_keys" yaml:"pending_keys"`
	PendingAttachments int    `json:"pending_attachments" yaml:"pending_attachments"`
}

type ConnectRequest struct {
	Password string `json:"password,omitempty"`
}

// SendRequest addresses a chat by id, or a contact by JID in which case the
// single chat is created when missing.
type SendRequest struct {
	ChatID int64  `json:"chat_id,omitempty"`
	JID    string `json:"jid,omitempty"`
	Text   string `json:"text,omitempty"`
	Path   string `json:"path,omitempty"`
}

type ListMessagesRequest struct {
	ChatID   int64 `json:"chat_id"`
	BeforeID int64 `json:"before_id,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

type CreateGroupRequest struct {
	JIDs    []string `json:"jids"`
	Subject string   `json:"subject,omitempty"`
}

type ChatRequest struct {
	ChatID int64 `json:"chat_id"`
}

// KeyDecision accepts or declines the pending key of JID.
type KeyDecision struct {
	JID    string `json:"jid"`
	Accept bool   `json:"accept"`
}

type SetPasswordRequest struct {
	Old string `json:"old,omitempty"`
	New string `json:"new,omitempty"`
}

// ImportRequest imports from an exported archive at Path, or from the
// server at URL with Token.
type ImportRequest struct {
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type ImportReply struct {
	JID string `json:"jid" yaml:"jid"`
}

type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as streamed by WatchEvents.
type Event struct {
	Kind    string         `json:"kind" yaml:"kind"`
	At      time.Time      `json:"at" yaml:"at"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

type ChatView struct {
	ID      int64    `json:"id" yaml:"id"`
	Group   bool     `json:"group" yaml:"group"`
	Subject string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Owner   string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Members []string `json:"members" yaml:"members"`
	Read    bool     `json:"read" yaml:"read"`
}

type ChatList struct {
	Chats []ChatView `json:"chats" yaml:"chats"`
}

type MessageView struct {
	ID          int64     `json:"id" yaml:"id"`
	ChatID      int64     `json:"chat_id" yaml:"chat_id"`
	Outgoing    bool      `json:"outgoing" yaml:"outgoing"`
	Peer        string    `json:"peer,omitempty" yaml:"peer,omitempty"`
	Status      string    `json:"status" yaml:"status"`
	Date        time.Time `json:"date" yaml:"date"`
	Text        string    `json:"text,omitempty" yaml:"text,omitempty"`
	Attachment  string    `json:"attachment,omitempty" yaml:"attachment,omitempty"`
	MimeType    string    `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	Encryption  string    `json:"encryption" yaml:"encryption"`
	Errors      []string  `json:"errors,omitempty" yaml:"errors,omitempty"`
	ServerError string    `json:"server_error,omitempty" yaml:"server_error,omitempty"`
}

type MessageList struct {
	Messages []MessageView `json:"messages" yaml:"messages"`
	HasMore  bool          `json:"has_more" yaml:"has_more"`
}

type KeyView struct {
	JID         string    `json:"jid" yaml:"jid"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	ReceivedAt  time.Time `json:"received_at" yaml:"received_at"`
}

type KeyList struct {
	Keys []KeyView `json:"keys" yaml:"keys"`
}

func chatView(c *model.Chat) ChatView {
	v := ChatView{ID: c.ID, Group: c.IsGroup(), Subject: c.Subject, Read: c.Read, Members: []string{}}
	if c.IsGroup() {
		v.Owner = c.Group.Owner.String()
	}
	for _, m := range c.Members {
		v.Members = append(v.Members, m.Contact.JID.String())
	}
	return v
}

func messageView(m *model.Message) MessageView {
	v := MessageView{
		ID:          m.ID,
		ChatID:      m.ChatID,
		Outgoing:    m.IsOutgoing(),
		Peer:        m.PeerJID.String(),
		Status:      string(m.Status),
		Date:        m.Date,
		Text:        m.Content.Text,
		Encryption:  encryptionName(m.Coder),
		ServerError: m.ServerError,
	}
	if a := m.Content.Attachment; a != nil {
		v.Attachment = a.File
		if v.Attachment == "" {
			v.Attachment = a.URL
		}
		v.MimeType = a.MimeType
	}
	for _, e := range m.Coder.Errors {
		v.Errors = append(v.Errors, string(e))
	}
	return v
}

func keyView(k store.PendingKey) KeyView {
	return KeyView{JID: k.JID.String(), Fingerprint: k.Fingerprint, ReceivedAt: k.ReceivedAt}
}

func encryptionName(c model.CoderStatus) string {
	switch {
	case c.IsSecure():
		return "secure"
	case c.Encryption == model.EncEncrypted:
		return "encrypted"
	case c.Encryption == model.EncDecrypted:
		return "decrypted"
	default:
		return "none"
	}
}
