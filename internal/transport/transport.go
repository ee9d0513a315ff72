// Package transport defines what the messaging core needs from a network
// client and what such a client reports back.
package transport

import (
	"context"
	"time"

	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
)

// Message is a chat message on the wire. Encrypted messages carry the
// ciphertext of the JSON encoded content in Content.EncryptedData and only
// the preview in clear.
type Message struct {
	XID        string        `json:"id"`
	From       model.JID     `json:"from,omitempty"`
	To         []model.JID   `json:"to,omitempty"`
	ThreadID   string        `json:"thread,omitempty"`
	Content    model.Content `json:"content"`
	Mode       string        `json:"mode,omitempty"`
	ChatState  string        `json:"chatstate,omitempty"`
	ServerDate time.Time     `json:"delay,omitzero"`
}

// Receipt confirms delivery of an outgoing message to one recipient.
type Receipt struct {
	From     model.JID `json:"from"`
	ThreadID string    `json:"thread,omitempty"`
	XID      string    `json:"id"`
	At       time.Time `json:"at,omitzero"`
}

// MessageError is a server error for an outgoing message.
type MessageError struct {
	From      model.JID `json:"from"`
	ThreadID  string    `json:"thread,omitempty"`
	XID       string    `json:"id"`
	Condition string    `json:"condition"`
	Text      string    `json:"text,omitempty"`
}

// ChatState is a chat state notification from or to a peer.
type ChatState struct {
	From     model.JID `json:"from,omitempty"`
	To       model.JID `json:"to,omitempty"`
	ThreadID string    `json:"thread,omitempty"`
	State    string    `json:"state"`
	Delay    time.Time `json:"delay,omitzero"`
}

// RosterItem is one entry of the server side contact list.
type RosterItem struct {
	JID     model.JID `json:"jid"`
	Name    string    `json:"name,omitempty"`
	Type    string    `json:"type"`
	Pending bool      `json:"pending,omitempty"`
	Removed bool      `json:"removed,omitempty"`
}

// Presence is an availability update of a contact.
type Presence struct {
	From        model.JID `json:"from"`
	Available   bool      `json:"available"`
	Status      string    `json:"status,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	// Subscribe is set for a subscription request.
	Subscribe bool `json:"subscribe,omitempty"`
}

// Transport is a connection to the messaging server.
type Transport interface {
	Connect(ctx context.Context, key *crypto.PersonalKey) error
	Disconnect() error
	IsConnected() bool
	OwnJID() model.JID

	SendMessage(ctx context.Context, m *Message) error
	SendChatState(ctx context.Context, to model.JID, threadID string, state chatstate.State) error
	SendPublicKeyRequest(ctx context.Context, jid model.JID) error
	SendPublicKey(ctx context.Context, to model.JID, key []byte) error
	SendBlocking(ctx context.Context, jid model.JID, blocking bool) error

	AddToRoster(ctx context.Context, jid model.JID, name string) error
	RemoveFromRoster(ctx context.Context, jid model.JID) error
	// SendSubscription requests a presence subscription, or grants one
	// requested by jid when grant is set.
	SendSubscription(ctx context.Context, jid model.JID, grant bool) error
}

// Listener receives what the server sends. Calls may come from any goroutine.
type Listener interface {
	OnConnectionLost(err error)
	OnNewInMessage(ctx context.Context, m *Message)
	// OnMessageSent is the server acknowledging an outgoing message.
	OnMessageSent(r Receipt)
	OnReceipt(r Receipt)
	OnMessageError(e MessageError)
	OnChatState(s ChatState)
	OnRosterItem(ctx context.Context, item RosterItem)
	OnPresence(ctx context.Context, p Presence)
	OnPublicKey(jid model.JID, key []byte)
	OnPublicKeyRequest(ctx context.Context, from model.JID)
	OnBlockList(jids []model.JID)
}
