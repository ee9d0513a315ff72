package relay

import (
	"encoding/json"

	"github.com/kontalk/konk/internal/model"
)

// Frame types. The server sends the first group, the client the second;
// message travels both ways.
const (
	TypeMessage       = "message"
	TypeSent          = "sent"
	TypeReceipt       = "receipt"
	TypeError         = "error"
	TypeChatState     = "chatstate"
	TypeRoster        = "roster"
	TypePresence      = "presence"
	TypePublicKey     = "pubkey"
	TypeKeyRequest    = "pubkey_request"
	TypeBlockList     = "blocklist"
	TypeRosterAdd     = "roster_add"
	TypeRosterRemove  = "roster_remove"
	TypeSubscription  = "subscription"
	TypeBlock         = "block"
	TypeAuthenticated = "authenticated"
)

// Frame is one JSON text message on the websocket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newFrame(typ string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: data}, nil
}

// PublicKey carries a binary OpenPGP public key.
type PublicKey struct {
	JID model.JID `json:"jid"`
	Key []byte    `json:"key"`
}

// KeyRequest asks for the public key of JID, or tells which JID asks.
type KeyRequest struct {
	JID model.JID `json:"jid"`
}

type BlockList struct {
	JIDs []model.JID `json:"jids"`
}

type Block struct {
	JID      model.JID `json:"jid"`
	Blocking bool      `json:"blocking"`
}

type RosterChange struct {
	JID  model.JID `json:"jid"`
	Name string    `json:"name,omitempty"`
}

type Subscription struct {
	JID   model.JID `json:"jid"`
	Grant bool      `json:"grant"`
}

// Authenticated is the server's answer to a successful login.
type Authenticated struct {
	JID model.JID `json:"jid"`
}
