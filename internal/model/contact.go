package model

import "time"

// Subscription is the presence subscription state with a contact.
type Subscription string

const (
	SubUnknown      Subscription = "UNKNOWN"
	SubUnsubscribed Subscription = "UNSUBSCRIBED"
	SubPending      Subscription = "PENDING"
	SubSubscribed   Subscription = "SUBSCRIBED"
)

// Online is the last known presence of a contact.
type Online string

const (
	OnlineUnknown Online = "UNKNOWN"
	OnlineYes     Online = "YES"
	OnlineNo      Online = "NO"
)

// Contact is a JID-keyed peer with optional key material.
type Contact struct {
	ID           int64
	JID          JID
	Name         string
	Status       string
	Fingerprint  string
	Key          []byte // binary OpenPGP public key
	Subscription Subscription
	Online       Online
	LastSeen     time.Time
	Encrypted    bool
	Deleted      bool
	Blocked      bool
}

func (c *Contact) HasKey() bool {
	return len(c.Key) > 0 && c.Fingerprint != ""
}

// IsKontalkUser reports whether the contact is registered on a Kontalk
// server and can therefore exchange keys.
func (c *Contact) IsKontalkUser() bool {
	return c.JID.IsHash()
}

// RosterToSubscription maps an XMPP roster item type and its pending flag.
func RosterToSubscription(itemType string, pending bool) Subscription {
	switch itemType {
	case "both", "to":
		return SubSubscribed
	case "none", "from":
		if pending {
			return SubPending
		}
		return SubUnsubscribed
	default:
		return SubUnknown
	}
}
