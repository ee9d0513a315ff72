package model

import "time"

// Direction of a message.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// Status is the delivery state of a message.
type Status string

const (
	StatusIn       Status = "IN"
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusReceived Status = "RECEIVED"
	StatusError    Status = "ERROR"
)

// Transmission is the delivery record for one recipient.
type Transmission struct {
	JID        JID
	ReceivedAt time.Time
}

// Message is an incoming or outgoing chat message.
type Message struct {
	ID            int64
	ChatID        int64
	Dir           Direction
	XID           string // transport message id
	PeerJID       JID    // sender of an incoming message
	Status        Status
	Date          time.Time
	ServerDate    time.Time
	Content       Content
	Coder         CoderStatus
	ServerError   string
	Transmissions []Transmission
}

func (m *Message) IsOutgoing() bool { return m.Dir == DirOut }

// IsSendEncrypted reports whether the message is meant to leave encrypted.
func (m *Message) IsSendEncrypted() bool {
	return m.Dir == DirOut && m.Coder.Encryption == EncDecrypted
}

// NeedsUpload is true for an outgoing attachment that has no URL yet.
func (m *Message) NeedsUpload() bool {
	a := m.Content.Attachment
	return m.Dir == DirOut && a != nil && !a.HasURL()
}

// NeedsDownload is true for an incoming attachment without a local file.
func (m *Message) NeedsDownload() bool {
	a := m.Content.Attachment
	return m.Dir == DirIn && a != nil && a.HasURL() && !a.HasFile()
}
