package model

import (
	"encoding/json"
	"strings"
)

// Download progress sentinels of an attachment; 1..100 are percentages.
const (
	ProgressStalled = -1
	ProgressStarted = 0
	ProgressUnknown = -2
	ProgressFailed  = -3
	ProgressDone    = 100
)

// Attachment references a file sent alongside a message.
type Attachment struct {
	URL      string      `json:"url,omitempty"`
	File     string      `json:"file_name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Length   int64       `json:"length"`
	Coder    CoderStatus `json:"coder"`
	Progress int         `json:"-"`
}

func (a *Attachment) HasURL() bool  { return a.URL != "" }
func (a *Attachment) HasFile() bool { return a.File != "" }
func (a *Attachment) IsImage() bool { return strings.HasPrefix(a.MimeType, "image") }

// Preview is a small thumbnail of an attachment.
type Preview struct {
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

// GroupData identifies a client-managed group chat. Immutable once created.
type GroupData struct {
	Owner JID    `json:"jid"`
	ID    string `json:"id"`
}

func (g GroupData) IsZero() bool { return g.Owner == "" && g.ID == "" }

// GroupOp is the operation of a group command. The numeric value is the wire value.
type GroupOp int

const (
	OpCreate GroupOp = iota
	OpSet
	OpLeave
)

func (o GroupOp) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpSet:
		return "SET"
	case OpLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// GroupCommand mutates group membership or subject.
type GroupCommand struct {
	Op      GroupOp `json:"op"`
	Added   []JID   `json:"added,omitempty"`
	Removed []JID   `json:"removed,omitempty"`
	Subject string  `json:"subj,omitempty"`
}

func NewCreateCommand(members []JID, subject string) *GroupCommand {
	return &GroupCommand{Op: OpCreate, Added: members, Subject: subject}
}

func NewSetCommand(added, removed []JID, subject string) *GroupCommand {
	return &GroupCommand{Op: OpSet, Added: added, Removed: removed, Subject: subject}
}

func NewLeaveCommand() *GroupCommand {
	return &GroupCommand{Op: OpLeave}
}

// IsAddingMe reports whether the command adds me to the group.
func (g *GroupCommand) IsAddingMe(me JID) bool {
	if g.Op != OpCreate && g.Op != OpSet {
		return false
	}
	return ContainsJID(g.Added, me)
}

// Content is the payload of a message.
type Content struct {
	Text          string        `json:"text,omitempty"`
	EncryptedData []byte        `json:"encrypted,omitempty"`
	Attachment    *Attachment   `json:"attachment,omitempty"`
	Preview       *Preview      `json:"preview,omitempty"`
	GroupCommand  *GroupCommand `json:"group_command,omitempty"`
	Group         *GroupData    `json:"group,omitempty"`
}

func (c *Content) IsEmpty() bool {
	return c.Text == "" && len(c.EncryptedData) == 0 && c.Attachment == nil && c.GroupCommand == nil
}

// Marshal encodes content for storage.
func (c *Content) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalContent decodes stored content.
func UnmarshalContent(data []byte) (Content, error) {
	var c Content
	if len(data) == 0 {
		return c, nil
	}
	err := json.Unmarshal(data, &c)
	return c, err
}
