package model

// ChatKind distinguishes the chat variants.
type ChatKind int

const (
	KindSingle ChatKind = iota
	KindGroup
)

// Role of a member in a group chat.
type Role int

const (
	RoleDefault Role = iota
	RoleOwner
	RoleAdmin
)

type Member struct {
	Contact Contact
	Role    Role
}

// Chat is either a single chat with one peer or a group chat identified by
// its GroupData. Switch on Kind; Group is only set for KindGroup.
type Chat struct {
	ID       int64
	Kind     ChatKind
	ThreadID string
	Subject  string
	Group    GroupData
	Members  []Member
	Read     bool
	Deleted  bool
}

func (c *Chat) IsGroup() bool { return c.Kind == KindGroup }

// ValidContacts returns members that are neither deleted nor me.
func (c *Chat) ValidContacts(me JID) []Contact {
	var out []Contact
	for _, m := range c.Members {
		if m.Contact.Deleted || m.Contact.JID.Equal(me) {
			continue
		}
		out = append(out, m.Contact)
	}
	return out
}

func (c *Chat) ContainsMe(me JID) bool {
	return c.HasMember(me)
}

func (c *Chat) HasMember(jid JID) bool {
	for _, m := range c.Members {
		if m.Contact.JID.Equal(jid) {
			return true
		}
	}
	return false
}

// IsValid reports whether messages can be sent to the chat. A group chat
// the user has left is not valid.
func (c *Chat) IsValid(me JID) bool {
	switch c.Kind {
	case KindGroup:
		return len(c.ValidContacts(me)) > 0 && c.ContainsMe(me)
	default:
		return len(c.ValidContacts(me)) > 0
	}
}

// IsAdministratable reports whether me may change membership and subject.
func (c *Chat) IsAdministratable(me JID) bool {
	if c.Kind != KindGroup {
		return false
	}
	if c.Group.Owner.Equal(me) {
		return true
	}
	for _, m := range c.Members {
		if m.Contact.JID.Equal(me) {
			return m.Role == RoleOwner || m.Role == RoleAdmin
		}
	}
	return false
}

// CanSendEncrypted is true when every recipient has a key.
func (c *Chat) CanSendEncrypted(me JID) bool {
	contacts := c.ValidContacts(me)
	if len(contacts) == 0 {
		return false
	}
	for i := range contacts {
		if !contacts[i].HasKey() {
			return false
		}
	}
	return true
}

// WantsEncryption is true when any recipient prefers encryption.
func (c *Chat) WantsEncryption(me JID) bool {
	for _, ct := range c.ValidContacts(me) {
		if ct.Encrypted {
			return true
		}
	}
	return false
}

// GroupChanges reports the effect of ApplyChanges.
type GroupChanges struct {
	Added          []JID
	Removed        []JID
	Missing        []JID // asked to remove but not a member
	SubjectChanged bool
}

func (g GroupChanges) Empty() bool {
	return len(g.Added) == 0 && len(g.Removed) == 0 && !g.SubjectChanged
}

// ApplyChanges adds and removes members and updates the subject if it is
// non-empty and different. Adding a present member or removing an absent
// one has no effect.
func (c *Chat) ApplyChanges(added []Contact, removed []JID, subject string) GroupChanges {
	var res GroupChanges
	for _, ct := range added {
		if c.HasMember(ct.JID) {
			continue
		}
		role := RoleDefault
		if c.Group.Owner.Equal(ct.JID) {
			role = RoleOwner
		}
		c.Members = append(c.Members, Member{Contact: ct, Role: role})
		res.Added = append(res.Added, ct.JID)
	}
	for _, jid := range removed {
		idx := -1
		for i, m := range c.Members {
			if m.Contact.JID.Equal(jid) {
				idx = i
				break
			}
		}
		if idx < 0 {
			res.Missing = append(res.Missing, jid)
			continue
		}
		c.Members = append(c.Members[:idx], c.Members[idx+1:]...)
		res.Removed = append(res.Removed, jid)
	}
	if subject != "" && subject != c.Subject {
		c.Subject = subject
		res.SubjectChanged = true
	}
	return res
}
