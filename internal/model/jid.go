package model

import (
	"regexp"
	"strings"
)

// JID is an XMPP address: local@domain[/resource].
type JID string

var hashLocal = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Bare strips the resource part.
func (j JID) Bare() JID {
	s := string(j)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return JID(strings.ToLower(s))
}

func (j JID) Local() string {
	s := string(j.Bare())
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return ""
}

func (j JID) Domain() string {
	s := string(j.Bare())
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (j JID) Resource() string {
	s := string(j)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// IsValid reports whether both local and domain parts are present.
func (j JID) IsValid() bool {
	return j.Local() != "" && j.Domain() != "" && !strings.ContainsAny(string(j.Bare()), " \t\n")
}

// IsHash reports whether the local part is a 40 char hex digest, the
// address form Kontalk servers assign to registered users.
func (j JID) IsHash() bool {
	return hashLocal.MatchString(j.Local())
}

// Equal compares bare addresses case-insensitively.
func (j JID) Equal(o JID) bool {
	return j.Bare() == o.Bare()
}

func (j JID) String() string { return string(j) }

// ContainsJID reports whether list holds jid, comparing bare addresses.
func ContainsJID(list []JID, jid JID) bool {
	for _, j := range list {
		if j.Equal(jid) {
			return true
		}
	}
	return false
}
