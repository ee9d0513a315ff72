package model

import (
	"testing"
)

func TestJIDParts(t *testing.T) {
	j := JID("Alice@Example.org/phone")
	if j.Bare() != "alice@example.org" {
		t.Errorf("Bare() = %q", j.Bare())
	}
	if j.Local() != "alice" || j.Domain() != "example.org" || j.Resource() != "phone" {
		t.Errorf("parts = %q %q %q", j.Local(), j.Domain(), j.Resource())
	}
	if !j.Equal("alice@example.org") {
		t.Error("Equal should ignore resource and case")
	}
	if JID("example.org").IsValid() {
		t.Error("domain-only JID should be invalid")
	}
	if !JID("0123456789abcdef0123456789abcdef01234567@beta.kontalk.net").IsHash() {
		t.Error("hash local part not detected")
	}
}

func TestRosterToSubscription(t *testing.T) {
	tests := []struct {
		itemType string
		pending  bool
		want     Subscription
	}{
		{"both", false, SubSubscribed},
		{"to", false, SubSubscribed},
		{"none", true, SubPending},
		{"from", false, SubUnsubscribed},
		{"remove", false, SubUnknown},
	}
	for _, tt := range tests {
		if got := RosterToSubscription(tt.itemType, tt.pending); got != tt.want {
			t.Errorf("RosterToSubscription(%q, %v) = %s, want %s", tt.itemType, tt.pending, got, tt.want)
		}
	}
}

func TestSigningTransitions(t *testing.T) {
	c := NewInCoderStatus(true)
	if !c.SetSigning(SignSigned) || !c.SetSigning(SignVerified) {
		t.Fatal("unknown -> signed -> verified should succeed")
	}
	if c.SetSigning(SignNot) {
		t.Error("verified -> not should be rejected")
	}
	if !c.SetDecrypted() || !c.IsSecure() {
		t.Errorf("status = %+v, want secure", c)
	}
	if c.SetDecrypted() {
		t.Error("second SetDecrypted should report no change")
	}
}

func TestCoderErrorsAreASet(t *testing.T) {
	var c CoderStatus
	c.AddError(ErrKeyUnavailable)
	c.AddError(ErrKeyUnavailable)
	if len(c.Errors) != 1 {
		t.Errorf("Errors = %v", c.Errors)
	}
	if !c.HasAny(ErrInvalidSender, ErrKeyUnavailable) {
		t.Error("HasAny missed recorded error")
	}
}

func TestGroupValidity(t *testing.T) {
	me := JID("me@x")
	chat := Chat{
		Kind:  KindGroup,
		Group: GroupData{Owner: "owner@x", ID: "abcdefgh"},
		Members: []Member{
			{Contact: Contact{JID: "owner@x", Key: []byte{1}, Fingerprint: "f"}, Role: RoleOwner},
			{Contact: Contact{JID: me}},
			{Contact: Contact{JID: "gone@x", Deleted: true}},
		},
	}
	if !chat.IsValid(me) {
		t.Error("group with me and a valid contact should be valid")
	}
	if got := chat.ValidContacts(me); len(got) != 1 || got[0].JID != "owner@x" {
		t.Errorf("ValidContacts = %v", got)
	}
	if chat.IsAdministratable(me) {
		t.Error("plain member should not administrate")
	}
	if !chat.CanSendEncrypted(me) {
		t.Error("all valid contacts have keys")
	}

	chat.ApplyChanges(nil, []JID{me}, "")
	if chat.IsValid(me) {
		t.Error("group without me should be invalid")
	}
}

func TestApplyChanges(t *testing.T) {
	chat := Chat{Kind: KindGroup, Subject: "old", Members: []Member{{Contact: Contact{JID: "a@x"}}}}

	res := chat.ApplyChanges([]Contact{{JID: "a@x"}, {JID: "b@x"}}, []JID{"c@y"}, "new")
	if len(res.Added) != 1 || res.Added[0] != "b@x" {
		t.Errorf("Added = %v", res.Added)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "c@y" {
		t.Errorf("Missing = %v", res.Missing)
	}
	if !res.SubjectChanged || chat.Subject != "new" {
		t.Errorf("subject = %q, changed = %v", chat.Subject, res.SubjectChanged)
	}

	res = chat.ApplyChanges(nil, []JID{"b@x"}, "new")
	if len(res.Removed) != 1 || res.SubjectChanged {
		t.Errorf("second apply = %+v", res)
	}
	res = chat.ApplyChanges(nil, []JID{"b@x"}, "")
	if !res.Empty() || len(res.Missing) != 1 {
		t.Errorf("removing an absent member should be a no-op, got %+v", res)
	}
}

func TestContentRoundTripKeepsWireNames(t *testing.T) {
	c := Content{
		Text:         "hi",
		GroupCommand: NewSetCommand([]JID{"b@x"}, nil, "s"),
		Group:        &GroupData{Owner: "o@x", ID: "12345678"},
	}
	data, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalContent(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupCommand.Op != OpSet || got.GroupCommand.Subject != "s" || got.Group.Owner != "o@x" {
		t.Errorf("decoded = %+v", got)
	}
	if !got.GroupCommand.IsAddingMe("B@x/res") {
		t.Error("IsAddingMe should compare bare JIDs")
	}
}
