package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/store"
)

// Decision is the outcome of handling a received public key.
type Decision int

const (
	Unchanged Decision = iota
	Accepted
	Pending
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "UNCHANGED"
	case Accepted:
		return "ACCEPTED"
	case Pending:
		return "PENDING"
	case Rejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// ErrNoPendingKey is returned by Confirm and Decline when nothing waits for jid.
var ErrNoPendingKey = errors.New("no pending key")

// Transport is the part of the network client key handling needs.
type Transport interface {
	SendPublicKeyRequest(ctx context.Context, jid model.JID) error
	SendBlocking(ctx context.Context, jid model.JID, blocking bool) error
}

// Store persists contacts and keys awaiting confirmation.
type Store interface {
	ContactByJID(jid model.JID) (*model.Contact, error)
	ListContacts() ([]model.Contact, error)
	UpsertContact(c *model.Contact) error
	SetContactKey(jid model.JID, key []byte, fingerprint string) error
	PutPendingKey(k store.PendingKey) error
	PendingKeys() ([]store.PendingKey, error)
	TakePendingKey(jid model.JID) (*store.PendingKey, error)
}

// Handler decides whether received public keys are trusted.
type Handler struct {
	store     Store
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(s Store, t Transport, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{store: s, transport: t, bus: b, logger: logger.Named("keys"), now: time.Now}
}

// OnPGPKey handles a public key received for jid. The key must name jid in
// one of its user ids. A key for a contact without one is taken as is; a
// different key for a contact that already has one waits for Confirm.
func (h *Handler) OnPGPKey(jid model.JID, data []byte) (Decision, error) {
	log := h.logger.With(zap.String("jid", jid.String()))

	contact, err := h.store.ContactByJID(jid)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("key for unknown contact")
		return Rejected, nil
	}
	if err != nil {
		return Rejected, err
	}

	entity, err := crypto.ParsePublicKey(data)
	if err != nil {
		log.Warn("invalid public key", zap.Error(err))
		return Rejected, nil
	}
	uids := crypto.UserIDs(entity)
	if !containsJID(uids, jid) {
		log.Warn("key user id does not match contact", zap.Strings("uids", uids))
		h.bus.Emit(bus.KindKeyRejected, map[string]any{"jid": string(jid.Bare()), "reason": "uid mismatch"})
		return Rejected, nil
	}

	fp := crypto.Fingerprint(entity)
	if strings.EqualFold(fp, contact.Fingerprint) {
		return Unchanged, nil
	}

	if contact.HasKey() {
		err := h.store.PutPendingKey(store.PendingKey{JID: contact.JID, Fingerprint: fp, Key: data, ReceivedAt: h.now()})
		if err != nil {
			return Rejected, fmt.Errorf("store pending key: %w", err)
		}
		log.Info("new key waits for confirmation", zap.String("old", contact.Fingerprint), zap.String("new", fp))
		h.bus.Emit(bus.KindKeyPending, map[string]any{
			"jid":             string(contact.JID),
			"fingerprint":     fp,
			"old_fingerprint": contact.Fingerprint,
		})
		return Pending, nil
	}

	if err := h.setKey(contact, data, fp, uids); err != nil {
		return Rejected, err
	}
	return Accepted, nil
}

// Confirm replaces the key of jid with the pending one.
func (h *Handler) Confirm(jid model.JID) error {
	pk, err := h.take(jid)
	if err != nil {
		return err
	}
	contact, err := h.store.ContactByJID(pk.JID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	entity, err := crypto.ParsePublicKey(pk.Key)
	if err != nil {
		return fmt.Errorf("parse pending key: %w", err)
	}
	return h.setKey(contact, pk.Key, pk.Fingerprint, crypto.UserIDs(entity))
}

// Decline drops the pending key of jid and blocks the contact.
func (h *Handler) Decline(ctx context.Context, jid model.JID) error {
	pk, err := h.take(jid)
	if err != nil {
		return err
	}
	contact, err := h.store.ContactByJID(pk.JID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	contact.Blocked = true
	if err := h.store.UpsertContact(contact); err != nil {
		return fmt.Errorf("block contact: %w", err)
	}
	h.bus.Emit(bus.KindKeyRejected, map[string]any{"jid": string(contact.JID), "reason": "declined"})
	h.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(contact.JID), "blocked": true})

	if h.transport != nil {
		if err := h.transport.SendBlocking(ctx, contact.JID, true); err != nil {
			h.logger.Warn("send blocking", zap.String("jid", contact.JID.String()), zap.Error(err))
		}
	}
	return nil
}

// Pending lists keys awaiting confirmation.
func (h *Handler) Pending() ([]store.PendingKey, error) {
	return h.store.PendingKeys()
}

// RequestMissing asks for the key of every Kontalk contact that has none.
// A failed request does not stop the others.
func (h *Handler) RequestMissing(ctx context.Context) error {
	contacts, err := h.store.ListContacts()
	if err != nil {
		return err
	}
	failed := 0
	for i := range contacts {
		c := &contacts[i]
		if c.Deleted || c.HasKey() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.Request(ctx, c); err != nil {
			h.logger.Warn("key request failed", zap.String("jid", c.JID.String()), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d key requests failed", failed)
	}
	return nil
}

// Request asks the server for the public key of c. Contacts outside
// Kontalk or without a presence subscription are skipped.
func (h *Handler) Request(ctx context.Context, c *model.Contact) error {
	if !c.IsKontalkUser() {
		return nil
	}
	if c.Subscription == model.SubUnsubscribed || c.Subscription == model.SubPending {
		h.logger.Debug("no presence subscription, not requesting key", zap.String("jid", c.JID.String()))
		return nil
	}
	if h.transport == nil {
		return errors.New("no transport")
	}
	if err := h.transport.SendPublicKeyRequest(ctx, c.JID); err != nil {
		return fmt.Errorf("request key of %s: %w", c.JID, err)
	}
	h.logger.Debug("key requested", zap.String("jid", c.JID.String()))
	return nil
}

// CheckFingerprint requests the key of jid when a presence announces a
// fingerprint other than the known one.
func (h *Handler) CheckFingerprint(ctx context.Context, jid model.JID, fingerprint string) {
	if fingerprint == "" {
		return
	}
	contact, err := h.store.ContactByJID(jid)
	if err != nil {
		h.logger.Warn("fingerprint of unknown contact", zap.String("jid", jid.String()))
		return
	}
	if strings.EqualFold(contact.Fingerprint, fingerprint) {
		return
	}
	h.logger.Info("public key change detected, requesting new key", zap.String("jid", jid.String()))
	if err := h.Request(ctx, contact); err != nil {
		h.logger.Warn("request changed key", zap.String("jid", jid.String()), zap.Error(err))
	}
}

func (h *Handler) take(jid model.JID) (*store.PendingKey, error) {
	pk, err := h.store.TakePendingKey(jid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPendingKey
	}
	return pk, err
}

func (h *Handler) setKey(contact *model.Contact, data []byte, fp string, uids []string) error {
	if err := h.store.SetContactKey(contact.JID, data, fp); err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	contact.Key, contact.Fingerprint = data, fp

	if contact.Name == "" && len(uids) > 0 {
		if name := NameFromUserID(uids[0]); name != "" {
			contact.Name = name
			if err := h.store.UpsertContact(contact); err != nil {
				h.logger.Warn("save contact name", zap.String("jid", contact.JID.String()), zap.Error(err))
			}
		}
	}
	h.logger.Info("key accepted", zap.String("jid", contact.JID.String()), zap.String("fingerprint", fp))
	h.bus.Emit(bus.KindKeyAccepted, map[string]any{"jid": string(contact.JID), "fingerprint": fp})
	return nil
}

var uidAddress = regexp.MustCompile(` <[^<>]+@[^<>]+>$`)

const legacyComment = " (NO COMMENT)"

// NameFromUserID returns the display name part of an OpenPGP user id.
func NameFromUserID(uid string) string {
	name := uidAddress.ReplaceAllString(uid, "")
	name = strings.TrimSuffix(name, legacyComment)
	return strings.TrimSpace(name)
}

func containsJID(uids []string, jid model.JID) bool {
	bare := string(jid.Bare())
	for _, uid := range uids {
		if strings.Contains(strings.ToLower(uid), bare) {
			return true
		}
	}
	return false
}
