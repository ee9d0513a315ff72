package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/store"
	"github.com/kontalk/konk/internal/transport"
)

// GetOrCreateContact returns the contact for jid, creating it when it is
// unknown. New contacts prefer encryption and are added to the roster if
// connected.
func (c *Control) GetOrCreateContact(ctx context.Context, jid model.JID) (*model.Contact, error) {
	ct, err := c.db.ContactByJID(jid)
	if err == nil {
		return ct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return c.createContact(ctx, jid, "", true)
}

func (c *Control) createContact(ctx context.Context, jid model.JID, name string, encrypted bool) (*model.Contact, error) {
	jid = jid.Bare()
	if !jid.IsValid() {
		return nil, fmt.Errorf("invalid jid %q", jid)
	}
	ct := &model.Contact{JID: jid, Name: name, Encrypted: encrypted}
	if old, err := c.db.ContactByJID(jid); err == nil {
		// A deleted contact comes back with its id, so chats keep working.
		ct = old
		ct.Deleted = false
		if name != "" {
			ct.Name = name
		}
		ct.Encrypted = encrypted
	}
	if err := c.db.UpsertContact(ct); err != nil {
		return nil, fmt.Errorf("store contact: %w", err)
	}
	c.logger.Info("contact created", zap.String("jid", jid.String()))
	c.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(jid), "created": true})

	if !jid.Equal(c.me()) && c.transport.IsConnected() {
		if err := c.transport.AddToRoster(ctx, jid, name); err != nil {
			c.logger.Warn("add to roster", zap.String("jid", jid.String()), zap.Error(err))
		}
	}
	return ct, nil
}

// CreateContact adds a new contact by hand. The server roster must be
// reachable.
func (c *Control) CreateContact(ctx context.Context, jid model.JID, name string, encrypted bool) (*model.Contact, error) {
	if !c.transport.IsConnected() {
		return nil, ErrNotConnected
	}
	if jid.Equal(c.me()) {
		return nil, fmt.Errorf("can't add own jid %s as contact", jid.Bare())
	}
	if ct, err := c.db.ContactByJID(jid); err == nil && !ct.Deleted {
		return nil, fmt.Errorf("contact %s already exists", jid.Bare())
	}
	return c.createContact(ctx, jid, name, encrypted)
}

// DeleteContact removes a contact from the server roster and forgets its
// name and key. Chats with the contact are kept.
func (c *Control) DeleteContact(ctx context.Context, jid model.JID) error {
	ct, err := c.db.ContactByJID(jid)
	if err != nil {
		return err
	}
	if !c.transport.IsConnected() {
		return ErrNotConnected
	}
	if err := c.transport.RemoveFromRoster(ctx, ct.JID); err != nil {
		return fmt.Errorf("remove from roster: %w", err)
	}
	ct.Deleted = true
	ct.Name = ""
	ct.Key, ct.Fingerprint = nil, ""
	if err := c.db.UpsertContact(ct); err != nil {
		return err
	}
	c.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(ct.JID), "deleted": true})
	return nil
}

// SetContactBlocked blocks or unblocks a contact on the server and locally.
func (c *Control) SetContactBlocked(ctx context.Context, jid model.JID, blocked bool) error {
	ct, err := c.db.ContactByJID(jid)
	if err != nil {
		return err
	}
	if !c.transport.IsConnected() {
		return ErrNotConnected
	}
	if err := c.transport.SendBlocking(ctx, ct.JID, blocked); err != nil {
		return fmt.Errorf("send blocking: %w", err)
	}
	return c.setBlocked(ct, blocked)
}

func (c *Control) setBlocked(ct *model.Contact, blocked bool) error {
	if ct.Blocked == blocked {
		return nil
	}
	ct.Blocked = blocked
	if err := c.db.UpsertContact(ct); err != nil {
		return err
	}
	c.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(ct.JID), "blocked": blocked})
	return nil
}

// GetOrCreateSingleChat returns the chat with jid, creating contact and
// chat as needed.
func (c *Control) GetOrCreateSingleChat(ctx context.Context, jid model.JID) (*model.Chat, error) {
	ct, err := c.GetOrCreateContact(ctx, jid)
	if err != nil {
		return nil, err
	}
	return c.singleChat(ct, "")
}

// singleChat finds or creates the single chat with ct, preferring the one
// bound to threadID.
func (c *Control) singleChat(ct *model.Contact, threadID string) (*model.Chat, error) {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()

	chat, err := c.db.SingleChatWith(ct.JID, threadID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	chat = &model.Chat{
		Kind:     model.KindSingle,
		ThreadID: threadID,
		Members:  []model.Member{{Contact: *ct}},
	}
	if err := c.db.CreateChat(chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	c.bus.Emit(bus.KindChatCreated, map[string]any{"chat_id": chat.ID, "group": false})
	return chat, nil
}

// OnRosterItem updates or creates the contact of a roster entry.
func (c *Control) OnRosterItem(ctx context.Context, item transport.RosterItem) {
	jid := item.JID.Bare()
	log := c.logger.With(zap.String("jid", jid.String()))
	if jid.Equal(c.me()) {
		return
	}
	sub := model.RosterToSubscription(item.Type, item.Pending)

	ct, err := c.db.ContactByJID(jid)
	switch {
	case err == nil:
		if item.Removed {
			log.Info("removed from roster")
			sub = model.SubUnsubscribed
		}
		if ct.Subscription == sub {
			return
		}
		if err := c.db.SetContactSubscription(jid, sub); err != nil {
			log.Error("save subscription", zap.Error(err))
			return
		}
		c.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(jid), "subscription": string(sub)})
		return
	case !errors.Is(err, store.ErrNotFound):
		log.Error("load contact", zap.Error(err))
		return
	}
	if item.Removed {
		return
	}

	name := item.Name
	if strings.EqualFold(name, jid.Local()) {
		// servers put the hash into the name of contacts without one
		name = ""
	}
	ct = &model.Contact{JID: jid, Name: name, Subscription: sub, Encrypted: true}
	if err := c.db.UpsertContact(ct); err != nil {
		log.Error("create contact from roster", zap.Error(err))
		return
	}
	log.Info("contact added from roster")
	c.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(jid), "created": true})

	if sub == model.SubUnsubscribed {
		if err := c.transport.SendSubscription(ctx, jid, false); err != nil {
			log.Warn("request subscription", zap.Error(err))
		}
	}
	if err := c.keys.Request(ctx, ct); err != nil {
		log.Warn("request key", zap.Error(err))
	}
}

// OnPresence handles availability updates and subscription requests.
func (c *Control) OnPresence(ctx context.Context, p transport.Presence) {
	jid := p.From.Bare()
	log := c.logger.With(zap.String("jid", jid.String()))
	if jid.Equal(c.me()) {
		return
	}

	if p.Subscribe {
		if !c.settings.Get().Net.AutoSubscription {
			c.bus.Emit(bus.KindSubscriptionRequest, map[string]any{"jid": string(jid)})
			return
		}
		if _, err := c.GetOrCreateContact(ctx, jid); err != nil {
			log.Warn("contact for subscription request", zap.Error(err))
			return
		}
		if err := c.transport.SendSubscription(ctx, jid, true); err != nil {
			log.Warn("grant subscription", zap.Error(err))
		}
		return
	}

	online := model.OnlineNo
	if p.Available {
		online = model.OnlineYes
	}
	if err := c.db.SetContactPresence(jid, online, p.Status); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("save presence", zap.Error(err))
		}
		return
	}
	c.bus.Emit(bus.KindContactChanged, map[string]any{"jid": string(jid), "online": string(online)})
	c.keys.CheckFingerprint(ctx, jid, p.Fingerprint)
}

// GrantSubscription answers a subscription request by hand.
func (c *Control) GrantSubscription(ctx context.Context, jid model.JID) error {
	if !c.transport.IsConnected() {
		return ErrNotConnected
	}
	if _, err := c.GetOrCreateContact(ctx, jid); err != nil {
		return err
	}
	return c.transport.SendSubscription(ctx, jid.Bare(), true)
}

// OnPublicKey hands a received key to the key handler.
func (c *Control) OnPublicKey(jid model.JID, key []byte) {
	if _, err := c.keys.OnPGPKey(jid, key); err != nil {
		c.logger.Error("handle public key", zap.String("jid", jid.String()), zap.Error(err))
	}
}

// OnPublicKeyRequest answers with the public key of the account.
func (c *Control) OnPublicKeyRequest(ctx context.Context, from model.JID) {
	key := c.account.Key()
	if key == nil {
		c.logger.Warn("key requested but account is locked", zap.String("from", from.String()))
		return
	}
	pub, err := key.PublicKey()
	if err != nil {
		c.logger.Error("serialize public key", zap.Error(err))
		return
	}
	if err := c.transport.SendPublicKey(ctx, from, pub); err != nil {
		c.logger.Warn("send public key", zap.String("to", from.String()), zap.Error(err))
	}
}

// OnBlockList marks the contacts blocked on the server.
func (c *Control) OnBlockList(jids []model.JID) {
	for _, jid := range jids {
		if jid.Resource() != "" {
			// blocking single devices is not supported
			continue
		}
		ct, err := c.db.ContactByJID(jid)
		if err != nil {
			c.logger.Debug("blocked jid is not a contact", zap.String("jid", jid.String()))
			continue
		}
		if err := c.setBlocked(ct, true); err != nil {
			c.logger.Error("save blocked contact", zap.String("jid", jid.String()), zap.Error(err))
		}
	}
}
