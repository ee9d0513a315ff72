package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/store"
	"github.com/kontalk/konk/internal/transport"
)

// MaxChatStateDelay is the age above which incoming chat states are dropped.
const MaxChatStateDelay = 10 * time.Second

// OnNewInMessage stores a message received from a peer. Encrypted content
// is decrypted first since the group it belongs to may only be known from
// the plain content.
func (c *Control) OnNewInMessage(ctx context.Context, in *transport.Message) {
	sender := in.From.Bare()
	log := c.logger.With(zap.String("from", sender.String()), zap.String("xid", in.XID))

	dup, err := c.db.HasInMessage(sender, in.XID)
	if err != nil {
		log.Error("check duplicate", zap.Error(err))
		return
	}
	if dup {
		log.Debug("duplicate message")
		return
	}

	contact, err := c.GetOrCreateContact(ctx, sender)
	if err != nil {
		log.Warn("can't get contact for message", zap.Error(err))
		return
	}

	m := &model.Message{
		Dir:        model.DirIn,
		XID:        in.XID,
		PeerJID:    sender,
		Status:     model.StatusIn,
		Date:       time.Now(),
		ServerDate: in.ServerDate,
		Content:    in.Content,
		Coder:      model.NewInCoderStatus(len(in.Content.EncryptedData) > 0),
	}
	if m.Coder.IsEncrypted() {
		c.decrypt(m, contact)
	}
	if att := m.Content.Attachment; att != nil {
		att.File = ""
		att.Coder = model.NewInCoderStatus(att.Coder.Encryption != model.EncNot)
	}

	var chat *model.Chat
	if m.Content.Group != nil {
		var ok bool
		if chat, ok = c.groups.GetOrCreateGroupChat(ctx, &m.Content, sender); !ok {
			log.Warn("message for unknown group dropped")
			return
		}
	} else if chat, err = c.singleChat(contact, in.ThreadID); err != nil {
		log.Error("get chat for message", zap.Error(err))
		return
	}

	m.ChatID = chat.ID
	if err := c.db.InsertMessage(m); err != nil {
		log.Error("store message", zap.Error(err))
		return
	}
	log.Info("message received", zap.Int64("message_id", m.ID), zap.Int64("chat_id", chat.ID))
	c.bus.Emit(bus.KindMessageNew, map[string]any{"message_id": m.ID, "chat_id": chat.ID, "outgoing": false})

	if cmd := m.Content.GroupCommand; cmd != nil && chat.IsGroup() {
		c.groups.OnInMessage(ctx, chat, cmd, sender)
	}
	c.afterReceive(ctx, m, contact)
}

// decrypt replaces the encrypted content of m in place. Failures stay
// recorded in the coder status and the encrypted data is kept.
func (c *Control) decrypt(m *model.Message, sender *model.Contact) {
	res, err := crypto.DecryptMessage(m.Content.EncryptedData, c.account.Key(), sender.JID, sender.Key)
	if res != nil {
		m.Coder = res.Status
	}
	if err != nil {
		c.logger.Warn("can't decrypt message", zap.String("from", sender.JID.String()), zap.Error(err))
		return
	}

	preview := m.Content.Preview
	plain, jerr := model.UnmarshalContent(res.Plain)
	if jerr != nil || plain.IsEmpty() {
		// old clients encrypt only the text
		plain = model.Content{Text: string(res.Plain)}
	}
	if plain.Preview == nil {
		plain.Preview = preview
	}
	plain.EncryptedData = nil
	m.Content = plain
}

// afterReceive reports security problems, stores a received preview and
// starts downloading the attachment.
func (c *Control) afterReceive(ctx context.Context, m *model.Message, sender *model.Contact) {
	if m.Coder.HasErrors() {
		if m.Coder.HasAny(model.ErrKeyUnavailable, model.ErrInvalidSignature, model.ErrInvalidSender) {
			if err := c.keys.Request(ctx, sender); err != nil {
				c.logger.Warn("request key after security error", zap.Error(err))
			}
		}
		errs := make([]any, len(m.Coder.Errors))
		for i, e := range m.Coder.Errors {
			errs[i] = string(e)
		}
		c.bus.Emit(bus.KindSecurityError, map[string]any{
			"message_id": m.ID,
			"chat_id":    m.ChatID,
			"errors":     errs,
		})
	}

	if m.Content.Preview != nil && len(m.Content.Preview.Data) > 0 {
		if err := c.attachments.SavePreview(m); err != nil {
			c.logger.Warn("save preview", zap.Int64("message_id", m.ID), zap.Error(err))
		} else if err := c.db.UpdateContent(m.ID, &m.Content); err != nil {
			c.logger.Error("store preview name", zap.Int64("message_id", m.ID), zap.Error(err))
		}
	}

	if m.NeedsDownload() {
		c.attachments.QueueDownload(m)
	}
}

// outLookup finds outgoing messages for receipts and errors.
type outLookup interface {
	SingleChatWith(jid model.JID, threadID string) (*model.Chat, error)
	OutMessageInChat(chatID int64, xid string) (*model.Message, error)
	OutMessageByXID(xid string) (*model.Message, error)
}

// findOutMessage looks in the chat with peer first and then in every chat,
// since thread ids do not always survive a reconnect.
func findOutMessage(db outLookup, peer model.JID, threadID, xid string) (*model.Message, error) {
	if chat, err := db.SingleChatWith(peer, threadID); err == nil {
		m, err := db.OutMessageInChat(chat.ID, xid)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return db.OutMessageByXID(xid)
}

func (c *Control) outMessage(peer model.JID, threadID, xid string) (*model.Message, bool) {
	m, err := findOutMessage(c.db, peer.Bare(), threadID, xid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("can't find message", zap.String("xid", xid), zap.String("peer", peer.String()))
		} else {
			c.logger.Error("find message", zap.String("xid", xid), zap.Error(err))
		}
		return nil, false
	}
	return m, true
}

func (c *Control) setStatus(m *model.Message, st model.Status, serverErr string) bool {
	changed, err := c.db.SetMessageStatus(m.ID, st, serverErr)
	if err != nil {
		c.logger.Error("save message status", zap.Int64("message_id", m.ID), zap.Error(err))
		return false
	}
	if changed {
		c.bus.Emit(bus.KindMessageStatus, map[string]any{
			"message_id": m.ID,
			"chat_id":    m.ChatID,
			"status":     string(st),
		})
	}
	return changed
}

// OnMessageSent marks a message as accepted by the server.
func (c *Control) OnMessageSent(r transport.Receipt) {
	m, ok := c.outMessage(r.From, r.ThreadID, r.XID)
	if !ok {
		return
	}
	if m.Status != model.StatusPending && m.Status != model.StatusError {
		return
	}
	if c.setStatus(m, model.StatusSent, "") {
		c.bus.Emit(bus.KindMessageSent, map[string]any{"message_id": m.ID, "chat_id": m.ChatID})
	}
}

// OnReceipt records delivery to one recipient.
func (c *Control) OnReceipt(r transport.Receipt) {
	m, ok := c.outMessage(r.From, r.ThreadID, r.XID)
	if !ok {
		return
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := c.db.AddTransmission(m.ID, r.From.Bare(), at); err != nil {
		c.logger.Error("store transmission", zap.Int64("message_id", m.ID), zap.Error(err))
	}
	c.setStatus(m, model.StatusReceived, "")
}

// OnMessageError marks a message as failed by the server.
func (c *Control) OnMessageError(e transport.MessageError) {
	m, ok := c.outMessage(e.From, e.ThreadID, e.XID)
	if !ok {
		return
	}
	text := e.Condition
	if e.Text != "" {
		text += ": " + e.Text
	}
	if c.setStatus(m, model.StatusError, text) {
		c.bus.Emit(bus.KindMessageFailed, map[string]any{
			"message_id": m.ID,
			"chat_id":    m.ChatID,
			"error":      text,
		})
	}
}

// OnChatState publishes the chat state of a peer. States that took too
// long to arrive are dropped.
func (c *Control) OnChatState(s transport.ChatState) {
	if !s.Delay.IsZero() && time.Since(s.Delay) > MaxChatStateDelay {
		c.logger.Debug("chat state too old", zap.String("from", s.From.String()))
		return
	}
	state, ok := chatstate.Parse(s.State)
	if !ok {
		c.logger.Warn("unknown chat state", zap.String("state", s.State))
		return
	}
	chat, err := c.db.SingleChatWith(s.From.Bare(), s.ThreadID)
	if err != nil {
		return
	}
	c.bus.Emit(bus.KindChatState, map[string]any{
		"chat_id": chat.ID,
		"jid":     string(s.From.Bare()),
		"state":   string(state),
	})
}
