package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/attachment"
	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/transport"
)

// ModeSelector picks the encryption mode of an outgoing message.
type ModeSelector func(m *model.Message, chat *model.Chat) crypto.Mode

// DefaultModeSelector always uses the legacy mode, which every Kontalk
// client can read.
func DefaultModeSelector(*model.Message, *model.Chat) crypto.Mode {
	return crypto.ModeRFC3923
}

// SetModeSelector replaces the encryption mode policy.
func (c *Control) SetModeSelector(s ModeSelector) {
	if s == nil {
		s = DefaultModeSelector
	}
	c.modeMu.Lock()
	c.selectMode = s
	c.modeMu.Unlock()
}

func (c *Control) mode(m *model.Message, chat *model.Chat) crypto.Mode {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	return c.selectMode(m, chat)
}

// CreateAndSendMessage stores a new outgoing message with text and an
// optional attachment file, then tries to send it. A message that can not
// leave right now stays pending and is returned without error.
func (c *Control) CreateAndSendMessage(ctx context.Context, chatID int64, text, attachmentPath string) (*model.Message, error) {
	chat, err := c.db.Chat(chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	me := c.me()
	if len(chat.ValidContacts(me)) == 0 {
		return nil, ErrNoRecipients
	}
	if !chat.IsValid(me) {
		return nil, ErrInvalidChat
	}

	content := model.Content{Text: text}
	if attachmentPath != "" {
		att, err := newAttachment(attachmentPath)
		if err != nil {
			return nil, err
		}
		content.Attachment = att
	}
	if chat.IsGroup() {
		gd := chat.Group
		content.Group = &gd
	}
	return c.createAndSend(ctx, chat, content)
}

func newAttachment(path string) (*model.Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() > attachment.MaxSize {
		return nil, fmt.Errorf("attachment too large: %d bytes", info.Size())
	}
	return &model.Attachment{
		File:     abs,
		MimeType: attachment.MIMEForFile(abs),
		Length:   info.Size(),
	}, nil
}

func (c *Control) createAndSend(ctx context.Context, chat *model.Chat, content model.Content) (*model.Message, error) {
	encrypted := chat.WantsEncryption(c.me())
	m := &model.Message{
		ChatID:  chat.ID,
		Dir:     model.DirOut,
		XID:     uuid.NewString(),
		Status:  model.StatusPending,
		Date:    time.Now(),
		Content: content,
		Coder:   model.NewOutCoderStatus(encrypted),
	}
	if err := c.db.InsertMessage(m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	c.bus.Emit(bus.KindMessageNew, map[string]any{"message_id": m.ID, "chat_id": chat.ID, "outgoing": true})

	if m.Content.Attachment != nil && m.Content.Attachment.IsImage() {
		if ok, err := c.attachments.CreateImagePreview(m); err != nil {
			c.logger.Warn("create preview", zap.Int64("message_id", m.ID), zap.Error(err))
		} else if ok {
			if err := c.db.UpdateContent(m.ID, &m.Content); err != nil {
				c.logger.Error("save preview", zap.Int64("message_id", m.ID), zap.Error(err))
			}
		}
	}

	if err := c.send(ctx, m, chat); err != nil && !errors.Is(err, ErrNotConnected) {
		return m, err
	}
	return m, nil
}

// SendMessage sends a stored outgoing message. Attachments are uploaded
// first; the upload sends the message once done. A message that fails to
// encrypt is marked as failed and no error is returned.
func (c *Control) SendMessage(ctx context.Context, m *model.Message) error {
	chat, err := c.db.Chat(m.ChatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	return c.send(ctx, m, chat)
}

func (c *Control) send(ctx context.Context, m *model.Message, chat *model.Chat) error {
	log := c.logger.With(zap.Int64("message_id", m.ID), zap.Int64("chat_id", chat.ID))

	if m.NeedsUpload() {
		log.Debug("attachment not uploaded yet")
		c.attachments.QueueUpload(m)
		return nil
	}
	// The user is active in the chat whether or not the message leaves.
	defer c.chatStates.HandleOwnState(ctx, chat, chatstate.Active)

	if !c.transport.IsConnected() {
		return ErrNotConnected
	}

	me := c.me()
	contacts := chat.ValidContacts(me)
	if len(contacts) == 0 {
		return ErrNoRecipients
	}
	out := &transport.Message{
		XID:      m.XID,
		From:     me,
		ThreadID: chat.ThreadID,
		Content:  wireContent(m.Content),
	}
	for _, ct := range contacts {
		out.To = append(out.To, ct.JID)
	}
	if !chat.IsGroup() {
		out.ChatState = string(chatstate.Active)
	}

	if m.IsSendEncrypted() {
		mode := c.mode(m, chat)
		if mode != crypto.ModeNone {
			if err := c.encrypt(out, mode, contacts); err != nil {
				log.Warn("encryption failed", zap.Error(err))
				c.onEncryptionFailed(m, err)
				return nil
			}
		}
	}

	if err := c.transport.SendMessage(ctx, out); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	log.Debug("message submitted", zap.String("xid", m.XID), zap.String("mode", out.Mode))
	return nil
}

// wireContent is content as it leaves the device: without local file names.
func wireContent(content model.Content) model.Content {
	if content.Attachment != nil {
		a := *content.Attachment
		a.File = ""
		content.Attachment = &a
	}
	if content.Preview != nil {
		p := *content.Preview
		p.Filename = ""
		content.Preview = &p
	}
	return content
}

// encrypt replaces the content of out with its ciphertext. The preview
// stays in clear.
func (c *Control) encrypt(out *transport.Message, mode crypto.Mode, contacts []model.Contact) error {
	inner := out.Content
	inner.Preview = nil
	plain, err := inner.Marshal()
	if err != nil {
		return &crypto.Failure{Code: model.ErrUnknown, Err: err}
	}
	recipients := make([]crypto.Recipient, 0, len(contacts))
	for _, ct := range contacts {
		recipients = append(recipients, crypto.Recipient{JID: ct.JID, Key: ct.Key})
	}
	data, err := crypto.EncryptMessage(mode, plain, c.account.Key(), recipients)
	if err != nil {
		return err
	}
	out.Content = model.Content{EncryptedData: data, Preview: out.Content.Preview}
	out.Mode = mode.String()
	return nil
}

func (c *Control) onEncryptionFailed(m *model.Message, err error) {
	code := model.ErrUnknown
	var f *crypto.Failure
	if errors.As(err, &f) {
		code = f.Code
	}
	m.Coder.AddError(code)
	if serr := c.db.SetCoderStatus(m.ID, m.Coder); serr != nil {
		c.logger.Error("save coder status", zap.Int64("message_id", m.ID), zap.Error(serr))
	}
	if _, serr := c.db.SetMessageStatus(m.ID, model.StatusError, err.Error()); serr != nil {
		c.logger.Error("mark message failed", zap.Int64("message_id", m.ID), zap.Error(serr))
	}
	m.Status = model.StatusError
	c.bus.Emit(bus.KindSecurityError, map[string]any{
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"error":      string(code),
	})
	c.bus.Emit(bus.KindMessageFailed, map[string]any{
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"error":      err.Error(),
	})
}

// EncryptFile encrypts an attachment file for the recipients of the
// message's chat.
func (c *Control) EncryptFile(m *model.Message, path, dir string) (string, error) {
	chat, err := c.db.Chat(m.ChatID)
	if err != nil {
		return "", fmt.Errorf("load chat: %w", err)
	}
	contacts := chat.ValidContacts(c.me())
	recipients := make([]crypto.Recipient, 0, len(contacts))
	for _, ct := range contacts {
		recipients = append(recipients, crypto.Recipient{JID: ct.JID, Key: ct.Key})
	}
	return crypto.EncryptFile(path, dir, c.account.Key(), recipients)
}

// DecryptFile decrypts a downloaded attachment with the sender's key.
func (c *Control) DecryptFile(m *model.Message, path string) (model.CoderStatus, error) {
	var senderKey []byte
	if ct, err := c.db.ContactByJID(m.PeerJID); err == nil {
		senderKey = ct.Key
	}
	return crypto.DecryptFileInPlace(path, c.account.Key(), senderKey)
}
