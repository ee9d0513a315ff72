package control

import (
	"context"
	"fmt"

	"github.com/kontalk/konk/internal/model"
)

// CreateGroupChat creates a group owned by the local user and invites the
// given JIDs.
func (c *Control) CreateGroupChat(ctx context.Context, jids []model.JID, subject string) (*model.Chat, error) {
	members := make([]model.Contact, 0, len(jids))
	for _, jid := range jids {
		if jid.Equal(c.me()) {
			continue
		}
		ct, err := c.GetOrCreateContact(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", jid, err)
		}
		members = append(members, *ct)
	}
	return c.groups.NewGroupChat(ctx, members, subject)
}

// SetGroupSubject changes the subject of a group owned by the local user.
func (c *Control) SetGroupSubject(ctx context.Context, chatID int64, subject string) error {
	chat, err := c.db.Chat(chatID)
	if err != nil {
		return err
	}
	return c.groups.OnSetSubject(ctx, chat, subject)
}

// LeaveGroupChat tells the members and removes the local user from a group.
func (c *Control) LeaveGroupChat(ctx context.Context, chatID int64) error {
	chat, err := c.db.Chat(chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup() {
		return fmt.Errorf("chat %d is not a group", chatID)
	}
	return c.groups.OnLeave(ctx, chat)
}

// SendGroupCommand stores a command as an outgoing message of chat and
// sends it like any other message.
func (c *Control) SendGroupCommand(ctx context.Context, chat *model.Chat, cmd *model.GroupCommand) error {
	gd := chat.Group
	_, err := c.createAndSend(ctx, chat, model.Content{GroupCommand: cmd, Group: &gd})
	return err
}
