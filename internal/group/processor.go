package group

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/store"
)

// ErrNotOwner is returned when the local user may not change a group.
var ErrNotOwner = errors.New("not the group owner")

// Sender sends a group command as a message to the members of chat.
type Sender interface {
	SendGroupCommand(ctx context.Context, chat *model.Chat, cmd *model.GroupCommand) error
}

// Directory resolves JIDs to persisted contacts, creating unknown ones.
type Directory interface {
	GetOrCreateContact(ctx context.Context, jid model.JID) (*model.Contact, error)
}

// Store persists group chats.
type Store interface {
	Chat(id int64) (*model.Chat, error)
	GroupChat(gd model.GroupData) (*model.Chat, error)
	CreateChat(c *model.Chat) error
	SaveChat(c *model.Chat) error
}

// Processor produces and consumes the group commands of client-managed
// group chats.
type Processor struct {
	store     Store
	directory Directory
	bus       *bus.Bus
	me        func() model.JID
	logger    *zap.Logger

	mu     sync.Mutex
	sender Sender
	chats  map[int64]*sync.Mutex
}

func NewProcessor(s Store, d Directory, b *bus.Bus, me func() model.JID, logger *zap.Logger) *Processor {
	return &Processor{
		store:     s,
		directory: d,
		bus:       b,
		me:        me,
		logger:    logger.Named("group"),
		chats:     make(map[int64]*sync.Mutex),
	}
}

// lockChat serialises membership changes of one chat and refreshes chat
// from the store, so a change never works on a stale member list.
func (p *Processor) lockChat(chat *model.Chat) (func(), error) {
	p.mu.Lock()
	l, ok := p.chats[chat.ID]
	if !ok {
		l = &sync.Mutex{}
		p.chats[chat.ID] = l
	}
	p.mu.Unlock()

	l.Lock()
	fresh, err := p.store.Chat(chat.ID)
	if err != nil {
		l.Unlock()
		return nil, fmt.Errorf("reload chat %d: %w", chat.ID, err)
	}
	*chat = *fresh
	return l.Unlock, nil
}

// SetSender sets where outgoing commands go.
func (p *Processor) SetSender(s Sender) {
	p.mu.Lock()
	p.sender = s
	p.mu.Unlock()
}

func (p *Processor) send(ctx context.Context, chat *model.Chat, cmd *model.GroupCommand) error {
	p.mu.Lock()
	s := p.sender
	p.mu.Unlock()
	if s == nil {
		return errors.New("no group command sender")
	}
	return s.SendGroupCommand(ctx, chat, cmd)
}

const idChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewGroupData returns a fresh group identity owned by me.
func NewGroupData(me model.JID) model.GroupData {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = idChars[int(b[i])%len(idChars)]
	}
	return model.GroupData{Owner: me.Bare(), ID: string(b)}
}

// NewGroupChat creates a group owned by the local user with the given
// members and announces it.
func (p *Processor) NewGroupChat(ctx context.Context, members []model.Contact, subject string) (*model.Chat, error) {
	me := p.me()
	meContact, err := p.directory.GetOrCreateContact(ctx, me)
	if err != nil {
		return nil, fmt.Errorf("resolve own contact: %w", err)
	}
	chat := &model.Chat{
		Kind:    model.KindGroup,
		Subject: subject,
		Group:   NewGroupData(me),
		Members: []model.Member{{Contact: *meContact, Role: model.RoleOwner}},
		Read:    true,
	}
	chat.ApplyChanges(members, nil, "")
	if len(chat.ValidContacts(me)) == 0 {
		return nil, errors.New("group needs at least one other member")
	}
	if err := p.store.CreateChat(chat); err != nil {
		return nil, fmt.Errorf("create group chat: %w", err)
	}
	p.bus.Emit(bus.KindChatCreated, map[string]any{"chat_id": chat.ID, "group": true})

	if err := p.OnCreate(ctx, chat); err != nil {
		p.logger.Warn("announce group", zap.Int64("chat_id", chat.ID), zap.Error(err))
	}
	return chat, nil
}

// OnCreate sends CREATE with every member and the subject.
func (p *Processor) OnCreate(ctx context.Context, chat *model.Chat) error {
	var jids []model.JID
	for _, c := range chat.ValidContacts(p.me()) {
		jids = append(jids, c.JID)
	}
	return p.send(ctx, chat, model.NewCreateCommand(jids, chat.Subject))
}

// OnSetSubject changes the subject locally and sends SET. Only the owner
// may do this.
func (p *Processor) OnSetSubject(ctx context.Context, chat *model.Chat, subject string) error {
	if !chat.IsGroup() || !chat.Group.Owner.Equal(p.me()) {
		return ErrNotOwner
	}
	unlock, err := p.lockChat(chat)
	if err != nil {
		return err
	}
	changed := chat.ApplyChanges(nil, nil, subject).SubjectChanged
	if changed {
		err = p.store.SaveChat(chat)
	}
	unlock()
	if err != nil {
		return err
	}
	if changed {
		p.publish(chat, model.OpSet, model.GroupChanges{SubjectChanged: true})
	}
	return p.send(ctx, chat, model.NewSetCommand(nil, nil, subject))
}

// OnLeave sends LEAVE and removes the local user from the chat whether or
// not sending worked. The send error is returned after the local change.
func (p *Processor) OnLeave(ctx context.Context, chat *model.Chat) error {
	me := p.me()
	if !chat.IsValid(me) {
		return nil
	}
	sendErr := p.send(ctx, chat, model.NewLeaveCommand())
	if sendErr != nil {
		p.logger.Warn("send leave", zap.Int64("chat_id", chat.ID), zap.Error(sendErr))
	}

	unlock, err := p.lockChat(chat)
	if err != nil {
		return err
	}
	changes := chat.ApplyChanges(nil, []model.JID{me}, "")
	err = p.store.SaveChat(chat)
	unlock()
	if err != nil {
		return err
	}
	p.publish(chat, model.OpLeave, changes)
	return sendErr
}

// OnInMessage applies a received command to chat. CREATE and SET are only
// accepted from the group owner; LEAVE removes only its sender. Rejected
// commands are logged and reported as not applied.
func (p *Processor) OnInMessage(ctx context.Context, chat *model.Chat, cmd *model.GroupCommand, sender model.JID) bool {
	log := p.logger.With(zap.Int64("chat_id", chat.ID), zap.String("op", cmd.Op.String()), zap.String("sender", sender.String()))

	unlock, err := p.lockChat(chat)
	if err != nil {
		log.Error("load group chat", zap.Error(err))
		return false
	}
	defer unlock()

	if cmd.Op != model.OpLeave && !sender.Equal(chat.Group.Owner) {
		log.Warn("sender is not the group owner")
		return false
	}

	var changes model.GroupChanges
	switch cmd.Op {
	case model.OpCreate:
		if !cmd.IsAddingMe(p.me()) {
			log.Warn("own JID not included in group")
		}
		changes = chat.ApplyChanges(p.contacts(ctx, log, cmd.Added), nil, cmd.Subject)
	case model.OpSet:
		changes = chat.ApplyChanges(p.contacts(ctx, log, cmd.Added), cmd.Removed, cmd.Subject)
		for _, jid := range changes.Missing {
			log.Warn("removed JID is not a member", zap.String("jid", jid.String()))
		}
	case model.OpLeave:
		if !chat.HasMember(sender) {
			log.Debug("sender already left")
			return true
		}
		changes = chat.ApplyChanges(nil, []model.JID{sender}, "")
	default:
		log.Warn("unhandled group operation")
		return false
	}

	if changes.Empty() {
		return true
	}
	if err := p.store.SaveChat(chat); err != nil {
		log.Error("save group chat", zap.Error(err))
		return false
	}
	p.publish(chat, cmd.Op, changes)
	return true
}

func (p *Processor) contacts(ctx context.Context, log *zap.Logger, jids []model.JID) []model.Contact {
	out := make([]model.Contact, 0, len(jids))
	for _, jid := range jids {
		c, err := p.directory.GetOrCreateContact(ctx, jid)
		if err != nil {
			log.Warn("can't create contact", zap.String("jid", jid.String()), zap.Error(err))
			continue
		}
		out = append(out, *c)
	}
	return out
}

// GetOrCreateGroupChat returns the chat a group message belongs to. A chat
// unknown so far is only created from a CREATE by the group owner that
// includes the local user; anything else is dropped.
func (p *Processor) GetOrCreateGroupChat(ctx context.Context, content *model.Content, sender model.JID) (*model.Chat, bool) {
	gd := content.Group
	if gd == nil || gd.IsZero() {
		return nil, false
	}
	log := p.logger.With(zap.String("owner", gd.Owner.String()), zap.String("group_id", gd.ID), zap.String("sender", sender.String()))

	chat, err := p.store.GroupChat(*gd)
	switch {
	case err == nil:
		if !chat.HasMember(sender) {
			log.Warn("group chat does not include sender")
			return nil, false
		}
		return chat, true
	case !errors.Is(err, store.ErrNotFound):
		log.Error("load group chat", zap.Error(err))
		return nil, false
	}

	if !sender.Equal(gd.Owner) {
		log.Warn("sender is not owner of new group chat")
		return nil, false
	}
	cmd := content.GroupCommand
	if cmd == nil || cmd.Op != model.OpCreate || !cmd.IsAddingMe(p.me()) {
		log.Warn("new group chat without an invitation")
		return nil, false
	}

	owner, err := p.directory.GetOrCreateContact(ctx, sender)
	if err != nil {
		log.Error("create owner contact", zap.Error(err))
		return nil, false
	}
	chat = &model.Chat{
		Kind:    model.KindGroup,
		Group:   model.GroupData{Owner: gd.Owner.Bare(), ID: gd.ID},
		Members: []model.Member{{Contact: *owner, Role: model.RoleOwner}},
	}
	if err := p.store.CreateChat(chat); err != nil {
		log.Error("create group chat", zap.Error(err))
		return nil, false
	}
	log.Info("joined group chat", zap.Int64("chat_id", chat.ID))
	p.bus.Emit(bus.KindChatCreated, map[string]any{"chat_id": chat.ID, "group": true})
	return chat, true
}

func (p *Processor) publish(chat *model.Chat, op model.GroupOp, c model.GroupChanges) {
	p.bus.Emit(bus.KindGroupChanged, map[string]any{
		"chat_id":         chat.ID,
		"op":              op.String(),
		"added":           jidStrings(c.Added),
		"removed":         jidStrings(c.Removed),
		"subject":         chat.Subject,
		"subject_changed": c.SubjectChanged,
	})
}

func jidStrings(jids []model.JID) []any {
	out := make([]any, len(jids))
	for i, j := range jids {
		out[i] = j.String()
	}
	return out
}
