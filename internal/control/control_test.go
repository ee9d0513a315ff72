package control

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/account"
	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/config"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/status"
	"github.com/kontalk/konk/internal/store"
	"github.com/kontalk/konk/internal/transport"
)

var (
	alice = model.JID(strings.Repeat("a", 40) + "@beta.kontalk.net")
	bob   = model.JID(strings.Repeat("b", 40) + "@beta.kontalk.net")
)

type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connectErrs []error
	sendErr     error
	messages    []*transport.Message
	chatStates  []chatstate.State
	keyRequests []model.JID
	publicKeys  []model.JID
	roster      []model.JID
	grants      []model.JID
	blocked     []model.JID
}

func (f *fakeTransport) Connect(context.Context, *crypto.PersonalKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OwnJID() model.JID { return "" }

func (f *fakeTransport) SendMessage(_ context.Context, m *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeTransport) SendChatState(_ context.Context, _ model.JID, _ string, state chatstate.State) error {
	f.mu.Lock()
	f.chatStates = append(f.chatStates, state)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendPublicKeyRequest(_ context.Context, jid model.JID) error {
	f.mu.Lock()
	f.keyRequests = append(f.keyRequests, jid)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendPublicKey(_ context.Context, to model.JID, _ []byte) error {
	f.mu.Lock()
	f.publicKeys = append(f.publicKeys, to)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendBlocking(_ context.Context, jid model.JID, blocking bool) error {
	f.mu.Lock()
	if blocking {
		f.blocked = append(f.blocked, jid)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddToRoster(_ context.Context, jid model.JID, _ string) error {
	f.mu.Lock()
	f.roster = append(f.roster, jid)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RemoveFromRoster(context.Context, model.JID) error { return nil }

func (f *fakeTransport) SendSubscription(_ context.Context, jid model.JID, grant bool) error {
	f.mu.Lock()
	if grant {
		f.grants = append(f.grants, jid)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sent() []*transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Message(nil), f.messages...)
}

func (f *fakeTransport) requested() []model.JID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.JID(nil), f.keyRequests...)
}

type client struct {
	ctl      *Control
	db       *store.DB
	tr       *fakeTransport
	bus      *bus.Bus
	settings *config.Store
	key      *crypto.PersonalKey
}

func newClient(t *testing.T, jid model.JID) *client {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "konk.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	defaults := config.Default()
	defaults.Net.RetryConnect = false
	settings := config.NewMemoryStore(defaults)

	key, err := crypto.GenerateKey("Tester", jid, 2048)
	require.NoError(t, err)
	ring, err := crypto.ProtectKeyRing(key, "pw")
	require.NoError(t, err)
	acc := account.New(filepath.Join(dir, "keys"), settings, zap.NewNop())
	require.NoError(t, acc.SetAccount(ring, "pw"))

	b := bus.New()
	tr := &fakeTransport{}
	ctl := New(Options{
		Store:         db,
		Account:       acc,
		Transport:     tr,
		Settings:      settings,
		Bus:           b,
		Logger:        zap.NewNop(),
		AttachmentDir: filepath.Join(dir, "attachments"),
		PreviewDir:    filepath.Join(dir, "preview"),
	})
	return &client{ctl: ctl, db: db, tr: tr, bus: b, settings: settings, key: key}
}

// knows stores peer as a contact, with its public key if given.
func (c *client) knows(t *testing.T, peer model.JID, key *crypto.PersonalKey) model.Contact {
	t.Helper()
	ct := model.Contact{JID: peer, Subscription: model.SubSubscribed}
	if key != nil {
		pub, err := key.PublicKey()
		require.NoError(t, err)
		ct.Key, ct.Fingerprint, ct.Encrypted = pub, key.Fingerprint, true
	}
	require.NoError(t, c.db.UpsertContact(&ct))
	return ct
}

func (c *client) chatWith(t *testing.T, peer model.JID) *model.Chat {
	t.Helper()
	chat, err := c.ctl.GetOrCreateSingleChat(context.Background(), peer)
	require.NoError(t, err)
	return chat
}

func (c *client) messages(t *testing.T, chatID int64) []model.Message {
	t.Helper()
	msgs, err := c.db.ListMessages(chatID, 0, 0)
	require.NoError(t, err)
	return msgs
}

func TestPendingMessagesAreSentOnConnect(t *testing.T) {
	a := newClient(t, alice)
	a.knows(t, bob, nil)
	chat := a.chatWith(t, bob)
	ctx := context.Background()

	m, err := a.ctl.CreateAndSendMessage(ctx, chat.ID, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, m.Status)
	assert.Empty(t, a.tr.sent())

	require.NoError(t, a.ctl.Connect(ctx, ""))
	assert.Equal(t, status.Connected, a.ctl.Status())
	require.Eventually(t, func() bool { return len(a.tr.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	out := a.tr.sent()[0]
	assert.Equal(t, m.XID, out.XID)
	assert.Equal(t, []model.JID{bob}, out.To)
	assert.Equal(t, "hello", out.Content.Text)
	assert.Equal(t, string(chatstate.Active), out.ChatState)
}

func TestCreateAndSendRejectsUnusableChats(t *testing.T) {
	a := newClient(t, alice)
	ctx := context.Background()
	me, err := a.ctl.GetOrCreateContact(ctx, alice)
	require.NoError(t, err)
	other := a.knows(t, bob, nil)

	alone := &model.Chat{Kind: model.KindSingle, Members: []model.Member{{Contact: *me}}}
	require.NoError(t, a.db.CreateChat(alone))
	_, err = a.ctl.CreateAndSendMessage(ctx, alone.ID, "hi", "")
	assert.ErrorIs(t, err, ErrNoRecipients)

	left := &model.Chat{
		Kind:    model.KindGroup,
		Group:   model.GroupData{Owner: bob, ID: "abcdefgh"},
		Members: []model.Member{{Contact: other, Role: model.RoleOwner}},
	}
	require.NoError(t, a.db.CreateChat(left))
	_, err = a.ctl.CreateAndSendMessage(ctx, left.ID, "hi", "")
	assert.ErrorIs(t, err, ErrInvalidChat)
}

func TestEncryptedMessageRoundTrip(t *testing.T) {
	a, b := newClient(t, alice), newClient(t, bob)
	a.knows(t, bob, b.key)
	b.knows(t, alice, a.key)
	ctx := context.Background()
	a.tr.connected = true

	_, err := a.ctl.CreateAndSendMessage(ctx, a.chatWith(t, bob).ID, "secret", "")
	require.NoError(t, err)
	require.Len(t, a.tr.sent(), 1)
	wire := a.tr.sent()[0]
	assert.Empty(t, wire.Content.Text)
	assert.NotEmpty(t, wire.Content.EncryptedData)
	assert.Equal(t, "rfc3923", wire.Mode)

	b.ctl.OnNewInMessage(ctx, wire)
	chat, err := b.db.SingleChatWith(alice, "")
	require.NoError(t, err)
	msgs := b.messages(t, chat.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "secret", msgs[0].Content.Text)
	assert.Equal(t, model.EncDecrypted, msgs[0].Coder.Encryption)
	assert.Equal(t, model.SignVerified, msgs[0].Coder.Signing)
	assert.False(t, msgs[0].Coder.HasErrors())

	b.ctl.OnNewInMessage(ctx, wire)
	assert.Len(t, b.messages(t, chat.ID), 1, "duplicate must be ignored")
}

func TestUnknownSenderKeyRequestsKey(t *testing.T) {
	a, b := newClient(t, alice), newClient(t, bob)
	a.knows(t, bob, b.key)
	ctx := context.Background()
	a.tr.connected = true
	_, err := a.ctl.CreateAndSendMessage(ctx, a.chatWith(t, bob).ID, "who am i", "")
	require.NoError(t, err)

	events, unsub := b.bus.Subscribe(bus.KindSecurityError, 1)
	defer unsub()
	b.ctl.OnNewInMessage(ctx, a.tr.sent()[0])

	chat, err := b.db.SingleChatWith(alice, "")
	require.NoError(t, err)
	msgs := b.messages(t, chat.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "who am i", msgs[0].Content.Text)
	assert.True(t, msgs[0].Coder.HasAny(model.ErrKeyUnavailable))
	assert.Contains(t, b.tr.requested(), alice)
	<-events
}

func TestEncryptionFailureMarksMessage(t *testing.T) {
	a := newClient(t, alice)
	ct := model.Contact{JID: bob, Encrypted: true}
	require.NoError(t, a.db.UpsertContact(&ct))
	a.tr.connected = true
	events, unsub := a.bus.Subscribe(bus.KindSecurityError, 1)
	defer unsub()

	m, err := a.ctl.CreateAndSendMessage(context.Background(), a.chatWith(t, bob).ID, "no key", "")
	require.NoError(t, err)
	assert.Empty(t, a.tr.sent())

	stored, err := a.db.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.True(t, stored.Coder.HasAny(model.ErrKeyUnavailable))
	assert.Equal(t, string(model.ErrKeyUnavailable), (<-events).Payload.(map[string]any)["error"])
}

func TestReceiptsAdvanceStatus(t *testing.T) {
	a := newClient(t, alice)
	a.knows(t, bob, nil)
	a.tr.connected = true
	chat := a.chatWith(t, bob)

	m, err := a.ctl.CreateAndSendMessage(context.Background(), chat.ID, "hi", "")
	require.NoError(t, err)

	a.ctl.OnMessageSent(transport.Receipt{From: bob, XID: m.XID})
	stored, err := a.db.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)

	a.ctl.OnReceipt(transport.Receipt{From: bob + "/phone", ThreadID: "lost", XID: m.XID})
	stored, err = a.db.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, stored.Status)
	tx, err := a.db.Transmissions(m.ID)
	require.NoError(t, err)
	require.Len(t, tx, 1)
	assert.Equal(t, bob, tx[0].JID)

	a.ctl.OnMessageError(transport.MessageError{From: bob, XID: m.XID, Condition: "service-unavailable"})
	stored, err = a.db.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, stored.Status)
}

func TestMessageErrorMarksFailed(t *testing.T) {
	a := newClient(t, alice)
	a.knows(t, bob, nil)
	a.tr.connected = true
	m, err := a.ctl.CreateAndSendMessage(context.Background(), a.chatWith(t, bob).ID, "hi", "")
	require.NoError(t, err)

	a.ctl.OnMessageError(transport.MessageError{From: bob, XID: m.XID, Condition: "forbidden", Text: "blocked"})
	stored, err := a.db.Message(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, "forbidden: blocked", stored.ServerError)
}

type lookupCall string

type recordingLookup struct {
	calls  []lookupCall
	chat   *model.Chat
	inChat *model.Message
	byXID  *model.Message
}

func (r *recordingLookup) SingleChatWith(model.JID, string) (*model.Chat, error) {
	r.calls = append(r.calls, "chat")
	if r.chat == nil {
		return nil, store.ErrNotFound
	}
	return r.chat, nil
}

func (r *recordingLookup) OutMessageInChat(int64, string) (*model.Message, error) {
	r.calls = append(r.calls, "in_chat")
	if r.inChat == nil {
		return nil, store.ErrNotFound
	}
	return r.inChat, nil
}

func (r *recordingLookup) OutMessageByXID(string) (*model.Message, error) {
	r.calls = append(r.calls, "by_xid")
	if r.byXID == nil {
		return nil, store.ErrNotFound
	}
	return r.byXID, nil
}

func TestFindOutMessageLookupOrder(t *testing.T) {
	direct := &model.Message{ID: 1}
	scanned := &model.Message{ID: 2}

	r := &recordingLookup{chat: &model.Chat{ID: 5}, inChat: direct, byXID: scanned}
	m, err := findOutMessage(r, bob, "t", "x")
	require.NoError(t, err)
	assert.Same(t, direct, m)
	assert.Equal(t, []lookupCall{"chat", "in_chat"}, r.calls)

	r = &recordingLookup{chat: &model.Chat{ID: 5}, byXID: scanned}
	m, err = findOutMessage(r, bob, "t", "x")
	require.NoError(t, err)
	assert.Same(t, scanned, m)
	assert.Equal(t, []lookupCall{"chat", "in_chat", "by_xid"}, r.calls)

	r = &recordingLookup{byXID: scanned}
	m, err = findOutMessage(r, bob, "t", "x")
	require.NoError(t, err)
	assert.Same(t, scanned, m)
	assert.Equal(t, []lookupCall{"chat", "by_xid"}, r.calls)

	r = &recordingLookup{}
	_, err = findOutMessage(r, bob, "t", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGroupCreateReachesMember(t *testing.T) {
	a, b := newClient(t, alice), newClient(t, bob)
	a.knows(t, bob, nil)
	ctx := context.Background()
	a.tr.connected = true

	created, err := a.ctl.CreateGroupChat(ctx, []model.JID{bob}, "friends")
	require.NoError(t, err)
	require.Len(t, a.tr.sent(), 1)
	wire := a.tr.sent()[0]
	require.NotNil(t, wire.Content.GroupCommand)
	assert.Equal(t, model.OpCreate, wire.Content.GroupCommand.Op)

	b.ctl.OnNewInMessage(ctx, wire)
	chat, err := b.db.GroupChat(created.Group)
	require.NoError(t, err)
	assert.Equal(t, "friends", chat.Subject)
	assert.True(t, chat.HasMember(alice))
	assert.True(t, chat.HasMember(bob))
	assert.Len(t, b.messages(t, chat.ID), 1)

	require.NoError(t, a.ctl.SetGroupSubject(ctx, created.ID, "family"))
	b.ctl.OnNewInMessage(ctx, a.tr.sent()[1])
	chat, err = b.db.GroupChat(created.Group)
	require.NoError(t, err)
	assert.Equal(t, "family", chat.Subject)
}

func TestGroupMessageFromStrangerIsDropped(t *testing.T) {
	b := newClient(t, bob)
	gd := model.GroupData{Owner: alice, ID: "abcdefgh"}
	b.ctl.OnNewInMessage(context.Background(), &transport.Message{
		XID:     "x1",
		From:    alice,
		Content: model.Content{Text: "hi", Group: &gd},
	})
	_, err := b.db.GroupChat(gd)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleChatStatesAreDropped(t *testing.T) {
	a := newClient(t, alice)
	a.knows(t, bob, nil)
	a.chatWith(t, bob)
	events, unsub := a.bus.Subscribe(bus.KindChatState, 2)
	defer unsub()

	a.ctl.OnChatState(transport.ChatState{From: bob, State: "composing", Delay: time.Now().Add(-11 * time.Second)})
	a.ctl.OnChatState(transport.ChatState{From: bob, State: "bogus"})
	a.ctl.OnChatState(transport.ChatState{From: bob, State: "paused"})

	evt := <-events
	assert.Equal(t, "paused", evt.Payload.(map[string]any)["state"])
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %v", evt)
	default:
	}
}

func TestRetryReconnectsAfterFailure(t *testing.T) {
	a := newClient(t, alice)
	require.NoError(t, a.settings.Update(func(s *config.Settings) {
		s.Net.RetryConnect = true
		s.Net.RetrySeconds = 2
	}))
	a.ctl.retryTick = 5 * time.Millisecond
	a.tr.connectErrs = []error{errors.New("refused")}
	ticks, unsub := a.bus.Subscribe(bus.KindRetryTick, 10)
	defer unsub()

	err := a.ctl.Connect(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, status.Failed, a.ctl.Status())

	require.Eventually(t, func() bool { return a.ctl.Status() == status.Connected }, 2*time.Second, 5*time.Millisecond)
	var remaining []int
	for len(ticks) > 0 {
		remaining = append(remaining, (<-ticks).Payload.(map[string]any)["remaining"].(int))
	}
	assert.Equal(t, []int{2, 1, 0}, remaining)
}

func TestDisconnectCancelsRetry(t *testing.T) {
	a := newClient(t, alice)
	require.NoError(t, a.settings.Update(func(s *config.Settings) {
		s.Net.RetryConnect = true
		s.Net.RetrySeconds = 1
	}))
	a.ctl.retryTick = 50 * time.Millisecond
	a.tr.connectErrs = []error{errors.New("refused")}

	require.Error(t, a.ctl.Connect(context.Background(), ""))
	require.NoError(t, a.ctl.Disconnect(context.Background()))
	assert.Equal(t, status.Disconnected, a.ctl.Status())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, status.Disconnected, a.ctl.Status())
}

func TestConnectionLostResetsPresence(t *testing.T) {
	a := newClient(t, alice)
	a.knows(t, bob, nil)
	ctx := context.Background()
	require.NoError(t, a.ctl.Connect(ctx, ""))

	a.ctl.OnPresence(ctx, transport.Presence{From: bob + "/phone", Available: true})
	ct, err := a.db.ContactByJID(bob)
	require.NoError(t, err)
	assert.Equal(t, model.OnlineYes, ct.Online)

	a.ctl.OnConnectionLost(errors.New("eof"))
	assert.Equal(t, status.Failed, a.ctl.Status())
	ct, err = a.db.ContactByJID(bob)
	require.NoError(t, err)
	assert.Equal(t, model.OnlineUnknown, ct.Online)
}

func TestShutdownIsTerminal(t *testing.T) {
	a := newClient(t, alice)
	ctx := context.Background()
	require.NoError(t, a.ctl.Connect(ctx, ""))

	a.ctl.Shutdown(ctx)
	assert.Equal(t, status.ShuttingDown, a.ctl.Status())
	assert.False(t, a.tr.IsConnected())
	assert.ErrorIs(t, a.ctl.Connect(ctx, ""), ErrShuttingDown)
}

func TestRosterItemCreatesContactAndRequestsKey(t *testing.T) {
	a := newClient(t, alice)
	ctx := context.Background()

	a.ctl.OnRosterItem(ctx, transport.RosterItem{JID: bob, Name: bob.Local(), Type: "both"})
	ct, err := a.db.ContactByJID(bob)
	require.NoError(t, err)
	assert.Empty(t, ct.Name)
	assert.Equal(t, model.SubSubscribed, ct.Subscription)
	assert.Equal(t, []model.JID{bob}, a.tr.requested())

	a.ctl.OnRosterItem(ctx, transport.RosterItem{JID: bob, Type: "none", Pending: true})
	ct, err = a.db.ContactByJID(bob)
	require.NoError(t, err)
	assert.Equal(t, model.SubPending, ct.Subscription)
}

func TestSubscriptionRequests(t *testing.T) {
	a := newClient(t, alice)
	ctx := context.Background()
	events, unsub := a.bus.Subscribe(bus.KindSubscriptionRequest, 1)
	defer unsub()

	a.ctl.OnPresence(ctx, transport.Presence{From: bob, Subscribe: true})
	assert.Equal(t, string(bob), (<-events).Payload.(map[string]any)["jid"])
	assert.Empty(t, a.tr.grants)

	require.NoError(t, a.settings.Update(func(s *config.Settings) { s.Net.AutoSubscription = true }))
	a.ctl.OnPresence(ctx, transport.Presence{From: bob, Subscribe: true})
	assert.Equal(t, []model.JID{bob}, a.tr.grants)
}

func TestPublicKeyRequestIsAnswered(t *testing.T) {
	a := newClient(t, alice)
	a.ctl.OnPublicKeyRequest(context.Background(), bob)
	assert.Equal(t, []model.JID{bob}, a.tr.publicKeys)
}

func TestBlockListMarksContacts(t *testing.T) {
	a := newClient(t, alice)
	a.knows(t, bob, nil)

	a.ctl.OnBlockList([]model.JID{bob, alice + "/desktop", "nobody@example.org"})
	ct, err := a.db.ContactByJID(bob)
	require.NoError(t, err)
	assert.True(t, ct.Blocked)
}

func TestModeSelectorIsUsed(t *testing.T) {
	a, b := newClient(t, alice), newClient(t, bob)
	a.knows(t, bob, b.key)
	b.knows(t, alice, a.key)
	a.tr.connected = true
	a.ctl.SetModeSelector(func(*model.Message, *model.Chat) crypto.Mode { return crypto.ModeXEP0373 })

	_, err := a.ctl.CreateAndSendMessage(context.Background(), a.chatWith(t, bob).ID, "modern", "")
	require.NoError(t, err)
	wire := a.tr.sent()[0]
	assert.Equal(t, "xep0373", wire.Mode)

	b.ctl.OnNewInMessage(context.Background(), wire)
	chat, err := b.db.SingleChatWith(alice, "")
	require.NoError(t, err)
	msgs := b.messages(t, chat.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "modern", msgs[0].Content.Text)
	assert.False(t, msgs[0].Coder.HasErrors())
}

func TestFailedSendStillMarksChatActive(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, c *client)
	}{
		{"offline", func(t *testing.T, c *client) { c.knows(t, bob, nil) }},
		{"transport error", func(t *testing.T, c *client) {
			c.knows(t, bob, nil)
			c.tr.connected = true
			c.tr.sendErr = errors.New("broken pipe")
		}},
		{"encryption failure", func(t *testing.T, c *client) {
			ct := model.Contact{JID: bob, Encrypted: true}
			require.NoError(t, c.db.UpsertContact(&ct))
			c.tr.connected = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newClient(t, alice)
			tt.setup(t, a)
			chat := a.chatWith(t, bob)
			ctx := context.Background()

			a.ctl.ChatStates().HandleOwnState(ctx, chat, chatstate.Composing)
			require.Equal(t, chatstate.Composing, a.ctl.ChatStates().Current(chat.ID))

			_, _ = a.ctl.CreateAndSendMessage(ctx, chat.ID, "hi", "")
			assert.Equal(t, chatstate.Active, a.ctl.ChatStates().Current(chat.ID))
			assert.Empty(t, a.tr.sent())
		})
	}
}
