package api

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kontalk/konk/internal/account"
	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/control"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/status"
	"github.com/kontalk/konk/internal/store"
)

type fakeCore struct {
	mu       sync.Mutex
	state    status.State
	password string
	connErr  error
	chats    map[model.JID]*model.Chat
	sent     []string
	sendErr  error
	groups   [][]model.JID
	left     []int64
}

func (f *fakeCore) Status() status.State { return f.state }

func (f *fakeCore) Connect(_ context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password = password
	if f.connErr != nil {
		return f.connErr
	}
	f.state = status.Connected
	return nil
}

func (f *fakeCore) Disconnect(context.Context) error {
	f.state = status.Disconnected
	return nil
}

func (f *fakeCore) GetOrCreateSingleChat(_ context.Context, jid model.JID) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.chats[jid]; ok {
		return c, nil
	}
	c := &model.Chat{ID: int64(len(f.chats) + 1), Members: []model.Member{{Contact: model.Contact{JID: jid}}}}
	f.chats[jid] = c
	return c, nil
}

func (f *fakeCore) CreateAndSendMessage(_ context.Context, chatID int64, text, path string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, text+path)
	m := &model.Message{ID: int64(len(f.sent)), ChatID: chatID, Dir: model.DirOut, Status: model.StatusPending,
		Content: model.Content{Text: text}, Coder: model.NewOutCoderStatus(true)}
	if path != "" {
		m.Content.Attachment = &model.Attachment{File: path, MimeType: "image/png"}
	}
	return m, nil
}

func (f *fakeCore) CreateGroupChat(_ context.Context, jids []model.JID, subject string) (*model.Chat, error) {
	f.groups = append(f.groups, jids)
	c := &model.Chat{ID: 9, Kind: model.KindGroup, Subject: subject, Group: model.GroupData{Owner: "me@x", ID: "g1"}}
	for _, j := range jids {
		c.Members = append(c.Members, model.Member{Contact: model.Contact{JID: j}})
	}
	return c, nil
}

func (f *fakeCore) LeaveGroupChat(_ context.Context, chatID int64) error {
	if chatID == 404 {
		return store.ErrNotFound
	}
	f.left = append(f.left, chatID)
	return nil
}

type fakeKeys struct {
	pending  []store.PendingKey
	accepted []model.JID
	declined []model.JID
}

func (f *fakeKeys) Pending() ([]store.PendingKey, error) { return f.pending, nil }

func (f *fakeKeys) Confirm(jid model.JID) error {
	f.accepted = append(f.accepted, jid)
	return nil
}

func (f *fakeKeys) Decline(_ context.Context, jid model.JID) error {
	f.declined = append(f.declined, jid)
	return nil
}

type fakeStore struct {
	chats    []model.Chat
	messages []model.Message
}

func (f *fakeStore) ListChats() ([]model.Chat, error) { return f.chats, nil }

func (f *fakeStore) ListMessages(chatID, _ int64, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.ChatID == chatID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeAccount struct {
	jid     model.JID
	oldPass string
	newPass string
}

func (f *fakeAccount) JID() model.JID { return f.jid }

func (f *fakeAccount) Key() *crypto.PersonalKey {
	return &crypto.PersonalKey{JID: f.jid, Fingerprint: "ABCD"}
}

func (f *fakeAccount) SetPassword(oldPass, newPass string) error {
	if oldPass == "wrong" {
		return &account.Error{Kind: account.ChangePass, Err: errors.New("bad passphrase")}
	}
	f.oldPass, f.newPass = oldPass, newPass
	return nil
}

type fakeImporter struct{ path, url string }

func (f *fakeImporter) FromZipFile(path, _ string) error {
	f.path = path
	return nil
}

func (f *fakeImporter) FromServer(_ context.Context, url, _, _ string) error {
	f.url = url
	return nil
}

type harness struct {
	client   *Client
	core     *fakeCore
	keys     *fakeKeys
	store    *fakeStore
	account  *fakeAccount
	importer *fakeImporter
	bus      *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		core:     &fakeCore{state: status.Disconnected, chats: map[model.JID]*model.Chat{}},
		keys:     &fakeKeys{},
		store:    &fakeStore{},
		account:  &fakeAccount{jid: "me@beta.kontalk.net"},
		importer: &fakeImporter{},
		bus:      bus.New(),
	}
	svc := NewService(Deps{
		Profile:  "test",
		Core:     h.core,
		Keys:     h.keys,
		Store:    h.store,
		Account:  h.account,
		Importer: h.importer,
		Bus:      h.bus,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.client = NewClient(conn)
	return h
}

func codeOf(err error) codes.Code { return grpcstatus.Code(err) }

func TestStatusAndConnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.keys.pending = []store.PendingKey{{JID: "peer@x", Fingerprint: "FF"}}
	h.store.chats = []model.Chat{{ID: 1}, {ID: 2}}

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Profile)
	assert.Equal(t, string(status.Disconnected), st.State)
	assert.Equal(t, "me@beta.kontalk.net", st.JID)
	assert.Equal(t, "ABCD", st.Fingerprint)
	assert.Equal(t, 2, st.Chats)
	assert.Equal(t, 1, st.PendingKeys)

	require.NoError(t, h.client.Connect(ctx, "secret"))
	assert.Equal(t, "secret", h.core.password)
	st, err = h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(status.Connected), st.State)

	require.NoError(t, h.client.Disconnect(ctx))
	assert.Equal(t, status.Disconnected, h.core.state)
}

func TestConnectErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.core.connErr = account.ErrPasswordRequired
	assert.Equal(t, codes.Unauthenticated, codeOf(h.client.Connect(ctx, "")))

	h.core.connErr = control.ErrShuttingDown
	assert.Equal(t, codes.Unavailable, codeOf(h.client.Connect(ctx, "")))

	h.core.connErr = account.ErrNoAccount
	assert.Equal(t, codes.FailedPrecondition, codeOf(h.client.Connect(ctx, "")))
}

func TestSendTextByJID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.client.SendText(ctx, SendRequest{JID: "peer@x/phone", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Text)
	assert.True(t, m.Outgoing)
	assert.Equal(t, "PENDING", m.Status)
	assert.Equal(t, "decrypted", m.Encryption)
	assert.Contains(t, h.core.chats, model.JID("peer@x"))

	_, err = h.client.SendText(ctx, SendRequest{ChatID: 1})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = h.client.SendText(ctx, SendRequest{JID: "not a jid", Text: "x"})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	h.core.sendErr = control.ErrInvalidChat
	_, err = h.client.SendText(ctx, SendRequest{ChatID: 1, Text: "x"})
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
}

func TestSendFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.client.SendFile(ctx, SendRequest{ChatID: 3, Path: "/tmp/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cat.png", m.Attachment)
	assert.Equal(t, "image/png", m.MimeType)
	assert.Equal(t, int64(3), m.ChatID)

	_, err = h.client.SendFile(ctx, SendRequest{ChatID: 3})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestListChatsAndMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.chats = []model.Chat{
		{ID: 1, Members: []model.Member{{Contact: model.Contact{JID: "a@x"}}}},
		{ID: 2, Kind: model.KindGroup, Subject: "team", Group: model.GroupData{Owner: "a@x", ID: "g"}},
	}
	for i := 1; i <= 3; i++ {
		h.store.messages = append(h.store.messages, model.Message{ID: int64(i), ChatID: 1, Status: model.StatusIn,
			Content: model.Content{Text: "m"}, Date: time.Unix(int64(i), 0)})
	}

	chats, err := h.client.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats.Chats, 2)
	assert.Equal(t, []string{"a@x"}, chats.Chats[0].Members)
	assert.True(t, chats.Chats[1].Group)
	assert.Equal(t, "a@x", chats.Chats[1].Owner)

	page, err := h.client.ListMessages(ctx, ListMessagesRequest{ChatID: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)

	page, err = h.client.ListMessages(ctx, ListMessagesRequest{ChatID: 1})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)
}

func TestGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chat, err := h.client.CreateGroup(ctx, CreateGroupRequest{JIDs: []string{"a@x", "b@x/res"}, Subject: "team"})
	require.NoError(t, err)
	assert.Equal(t, "team", chat.Subject)
	assert.Equal(t, [][]model.JID{{"a@x", "b@x"}}, h.core.groups)

	_, err = h.client.CreateGroup(ctx, CreateGroupRequest{})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	require.NoError(t, h.client.LeaveGroup(ctx, chat.ID))
	assert.Equal(t, []int64{9}, h.core.left)
	assert.Equal(t, codes.NotFound, codeOf(h.client.LeaveGroup(ctx, 404)))
}

func TestKeyDecisions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.keys.pending = []store.PendingKey{{JID: "peer@x", Fingerprint: "FF", ReceivedAt: time.Unix(100, 0)}}

	keys, err := h.client.PendingKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys.Keys, 1)
	assert.Equal(t, "FF", keys.Keys[0].Fingerprint)

	require.NoError(t, h.client.ConfirmKey(ctx, "peer@x", true))
	require.NoError(t, h.client.ConfirmKey(ctx, "other@x", false))
	assert.Equal(t, []model.JID{"peer@x"}, h.keys.accepted)
	assert.Equal(t, []model.JID{"other@x"}, h.keys.declined)
}

func TestAccountOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.client.SetPassword(ctx, "old", "new"))
	assert.Equal(t, "new", h.account.newPass)
	assert.Equal(t, codes.InvalidArgument, codeOf(h.client.SetPassword(ctx, "wrong", "new")))

	r, err := h.client.ImportAccount(ctx, ImportRequest{Path: "/tmp/account.zip", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "me@beta.kontalk.net", r.JID)
	assert.Equal(t, "/tmp/account.zip", h.importer.path)

	_, err = h.client.ImportAccount(ctx, ImportRequest{URL: "https://example.org/key", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/key", h.importer.url)

	_, err = h.client.ImportAccount(ctx, ImportRequest{})
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchEvents(ctx, "message.", func(e Event) {
			select {
			case got <- e:
			default:
			}
		})
	}()

	// The subscription is registered asynchronously; publish until seen.
	var evt Event
	require.Eventually(t, func() bool {
		h.bus.Emit(bus.KindChatState, map[string]any{"state": "composing"})
		h.bus.Emit(bus.KindMessageSent, map[string]any{"id": int64(7), "jid": model.JID("peer@x")})
		select {
		case evt = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, bus.KindMessageSent, evt.Kind)
	assert.Equal(t, float64(7), evt.Payload["id"])
	assert.Equal(t, "peer@x", evt.Payload["jid"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
