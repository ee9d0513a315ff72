package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/transport"
)

const me model.JID = "me@beta.kontalk.net"

type recorder struct {
	mu     sync.Mutex
	events []string
	lost   chan error
}

func newRecorder() *recorder { return &recorder{lost: make(chan error, 1)} }

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OnConnectionLost(err error) { r.lost <- err }
func (r *recorder) OnNewInMessage(_ context.Context, m *transport.Message) {
	r.add("message:" + m.Content.Text)
}
func (r *recorder) OnMessageSent(rc transport.Receipt) { r.add("sent:" + rc.XID) }
func (r *recorder) OnReceipt(rc transport.Receipt) { r.add("receipt:" + rc.XID) }
func (r *recorder) OnMessageError(e transport.MessageError) { r.add("error:" + e.Condition) }
func (r *recorder) OnChatState(s transport.ChatState) { r.add("chatstate:" + s.State) }
func (r *recorder) OnRosterItem(_ context.Context, item transport.RosterItem) {
	r.add("roster:" + item.JID.String())
}
func (r *recorder) OnPresence(_ context.Context, p transport.Presence) {
	r.add("presence:" + p.From.String())
}
func (r *recorder) OnPublicKey(jid model.JID, key []byte) { r.add("pubkey:" + jid.String() + ":" + string(key)) }
func (r *recorder) OnPublicKeyRequest(_ context.Context, from model.JID) {
	r.add("pubkey_request:" + from.String())
}
func (r *recorder) OnBlockList(jids []model.JID) { r.add("blocklist:" + jids[0].String()) }

// fakeRelay accepts one client, logs it in and hands the server side of
// the connection to the test.
type fakeRelay struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
	refuse  bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 1), headers: make(chan http.Header, 1)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.headers <- req.Header.Clone()
		if r.refuse {
			f, _ := newFrame(TypeError, transport.MessageError{Condition: "not-authorized"})
			_ = conn.WriteJSON(f)
			_ = conn.Close()
			return
		}
		f, _ := newFrame(TypeAuthenticated, Authenticated{JID: me})
		_ = conn.WriteJSON(f)
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func testKey(t *testing.T) *crypto.PersonalKey {
	t.Helper()
	k, err := crypto.GenerateKey("Me", me, 2048)
	require.NoError(t, err)
	return k
}

func connect(t *testing.T, r *fakeRelay, l transport.Listener) (*Client, *websocket.Conn) {
	t.Helper()
	c := New(r.url(), zap.NewNop())
	c.SetListener(l)
	require.NoError(t, c.Connect(context.Background(), testKey(t)))
	t.Cleanup(func() { _ = c.Disconnect() })
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return c, conn
	case <-time.After(2 * time.Second):
		t.Fatal("relay saw no connection")
		return nil, nil
	}
}

func push(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	f, err := newFrame(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))
}

func TestConnectSendsCredentials(t *testing.T) {
	r := newFakeRelay(t)
	key := testKey(t)
	c := New(r.url(), zap.NewNop())
	require.NoError(t, c.Connect(context.Background(), key))
	defer func() { _ = c.Disconnect() }()

	h := <-r.headers
	assert.Equal(t, key.Fingerprint, h.Get(HeaderFingerprint))
	assert.NotEmpty(t, h.Get(HeaderCertificate))
	assert.True(t, c.IsConnected())
	assert.Equal(t, me, c.OwnJID())
}

func TestConnectRefused(t *testing.T) {
	r := newFakeRelay(t)
	r.refuse = true
	c := New(r.url(), zap.NewNop())

	err := c.Connect(context.Background(), testKey(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-authorized")
	assert.False(t, c.IsConnected())
}

func TestFramesReachListener(t *testing.T) {
	r := newFakeRelay(t)
	rec := newRecorder()
	_, conn := connect(t, r, rec)

	push(t, conn, TypeMessage, transport.Message{XID: "m1", From: "peer@x", Content: model.Content{Text: "hi"}})
	push(t, conn, TypeSent, transport.Receipt{XID: "m2"})
	push(t, conn, TypeReceipt, transport.Receipt{XID: "m3"})
	push(t, conn, TypeError, transport.MessageError{XID: "m4", Condition: "forbidden"})
	push(t, conn, TypeChatState, transport.ChatState{From: "peer@x", State: "composing"})
	push(t, conn, TypeRoster, []transport.RosterItem{{JID: "a@x"}, {JID: "b@x"}})
	push(t, conn, TypePresence, transport.Presence{From: "peer@x", Available: true})
	push(t, conn, TypePublicKey, PublicKey{JID: "peer@x", Key: []byte("key")})
	push(t, conn, TypeKeyRequest, KeyRequest{JID: "peer@x"})
	push(t, conn, "bogus", nil)
	push(t, conn, TypeBlockList, BlockList{JIDs: []model.JID{"spam@x"}})

	want := []string{
		"message:hi", "sent:m2", "receipt:m3", "error:forbidden", "chatstate:composing",
		"roster:a@x", "roster:b@x", "presence:peer@x", "pubkey:peer@x:key",
		"pubkey_request:peer@x", "blocklist:spam@x",
	}
	require.Eventually(t, func() bool { return len(rec.seen()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.seen())
}

func TestClientFrames(t *testing.T) {
	r := newFakeRelay(t)
	c, conn := connect(t, r, newRecorder())
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, &transport.Message{XID: "m1", To: []model.JID{"peer@x"}}))
	require.NoError(t, c.SendChatState(ctx, "peer@x", "t1", chatstate.Composing))
	require.NoError(t, c.SendSubscription(ctx, "peer@x", true))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, TypeMessage, f.Type)
	var m transport.Message
	require.NoError(t, json.Unmarshal(f.Payload, &m))
	assert.Equal(t, "m1", m.XID)

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, TypeChatState, f.Type)
	var s transport.ChatState
	require.NoError(t, json.Unmarshal(f.Payload, &s))
	assert.Equal(t, model.JID("peer@x"), s.To)
	assert.Equal(t, "composing", s.State)

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, TypeSubscription, f.Type)
	var sub Subscription
	require.NoError(t, json.Unmarshal(f.Payload, &sub))
	assert.True(t, sub.Grant)
}

func TestServerCloseReportsLostConnection(t *testing.T) {
	r := newFakeRelay(t)
	rec := newRecorder()
	c, conn := connect(t, r, rec)

	require.NoError(t, conn.Close())
	select {
	case err := <-rec.lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.SendPublicKeyRequest(context.Background(), "peer@x"), ErrNotConnected)
}

func TestDisconnectIsQuiet(t *testing.T) {
	r := newFakeRelay(t)
	rec := newRecorder()
	c, _ := connect(t, r, rec)

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	select {
	case err := <-rec.lost:
		t.Fatalf("unexpected connection loss: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
