// Package relay is a transport to a Kontalk websocket relay. Every frame is
// a JSON text message; the client logs in with its bridge certificate.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/transport"
)

const (
	HeaderFingerprint = "X-Kontalk-Fingerprint"
	HeaderCertificate = "X-Kontalk-Certificate"

	writeTimeout = 10 * time.Second
	authTimeout  = 15 * time.Second
)

var ErrNotConnected = errors.New("relay: not connected")

// Client is a transport.Transport over a websocket.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	jid      model.JID
	closing  bool
	cancel   context.CancelFunc
	listener transport.Listener

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

var _ transport.Transport = (*Client)(nil)

// New creates a disconnected client for the relay at url.
func New(url string, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: authTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.Named("relay"),
	}
}

// SkipCertValidation accepts any server certificate. Only for test servers.
func (c *Client) SkipCertValidation() {
	c.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
}

// SetListener sets who receives server frames. It must be set before Connect.
func (c *Client) SetListener(l transport.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Connect dials the relay, logs in and starts reading frames.
func (c *Client) Connect(ctx context.Context, key *crypto.PersonalKey) error {
	if key == nil {
		return errors.New("relay: no personal key")
	}
	if c.IsConnected() {
		return nil
	}
	cert, err := crypto.BridgeCertificate(key)
	if err != nil {
		return fmt.Errorf("relay: bridge certificate: %w", err)
	}
	header := http.Header{}
	header.Set(HeaderFingerprint, key.Fingerprint)
	header.Set(HeaderCertificate, base64.StdEncoding.EncodeToString(cert))

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay: dial %s: %w (status %s)", c.url, err, resp.Status)
		}
		return fmt.Errorf("relay: dial %s: %w", c.url, err)
	}

	jid, err := awaitLogin(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if jid == "" {
		jid = key.JID
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn, c.jid, c.closing, c.cancel = conn, jid.Bare(), false, cancel
	l := c.listener
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.url), zap.String("jid", jid.String()))
	go c.readLoop(readCtx, conn, l)
	return nil
}

func awaitLogin(conn *websocket.Conn) (model.JID, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return "", fmt.Errorf("relay: login: %w", err)
	}
	switch f.Type {
	case TypeAuthenticated:
		var a Authenticated
		if err := json.Unmarshal(f.Payload, &a); err != nil {
			return "", fmt.Errorf("relay: login answer: %w", err)
		}
		return a.JID, nil
	case TypeError:
		var e transport.MessageError
		_ = json.Unmarshal(f.Payload, &e)
		return "", fmt.Errorf("relay: login refused: %s %s", e.Condition, e.Text)
	default:
		return "", fmt.Errorf("relay: unexpected %q frame during login", f.Type)
	}
}

// Disconnect closes the connection. The listener is not told about it.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel, c.closing = nil, nil, true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	cancel()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OwnJID is the address the relay logged us in as.
func (c *Client) OwnJID() model.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, l transport.Listener) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closing := c.closing || c.conn != conn
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if closing {
				return
			}
			c.logger.Warn("connection lost", zap.Error(err))
			if l != nil {
				l.OnConnectionLost(err)
			}
			return
		}
		if l == nil {
			continue
		}
		if err := dispatch(ctx, l, f); err != nil {
			c.logger.Warn("bad frame", zap.String("type", f.Type), zap.Error(err))
		}
	}
}

func dispatch(ctx context.Context, l transport.Listener, f Frame) error {
	switch f.Type {
	case TypeMessage:
		var m transport.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return err
		}
		l.OnNewInMessage(ctx, &m)
	case TypeSent, TypeReceipt:
		var r transport.Receipt
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			return err
		}
		if f.Type == TypeSent {
			l.OnMessageSent(r)
		} else {
			l.OnReceipt(r)
		}
	case TypeError:
		var e transport.MessageError
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			return err
		}
		l.OnMessageError(e)
	case TypeChatState:
		var s transport.ChatState
		if err := json.Unmarshal(f.Payload, &s); err != nil {
			return err
		}
		l.OnChatState(s)
	case TypeRoster:
		var items []transport.RosterItem
		if err := json.Unmarshal(f.Payload, &items); err != nil {
			return err
		}
		for _, item := range items {
			l.OnRosterItem(ctx, item)
		}
	case TypePresence:
		var p transport.Presence
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return err
		}
		l.OnPresence(ctx, p)
	case TypePublicKey:
		var k PublicKey
		if err := json.Unmarshal(f.Payload, &k); err != nil {
			return err
		}
		l.OnPublicKey(k.JID, k.Key)
	case TypeKeyRequest:
		var r KeyRequest
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			return err
		}
		l.OnPublicKeyRequest(ctx, r.JID)
	case TypeBlockList:
		var b BlockList
		if err := json.Unmarshal(f.Payload, &b); err != nil {
			return err
		}
		l.OnBlockList(b.JIDs)
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	f, err := newFrame(typ, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("relay: write %s: %w", typ, err)
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, m *transport.Message) error {
	return c.write(ctx, TypeMessage, m)
}

func (c *Client) SendChatState(ctx context.Context, to model.JID, threadID string, state chatstate.State) error {
	return c.write(ctx, TypeChatState, transport.ChatState{To: to, ThreadID: threadID, State: string(state)})
}

func (c *Client) SendPublicKeyRequest(ctx context.Context, jid model.JID) error {
	return c.write(ctx, TypeKeyRequest, KeyRequest{JID: jid})
}

func (c *Client) SendPublicKey(ctx context.Context, to model.JID, key []byte) error {
	return c.write(ctx, TypePublicKey, PublicKey{JID: to, Key: key})
}

func (c *Client) SendBlocking(ctx context.Context, jid model.JID, blocking bool) error {
	return c.write(ctx, TypeBlock, Block{JID: jid, Blocking: blocking})
}

func (c *Client) AddToRoster(ctx context.Context, jid model.JID, name string) error {
	return c.write(ctx, TypeRosterAdd, RosterChange{JID: jid, Name: name})
}

func (c *Client) RemoveFromRoster(ctx context.Context, jid model.JID) error {
	return c.write(ctx, TypeRosterRemove, RosterChange{JID: jid})
}

func (c *Client) SendSubscription(ctx context.Context, jid model.JID, grant bool) error {
	return c.write(ctx, TypeSubscription, Subscription{JID: jid, Grant: grant})
}
