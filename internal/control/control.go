// Package control is the messaging core: it owns the connection status and
// routes messages between the user, the store, the transport and the
// attachment, group, chat state and key components.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/account"
	"github.com/kontalk/konk/internal/attachment"
	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/chatstate"
	"github.com/kontalk/konk/internal/config"
	"github.com/kontalk/konk/internal/group"
	"github.com/kontalk/konk/internal/keyexchange"
	"github.com/kontalk/konk/internal/model"
	"github.com/kontalk/konk/internal/outbox"
	"github.com/kontalk/konk/internal/status"
	"github.com/kontalk/konk/internal/store"
	"github.com/kontalk/konk/internal/transport"
)

var (
	ErrInvalidChat  = errors.New("chat is not valid for sending")
	ErrNoRecipients = errors.New("chat has no valid recipients")
	ErrNotConnected = errors.New("not connected")
	ErrShuttingDown = errors.New("client is shutting down")
)

var _ transport.Listener = (*Control)(nil)

// Options are the collaborators of a Control.
type Options struct {
	Store         *store.DB
	Account       *account.Account
	Transport     transport.Transport
	Settings      *config.Store
	Bus           *bus.Bus
	Logger        *zap.Logger
	Slots         attachment.SlotProvider
	Transfer      attachment.Transferer
	AttachmentDir string
	PreviewDir    string
}

// Control ties the messaging components together.
type Control struct {
	db        *store.DB
	account   *account.Account
	transport transport.Transport
	settings  *config.Store
	bus       *bus.Bus
	logger    *zap.Logger

	status      *status.Machine
	attachments *attachment.Worker
	chatStates  *chatstate.Tracker
	groups      *group.Processor
	keys        *keyexchange.Handler
	outbox      *outbox.Sender

	modeMu     sync.RWMutex
	selectMode ModeSelector

	// chatMu serializes get-or-create of single chats.
	chatMu sync.Mutex

	retryMu     sync.Mutex
	retryGen    uint64
	retryCancel context.CancelFunc
	retryTick   time.Duration
}

// New wires a Control and its components. The attachment worker is not
// started; see Start.
func New(o Options) *Control {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Control{
		db:         o.Store,
		account:    o.Account,
		transport:  o.Transport,
		settings:   o.Settings,
		bus:        o.Bus,
		logger:     logger.Named("control"),
		status:     status.NewMachine(o.Bus),
		selectMode: DefaultModeSelector,
		retryTick:  time.Second,
	}
	c.keys = keyexchange.NewHandler(o.Store, o.Transport, o.Bus, logger)
	c.chatStates = chatstate.NewTracker(o.Transport, o.Settings, c.me, logger)
	c.groups = group.NewProcessor(o.Store, c, o.Bus, c.me, logger)
	c.groups.SetSender(c)
	c.attachments = attachment.NewWorker(attachment.Deps{
		Store:         o.Store,
		Slots:         o.Slots,
		Transfer:      o.Transfer,
		Coder:         c,
		Settings:      o.Settings,
		Bus:           o.Bus,
		Logger:        logger,
		AttachmentDir: o.AttachmentDir,
		PreviewDir:    o.PreviewDir,
	})
	c.attachments.SetResender(c)
	c.outbox = outbox.NewSender(o.Store, c, o.Bus, logger)
	return c
}

// Start begins processing attachment transfers.
func (c *Control) Start(ctx context.Context) error {
	return c.attachments.Start(ctx)
}

func (c *Control) Status() status.State { return c.status.Current() }

func (c *Control) Keys() *keyexchange.Handler { return c.keys }

func (c *Control) Attachments() *attachment.Worker { return c.attachments }

func (c *Control) ChatStates() *chatstate.Tracker { return c.chatStates }

func (c *Control) me() model.JID {
	if c.account == nil {
		return ""
	}
	return c.account.JID()
}

// Connect unlocks the account key and connects. An empty password uses the
// stored passphrase if the user never set one. Any pending reconnect is
// cancelled.
func (c *Control) Connect(ctx context.Context, password string) error {
	c.stopRetry()
	cur := c.status.Current()
	if cur == status.ShuttingDown {
		return ErrShuttingDown
	}
	if !c.status.CanConnect() {
		return fmt.Errorf("cannot connect while %s", cur)
	}

	key := c.account.Key()
	if key == nil {
		var err error
		if key, err = c.account.Unlock(password); err != nil {
			if errors.Is(err, account.ErrPasswordRequired) {
				c.bus.Emit(bus.KindAccountPasswordRequired, nil)
			} else {
				c.bus.Emit(bus.KindAccountError, map[string]any{"kind": string(account.KindOf(err)), "error": err.Error()})
			}
			return err
		}
	}

	if err := c.status.Transition(status.Connecting); err != nil {
		return err
	}
	c.logger.Info("connecting", zap.String("jid", key.JID.String()))
	if err := c.transport.Connect(ctx, key); err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
		c.SetStatus(status.Failed)
		return fmt.Errorf("connect: %w", err)
	}
	c.SetStatus(status.Connected)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Control) Disconnect(ctx context.Context) error {
	c.stopRetry()
	switch c.status.Current() {
	case status.Disconnected, status.ShuttingDown, status.Disconnecting:
		return nil
	case status.Connected:
		c.chatStates.ImGone(ctx)
	}
	switch c.status.Current() {
	case status.Connected, status.Connecting:
		c.SetStatus(status.Disconnecting)
	}
	err := c.transport.Disconnect()
	if err != nil {
		c.logger.Warn("disconnect", zap.Error(err))
	}
	c.SetStatus(status.Disconnected)
	return err
}

// Shutdown disconnects and moves to the terminal status. Queued attachment
// transfers are kept in memory but not processed any more.
func (c *Control) Shutdown(ctx context.Context) {
	if c.status.Current() == status.ShuttingDown {
		return
	}
	_ = c.Disconnect(ctx)
	c.logger.Info("shutting down")
	c.SetStatus(status.ShuttingDown)
	c.attachments.Stop()
}

// SetStatus moves the connection status and runs what the new status
// requires: flushing pending messages and requesting missing keys once
// connected, forgetting presence once offline and scheduling a reconnect
// after a failure.
func (c *Control) SetStatus(s status.State) {
	if c.status.Current() == s {
		return
	}
	if err := c.status.Transition(s); err != nil {
		c.logger.Warn("status change rejected", zap.String("to", string(s)), zap.Error(err))
		return
	}

	switch s {
	case status.Connected:
		go c.onConnected(context.Background())
	case status.Disconnected, status.Failed:
		if err := c.db.ResetOnline(); err != nil {
			c.logger.Error("reset online state", zap.Error(err))
		}
	}
	if s == status.Failed || s == status.Error {
		if c.settings.Get().Net.RetryConnect {
			c.startRetry()
		}
	}
}

func (c *Control) onConnected(ctx context.Context) {
	if _, err := c.outbox.Flush(ctx); err != nil {
		c.logger.Error("flush outbox", zap.Error(err))
	}
	if err := c.keys.RequestMissing(ctx); err != nil {
		c.logger.Warn("request missing keys", zap.Error(err))
	}
}

// OnConnectionLost is called by the transport when the connection breaks.
func (c *Control) OnConnectionLost(err error) {
	switch c.status.Current() {
	case status.Disconnecting, status.Disconnected, status.ShuttingDown:
		return
	}
	c.logger.Warn("connection lost", zap.Error(err))
	c.SetStatus(status.Failed)
}

func (c *Control) startRetry() {
	seconds := c.settings.Get().Net.RetrySeconds
	if seconds <= 0 {
		return
	}
	c.retryMu.Lock()
	if c.retryCancel != nil {
		c.retryCancel()
	}
	c.retryGen++
	gen := c.retryGen
	ctx, cancel := context.WithCancel(context.Background())
	c.retryCancel = cancel
	tick := c.retryTick
	c.retryMu.Unlock()

	go c.countdown(ctx, gen, seconds, tick)
}

func (c *Control) stopRetry() {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	c.retryGen++
}

// countdown publishes the remaining seconds once per tick and reconnects
// when they run out, unless it was superseded in the meantime.
func (c *Control) countdown(ctx context.Context, gen uint64, seconds int, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for remaining := seconds; ; {
		c.bus.Emit(bus.KindRetryTick, map[string]any{"remaining": remaining})
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining--
		}
	}

	c.retryMu.Lock()
	current := c.retryGen == gen
	c.retryMu.Unlock()
	if !current {
		return
	}
	c.logger.Info("retrying connection")
	if err := c.Connect(context.Background(), ""); err != nil {
		c.logger.Warn("reconnect", zap.Error(err))
	}
}
