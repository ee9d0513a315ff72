package chatstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/config"
	"github.com/kontalk/konk/internal/model"
)

// State is a chat state notification (XEP-0085).
type State string

const (
	Active    State = "active"
	Composing State = "composing"
	Paused    State = "paused"
	Inactive  State = "inactive"
	Gone      State = "gone"
)

func Parse(s string) (State, bool) {
	switch st := State(s); st {
	case Active, Composing, Paused, Inactive, Gone:
		return st, true
	default:
		return "", false
	}
}

// ComposingTimeout is how long composing lasts without further input.
const ComposingTimeout = 15 * time.Second

// Sender delivers a chat state to one peer.
type Sender interface {
	SendChatState(ctx context.Context, to model.JID, threadID string, state State) error
}

// Tracker keeps the user's own chat state per chat and tells the peer
// about changes.
type Tracker struct {
	sender   Sender
	settings *config.Store
	me       func() model.JID
	logger   *zap.Logger
	timeout  time.Duration

	mu    sync.Mutex
	chats map[int64]*chatState
}

type chatState struct {
	id         int64
	thread     string
	recipients []model.JID
	current    State
	gen        uint64
	timer      *time.Timer
}

type notification struct {
	to     model.JID
	thread string
	state  State
}

// NewTracker creates a tracker. me returns the local user's JID.
func NewTracker(sender Sender, settings *config.Store, me func() model.JID, logger *zap.Logger) *Tracker {
	return &Tracker{
		sender:   sender,
		settings: settings,
		me:       me,
		logger:   logger.Named("chatstate"),
		timeout:  ComposingTimeout,
		chats:    make(map[int64]*chatState),
	}
}

// HandleOwnState records a state change of the user in chat. Any pending
// automatic transition is cancelled; composing schedules a switch to
// inactive after the timeout.
func (t *Tracker) HandleOwnState(ctx context.Context, chat *model.Chat, state State) {
	if t.settings != nil && !t.settings.Get().Net.SendChatState {
		return
	}

	t.mu.Lock()
	cs, ok := t.chats[chat.ID]
	if !ok {
		if state == Gone {
			t.mu.Unlock()
			return
		}
		cs = &chatState{id: chat.ID}
		t.chats[chat.ID] = cs
	}
	cs.thread = chat.ThreadID
	cs.recipients = cs.recipients[:0]
	for _, c := range chat.ValidContacts(t.me()) {
		cs.recipients = append(cs.recipients, c.JID)
	}
	out := t.setLocked(cs, state)
	t.mu.Unlock()

	t.send(ctx, out)
}

// ImGone moves every tracked chat to gone.
func (t *Tracker) ImGone(ctx context.Context) {
	t.mu.Lock()
	var out []notification
	for _, cs := range t.chats {
		out = append(out, t.setLocked(cs, Gone)...)
	}
	t.mu.Unlock()

	t.send(ctx, out)
}

// Current returns the last state of a chat, "" if untracked.
func (t *Tracker) Current(chatID int64) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.chats[chatID]; ok {
		return cs.current
	}
	return ""
}

func (t *Tracker) setLocked(cs *chatState, state State) []notification {
	if cs.timer != nil {
		cs.timer.Stop()
		cs.timer = nil
	}
	cs.gen++

	var out []notification
	if state != cs.current {
		cs.current = state
		out = t.notifications(cs)
	}

	if state == Composing {
		gen, id := cs.gen, cs.id
		cs.timer = time.AfterFunc(t.timeout, func() { t.expire(id, gen) })
	}
	return out
}

// notifications returns what to send for the current state. Group chats
// never get chat states and active travels inside the next message.
func (t *Tracker) notifications(cs *chatState) []notification {
	if len(cs.recipients) != 1 || cs.current == Active {
		return nil
	}
	return []notification{{to: cs.recipients[0], thread: cs.thread, state: cs.current}}
}

func (t *Tracker) expire(id int64, gen uint64) {
	t.mu.Lock()
	cs, ok := t.chats[id]
	if !ok || cs.gen != gen {
		t.mu.Unlock()
		return
	}
	out := t.setLocked(cs, Inactive)
	t.mu.Unlock()

	t.send(context.Background(), out)
}

func (t *Tracker) send(ctx context.Context, out []notification) {
	for _, n := range out {
		if err := t.sender.SendChatState(ctx, n.to, n.thread, n.state); err != nil {
			t.logger.Warn("send chat state", zap.String("to", n.to.String()), zap.String("state", string(n.state)), zap.Error(err))
		}
	}
}
