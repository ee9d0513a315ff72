package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/model"
)

// MessageSender submits one outgoing message to the server.
type MessageSender interface {
	SendMessage(ctx context.Context, m *model.Message) error
}

// Store lists chats and their unsent messages.
type Store interface {
	ListChats() ([]model.Chat, error)
	PendingOutMessages(chatID int64) ([]model.Message, error)
}

// Sender resubmits the pending outgoing messages of every chat, e.g.
// after the connection comes back.
type Sender struct {
	db     Store
	sender MessageSender
	bus    *bus.Bus
	logger *zap.Logger
}

// NewSender creates a new outbox sender.
func NewSender(db Store, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger.Named("outbox"),
	}
}

// Flush sends every pending message, chat by chat in send order. A failed
// message stays pending and does not stop the others. It returns how many
// were handed to the sender without error.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	chats, err := s.db.ListChats()
	if err != nil {
		return 0, err
	}

	sent, failed := 0, 0
	for _, chat := range chats {
		pending, err := s.db.PendingOutMessages(chat.ID)
		if err != nil {
			s.logger.Error("failed to read pending messages", zap.Error(err), zap.Int64("chat_id", chat.ID))
			continue
		}
		for i := range pending {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			m := &pending[i]
			if err := s.sender.SendMessage(ctx, m); err != nil {
				s.logger.Warn("failed to resend message", zap.Error(err), zap.Int64("message_id", m.ID))
				failed++
				continue
			}
			sent++
		}
	}

	if sent+failed > 0 {
		s.logger.Info("outbox flushed", zap.Int("sent", sent), zap.Int("failed", failed))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindOutboxFlushed,
			Timestamp: time.Now(),
			Payload:   map[string]any{"sent": sent, "failed": failed},
		})
	}
	return sent, nil
}
