package tg

import (
	"context"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/bus"
	"github.com/matheus3301/tgb/internal/store"
)

// EventHandler persists messages pushed by Telegram while the daemon is
// connected, so the store stays current between sync runs. Updates flow
// through the same normalizer as history pages. Sync cursors are never
// touched here: a live message can arrive with a gap behind it, and
// only an incremental run may declare history contiguous.
type EventHandler struct {
	db  *store.DB
	bus *bus.Bus
	log *zap.Logger
}

// NewEventHandler creates a new live-update handler.
func NewEventHandler(db *store.DB, b *bus.Bus, log *zap.Logger) *EventHandler {
	return &EventHandler{
		db:  db,
		bus: b,
		log: log.Named("events"),
	}
}

// Dispatcher returns the update handler to hang off the MTProto client.
func (h *EventHandler) Dispatcher() telegram.UpdateHandler {
	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		h.handleNewMessage(e, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		h.handleNewMessage(e, u.Message)
		return nil
	})
	return d
}

// handleNewMessage upserts the chat and message rows for one pushed
// update and publishes it on the bus. Store failures are logged, not
// returned: a bad row must not tear down the connection.
func (h *EventHandler) handleNewMessage(e tg.Entities, raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok {
		// Service messages (joins, pins) carry no history payload.
		return
	}

	chat, found := chatFromEntities(msg.PeerID, e)
	if !found {
		existing, err := h.db.GetChat(peerID(msg.PeerID))
		if err != nil {
			h.log.Error("live chat lookup failed", zap.Int64("chat_id", peerID(msg.PeerID)), zap.Error(err))
			return
		}
		if existing != nil {
			// No entity came with the update; keep the known row.
			chat = *existing
		} else {
			chat = store.Chat{ChatID: peerID(msg.PeerID), Kind: kindFromPeer(msg.PeerID)}
		}
	}
	chat.LastMessageAt = int64(msg.Date) * 1000
	if err := h.db.UpsertChat(&chat); err != nil {
		h.log.Error("live chat upsert failed", zap.Int64("chat_id", chat.ChatID), zap.Error(err))
		return
	}

	m := messageFromTG(chat.ChatID, msg, e.Users)
	if err := h.db.UpsertMessage(&m); err != nil {
		h.log.Error("live message upsert failed",
			zap.Int64("chat_id", m.ChatID),
			zap.Int64("message_id", m.MessageID),
			zap.Error(err))
		return
	}

	h.log.Debug("live message stored",
		zap.Int64("chat_id", m.ChatID),
		zap.Int64("message_id", m.MessageID),
		zap.Bool("has_media", m.HasMedia))
	h.bus.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: m})
}

// chatFromEntities resolves the chat row for a peer from the entity set
// attached to an update.
func chatFromEntities(p tg.PeerClass, e tg.Entities) (store.Chat, bool) {
	switch v := p.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[v.UserID]; ok {
			return chatFromUser(u), true
		}
	case *tg.PeerChat:
		if c, ok := e.Chats[v.ChatID]; ok {
			return chatFromChat(c), true
		}
	case *tg.PeerChannel:
		if c, ok := e.Channels[v.ChannelID]; ok {
			return chatFromChannel(c), true
		}
	}
	return store.Chat{}, false
}

func kindFromPeer(p tg.PeerClass) string {
	switch p.(type) {
	case *tg.PeerChat:
		return store.KindGroup
	case *tg.PeerChannel:
		return store.KindChannel
	}
	return store.KindUser
}
