package tg

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/tgb/internal/store"
)

// upload.getFile offsets and limits must be multiples of 4 KiB; 512 KiB
// is the largest allowed chunk.
const blobChunkSize = 512 * 1024

// API is the slice of the MTProto RPC surface the adapter needs.
// *tg.Client satisfies it; tests swap in a fake.
type API interface {
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	UploadGetFile(ctx context.Context, request *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
}

// Peer identifies a remote conversation well enough to build an input
// peer for any RPC.
type Peer struct {
	Kind       string
	ID         int64
	AccessHash int64
}

// PeerFromChat builds a Peer from a stored chat row.
func PeerFromChat(c *store.Chat) Peer {
	return Peer{Kind: c.Kind, ID: c.ChatID, AccessHash: c.AccessHash}
}

func (p Peer) input() tg.InputPeerClass {
	switch p.Kind {
	case store.KindUser:
		return &tg.InputPeerUser{UserID: p.ID, AccessHash: p.AccessHash}
	case store.KindGroup:
		return &tg.InputPeerChat{ChatID: p.ID}
	default:
		return &tg.InputPeerChannel{ChannelID: p.ID, AccessHash: p.AccessHash}
	}
}

// FileRef locates one attachment blob for upload.getFile.
type FileRef struct {
	ID         int64
	AccessHash int64
	Reference  []byte
	ThumbSize  string
	Photo      bool
}

// FileRefFromMessage builds a FileRef from a stored media message.
func FileRefFromMessage(m *store.Message) (FileRef, error) {
	if !m.HasMedia || m.FileID == "" {
		return FileRef{}, fmt.Errorf("message %d/%d carries no media", m.ChatID, m.MessageID)
	}
	id, err := strconv.ParseInt(m.FileID, 10, 64)
	if err != nil {
		return FileRef{}, fmt.Errorf("parse file id %q: %w", m.FileID, err)
	}
	return FileRef{
		ID:         id,
		AccessHash: m.FileAccessHash,
		Reference:  m.FileReference,
		ThumbSize:  m.FileThumb,
		Photo:      m.MediaType == store.MediaPhoto && m.FileThumb != "",
	}, nil
}

func (r FileRef) location() tg.InputFileLocationClass {
	if r.Photo {
		return &tg.InputPhotoFileLocation{
			ID:            r.ID,
			AccessHash:    r.AccessHash,
			FileReference: r.Reference,
			ThumbSize:     r.ThumbSize,
		}
	}
	return &tg.InputDocumentFileLocation{
		ID:            r.ID,
		AccessHash:    r.AccessHash,
		FileReference: r.Reference,
	}
}

// Adapter is the only component that talks MTProto. Every call shares
// one account-wide rate limiter: Telegram throttles per account, not per
// chat, so per-chat budgets would just trade FLOOD_WAITs between peers.
type Adapter struct {
	api     API
	limiter *rate.Limiter
	log     *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAdapter wraps an authenticated RPC client. requestsPerSecond feeds
// the shared limiter (burst of one keeps pacing even).
func NewAdapter(api API, requestsPerSecond float64, log *zap.Logger) *Adapter {
	return &Adapter{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		log:     log.Named("tg"),
		sleep:   sleepCtx,
	}
}

// ListChats fetches the dialog list and normalizes it, most recent
// first as the server returns it.
func (a *Adapter) ListChats(ctx context.Context, limit int) ([]store.Chat, error) {
	var raw tg.ModifiedMessagesDialogs
	err := a.do(ctx, "messages.getDialogs", func(ctx context.Context) error {
		res, err := a.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		m, ok := res.AsModified()
		if !ok {
			return fmt.Errorf("unexpected dialogs response %T", res)
		}
		raw = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := userIndex(raw.GetUsers())
	groups := make(map[int64]store.Chat)
	for _, c := range raw.GetChats() {
		switch v := c.(type) {
		case *tg.Chat:
			groups[v.ID] = chatFromChat(v)
		case *tg.Channel:
			groups[v.ID] = chatFromChannel(v)
		}
	}
	topDates := topMessageDates(raw.GetMessages())

	var chats []store.Chat
	for _, d := range raw.GetDialogs() {
		dlg, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		var chat store.Chat
		switch p := dlg.Peer.(type) {
		case *tg.PeerUser:
			u, ok := users[p.UserID]
			if !ok {
				continue
			}
			chat = chatFromUser(u)
		case *tg.PeerChat:
			chat, ok = groups[p.ChatID]
			if !ok {
				continue
			}
		case *tg.PeerChannel:
			chat, ok = groups[p.ChannelID]
			if !ok {
				continue
			}
		default:
			continue
		}
		if date, ok := topDates[topKey{peer: peerID(dlg.Peer), msg: dlg.TopMessage}]; ok {
			chat.LastMessageAt = date * 1000
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

type topKey struct {
	peer int64
	msg  int
}

func topMessageDates(msgs []tg.MessageClass) map[topKey]int64 {
	dates := make(map[topKey]int64, len(msgs))
	for _, m := range msgs {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		dates[topKey{peer: peerID(msg.PeerID), msg: msg.ID}] = int64(msg.Date)
	}
	return dates
}

// ListMessages fetches one history page for a peer: up to limit
// messages strictly older than beforeID (0 means start from the newest),
// newest first.
func (a *Adapter) ListMessages(ctx context.Context, peer Peer, beforeID int64, limit int) ([]store.Message, error) {
	var raw tg.ModifiedMessagesMessages
	err := a.do(ctx, "messages.getHistory", func(ctx context.Context) error {
		res, err := a.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer.input(),
			OffsetID: int(beforeID),
			Limit:    limit,
		})
		if err != nil {
			return err
		}
		m, ok := res.AsModified()
		if !ok {
			return fmt.Errorf("unexpected history response %T", res)
		}
		raw = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := userIndex(raw.GetUsers())
	var out []store.Message
	for _, m := range raw.GetMessages() {
		msg, ok := m.(*tg.Message)
		if !ok {
			// Service messages (joins, pins) carry no history payload.
			continue
		}
		out = append(out, messageFromTG(peer.ID, msg, users))
	}
	return out, nil
}

// FetchBlob streams one attachment to w in 512 KiB chunks. A short
// chunk marks the end of the file. size, when known, is verified
// against the byte count actually received.
func (a *Adapter) FetchBlob(ctx context.Context, ref FileRef, size int64, w io.Writer) error {
	loc := ref.location()
	var offset int64
	for {
		var part *tg.UploadFile
		err := a.do(ctx, "upload.getFile", func(ctx context.Context) error {
			res, err := a.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
				Location: loc,
				Offset:   offset,
				Limit:    blobChunkSize,
			})
			if err != nil {
				return err
			}
			f, ok := res.(*tg.UploadFile)
			if !ok {
				return fmt.Errorf("unsupported file response %T", res)
			}
			part = f
			return nil
		})
		if err != nil {
			return err
		}

		if len(part.Bytes) > 0 {
			if _, err := w.Write(part.Bytes); err != nil {
				return fmt.Errorf("write chunk at %d: %w", offset, err)
			}
			offset += int64(len(part.Bytes))
		}
		if len(part.Bytes) < blobChunkSize {
			break
		}
	}

	if size > 0 && offset != size {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrDownloadIncomplete, offset, size)
	}
	return nil
}
