package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/bus"
	"github.com/matheus3301/tgb/internal/store"
	"github.com/matheus3301/tgb/internal/tg"
)

// ErrSyncInProgress is returned when a chat already has a running sync.
var ErrSyncInProgress = errors.New("sync already in progress for this chat")

// ErrUnknownChat is returned when the chat is not in the local store.
// Run a dialog refresh (SyncAll) first to discover it.
var ErrUnknownChat = errors.New("unknown chat")

// Mode selects the sync strategy for a run.
type Mode string

const (
	// ModeIncremental fetches only messages newer than the stored cursor.
	ModeIncremental Mode = "incremental"
	// ModeFull walks the whole history backward, resumable across runs.
	ModeFull Mode = "full"
)

// ParseMode validates a mode string from the API layer.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeIncremental, ModeFull:
		return Mode(s), nil
	case "":
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

// ChatState is the externally visible phase of a chat's sync.
type ChatState string

const (
	StateIdle        ChatState = "idle"
	StateIncremental ChatState = "incremental_syncing"
	StateFull        ChatState = "full_syncing"
	StateError       ChatState = "error"
)

// Source is the remote history API the engine pulls from.
type Source interface {
	ListChats(ctx context.Context, limit int) ([]store.Chat, error)
	ListMessages(ctx context.Context, peer tg.Peer, beforeID int64, limit int) ([]store.Message, error)
}

// Result summarizes one chat sync run.
type Result struct {
	ChatID   int64        `json:"chat_id"`
	Mode     Mode         `json:"mode"`
	Pages    int          `json:"pages"`
	Fetched  int          `json:"fetched"`
	Inserted int          `json:"inserted"`
	Cursor   store.Cursor `json:"cursor"`
}

// ChatError pairs a failed chat with its error in a SyncAll run.
type ChatError struct {
	ChatID int64
	Err    error
}

// AllResult summarizes a sync run across the dialog list.
type AllResult struct {
	Chats  int
	Synced []*Result
	Failed []ChatError
}

// Engine drives history synchronization. One engine serves all chats;
// per-chat runs are serialized by a try-lock arena while the remote
// request budget stays account-wide inside the source adapter.
type Engine struct {
	db  *store.DB
	src Source
	bus *bus.Bus
	log *zap.Logger

	pageSize         int
	incrementalLimit int
	dialogLimit      int

	mu     stdsync.Mutex
	states map[int64]ChatState
	locks  *chatLocks
}

// NewEngine wires the sync engine. pageSize bounds one history request,
// incrementalLimit bounds one incremental run, dialogLimit bounds a
// dialog refresh.
func NewEngine(db *store.DB, src Source, b *bus.Bus, log *zap.Logger, pageSize, incrementalLimit, dialogLimit int) *Engine {
	return &Engine{
		db:               db,
		src:              src,
		bus:              b,
		log:              log.Named("sync"),
		pageSize:         pageSize,
		incrementalLimit: incrementalLimit,
		dialogLimit:      dialogLimit,
		states:           make(map[int64]ChatState),
		locks:            newChatLocks(),
	}
}

// States returns a snapshot of per-chat sync states for the status
// surface. Chats that never synced are absent (implicitly idle).
func (e *Engine) States() map[int64]ChatState {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[int64]ChatState, len(e.states))
	for id, s := range e.states {
		snap[id] = s
	}
	return snap
}

func (e *Engine) setState(chatID int64, s ChatState) {
	e.mu.Lock()
	e.states[chatID] = s
	e.mu.Unlock()
}

// SyncChat runs one sync for a single chat. A concurrent run against
// the same chat returns ErrSyncInProgress; different chats proceed in
// parallel.
func (e *Engine) SyncChat(ctx context.Context, chatID int64, mode Mode) (*Result, error) {
	if !e.locks.TryLock(chatID) {
		return nil, ErrSyncInProgress
	}
	defer e.locks.Unlock(chatID)

	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %d: %w", chatID, err)
	}
	if chat == nil {
		return nil, ErrUnknownChat
	}

	start := time.Now()
	var res *Result
	switch mode {
	case ModeFull:
		e.setState(chatID, StateFull)
		res, err = e.syncFull(ctx, chat)
	default:
		e.setState(chatID, StateIncremental)
		res, err = e.syncIncremental(ctx, chat)
	}
	if err != nil {
		e.setState(chatID, StateError)
		e.log.Warn("sync failed",
			zap.Int64("chat_id", chatID),
			zap.String("mode", string(mode)),
			zap.Error(err))
		return nil, err
	}
	e.setState(chatID, StateIdle)

	e.log.Info("chat synced",
		zap.Int64("chat_id", chatID),
		zap.String("mode", string(res.Mode)),
		zap.Int("pages", res.Pages),
		zap.Int("inserted", res.Inserted),
		zap.Duration("took", time.Since(start)))
	e.bus.Publish(bus.Event{Kind: "sync.chat_done", Timestamp: time.Now(), Payload: res})
	return res, nil
}

// syncIncremental pages newest-first until it reaches the stored
// high-water mark, then commits the whole run in one transaction: rows
// and the raised cursor land together or not at all. The run is bounded
// by incrementalLimit; a backlog deeper than that is a job for full
// sync.
func (e *Engine) syncIncremental(ctx context.Context, chat *store.Chat) (*Result, error) {
	peer := tg.PeerFromChat(chat)
	res := &Result{ChatID: chat.ChatID, Mode: ModeIncremental}

	var (
		batch    []*store.Message
		beforeID int64
		newestID = chat.LastMessageID
	)

pages:
	for len(batch) < e.incrementalLimit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.src.ListMessages(ctx, peer, beforeID, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page before %d: %w", beforeID, err)
		}
		if len(page) == 0 {
			break
		}
		res.Pages++
		res.Fetched += len(page)

		for i := range page {
			m := page[i]
			if m.MessageID <= chat.LastMessageID {
				break pages
			}
			if m.MessageID > newestID {
				newestID = m.MessageID
			}
			batch = append(batch, &m)
		}
		if len(page) < e.pageSize {
			break
		}
		beforeID = page[len(page)-1].MessageID
	}

	if len(batch) > 0 {
		inserted, err := e.db.CommitIncremental(chat.ChatID, batch, newestID)
		if err != nil {
			return nil, fmt.Errorf("commit incremental run: %w", err)
		}
		res.Inserted = inserted
		e.bus.Publish(bus.Event{Kind: "sync.page_committed", Timestamp: time.Now(), Payload: res})
	}

	cur, err := e.db.GetCursor(chat.ChatID)
	if err != nil {
		return nil, err
	}
	res.Cursor = *cur
	return res, nil
}

// syncFull walks history backward in pages, committing each page with
// its resume cursor in one transaction. A crash or cancellation between
// pages loses nothing: the next run picks up at oldest_synced_id. The
// final (short) page flips full_sync_done in the same transaction that
// stores it.
func (e *Engine) syncFull(ctx context.Context, chat *store.Chat) (*Result, error) {
	peer := tg.PeerFromChat(chat)
	res := &Result{ChatID: chat.ChatID, Mode: ModeFull}

	oldest := chat.OldestSyncedID
	beforeID := oldest // 0 = start from the newest message

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.src.ListMessages(ctx, peer, beforeID, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch page before %d: %w", beforeID, err)
		}

		if len(page) == 0 {
			// Nothing below the resume point: the walk is complete.
			if _, err := e.db.CommitFullPage(chat.ChatID, nil, oldest, chat.LastMessageID, true); err != nil {
				return nil, fmt.Errorf("mark full sync done: %w", err)
			}
			break
		}

		batch := make([]*store.Message, len(page))
		for i := range page {
			batch[i] = &page[i]
		}
		newestID := page[0].MessageID
		oldest = page[len(page)-1].MessageID
		done := len(page) < e.pageSize

		inserted, err := e.db.CommitFullPage(chat.ChatID, batch, oldest, newestID, done)
		if err != nil {
			return nil, fmt.Errorf("commit page at %d: %w", oldest, err)
		}
		res.Pages++
		res.Fetched += len(page)
		res.Inserted += inserted
		e.bus.Publish(bus.Event{Kind: "sync.page_committed", Timestamp: time.Now(), Payload: res})

		if done {
			break
		}
		beforeID = oldest
	}

	cur, err := e.db.GetCursor(chat.ChatID)
	if err != nil {
		return nil, err
	}
	res.Cursor = *cur
	return res, nil
}

// SyncAll refreshes the dialog list, upserts every discovered chat and
// syncs each one sequentially. Per-chat failures are collected, not
// fatal: one broken peer must not stall the rest of the account.
func (e *Engine) SyncAll(ctx context.Context, mode Mode) (*AllResult, error) {
	chats, err := e.src.ListChats(ctx, e.dialogLimit)
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}

	all := &AllResult{Chats: len(chats)}
	for i := range chats {
		if err := e.db.UpsertChat(&chats[i]); err != nil {
			return nil, fmt.Errorf("upsert chat %d: %w", chats[i].ChatID, err)
		}
	}

	for i := range chats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.SyncChat(ctx, chats[i].ChatID, mode)
		if err != nil {
			all.Failed = append(all.Failed, ChatError{ChatID: chats[i].ChatID, Err: err})
			continue
		}
		all.Synced = append(all.Synced, res)
	}
	return all, nil
}
