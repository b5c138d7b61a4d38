package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/bus"
	"github.com/matheus3301/tgb/internal/media"
	"github.com/matheus3301/tgb/internal/status"
	"github.com/matheus3301/tgb/internal/store"
	"github.com/matheus3301/tgb/internal/sync"
	"github.com/matheus3301/tgb/internal/tg"
)

// Syncer is the slice of the sync engine the HTTP layer drives.
type Syncer interface {
	SyncChat(ctx context.Context, chatID int64, mode sync.Mode) (*sync.Result, error)
	SyncAll(ctx context.Context, mode sync.Mode) (*sync.AllResult, error)
	States() map[int64]sync.ChatState
}

// Downloader is the slice of the media fetcher the HTTP layer drives.
type Downloader interface {
	Download(ctx context.Context, chatID, messageID int64) (string, error)
}

// Handlers serves the local tool API. Responses are local shapes built
// from store rows; raw MTProto objects never cross this boundary.
type Handlers struct {
	db      *store.DB
	syncer  Syncer
	dl      Downloader
	machine *status.Machine
	bus     *bus.Bus
	log     *zap.Logger
}

func NewHandlers(db *store.DB, syncer Syncer, dl Downloader, machine *status.Machine, b *bus.Bus, log *zap.Logger) *Handlers {
	return &Handlers{db: db, syncer: syncer, dl: dl, machine: machine, bus: b, log: log.Named("api")}
}

// Register mounts all routes on the engine.
func (h *Handlers) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/status", h.getStatus)
	api.GET("/events", h.streamEvents)
	api.GET("/chats", h.listChats)
	api.GET("/messages", h.listMessages)
	api.GET("/messages/:chat_id/:message_id/context", h.messageContext)
	api.GET("/attachments", h.listAttachments)
	api.POST("/download", h.download)
	api.POST("/sync", h.sync)
}

func (h *Handlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state": h.machine.Current(),
		"pid":   os.Getpid(),
		"sync":  h.syncer.States(),
	})
}

// streamEvents tails the daemon event bus as server-sent events until
// the client goes away. namespace narrows by kind prefix, e.g.
// "sync." or "message."; empty means everything.
func (h *Handlers) streamEvents(c *gin.Context) {
	ch, unsub := h.bus.Subscribe(c.Query("namespace"), 256)
	defer unsub()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case evt := <-ch:
			data, err := json.Marshal(gin.H{
				"event_id": uuid.NewString(),
				"kind":     evt.Kind,
				"ts":       evt.Timestamp.UnixMilli(),
				"payload":  evt.Payload,
			})
			if err != nil {
				h.log.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", evt.Kind, data)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handlers) listChats(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	chats, err := h.db.ListChats(c.Query("query"), c.Query("kind"), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats, "count": len(chats)})
}

func (h *Handlers) listMessages(c *gin.Context) {
	f := store.Filter{
		ChatID:   int64Query(c, "chat_id"),
		SenderID: int64Query(c, "sender_id"),
		Query:    c.Query("query"),
		Since:    int64Query(c, "since"),
		Until:    int64Query(c, "until"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}
	msgs, err := h.db.QueryMessages(f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *Handlers) messageContext(c *gin.Context) {
	chatID, ok := int64Param(c, "chat_id")
	if !ok {
		return
	}
	messageID, ok := int64Param(c, "message_id")
	if !ok {
		return
	}
	before := intQuery(c, "before", 5)
	after := intQuery(c, "after", 5)

	ctx, err := h.db.MessageContext(chatID, messageID, before, after)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ctx == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, ctx)
}

func (h *Handlers) listAttachments(c *gin.Context) {
	atts, err := h.db.ListAttachments(int64Query(c, "chat_id"), c.Query("media_type"), intQuery(c, "limit", 50))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": atts, "count": len(atts)})
}

type downloadRequest struct {
	ChatID    int64 `json:"chat_id" binding:"required"`
	MessageID int64 `json:"message_id" binding:"required"`
}

func (h *Handlers) download(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path, err := h.dl.Download(c.Request.Context(), req.ChatID, req.MessageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": req.ChatID, "message_id": req.MessageID, "path": path})
}

type syncRequest struct {
	ChatID int64  `json:"chat_id"`
	Mode   string `json:"mode"`
	All    bool   `json:"all"`
}

func (h *Handlers) sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := sync.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.All {
		all, err := h.syncer.SyncAll(c.Request.Context(), mode)
		if err != nil {
			h.fail(c, err)
			return
		}
		failed := make([]gin.H, 0, len(all.Failed))
		for _, f := range all.Failed {
			failed = append(failed, gin.H{"chat_id": f.ChatID, "error": f.Err.Error()})
		}
		c.JSON(http.StatusOK, gin.H{"chats": all.Chats, "synced": all.Synced, "failed": failed})
		return
	}

	if req.ChatID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id or all=true required"})
		return
	}
	res, err := h.syncer.SyncChat(c.Request.Context(), req.ChatID, mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// fail maps domain errors onto HTTP status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sync.ErrUnknownChat),
		errors.Is(err, media.ErrUnknownMessage),
		errors.Is(err, tg.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrSyncInProgress),
		errors.Is(err, media.ErrDownloadInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, media.ErrNoMedia):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func int64Query(c *gin.Context, key string) int64 {
	n, err := strconv.ParseInt(c.Query(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func int64Param(c *gin.Context, key string) (int64, bool) {
	n, err := strconv.ParseInt(c.Param(key), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, false
	}
	return n, true
}
