package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/bus"
	"github.com/matheus3301/tgb/internal/store"
	"github.com/matheus3301/tgb/internal/tg"
)

// ErrUnknownMessage is returned when the message is not in the store.
var ErrUnknownMessage = errors.New("unknown message")

// ErrNoMedia is returned when the message carries no attachment.
var ErrNoMedia = errors.New("message has no media")

// ErrDownloadInFlight is returned when the same attachment is already
// being downloaded.
var ErrDownloadInFlight = errors.New("download already in progress")

// BlobFetcher streams one attachment's bytes from the remote side.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, ref tg.FileRef, size int64, w io.Writer) error
}

// Fetcher downloads attachments to disk. Files land at
// <dir>/<chat_id>/<message_id>/<file_name>, written through a temp file
// and renamed so a crash never leaves a partial file at the final path.
type Fetcher struct {
	db  *store.DB
	src BlobFetcher
	bus *bus.Bus
	log *zap.Logger
	dir string

	leases *leaseSet
	slots  chan struct{}
}

// NewFetcher wires the media fetcher. maxConcurrent bounds parallel
// transfers across all chats.
func NewFetcher(db *store.DB, src BlobFetcher, b *bus.Bus, log *zap.Logger, dir string, maxConcurrent int) *Fetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Fetcher{
		db:     db,
		src:    src,
		bus:    b,
		log:    log.Named("media"),
		dir:    dir,
		leases: newLeaseSet(),
		slots:  make(chan struct{}, maxConcurrent),
	}
}

// Download fetches one message's attachment and returns its final path.
// A finished download short-circuits; a concurrent download of the same
// message returns ErrDownloadInFlight. On any failure the temp file is
// removed and local_path stays untouched, so the download can simply be
// retried.
func (f *Fetcher) Download(ctx context.Context, chatID, messageID int64) (string, error) {
	m, err := f.db.GetMessage(chatID, messageID)
	if err != nil {
		return "", fmt.Errorf("load message %d/%d: %w", chatID, messageID, err)
	}
	if m == nil {
		return "", ErrUnknownMessage
	}
	if !m.HasMedia {
		return "", ErrNoMedia
	}

	// Already on disk and intact: nothing to do.
	if m.LocalPath != "" {
		if fi, err := os.Stat(m.LocalPath); err == nil && (m.FileSize == 0 || fi.Size() == m.FileSize) {
			return m.LocalPath, nil
		}
	}

	key := leaseKey{chatID: chatID, messageID: messageID}
	if !f.leases.acquire(key) {
		return "", ErrDownloadInFlight
	}
	defer f.leases.release(key)

	select {
	case f.slots <- struct{}{}:
		defer func() { <-f.slots }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ref, err := tg.FileRefFromMessage(m)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoMedia, err)
	}

	final := f.finalPath(m)
	if err := os.MkdirAll(filepath.Dir(final), 0700); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	path, err := f.transfer(ctx, ref, m.FileSize, final)
	if err != nil {
		return "", err
	}

	if _, err := f.db.SetLocalPath(chatID, messageID, path); err != nil {
		return "", fmt.Errorf("record local path: %w", err)
	}

	f.log.Info("attachment downloaded",
		zap.Int64("chat_id", chatID),
		zap.Int64("message_id", messageID),
		zap.String("path", path),
		zap.Int64("size", m.FileSize))
	f.bus.Publish(bus.Event{Kind: "media.downloaded", Timestamp: time.Now(), Payload: map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"path":       path,
	}})
	return path, nil
}

// transfer streams the blob into a uuid-named temp file next to the
// final path, verifies the size and renames. Rename is atomic within
// one directory, so the final path either holds a complete file or
// nothing.
func (f *Fetcher) transfer(ctx context.Context, ref tg.FileRef, size int64, final string) (string, error) {
	tmp := filepath.Join(filepath.Dir(final), "."+uuid.NewString()+".part")
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = out.Close()
		_ = os.Remove(tmp)
	}

	if err := f.src.FetchBlob(ctx, ref, size, out); err != nil {
		cleanup()
		return "", fmt.Errorf("fetch blob: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if size > 0 {
		fi, err := os.Stat(tmp)
		if err != nil {
			_ = os.Remove(tmp)
			return "", err
		}
		if fi.Size() != size {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("%w: got %d bytes, expected %d", tg.ErrDownloadIncomplete, fi.Size(), size)
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize download: %w", err)
	}
	return final, nil
}

// finalPath namespaces files by chat and message so identical names
// never collide.
func (f *Fetcher) finalPath(m *store.Message) string {
	name := sanitizeName(m.FileName)
	if name == "" {
		name = "file_" + strconv.FormatInt(m.MessageID, 10)
	}
	return filepath.Join(f.dir,
		strconv.FormatInt(m.ChatID, 10),
		strconv.FormatInt(m.MessageID, 10),
		name)
}

// sanitizeName reduces a remote-supplied file name to a safe single
// path element.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' {
			return '_'
		}
		return r
	}, name)
}
