package store

// Chat kinds as reported by Telegram.
const (
	KindUser       = "user"
	KindGroup      = "group"
	KindSupergroup = "supergroup"
	KindChannel    = "channel"
)

// Media types. Anything downloadable that is not a photo, video, or audio
// falls into MediaDocument. MediaNone means the message has no attachment.
const (
	MediaNone     = ""
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// Chat represents a synced Telegram dialog, including its sync cursor.
// The access hash is MTProto plumbing and never leaves the daemon.
type Chat struct {
	ChatID        int64  `json:"chat_id"`
	Title         string `json:"title"`
	Username      string `json:"username,omitempty"`
	Kind          string `json:"kind"`
	AccessHash    int64  `json:"-"`
	LastMessageAt int64  `json:"last_message_at"`

	// Cursor state, owned by the sync engine.
	LastMessageID  int64 `json:"last_message_id"`  // incremental high-water mark
	OldestSyncedID int64 `json:"oldest_synced_id"` // full-sync backward progress, 0 = not started
	FullSyncDone   bool  `json:"full_sync_done"`
}

// Message represents a synced message. (ChatID, MessageID) is unique.
// File access hash, reference and thumb selector are MTProto plumbing
// and stay out of API responses.
type Message struct {
	ChatID     int64  `json:"chat_id"`
	MessageID  int64  `json:"message_id"`
	SenderID   int64  `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Body       string `json:"body"`
	FromMe     bool   `json:"from_me"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds

	HasMedia       bool   `json:"has_media"`
	MediaType      string `json:"media_type,omitempty"`
	FileID         string `json:"-"`
	FileAccessHash int64  `json:"-"`
	FileReference  []byte `json:"-"`
	FileThumb      string `json:"-"` // photo thumb size selector, empty for documents
	FileName       string `json:"file_name,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	LocalPath      string `json:"local_path,omitempty"` // set only after a completed download
}

// Cursor is a chat's persisted sync progress.
type Cursor struct {
	LastMessageID  int64 `json:"last_message_id"`
	OldestSyncedID int64 `json:"oldest_synced_id"`
	FullSyncDone   bool  `json:"full_sync_done"`
}

// Filter narrows QueryMessages results. Zero values mean "no filter".
type Filter struct {
	ChatID   int64
	SenderID int64
	Query    string // substring match on body
	Since    int64  // unix ms, inclusive
	Until    int64  // unix ms, inclusive
	Limit    int
	Offset   int
}

// Context is a message with a window of surrounding messages.
type Context struct {
	Message Message   `json:"message"`
	Before  []Message `json:"before"` // older, newest first
	After   []Message `json:"after"`  // newer, oldest first
}
