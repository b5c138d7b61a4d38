package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the daemon:
//
//	session.status_changed  — daemon state machine transition
//	sync.page_committed     — one history page persisted
//	sync.chat_done          — a chat sync run finished
//	message.upserted        — a single message written to the store
//	media.downloaded        — an attachment landed on disk
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
