package sync

import "sync"

// chatLocks serializes sync runs per chat. TryLock never blocks: a
// second run against a busy chat is rejected, not queued, so callers
// get an immediate conflict instead of an unbounded wait.
type chatLocks struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func newChatLocks() *chatLocks {
	return &chatLocks{held: make(map[int64]struct{})}
}

func (l *chatLocks) TryLock(chatID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[chatID]; busy {
		return false
	}
	l.held[chatID] = struct{}{}
	return true
}

func (l *chatLocks) Unlock(chatID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, chatID)
}
