package media

import "sync"

type leaseKey struct {
	chatID    int64
	messageID int64
}

// leaseSet tracks in-flight downloads. Leases are held across the whole
// transfer but the guarding mutex only spans map operations, so a slow
// download never blocks lease checks for other messages.
type leaseSet struct {
	mu   sync.Mutex
	held map[leaseKey]struct{}
}

func newLeaseSet() *leaseSet {
	return &leaseSet{held: make(map[leaseKey]struct{})}
}

func (s *leaseSet) acquire(k leaseKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[k]; busy {
		return false
	}
	s.held[k] = struct{}{}
	return true
}

func (s *leaseSet) release(k leaseKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, k)
}
