package chat

// The outbox holds LocalIDs of own messages waiting for a live transport, in send order.
// All helpers require s.mu.

func (s *Session) enqueueLocked(localID string) int {
	for i, id := range s.outbox {
		if id == localID {
			return i + 1
		}
	}
	s.outbox = append(s.outbox, localID)
	return len(s.outbox)
}

func (s *Session) dequeueLocked() (string, bool) {
	if len(s.outbox) == 0 {
		return "", false
	}
	id := s.outbox[0]
	s.outbox = s.outbox[1:]
	return id, true
}

func (s *Session) drainOutboxLocked() []string {
	ids := s.outbox
	s.outbox = nil
	return ids
}
