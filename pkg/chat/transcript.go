package chat

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrUnknownMessage = errors.New("unknown message")

// TranscriptStore is the ordered message log of one conversation.
//
// Entries are kept in ascending SentAt order; inserts with an equal SentAt go
// after the entries already present. A non-empty ServerID appears at most once.
type TranscriptStore struct {
	mu       sync.Mutex
	messages []Message
}

func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{}
}

// Append inserts m in SentAt order. If m carries a ServerID already present,
// the existing entry is replaced and keeps its LocalID and position.
// The stored message is returned.
func (t *TranscriptStore) Append(m Message) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ServerID != "" {
		if i := t.indexByServerIDLocked(m.ServerID); i >= 0 {
			return t.replaceLocked(i, m)
		}
	}
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	t.insertLocked(m)
	return m
}

// Reconcile merges a server-confirmed message (ServerID set) into the log.
// A ServerID match behaves like Append. Otherwise the oldest sent entry
// without a ServerID, from the same sender and with the same body, adopts
// the server identity and timestamp. Only when nothing matches is m inserted.
// An adopted own entry that still waits for its room echo keeps waiting, so
// the echo is absorbed when it arrives.
func (t *TranscriptStore) Reconcile(m Message) Message {
	if m.ServerID == "" {
		return t.Append(m)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexByServerIDLocked(m.ServerID); i >= 0 {
		return t.replaceLocked(i, m)
	}
	for i, existing := range t.messages {
		if existing.ServerID != "" || existing.DeliveryState != DeliverySent {
			continue
		}
		if existing.Body != m.Body || !SameSender(existing.SenderName, m.SenderName) {
			continue
		}
		adopted := existing
		adopted.ServerID = m.ServerID
		adopted.SentAt = m.SentAt
		t.removeAtLocked(i)
		t.insertLocked(adopted)
		return adopted
	}
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	t.insertLocked(m)
	return m
}

// MarkSent confirms a pending entry. An empty serverID leaves the entry
// unconfirmed by the backend but delivered.
func (t *TranscriptStore) MarkSent(localID, serverID string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexByLocalIDLocked(localID)
	if i < 0 {
		return Message{}, errors.Wrapf(ErrUnknownMessage, "mark sent %s", localID)
	}
	if serverID != "" {
		// the same message may already have arrived through another path
		if j := t.indexByServerIDLocked(serverID); j >= 0 && j != i {
			t.removeAtLocked(j)
			if j < i {
				i--
			}
		}
		t.messages[i].ServerID = serverID
		t.messages[i].awaitingEcho = false
	}
	t.messages[i].DeliveryState = DeliverySent
	return t.messages[i], nil
}

func (t *TranscriptStore) MarkFailed(localID string) (Message, error) {
	return t.update(localID, func(m *Message) {
		m.DeliveryState = DeliveryFailed
		m.awaitingEcho = false
	})
}

func (t *TranscriptStore) MarkPending(localID string) (Message, error) {
	return t.update(localID, func(m *Message) {
		m.DeliveryState = DeliveryPending
	})
}

// expectEcho flags an own message as about to go out on the live transport,
// so that its room echo can be matched even if it arrives before the write returns.
func (t *TranscriptStore) expectEcho(localID string) (Message, error) {
	return t.update(localID, func(m *Message) {
		m.awaitingEcho = m.ServerID == ""
	})
}

func (t *TranscriptStore) cancelEcho(localID string) (Message, error) {
	return t.update(localID, func(m *Message) {
		m.awaitingEcho = false
	})
}

// ConfirmEcho consumes the oldest transmitted entry from sender with the given
// body that is still waiting for its room echo.
func (t *TranscriptStore) ConfirmEcho(sender, body string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		m := &t.messages[i]
		if !m.awaitingEcho || m.Body != body || !SameSender(m.SenderName, sender) {
			continue
		}
		m.awaitingEcho = false
		m.DeliveryState = DeliverySent
		return *m, true
	}
	return Message{}, false
}

func (t *TranscriptStore) Remove(localID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexByLocalIDLocked(localID)
	if i < 0 {
		return errors.Wrapf(ErrUnknownMessage, "remove %s", localID)
	}
	t.removeAtLocked(i)
	return nil
}

func (t *TranscriptStore) Get(localID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexByLocalIDLocked(localID)
	if i < 0 {
		return Message{}, false
	}
	return t.messages[i], true
}

func (t *TranscriptStore) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Snapshot returns a copy of the ordered log.
func (t *TranscriptStore) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

func (t *TranscriptStore) update(localID string, fn func(*Message)) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexByLocalIDLocked(localID)
	if i < 0 {
		return Message{}, errors.Wrapf(ErrUnknownMessage, "update %s", localID)
	}
	fn(&t.messages[i])
	return t.messages[i], nil
}

func (t *TranscriptStore) replaceLocked(i int, m Message) Message {
	m.LocalID = t.messages[i].LocalID
	t.messages[i] = m
	if !t.inOrderAtLocked(i) {
		t.removeAtLocked(i)
		t.insertLocked(m)
	}
	return m
}

func (t *TranscriptStore) inOrderAtLocked(i int) bool {
	if i > 0 && t.messages[i-1].SentAt.After(t.messages[i].SentAt) {
		return false
	}
	if i+1 < len(t.messages) && t.messages[i].SentAt.After(t.messages[i+1].SentAt) {
		return false
	}
	return true
}

func (t *TranscriptStore) insertLocked(m Message) {
	idx := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].SentAt.After(m.SentAt)
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[idx+1:], t.messages[idx:])
	t.messages[idx] = m
}

func (t *TranscriptStore) removeAtLocked(i int) {
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
}

func (t *TranscriptStore) indexByServerIDLocked(serverID string) int {
	for i := range t.messages {
		if t.messages[i].ServerID == serverID {
			return i
		}
	}
	return -1
}

func (t *TranscriptStore) indexByLocalIDLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}
