package chat

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ConversationIdentity names the conversation a session is bound to.
type ConversationIdentity struct {
	ConversationID string `json:"conversation_id" yaml:"conversation_id"`
	DisplayTitle   string `json:"display_title" yaml:"display_title"`
}

// IsZero reports whether the identity carries no usable conversation id.
func (c ConversationIdentity) IsZero() bool {
	return strings.TrimSpace(c.ConversationID) == ""
}

// DeliveryState tracks an entry through the optimistic send lifecycle.
type DeliveryState int

const (
	DeliveryPending DeliveryState = iota
	DeliverySent
	DeliveryFailed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (d DeliveryState) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DeliveryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*d = DeliveryPending
	case "sent":
		*d = DeliverySent
	case "failed":
		*d = DeliveryFailed
	default:
		return errors.Errorf("unknown delivery state %q", string(b))
	}
	return nil
}

// Message is one transcript entry.
//
// LocalID is assigned on the client and never changes. ServerID stays empty
// until the backend has confirmed persistence.
type Message struct {
	LocalID       string        `json:"local_id"`
	ServerID      string        `json:"server_id,omitempty"`
	SenderName    string        `json:"sender_name"`
	Body          string        `json:"body"`
	SentAt        time.Time     `json:"sent_at"`
	DeliveryState DeliveryState `json:"delivery_state"`

	// set once an own message went out on the wire and until the backend echoes it back
	awaitingEcho bool
}

// AwaitingEcho reports whether the message was transmitted and its room echo has not arrived yet.
func (m Message) AwaitingEcho() bool { return m.awaitingEcho }

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateResolving
	StateLoading
	StateLive
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown session state %q", string(b))
}

// SameSender compares two sender names the way the backend's two payload
// sources need it: surrounding and repeated whitespace is ignored, case is folded.
func SameSender(a, b string) bool {
	return strings.EqualFold(normalizeSender(a), normalizeSender(b))
}

func normalizeSender(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
