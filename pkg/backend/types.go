package backend

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

// flexibleID accepts both JSON numbers and strings; the API uses integer keys.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "id is neither string nor number")
	}
	*f = flexibleID(n.String())
	return nil
}

func (f flexibleID) MarshalJSON() ([]byte, error) {
	s := string(f)
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

type sender struct {
	Username string `json:"username"`
}

type historyItem struct {
	ID        flexibleID `json:"id"`
	Content   string     `json:"content"`
	Sender    sender     `json:"sender"`
	Timestamp string     `json:"timestamp"`
}

func (h historyItem) toMessage() chat.Message {
	return chat.Message{
		ServerID:      string(h.ID),
		SenderName:    h.Sender.Username,
		Body:          h.Content,
		SentAt:        parseTimestamp(h.Timestamp),
		DeliveryState: chat.DeliverySent,
	}
}

type createRequest struct {
	ServiceRequestID flexibleID `json:"serviceRequestId"`
}

type createResponse struct {
	RoomID flexibleID `json:"roomId"`
}

// ConversationSummary is one inbox row.
type ConversationSummary struct {
	ConversationID   string    `json:"conversation_id"`
	Title            string    `json:"title"`
	OtherParticipant string    `json:"other_participant"`
	LatestBody       string    `json:"latest_body,omitempty"`
	LatestSender     string    `json:"latest_sender,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
}

// Identity is what a session needs to open this conversation.
func (s ConversationSummary) Identity() chat.ConversationIdentity {
	return chat.ConversationIdentity{ConversationID: s.ConversationID, DisplayTitle: s.Title}
}

type inboxItem struct {
	ID             flexibleID `json:"id"`
	ServiceRequest struct {
		Title string `json:"title"`
	} `json:"service_request"`
	OtherParticipant sender `json:"other_participant"`
	LatestMessage    *struct {
		Content   string `json:"content"`
		Sender    string `json:"sender"`
		Timestamp string `json:"timestamp"`
	} `json:"latest_message"`
	CreatedAt string `json:"created_at"`
}

func (it inboxItem) toSummary() ConversationSummary {
	s := ConversationSummary{
		ConversationID:   string(it.ID),
		Title:            it.ServiceRequest.Title,
		OtherParticipant: it.OtherParticipant.Username,
		LastActivity:     parseTimestamp(it.CreatedAt),
	}
	if it.LatestMessage != nil {
		s.LatestBody = it.LatestMessage.Content
		s.LatestSender = it.LatestMessage.Sender
		if ts := parseTimestamp(it.LatestMessage.Timestamp); !ts.IsZero() {
			s.LastActivity = ts
		}
	}
	return s
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp returns the zero time for values it cannot read; layouts
// without a zone are taken as UTC.
func parseTimestamp(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
