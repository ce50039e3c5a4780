package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrMalformedFrame = errors.New("malformed live frame")

// inboundFrame is what the room broadcasts to every participant.
type inboundFrame struct {
	Message  *string `json:"message"`
	Username string  `json:"username"`
	Time     *string `json:"time,omitempty"`
}

type outboundFrame struct {
	Message string `json:"message"`
	Time    string `json:"time,omitempty"`
}

// decodeInboundFrame turns a live frame into a delivered transcript entry.
// The frame carries no server id; SentAt comes from the optional echoed
// client time, falling back to receivedAt.
func decodeInboundFrame(data []byte, receivedAt time.Time) (Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if f.Message == nil {
		return Message{}, errors.Wrap(ErrMalformedFrame, "missing message field")
	}
	sentAt := receivedAt
	if f.Time != nil && strings.TrimSpace(*f.Time) != "" {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*f.Time)); err == nil {
			sentAt = ts
		}
	}
	return Message{
		SenderName:    f.Username,
		Body:          *f.Message,
		SentAt:        sentAt,
		DeliveryState: DeliverySent,
	}, nil
}

func encodeOutboundFrame(m Message) ([]byte, error) {
	f := outboundFrame{Message: m.Body}
	if !m.SentAt.IsZero() {
		f.Time = m.SentAt.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode outbound frame")
	}
	return b, nil
}
