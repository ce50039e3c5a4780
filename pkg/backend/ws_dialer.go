package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// WSDialer opens the live transport of a conversation.
type WSDialer struct {
	baseURL string
	route   string
	dialer  *websocket.Dialer
}

var _ chat.Dialer = &WSDialer{}

// NewWSDialer takes a ws:// or wss:// base URL. An empty route uses the default.
func NewWSDialer(baseURL, route string, handshakeTimeout time.Duration) (*WSDialer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "ws dialer: parse base url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("ws dialer: unsupported scheme %q", u.Scheme)
	}
	if route == "" {
		route = DefaultRoutes().Live
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &WSDialer{
		baseURL: baseURL,
		route:   route,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

// URL returns the live endpoint for a conversation, token included.
func (d *WSDialer) URL(conversationID, token string) string {
	u := d.baseURL + expandRoute(d.route, conversationID)
	if token == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + url.Values{"token": []string{token}}.Encode()
}

func (d *WSDialer) Dial(ctx context.Context, conversationID, token string) (chat.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.URL(conversationID, token), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, errors.Wrap(&StatusError{Method: http.MethodGet, URL: d.baseURL + expandRoute(d.route, conversationID), StatusCode: resp.StatusCode}, err.Error())
		}
		return nil, errors.Wrapf(err, "ws dialer: dial conversation %s", conversationID)
	}
	conn.SetReadLimit(defaultReadLimit)
	log.Debug().Str("component", "backend").Str("conv_id", conversationID).Msg("live transport connected")
	return conn, nil
}
