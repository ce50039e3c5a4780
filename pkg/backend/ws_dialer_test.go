package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWSDialer_URL(t *testing.T) {
	d, err := NewWSDialer("wss://chat.example.com/ws/", "", 0)
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/ws/chat/room%2042/?token=a%2Bb", d.URL("room 42", "a+b"))
	require.Equal(t, "wss://chat.example.com/ws/chat/7/", d.URL("7", ""))

	_, err = NewWSDialer("http://chat.example.com", "", 0)
	require.Error(t, err)
}

func TestWSDialer_DialAndExchange(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotToken := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/chat/42/" {
			http.NotFound(w, r)
			return
		}
		gotToken <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// broadcast back like the room does
			if err := conn.WriteMessage(mt, []byte(`{"username":"alice","message":`+string(data[len(`{"message":`):]))); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d, err := NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "", time.Second)
	require.NoError(t, err)

	conn, err := d.Dial(context.Background(), "42", "secret")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Equal(t, "secret", <-gotToken)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"hi"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"alice","message":"hi"}`, string(data))

	_, err = d.Dial(context.Background(), "missing", "secret")
	require.ErrorIs(t, err, ErrNotFound)
}
