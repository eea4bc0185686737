package console

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades and echoes every frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"binary"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSpliceForwardsBinaryFramesBothWays(t *testing.T) {
	echo := echoServer(t)

	// Bridge server splices the incoming client connection to the echo server.
	upgrader := websocket.Upgrader{Subprotocols: []string{"binary"}}
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream, _, err := websocket.DefaultDialer.Dial(wsURL(echo.URL), nil)
		if err != nil {
			http.Error(w, "dial failed", http.StatusBadGateway)
			return
		}
		defer upstream.Close()
		downstream, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer downstream.Close()
		splice(downstream, upstream)
	}))
	t.Cleanup(bridge.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(bridge.URL), nil)
	require.NoError(t, err)
	defer client.Close()

	payload := []byte{0x52, 0x46, 0x42, 0x00, 0xff}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, got, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, payload, got)
}

func TestSpliceClosesPeerWhenOneSideDrops(t *testing.T) {
	echo := echoServer(t)

	upgrader := websocket.Upgrader{}
	tunnelDone := make(chan struct{})
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream, _, err := websocket.DefaultDialer.Dial(wsURL(echo.URL), nil)
		if err != nil {
			return
		}
		downstream, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			upstream.Close()
			return
		}
		splice(downstream, upstream)
		close(tunnelDone)
	}))
	t.Cleanup(bridge.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(bridge.URL), nil)
	require.NoError(t, err)
	client.Close()

	select {
	case <-tunnelDone:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not tear down after client close")
	}
}
