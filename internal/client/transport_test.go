package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketTransportClosesNormally(t *testing.T) {
	closed := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			closed <- err
			return
		}
		defer ws.Close()
		_, frame, err := ws.ReadMessage()
		if err == nil && string(frame) != "hello" {
			t.Errorf("unexpected frame %q", frame)
		}
		_, _, err = ws.ReadMessage()
		closed <- err
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := WebsocketTransport{}.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage([]byte("hello")))

	start := time.Now()
	require.NoError(t, conn.Close())
	assert.Less(t, time.Since(start), closeGrace+500*time.Millisecond)

	select {
	case err := <-closed:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}
}
