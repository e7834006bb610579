package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair starts a server that wraps each accepted socket in a Conn and returns
// the server-side Conn plus the dialled client socket.
func pair(t *testing.T, sendBuf int) (*Conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- NewConn(7, ws, sendBuf, nop())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-connCh:
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
		return nil, nil
	}
}

func TestConn_SendDelivers(t *testing.T) {
	c, client := pair(t, 8)
	assert.Equal(t, int64(7), c.UserID())
	assert.NotEmpty(t, c.ID)

	require.NoError(t, c.SendJSON(map[string]string{"status": "sent"}))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"sent"}`, string(data))
}

func TestConn_CloseSendsCodeAfterQueuedFrames(t *testing.T) {
	c, client := pair(t, 8)

	require.NoError(t, c.Send([]byte(`{"error":"bye"}`)))
	c.Close(websocket.ClosePolicyViolation, "unauthorized")
	assert.True(t, c.IsClosed())
	assert.Equal(t, websocket.ClosePolicyViolation, c.CloseCode())

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"bye"}`, string(data))

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConn_SendAfterClose(t *testing.T) {
	c, _ := pair(t, 8)
	c.Close(websocket.CloseNormalClosure, "")
	c.Close(websocket.CloseInternalServerErr, "ignored")
	assert.Equal(t, websocket.CloseNormalClosure, c.CloseCode())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrClosed)
}

func TestConn_Read(t *testing.T) {
	c, client := pair(t, 8)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	data, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(data))

	client.Close()
	_, err = c.Read()
	assert.Error(t, err)
}

func TestConn_BufferFull(t *testing.T) {
	// No write pump: the buffer fills and stays full.
	c := &Conn{userID: 1, send: make(chan []byte, 1), done: make(chan struct{}), logger: nop()}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrBufferFull)
	assert.Equal(t, 0, c.CloseCode())
}
