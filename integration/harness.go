// Package integration runs the fully wired server over real HTTP and
// websocket connections.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/dmchat/app"
	"github.com/kasuganosora/dmchat/config"
	"github.com/kasuganosora/dmchat/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	App    *app.App
	DB     *gorm.DB
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
}

// NewTestServer creates a fully wired server on in-memory storage. mutate,
// if given, adjusts the configuration before wiring.
func NewTestServer(t *testing.T, mutate ...func(*config.Config)) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)

	cfg := config.Default()
	cfg.Security.JWTSecret = "integration-test-secret"
	cfg.Security.RateLimitRPS = 1000
	cfg.Security.RateLimitBurst = 2000
	cfg.Server.AdminKey = "integration-admin"
	for _, fn := range mutate {
		fn(cfg)
	}

	a := app.New(app.Deps{Config: cfg, DB: db, Cache: c, PubSub: pubsub, Logger: zap.NewNop()})
	server := httptest.NewServer(a.Handler())

	ts := &TestServer{
		App:    a,
		DB:     db,
		Server: server,
		URL:    server.URL,
		WSURL:  "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the app and the listener.
func (ts *TestServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ts.App.Shutdown(ctx)
	ts.Server.Close()
}

// --- HTTP helpers ---

// Do sends a request with an optional JSON body and Bearer token.
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodGet, path, nil, token)
}

// Put sends a PUT request with JSON body and optional Bearer token.
func (ts *TestServer) Put(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.Do(t, http.MethodPut, path, body, token)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth / social helpers ---

// Login logs in (auto-registers on first call) and returns the token and user ID.
func (ts *TestServer) Login(t *testing.T, username string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": username + "pass",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	ReadJSON(t, resp, &result)
	return result.Token, result.UserID
}

// RequestFriend sends a friend request and returns the request id.
func (ts *TestServer) RequestFriend(t *testing.T, token string, friendID int64) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friends/request", map[string]int64{"friend_id": friendID}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &result)
	return result.Request.ID
}

// Befriend makes the two users mutual accepted friends.
func (ts *TestServer) Befriend(t *testing.T, tokenA string, idB int64, tokenB string) {
	t.Helper()
	reqID := ts.RequestFriend(t, tokenA, idB)
	resp := ts.Put(t, fmt.Sprintf("/api/friends/requests/%d", reqID), map[string]string{"status": "accepted"}, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds readCh so timeouts never touch the
// connection's own read deadline.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the websocket endpoint with the given token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes v as one JSON text frame.
func (wc *WSClient) Send(v interface{}) {
	wc.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// SendMessage writes a message frame.
func (wc *WSClient) SendMessage(senderID, receiverID int64, content, clientMsgID string) {
	wc.t.Helper()
	wc.Send(map[string]interface{}{
		"type":          "message",
		"sender_id":     senderID,
		"receiver_id":   receiverID,
		"content":       content,
		"client_msg_id": clientMsgID,
	})
}

// RecvAny reads one frame, returning an error on timeout or a closed
// connection.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, errReadTimeout
	}
}

var errReadTimeout = errors.New("read timeout")

// Recv reads one frame and fails the test on error.
func (wc *WSClient) Recv(timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	pkt, err := wc.RecvAny(timeout)
	require.NoError(wc.t, err, "WS recv failed")
	return pkt
}

// ExpectNothing asserts no frame arrives within d.
func (wc *WSClient) ExpectNothing(d time.Duration) {
	wc.t.Helper()
	pkt, err := wc.RecvAny(d)
	require.ErrorIs(wc.t, err, errReadTimeout, "unexpected frame: %v", pkt)
}

// CloseCode waits for the server to close the connection and returns the
// close code.
func (wc *WSClient) CloseCode(timeout time.Duration) int {
	wc.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case res := <-wc.readCh:
			if res.err == nil {
				continue
			}
			var ce *websocket.CloseError
			require.ErrorAs(wc.t, res.err, &ce)
			return ce.Code
		case <-deadline:
			wc.t.Fatal("connection not closed")
			return 0
		}
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

var testCounter uint64

// UniqueID returns a short unique string suitable for usernames.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d", prefix, n)
}
