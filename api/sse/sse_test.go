package sse_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/api/sse"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/auth"
	"github.com/kasuganosora/dmchat/events"
	"github.com/kasuganosora/dmchat/model"
	"github.com/kasuganosora/dmchat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tokenTable map[string]int64

func (t tokenTable) Authenticate(_ context.Context, token string) (*auth.Identity, error) {
	uid, ok := t[token]
	if !ok {
		return nil, apperr.Unauthorized("invalid token")
	}
	return &auth.Identity{UserID: uid, Token: token}, nil
}

type sseEvent struct {
	Name string
	Data string
}

// readEvents parses the stream into events, skipping comment lines.
func readEvents(r *bufio.Reader, out chan<- sseEvent) {
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			close(out)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.Name != "" {
				out <- ev
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
			out <- sseEvent{Name: "comment", Data: strings.TrimSpace(line[1:])}
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += strings.TrimPrefix(line, "data: ")
		}
	}
}

func next(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func newServer(t *testing.T) (*httptest.Server, *sse.Handler, *events.PubSub) {
	_, ps := testutil.SetupTestCache(t)
	h := sse.NewHandler(ps, tokenTable{"tok-a": 1, "tok-b": 2}, zap.NewNop())
	h.SetKeepalive(50 * time.Millisecond)

	r := gin.New()
	r.GET("/sse", h.ServeSSE)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h, events.NewPubSub(ps)
}

func open(t *testing.T, url string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ch := make(chan sseEvent, 16)
	go readEvents(bufio.NewReader(resp.Body), ch)
	return ch
}

func TestServeSSE_Unauthorized(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sse?token=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeSSE_InboxOnlyForReceiver(t *testing.T) {
	srv, _, pub := newServer(t)
	a := open(t, srv.URL+"/sse?token=tok-a")
	b := open(t, srv.URL+"/sse?token=tok-b")

	ev := next(t, a)
	assert.Equal(t, "connected", ev.Name)
	assert.JSONEq(t, `{"user_id":1}`, ev.Data)
	require.Equal(t, "connected", next(t, b).Name)

	msg := &model.Message{ID: 7, SenderID: 2, ReceiverID: 1, Content: "hello"}
	require.NoError(t, pub.MessageCreated(context.Background(), msg))

	for {
		ev = next(t, a)
		if ev.Name != "comment" {
			break
		}
	}
	assert.Equal(t, "message", ev.Name)
	assert.Contains(t, ev.Data, `"type":"message.created"`)
	assert.Contains(t, ev.Data, `"content":"hello"`)

	// b only ever sees keepalives.
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-b:
			assert.Equal(t, "comment", ev.Name)
			assert.Equal(t, "keepalive", ev.Data)
		case <-deadline:
			return
		}
	}
}

func TestAnnounce_Broadcast(t *testing.T) {
	srv, h, _ := newServer(t)
	a := open(t, srv.URL+"/sse?token=tok-a")
	b := open(t, srv.URL+"/sse?token=tok-b")
	require.Equal(t, "connected", next(t, a).Name)
	require.Equal(t, "connected", next(t, b).Name)

	require.NoError(t, h.Announce(context.Background(), `{"text":"maintenance at noon"}`))

	for _, ch := range []<-chan sseEvent{a, b} {
		ev := next(t, ch)
		for ev.Name == "comment" {
			ev = next(t, ch)
		}
		assert.Equal(t, "announce", ev.Name)
		assert.JSONEq(t, `{"text":"maintenance at noon"}`, ev.Data)
	}
}

func TestAnnounce_MultilineStaysOneEvent(t *testing.T) {
	srv, h, _ := newServer(t)
	a := open(t, srv.URL+"/sse?token=tok-a")
	require.Equal(t, "connected", next(t, a).Name)

	require.NoError(t, h.Announce(context.Background(), "maintenance at noon\nevent: fake\r\nback at one"))

	ev := next(t, a)
	for ev.Name == "comment" {
		ev = next(t, a)
	}
	assert.Equal(t, "announce", ev.Name)
	assert.Equal(t, "maintenance at noon\nevent: fake\nback at one", ev.Data)

	require.NoError(t, h.Announce(context.Background(), "second"))
	ev = next(t, a)
	for ev.Name == "comment" {
		ev = next(t, a)
	}
	assert.Equal(t, "announce", ev.Name)
	assert.Equal(t, "second", ev.Data)
}
