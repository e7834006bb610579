package rest_test

import (
	"net/http"
	"testing"

	"github.com/kasuganosora/dmchat/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendResp struct {
	Message   model.Message `json:"message"`
	Delivered bool          `json:"delivered"`
	Duplicate bool          `json:"duplicate"`
}

func TestMessages_SendRequiresFriendship(t *testing.T) {
	a := newAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")

	w := a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"receiver_id": bob.ID, "content": "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	a.befriend(t, alice, bob)
	w = a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"receiver_id": bob.ID, "content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp sendResp
	decode(t, w, &resp)
	assert.Equal(t, alice.ID, resp.Message.SenderID)
	assert.Equal(t, bob.ID, resp.Message.ReceiverID)
	assert.Equal(t, "hi", resp.Message.Content)
	assert.False(t, resp.Delivered)
}

func TestMessages_SendValidation(t *testing.T) {
	a := newAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")
	a.befriend(t, alice, bob)

	assert.Equal(t, http.StatusBadRequest,
		a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"receiver_id": bob.ID, "content": "   "}).Code)
	assert.Equal(t, http.StatusNotFound,
		a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"receiver_id": 9999, "content": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"content": "x"}).Code)
}

func TestMessages_SendIdempotent(t *testing.T) {
	a := newAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")
	a.befriend(t, alice, bob)

	body := map[string]interface{}{"receiver_id": bob.ID, "content": "once", "client_msg_id": "c-1"}
	w := a.do(http.MethodPost, "/api/messages", alice.Token, body)
	require.Equal(t, http.StatusCreated, w.Code)
	var first sendResp
	decode(t, w, &first)

	w = a.do(http.MethodPost, "/api/messages", alice.Token, body)
	require.Equal(t, http.StatusOK, w.Code)
	var second sendResp
	decode(t, w, &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	var n int64
	require.NoError(t, a.db.Model(&model.Message{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestMessages_ConversationMarksRead(t *testing.T) {
	a := newAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")
	a.befriend(t, alice, bob)

	for _, text := range []string{"one", "two", "three"} {
		w := a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"receiver_id": bob.ID, "content": text})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	var unread struct {
		Messages []model.Message `json:"messages"`
		Count    int             `json:"count"`
	}
	decode(t, a.do(http.MethodGet, "/api/messages/unread", bob.Token, nil), &unread)
	assert.Equal(t, 3, unread.Count)

	var conv struct {
		Messages []model.Message `json:"messages"`
	}
	w := a.do(http.MethodGet, "/api/messages/with/"+itoa(alice.ID)+"?limit=2", bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "three", conv.Messages[0].Content)
	assert.Equal(t, "two", conv.Messages[1].Content)

	decode(t, a.do(http.MethodGet, "/api/messages/unread", bob.Token, nil), &unread)
	assert.Equal(t, 0, unread.Count)

	assert.Equal(t, http.StatusBadRequest,
		a.do(http.MethodGet, "/api/messages/with/"+itoa(alice.ID)+"?offset=x", bob.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound,
		a.do(http.MethodGet, "/api/messages/with/9999", bob.Token, nil).Code)
}

func TestMessages_MarkRead(t *testing.T) {
	a := newAPI(t)
	alice := a.login(t, "alice")
	bob := a.login(t, "bob")
	a.befriend(t, alice, bob)

	var sent sendResp
	decode(t, a.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{"receiver_id": bob.ID, "content": "read me"}), &sent)

	path := "/api/messages/" + itoa(sent.Message.ID) + "/read"
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPut, path, alice.Token, nil).Code)

	w := a.do(http.MethodPut, path, bob.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Message model.Message `json:"message"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Message.IsRead)

	assert.Equal(t, http.StatusOK, a.do(http.MethodPut, path, bob.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPut, "/api/messages/9999/read", bob.Token, nil).Code)
}
