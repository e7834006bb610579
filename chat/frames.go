package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/session"
)

// Frame types understood on the websocket.
const (
	FrameMessage = "message"
	FramePing    = "ping"
	FrameRead    = "read"
)

type sendFrame struct {
	SenderID    int64  `json:"sender_id"`
	ReceiverID  int64  `json:"receiver_id"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	// Timestamp is ignored in any format; the server assigns its own.
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Ack confirms a stored message to its sender.
type Ack struct {
	Status      string `json:"status"`
	MessageID   int64  `json:"message_id"`
	Delivered   bool   `json:"delivered"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type pongReply struct {
	Status   string    `json:"status"`
	ServerTS time.Time `json:"server_ts"`
}

type readFrame struct {
	MessageID int64 `json:"message_id"`
}

type readReply struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id"`
}

func reply(h session.Handle, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return apperr.Internal(err)
	}
	// A full or closed buffer only loses this reply; the read loop will
	// notice a dead connection on its own.
	_ = h.Send(b)
	return nil
}

// HandleSend processes a message frame from h's user.
func (s *Service) HandleSend(ctx context.Context, h session.Handle, raw json.RawMessage) error {
	var f sendFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return apperr.InvalidArgument("malformed message frame")
	}
	if f.SenderID != h.UserID() {
		return apperr.Forbidden("sender_id does not match the authenticated user")
	}
	out, err := s.Send(ctx, SendRequest{
		SenderID:          f.SenderID,
		ReceiverID:        f.ReceiverID,
		Content:           f.Content,
		ClientMsgID:       f.ClientMsgID,
		RequireFriendship: s.cfg.RequireFriendship,
	})
	if err != nil {
		return err
	}
	return reply(h, &Ack{
		Status:      "sent",
		MessageID:   out.Message.ID,
		Delivered:   out.Delivered,
		ClientMsgID: f.ClientMsgID,
	})
}

// HandlePing answers a ping frame.
func (s *Service) HandlePing(_ context.Context, h session.Handle, _ json.RawMessage) error {
	return reply(h, &pongReply{Status: "pong", ServerTS: time.Now().UTC()})
}

// HandleRead marks one received message read.
func (s *Service) HandleRead(ctx context.Context, h session.Handle, raw json.RawMessage) error {
	var f readFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.MessageID <= 0 {
		return apperr.InvalidArgument("malformed read frame")
	}
	if _, err := s.MarkRead(ctx, h.UserID(), f.MessageID); err != nil {
		return err
	}
	return reply(h, &readReply{Status: "read", MessageID: f.MessageID})
}
