package events

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/kasuganosora/dmchat/cache"
	"github.com/kasuganosora/dmchat/model"
)

// TypeMessageCreated is the only event type emitted today.
const TypeMessageCreated = "message.created"

// Event is the envelope written to every sink.
type Event struct {
	Type    string         `json:"type"`
	Message *model.Message `json:"message"`
}

// Publisher fans a stored message out to downstream consumers. Publishing is
// best-effort: callers log the error and carry on.
type Publisher interface {
	MessageCreated(ctx context.Context, msg *model.Message) error
	Close() error
}

// InboxChannel is the pub/sub channel carrying events addressed to userID.
func InboxChannel(userID int64) string {
	return "inbox:" + strconv.FormatInt(userID, 10)
}

// Encode renders msg as a message.created envelope.
func Encode(msg *model.Message) ([]byte, error) {
	return json.Marshal(&Event{Type: TypeMessageCreated, Message: msg})
}

// PubSub publishes to the receiver's inbox channel so SSE streams on any
// node can pick it up.
type PubSub struct {
	ps cache.PubSub
}

func NewPubSub(ps cache.PubSub) *PubSub { return &PubSub{ps: ps} }

func (p *PubSub) MessageCreated(ctx context.Context, msg *model.Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.ps.Publish(ctx, InboxChannel(msg.ReceiverID), string(b))
}

func (p *PubSub) Close() error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) MessageCreated(ctx context.Context, msg *model.Message) error {
	var errs []error
	for _, p := range m {
		if err := p.MessageCreated(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MessageCreated(context.Context, *model.Message) error { return nil }
func (Nop) Close() error                                         { return nil }
