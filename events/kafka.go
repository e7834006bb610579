package events

import (
	"context"
	"strconv"
	"time"

	"github.com/kasuganosora/dmchat/model"
	k "github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer we use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...k.Message) error
	Close() error
}

// Kafka writes message.created events keyed by receiver id, so a consumer
// partition sees one user's inbox in order.
type Kafka struct {
	w messageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	w := &k.Writer{
		Addr:         k.TCP(brokers...),
		Topic:        topic,
		Balancer:     &k.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: k.RequireOne,
		Async:        true,
	}
	return &Kafka{w: w}
}

func (p *Kafka) MessageCreated(ctx context.Context, msg *model.Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, k.Message{
		Key:   []byte(strconv.FormatInt(msg.ReceiverID, 10)),
		Value: b,
		Time:  msg.Timestamp,
		Headers: []k.Header{
			{Key: "type", Value: []byte(TypeMessageCreated)},
		},
	})
}

func (p *Kafka) Close() error { return p.w.Close() }
