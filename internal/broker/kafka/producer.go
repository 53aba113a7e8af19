package kafka

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/BearBump/ShipBox/internal/broker/messages"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	w messageWriter
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}); err != nil {
		return errors.Wrap(err, "kafka publish")
	}
	return nil
}

// PublishShipmentUpdated keys the message by shipment id so updates for one
// shipment land on one partition and stay ordered.
func (p *Producer) PublishShipmentUpdated(ctx context.Context, topic string, msg messages.ShipmentUpdated) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal shipment update")
	}
	return p.Publish(ctx, topic, []byte(msg.ShipmentID.String()), value)
}
