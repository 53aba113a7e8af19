package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBox/internal/broker/messages"
)

type fakeWriter struct {
	last []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	require.NoError(t, p.Publish(context.Background(), "t", []byte("k"), []byte("v")))
	require.Len(t, fw.last, 1)
	require.Equal(t, "t", fw.last[0].Topic)
	require.Equal(t, []byte("k"), fw.last[0].Key)
	require.Equal(t, []byte("v"), fw.last[0].Value)
}

func TestProducer_PublishShipmentUpdated_KeyedByShipmentID(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	id := uuid.New()
	msg := messages.ShipmentUpdated{
		ShipmentID:  id,
		CheckedAt:   time.Now().UTC(),
		Status:      "delivered",
		NextCheckAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, p.PublishShipmentUpdated(context.Background(), "shipment.updated", msg))

	require.Len(t, fw.last, 1)
	require.Equal(t, "shipment.updated", fw.last[0].Topic)
	require.Equal(t, []byte(id.String()), fw.last[0].Key)

	var decoded messages.ShipmentUpdated
	require.NoError(t, json.Unmarshal(fw.last[0].Value, &decoded))
	require.Equal(t, id, decoded.ShipmentID)
	require.Equal(t, "delivered", decoded.Status)
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	require.NotNil(t, p)
}
