// Package ingest moves driver location pings through Kafka: the API
// process produces them and the consumer process folds them into presence.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultTopic = "driver-locations"

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaProducer keys messages by driver so one driver's pings stay ordered
// within a partition.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	msg, err := encodePing(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func encodePing(p models.LocationPing) (kafka.Message, error) {
	if p.DriverID == "" {
		return kafka.Message{}, fmt.Errorf("%w: driver id is required", ErrInvalidPing)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode ping: %w", err)
	}
	return kafka.Message{Key: []byte(p.DriverID), Value: b, Time: p.At}, nil
}
