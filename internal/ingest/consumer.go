package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrInvalidPing = errors.New("invalid location ping")

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Locator receives decoded positions, usually a presence store.
type Locator interface {
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	if topic == "" {
		topic = DefaultTopic
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

type Consumer struct {
	reader Reader
	sink   Locator
	log    *slog.Logger

	Attempts   int
	Delay      time.Duration
	MaxBackoff time.Duration
}

func NewConsumer(r Reader, sink Locator, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{reader: r, sink: sink, log: log, Attempts: 3, Delay: 200 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

// Run consumes until ctx is done. Offsets are committed after each message
// is handled, including undecodable ones, so a poison message is skipped
// rather than replayed forever.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka fetch failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, c.MaxBackoff)
			continue
		}
		backoff = time.Second

		if err := c.Handle(ctx, m); err != nil {
			c.log.Warn("location ping dropped", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Error("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	observability.IngestMessages.WithLabelValues("consumed").Inc()
	p, err := decodePing(m.Value)
	if err != nil {
		observability.IngestMessages.WithLabelValues("invalid").Inc()
		return err
	}
	if err := c.apply(ctx, p); err != nil {
		observability.IngestMessages.WithLabelValues("failed").Inc()
		return fmt.Errorf("driver %s: %w", p.DriverID, err)
	}
	observability.IngestMessages.WithLabelValues("applied").Inc()
	return nil
}

func (c *Consumer) apply(ctx context.Context, p models.LocationPing) error {
	delay := c.Delay
	var err error
	for i := 0; i < max(c.Attempts, 1); i++ {
		if err = c.sink.UpdateLocation(ctx, p.DriverID, p.Loc); err == nil {
			return nil
		}
		if i < c.Attempts-1 && !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func decodePing(b []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPing, err)
	}
	if p.DriverID == "" || !p.Loc.Valid() {
		return p, fmt.Errorf("%w: driver %q at %v", ErrInvalidPing, p.DriverID, p.Loc)
	}
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
