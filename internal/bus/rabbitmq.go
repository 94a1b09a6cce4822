// Package bus relays ride lifecycle events to RabbitMQ for reporting consumers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts = 5
	dialInterval = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

var ErrNotConnected = errors.New("rabbitmq not connected")

// RoutingKey is ride.<suffix>, e.g. ride.accepted.
func RoutingKey(suffix string) string { return "ride." + suffix }

// Publisher owns one connection and a publishing channel, redialing in the
// background when the broker drops it.
type Publisher struct {
	url      string
	exchange string
	log      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	ch          *amqp.Channel
	notifyClose chan *amqp.Error
	done        chan struct{}
	closeOnce   sync.Once
}

func NewPublisher(url, exchange string, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{url: url, exchange: exchange, log: log, done: make(chan struct{})}
	var err error
	for i := 0; i < dialAttempts; i++ {
		if err = p.connect(); err == nil {
			go p.reconnectLoop()
			return p, nil
		}
		log.Warn("rabbitmq connect failed", "attempt", i+1, "error", err)
		time.Sleep(dialInterval)
	}
	return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", dialAttempts, err)
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	notify := make(chan *amqp.Error, 1)
	conn.NotifyClose(notify)

	p.mu.Lock()
	p.conn, p.ch, p.notifyClose = conn, ch, notify
	p.mu.Unlock()
	p.log.Info("rabbitmq connected", "exchange", p.exchange)
	return nil
}

func (p *Publisher) reconnectLoop() {
	for {
		p.mu.RLock()
		notify := p.notifyClose
		p.mu.RUnlock()
		select {
		case <-p.done:
			return
		case err, ok := <-notify:
			if !ok || err == nil {
				return
			}
			p.log.Error("rabbitmq connection lost", "error", err)
			p.mu.Lock()
			p.conn, p.ch = nil, nil
			p.mu.Unlock()

			backoff := time.Second
			for {
				select {
				case <-p.done:
					return
				case <-time.After(backoff):
				}
				if err := p.connect(); err != nil {
					p.log.Warn("rabbitmq reconnect failed", "error", err, "backoff", backoff)
					backoff = min(backoff*2, maxBackoff)
					continue
				}
				break
			}
		}
	}
}

// Publish JSON-encodes body and sends it persistently under key.
func (p *Publisher) Publish(ctx context.Context, key string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
}

func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn != nil {
			err = p.conn.Close()
		}
		p.conn, p.ch = nil, nil
	})
	return err
}
