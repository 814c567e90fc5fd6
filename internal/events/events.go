// Package events は埋め込みジョブの状態変化をメッセージブローカーへ通知します。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event はジョブの状態変化です。
type Event struct {
	EmbeddingID string    `json:"embedding_id"`
	TaskID      string    `json:"task_id,omitempty"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// RoutingKey は embedding.<status> 形式のルーティングキーを返します。
func (e Event) RoutingKey() string {
	return "embedding." + e.Status
}

// Publisher はイベントの送信先です。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop は何も送信しない Publisher です。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher は topic exchange にイベントを発行します。
type RabbitPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	channel  channel
	exchange string
}

// NewRabbitPublisher は RabbitMQ に接続し、exchange を宣言します。
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish はイベントを JSON で送信します。
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		event.RoutingKey(),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
}

// Close はチャネルと接続を閉じます。
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
