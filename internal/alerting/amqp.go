package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"relayer-monitor/internal/config"
	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/storage"
)

// AMQPPublisher publishes alerts to a topic exchange with routing key
// alerts.<severity>.<type>.
type AMQPPublisher struct {
	uri      string
	exchange string
	logger   zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan *amqp.Error
}

var _ Notifier = (*AMQPPublisher)(nil)

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg config.AMQPConfig, logger zerolog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		uri:      cfg.URL,
		exchange: cfg.Exchange,
		logger:   logging.Component(logger, "alert_amqp"),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.uri)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn, p.ch = conn, ch
	p.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// Name identifies the channel in metrics.
func (p *AMQPPublisher) Name() string { return "amqp" }

// Notify publishes the record as JSON. A closed connection is re-dialled once.
func (p *AMQPPublisher) Notify(_ context.Context, record storage.AlertRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := amqp.Publishing{
		Headers:      amqp.Table{"x-alert-type": record.Type},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    fmt.Sprintf("%d", record.ID),
		Body:         body,
	}
	key := fmt.Sprintf("alerts.%s.%s", record.Severity, record.Type)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive() {
		if err := p.connect(); err != nil {
			return err
		}
	}
	if err := p.ch.Publish(p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	p.logger.Debug().Str("routing_key", key).Int64("alert_id", record.ID).Msg("alert published")
	return nil
}

func (p *AMQPPublisher) alive() bool {
	if p.conn == nil {
		return false
	}
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
