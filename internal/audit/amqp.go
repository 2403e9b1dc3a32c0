package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig: параметры публикации записей в RabbitMQ.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// AMQPSink публикует каждую запись как persistent JSON-сообщение в fanout exchange.
type AMQPSink struct {
	mu       sync.Mutex // amqp.Channel не потокобезопасен для публикации
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPSink подключается и объявляет exchange, очередь и привязку.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp: url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

func declareTopology(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare exchange: %w", err)
	}
	if cfg.Queue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, "", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind queue: %w", err)
	}
	return nil
}

// WriteBatch реализует audit.Sink.
func (s *AMQPSink) WriteBatch(ctx context.Context, records []domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		msg, err := NewPublishing(&records[i])
		if err != nil {
			return err
		}
		if err := s.ch.PublishWithContext(ctx, s.exchange, "", false, false, msg); err != nil {
			return fmt.Errorf("amqp: publish %s: %w", records[i].ID, err)
		}
	}
	return nil
}

// NewPublishing: сообщение для одной записи аудита.
func NewPublishing(rec *domain.PaymentRecord) (amqp.Publishing, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("amqp: encode record: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.Timestamp,
		Type:         "aperture.payment_record",
		Headers: amqp.Table{
			"agent_id": rec.AgentID,
			"decision": string(rec.Decision),
			"reason":   string(rec.Reason),
		},
		Body: body,
	}, nil
}

func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
