package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"graph_collector/internal/domain"
	"graph_collector/internal/ratelimit"
)

// RabbitMQ publishes records to a durable direct exchange. Consumers declare
// and bind their own queues; the routing key is the record's schema tag.
type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

func NewRabbitMQ(cfg RabbitMQConfig, limiter *ratelimit.Limiter, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("connected to rabbitmq", "exchange", cfg.Exchange)

	return &RabbitMQ{
		conn:     conn,
		channel:  ch,
		exchange: cfg.Exchange,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

type RecordMessage struct {
	SchemaTag    string        `json:"schema_tag"`
	TenantDomain string        `json:"tenant_domain"`
	Record       domain.Record `json:"record"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (r *RabbitMQ) Deliver(ctx context.Context, schemaTag string, record domain.Record) error {
	if err := r.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire rate limit: %w", err)
	}

	tenant, _ := record.Payload["tenant_domain"].(string)
	msg := RecordMessage{
		SchemaTag:    schemaTag,
		TenantDomain: tenant,
		Record:       record,
		Timestamp:    time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		schemaTag,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	r.logger.Debug("published record",
		"schema_tag", schemaTag,
		"record_id", record.ID,
	)

	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
