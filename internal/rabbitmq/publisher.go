package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"messaging-service/internal/observability"
)

// Publisher fans service events (websocket lifecycle, audit trail) onto the
// platform event bus. Publishing is best-effort; callers never fail a
// request because a publish failed.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is
// disabled or unreachable.
func NewPublisher(amqpURL, exchange string, log *zap.SugaredLogger) Publisher {
	if amqpURL == "" {
		log.Infow("rabbitmq disabled, using noop", "reason", "empty amqp url")
		return noopPublisher{log: log, reason: "empty amqp url"}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Warnw("rabbitmq disabled, using noop", "error", err)
		return noopPublisher{log: log, reason: err.Error()}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Warnw("rabbitmq disabled, using noop", "error", err)
		_ = conn.Close()
		return noopPublisher{log: log, reason: err.Error()}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Warnw("rabbitmq disabled, using noop", "error", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{log: log, reason: err.Error()}
	}

	log.Infow("rabbitmq connected", "exchange", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, log: log}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *zap.SugaredLogger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	amqpHeaders := amqp.Table{}
	for key, value := range headers {
		amqpHeaders[key] = value
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqpHeaders,
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		p.log.Warnw("rabbitmq publish failed", "routing_key", routingKey, "error", err)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	log    *zap.SugaredLogger
	reason string
}

func (n noopPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	n.log.Debugw("rabbitmq noop publish", "routing_key", routingKey)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// Mode reports the publisher mode for startup logging.
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}
