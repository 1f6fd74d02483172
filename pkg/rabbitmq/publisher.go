package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"media-hls/config"
	"media-hls/dto"
)

const (
	StatusExchange     = "video_status_exchange"
	statusRoutingKey   = "video.status.%s"
	publishTimeout     = 5 * time.Second
	statusEventContent = "application/json"
)

// StatusPublisher sends status transitions to a topic exchange.
type StatusPublisher struct {
	conn *amqp.Connection
	cfg  *config.RabbitMQ

	mu sync.Mutex
	ch *amqp.Channel
}

func NewStatusPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) *StatusPublisher {
	return &StatusPublisher{conn: conn, cfg: cfg}
}

// StatusRoutingKey is the routing key for events carrying status.
func StatusRoutingKey(event dto.StatusEventMessage) string {
	return fmt.Sprintf(statusRoutingKey, event.Status.String())
}

func (p *StatusPublisher) Notify(ctx context.Context, event dto.StatusEventMessage) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = ch.PublishWithContext(ctx, StatusExchange, StatusRoutingKey(event), false, false, amqp.Publishing{
		ContentType:  statusEventContent,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.UpdatedAt,
		Body:         body,
	})
	if err != nil {
		// drop the channel so the next event reopens it
		_ = ch.Close()
		p.ch = nil
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("job_id", event.Name).Str("status", event.Status.String()).Msg("status event published")
	return nil
}

func (p *StatusPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	kind := p.cfg.Kind
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	if err := ch.ExchangeDeclare(StatusExchange, kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *StatusPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

// PublishEncodeRequest sends msg to the exchange the encode-request consumer is bound to.
func PublishEncodeRequest(ctx context.Context, conn *amqp.Connection, cfg *config.RabbitMQ, msg dto.EncodeRequestMessage) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	kind := cfg.Kind
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	b := EncodeRequestBinding
	if err := ch.ExchangeDeclare(b.Exchange, kind, true, false, false, false, nil); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, b.Exchange, b.RoutingKey, false, false, amqp.Publishing{
		ContentType:  statusEventContent,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
