package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"media-hls/config"
)

const handleTries = 5

// Binding names the exchange, queue and dead-letter topology a consumer declares.
type Binding struct {
	Exchange      string
	Queue         string
	RoutingKey    string
	DLX           string
	DLQ           string
	DLQRoutingKey string
}

// EncodeRequestBinding is the topology for remote encode requests.
var EncodeRequestBinding = Binding{
	Exchange:      "encoding_exchange",
	Queue:         "encoding_queue",
	RoutingKey:    "encoding.request",
	DLX:           "encoding_exchange_dlx",
	DLQ:           "encoding_queue_dlq",
	DLQRoutingKey: "dlq.encoding.request",
}

type Consumer[T any] interface {
	Consume(ctx context.Context, dependencies T) error
}

type consumer[T any] struct {
	conn       *amqp.Connection
	cfg        *config.RabbitMQ
	binding    Binding
	handler    func(ctx context.Context, msg amqp.Delivery, dependencies T) error
	numWorkers int
}

func (c consumer[T]) Consume(ctx context.Context, dependencies T) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	b := c.binding
	err = ch.ExchangeDeclare(b.Exchange, c.cfg.Kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("exchange", b.Exchange).Msg("failed to declare exchange")
		return err
	}

	err = ch.ExchangeDeclare(b.DLX, c.cfg.Kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("exchange", b.DLX).Msg("failed to declare dlx")
		return err
	}

	dlq, err := ch.QueueDeclare(b.DLQ, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", b.DLQ).Msg("failed to declare dlq")
		return err
	}

	err = ch.QueueBind(dlq.Name, b.DLQRoutingKey, b.DLX, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", b.DLQ).Msg("failed to bind dlq")
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    b.DLX,
		"x-dead-letter-routing-key": b.DLQRoutingKey,
	}
	q, err := ch.QueueDeclare(b.Queue, true, false, false, false, args)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", b.Queue).Msg("failed to declare queue")
		return err
	}

	err = ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", b.Queue).Msg("failed to bind queue")
		return err
	}

	err = ch.Qos(c.numWorkers, 0, false)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", b.Queue).Msg("failed to set QoS")
		return err
	}

	deliveries, err := ch.Consume(b.Queue, "", false, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", b.Queue).Msg("failed to consume queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", b.Queue).
		Str("exchange", b.Exchange).
		Str("routing_key", b.RoutingKey).
		Int("workers", c.numWorkers).
		Msg("consumer started")

	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			for msg := range jobs {
				c.deliver(ctx, workerId, msg, dependencies)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}

			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

// deliver retries the handler and dead-letters the message once retries run out.
// Handlers return backoff.Permanent for messages that can never succeed.
func (c consumer[T]) deliver(ctx context.Context, workerId int, msg amqp.Delivery, dependencies T) {
	operation := func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, msg, dependencies)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(handleTries))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", workerId).Msg("failed to handle message after all retries")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			zerolog.Ctx(ctx).Error().Err(nackErr).Msg("failed to nack message to send to DLQ")
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		zerolog.Ctx(ctx).Error().Err(ackErr).Msg("failed to acknowledge message")
	}
}

func NewConsumer[T any](
	conn *amqp.Connection,
	cfg *config.RabbitMQ,
	binding Binding,
	numWorkers int,
	handler func(ctx context.Context, msg amqp.Delivery, dependencies T) error,
) Consumer[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &consumer[T]{
		conn:       conn,
		cfg:        cfg,
		binding:    binding,
		handler:    handler,
		numWorkers: numWorkers,
	}
}
