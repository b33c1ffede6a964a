// Package amqp carries run requests to workers and review notices out of
// them over a RabbitMQ direct exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/dvloznov/ledger-reconciler/internal/jobs"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
)

const (
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

// ErrChannelClosed is returned when the broker closes the delivery channel.
var ErrChannelClosed = errors.New("message channel closed")

// RunRequestHandler processes one run request. A returned error requeues the message.
type RunRequestHandler func(ctx context.Context, msg *RunRequestMessage) error

type Client struct {
	url          string
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	runQueue     string
	reviewQueue  string
}

// NewClient dials the broker and declares the exchange and both queues.
// An empty reviewQueue disables review notices.
func NewClient(url, exchangeName, runQueue, reviewQueue string) (*Client, error) {
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		runQueue:     runQueue,
		reviewQueue:  reviewQueue,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn, c.channel = conn, channel
	if err := c.setup(); err != nil {
		c.Close()
		return fmt.Errorf("setup exchange and queues: %w", err)
	}
	return nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.runQueue, c.reviewQueue} {
		if queue == "" {
			continue
		}
		if _, err := c.channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		// Routing key is the queue name on the direct exchange.
		if err := c.channel.QueueBind(queue, queue, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	// One unacknowledged run at a time per worker.
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// PublishRunRequest publishes a run request to the run queue.
func (c *Client) PublishRunRequest(ctx context.Context, msg *RunRequestMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, c.runQueue, body); err != nil {
		return err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("job_id", msg.JobID).
		Str("source", msg.Source).
		Str("exchange", c.exchangeName).
		Str("queue", c.runQueue).
		Msg("Published run request")
	return nil
}

// PublishReconcile implements jobs.Publisher over the run queue.
func (c *Client) PublishReconcile(ctx context.Context, job *jobs.ReconcileJob) error {
	return c.PublishRunRequest(ctx, NewRunRequestMessage(job.JobID, job.Source, job.Raws))
}

// PublishReviewNotices publishes one message per review item of a run.
func (c *Client) PublishReviewNotices(ctx context.Context, runID string, items []pipeline.ReviewItem) error {
	if c.reviewQueue == "" {
		return nil
	}
	now := time.Now().UTC()
	for _, item := range items {
		msg := &ReviewNoticeMessage{RunID: runID, ReviewItem: item, Timestamp: now}
		body, err := msg.ToJSON()
		if err != nil {
			return fmt.Errorf("marshal review notice: %w", err)
		}
		if err := c.publish(ctx, c.reviewQueue, body); err != nil {
			return fmt.Errorf("review notice %s/%s: %w", item.Platform, item.TransactionID, err)
		}
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("run_id", runID).
		Int("count", len(items)).
		Str("queue", c.reviewQueue).
		Msg("Published review notices")
	return nil
}

// ConsumeRunRequests delivers run requests to handler until ctx ends or the
// channel closes. Messages are acked on success, requeued on handler error
// and dropped when they cannot be decoded.
func (c *Client) ConsumeRunRequests(ctx context.Context, handler RunRequestHandler) error {
	log := logger.WithComponent(logger.FromContext(ctx), "amqp")

	msgs, err := c.channel.Consume(
		c.runQueue, // queue
		"",         // consumer
		false,      // auto-ack (we want manual ack)
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	log.Info().Str("queue", c.runQueue).Msg("Started consuming run requests")

	for {
		select {
		case <-ctx.Done():
			log.Info().Err(ctx.Err()).Msg("Stopping message consumption")
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return ErrChannelClosed
			}

			msg, err := RunRequestMessageFromJSON(delivery.Body)
			if err != nil {
				log.Error().Err(err).Msg("Failed to unmarshal run request")
				_ = delivery.Nack(false, false) // reject and don't requeue
				continue
			}

			mlog := log.With().Str("job_id", msg.JobID).Str("source", msg.Source).Logger()
			mlog.Info().Msg("Processing run request")

			if err := handler(logger.WithContext(ctx, mlog), msg); err != nil {
				mlog.Error().Err(err).Bool("redelivered", delivery.Redelivered).Msg("Failed to handle run request")
				// A request that already failed once is dropped instead of looping.
				_ = delivery.Nack(false, !delivery.Redelivered)
				continue
			}

			_ = delivery.Ack(false)
			mlog.Info().Msg("Run request processed")
		}
	}
}

// ConsumeWithReconnect runs ConsumeRunRequests and re-dials after connection
// failures with exponential backoff, until ctx ends.
func (c *Client) ConsumeWithReconnect(ctx context.Context, handler RunRequestHandler) error {
	log := logger.WithComponent(logger.FromContext(ctx), "amqp")
	attempt := 0
	for {
		err := c.ConsumeRunRequests(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		log.Warn().Err(err).Dur("backoff", wait).Int("attempt", attempt).Msg("AMQP connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		c.Close()
		if err := c.connect(); err != nil {
			log.Error().Err(err).Msg("Reconnect failed")
			attempt++
			continue
		}
		attempt = 0
	}
}

// exponentialBackoff doubles from one second, capped at 30 seconds.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChannelClosed) || errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "closed", "eof", "broken pipe", "reset by peer"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ jobs.Publisher = (*Client)(nil)
