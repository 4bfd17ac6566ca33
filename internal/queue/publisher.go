package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxDialTimeout caps the TCP connect plus AMQP handshake.  A shorter ctx
// deadline wins.
const maxDialTimeout = 5 * time.Second

// Publisher sends token events to RabbitMQ.  The connection is dialled on
// first use and reused; any failure drops it so the next publish redials.
// Errors are logged and returned so callers can ignore them without
// interrupting the request that produced the event.  Every publish, including
// the wait for another caller's dial, is bounded by its ctx.
type Publisher struct {
	url string
	log *slog.Logger

	sem  chan struct{} // capacity 1; guards conn and ch
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url string, log *slog.Logger) *Publisher {
	return &Publisher{url: url, log: log, sem: make(chan struct{}, 1)}
}

func (p *Publisher) lock(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) unlock() { <-p.sem }

// dialTimeout returns the time left before ctx expires, capped at
// maxDialTimeout.
func dialTimeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := maxDialTimeout
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return 0, context.DeadlineExceeded
		}
		if left < d {
			d = left
		}
	}
	return d, nil
}

func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	timeout, err := dialTimeout(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(TokenConsumedQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// PublishTokenConsumed publishes ev as a persistent JSON message on the
// token.consumed queue.
func (p *Publisher) PublishTokenConsumed(ctx context.Context, ev TokenConsumedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("rabbitmq: marshal event failed", slog.Any("err", err))
		return err
	}

	if err := p.lock(ctx); err != nil {
		p.log.Warn("rabbitmq: publish skipped, publisher busy", slog.String("code", ev.Code), slog.Any("err", err))
		return err
	}
	defer p.unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		p.log.Warn("rabbitmq: connect failed", slog.Any("err", err))
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		MessageId:    ev.UsageID,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", TokenConsumedQueue, false, false, pub); err != nil {
		p.log.Warn("rabbitmq: publish failed", slog.String("code", ev.Code), slog.Any("err", err))
		p.reset()
		return err
	}
	return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.sem <- struct{}{}
	defer p.unlock()
	p.reset()
	return nil
}
